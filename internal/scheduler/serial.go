package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fieldcore/driveragent/internal/equipment"
	"github.com/fieldcore/driveragent/internal/ports"
)

// SerialPollScheduler polls each device with its own independent one-shot
// timer instead of batching devices onto a shared hyperperiod. It is the
// pluggable minimal alternative named in spec.md §9 — no coprime
// partitioning, no hyperperiod, one goroutine per device.
type SerialPollScheduler struct {
	poll    PollFunc
	onEvent OnEvent

	mu        sync.Mutex
	intervals map[equipment.Handle]time.Duration
	cancel    map[equipment.Handle]context.CancelFunc
}

// NewSerialPollScheduler constructs an empty SerialPollScheduler.
func NewSerialPollScheduler(poll PollFunc, onEvent OnEvent) *SerialPollScheduler {
	return &SerialPollScheduler{
		poll:      poll,
		onEvent:   onEvent,
		intervals: make(map[equipment.Handle]time.Duration),
		cancel:    make(map[equipment.Handle]context.CancelFunc),
	}
}

func (s *SerialPollScheduler) AddToSchedule(device equipment.Handle, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: interval must be positive, got %v", interval)
	}
	s.mu.Lock()
	s.intervals[device] = interval
	s.mu.Unlock()
	logEvent(s.onEvent, "device_added", map[string]any{"device": device, "interval": interval})
	return nil
}

func (s *SerialPollScheduler) RemoveFromSchedule(device equipment.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.intervals, device)
	if cancel, ok := s.cancel[device]; ok {
		cancel()
		delete(s.cancel, device)
	}
	logEvent(s.onEvent, "device_removed", map[string]any{"device": device})
	return nil
}

// Schedule is a no-op for SerialPollScheduler: there is no shared plan to
// rebuild, only per-device timers started by Operate. It returns the
// longest registered interval as a nominal "hyperperiod" for callers that
// log or display it.
func (s *SerialPollScheduler) Schedule() (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var longest time.Duration
	for _, d := range s.intervals {
		if d > longest {
			longest = d
		}
	}
	return longest, nil
}

// Operate starts one independent timer chain per currently-registered
// device and blocks until ctx is canceled.
func (s *SerialPollScheduler) Operate(ctx context.Context, timer ports.Timer) {
	s.mu.Lock()
	devices := make([]equipment.Handle, 0, len(s.intervals))
	for d := range s.intervals {
		devices = append(devices, d)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, dev := range devices {
		devCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.cancel[dev] = cancel
		interval := s.intervals[dev]
		s.mu.Unlock()

		wg.Add(1)
		go func(dev equipment.Handle, interval time.Duration) {
			defer wg.Done()
			for {
				select {
				case <-devCtx.Done():
					return
				case <-timer.After(interval):
				}
				if s.poll != nil {
					s.poll(devCtx, []equipment.Handle{dev})
				}
			}
		}(dev, interval)
	}
	wg.Wait()
}
