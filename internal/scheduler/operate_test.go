package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fieldcore/driveragent/internal/equipment"
)

// fakeTimer is a virtual clock: After returns a channel the test fires
// manually via fire(), rather than a real time.After. This is the fake
// Timer port the ambient test-tooling convention (SPEC_FULL §10.4) calls
// for in place of real wall-clock waits.
type fakeTimer struct {
	mu  sync.Mutex
	now time.Time
	chs []chan time.Time
}

func newFakeTimer() *fakeTimer {
	return &fakeTimer{now: time.Unix(0, 0)}
}

func (f *fakeTimer) Now() time.Time { return f.now }

func (f *fakeTimer) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.mu.Lock()
	f.chs = append(f.chs, ch)
	f.mu.Unlock()
	return ch
}

func (f *fakeTimer) NewTicker(d time.Duration) (<-chan time.Time, func()) {
	ch := make(chan time.Time, 1)
	return ch, func() {}
}

// fire advances the virtual clock and signals every pending After channel.
func (f *fakeTimer) fire() {
	f.mu.Lock()
	f.now = f.now.Add(time.Second)
	pending := f.chs
	f.chs = nil
	f.mu.Unlock()
	for _, ch := range pending {
		ch <- f.now
	}
}

func TestOperateInvokesPollOnEachTick(t *testing.T) {
	var mu sync.Mutex
	var pollCount int

	s := NewStaticCyclicPollScheduler(Config{
		BaseTick: time.Second,
		Poll: func(ctx context.Context, due []equipment.Handle) {
			mu.Lock()
			pollCount++
			mu.Unlock()
		},
	})
	_ = s.AddToSchedule(1, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	timer := newFakeTimer()

	done := make(chan struct{})
	go func() {
		s.Operate(ctx, timer)
		close(done)
	}()

	// Give Operate a moment to reach its first After() call, then fire
	// three ticks.
	for i := 0; i < 3; i++ {
		waitForPending(t, timer, 1)
		timer.fire()
	}
	cancel()
	waitForPending(t, timer, 1)
	timer.fire()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if pollCount < 3 {
		t.Errorf("expected at least 3 poll invocations, got %d", pollCount)
	}
}

func waitForPending(t *testing.T, f *fakeTimer, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		count := len(f.chs)
		f.mu.Unlock()
		if count >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for scheduler to arm its timer")
}
