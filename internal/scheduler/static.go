package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fieldcore/driveragent/internal/equipment"
	"github.com/fieldcore/driveragent/internal/ports"
)

// StaticCyclicPollScheduler builds one hyperperiod-length cyclic schedule
// from the polling intervals of every registered device, then walks it tick
// by tick via a one-shot timer chain (spec.md §4.4). Devices sharing an
// interval are split into parallel subgroups and given coprime-spaced tick
// offsets so they don't all poll on the same tick of the hyperperiod —
// without that spread, two intervals with a common factor (e.g. every
// device polling on a multiple of 10s) would pile every device from every
// group onto tick zero.
type StaticCyclicPollScheduler struct {
	baseTick time.Duration
	// parallelSubgroups bounds how many distinct tick offsets devices
	// sharing one interval are spread across (the parallel_subgroups
	// config key).
	parallelSubgroups int
	poll              PollFunc
	publish           PublishFunc
	onEvent           OnEvent

	mu         sync.Mutex
	intervals  map[equipment.Handle]int64 // device -> interval in ticks
	order      []equipment.Handle         // insertion order, for stable subgroup assignment

	hyperperiod int64                          // ticks
	offsets     map[equipment.Handle]deviceTick // built by Schedule()

	// subsetHyperperiods records, for diagnostics, the coprime-partitioned
	// per-subset hyperperiods computed alongside the overall hyperperiod
	// (spec.md §4.4 steps 1-2). It does not feed into offset assignment;
	// the externally observed Hyperperiod() remains the LCM of every
	// distinct interval.
	subsetHyperperiods []int64
}

type deviceTick struct {
	intervalTicks int64
	offset        int64
}

// Config bundles StaticCyclicPollScheduler construction parameters.
type Config struct {
	BaseTick          time.Duration
	ParallelSubgroups int
	Poll              PollFunc
	Publish           PublishFunc
	OnEvent           OnEvent
}

// NewStaticCyclicPollScheduler constructs an empty scheduler. BaseTick is
// the scheduler's tick granularity (typically minimum_polling_interval,
// spec.md §6.1); every device interval is rounded up to the nearest
// multiple of it.
func NewStaticCyclicPollScheduler(cfg Config) *StaticCyclicPollScheduler {
	subgroups := cfg.ParallelSubgroups
	if subgroups < 1 {
		subgroups = 1
	}
	return &StaticCyclicPollScheduler{
		baseTick:          cfg.BaseTick,
		parallelSubgroups: subgroups,
		poll:              cfg.Poll,
		publish:           cfg.Publish,
		onEvent:           cfg.OnEvent,
		intervals:         make(map[equipment.Handle]int64),
	}
}

func (s *StaticCyclicPollScheduler) ticksFor(interval time.Duration) int64 {
	if s.baseTick <= 0 {
		return 1
	}
	n := int64(interval / s.baseTick)
	if interval%s.baseTick != 0 {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}

// AddToSchedule registers device at the given polling interval. Calling it
// again for an already-scheduled device updates its interval in place;
// the new schedule only takes effect after the next Schedule() call.
func (s *StaticCyclicPollScheduler) AddToSchedule(device equipment.Handle, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: interval must be positive, got %v", interval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.intervals[device]; !exists {
		s.order = append(s.order, device)
	}
	s.intervals[device] = s.ticksFor(interval)
	logEvent(s.onEvent, "device_added", map[string]any{"device": device, "interval": interval})
	return nil
}

// RemoveFromSchedule unregisters device. Removing an unknown device is a
// no-op.
func (s *StaticCyclicPollScheduler) RemoveFromSchedule(device equipment.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.intervals[device]; !exists {
		return nil
	}
	delete(s.intervals, device)
	for i, h := range s.order {
		if h == device {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	logEvent(s.onEvent, "device_removed", map[string]any{"device": device})
	return nil
}

// separateCoprimes partitions the distinct intervals into subsets
// (spec.md §4.4 step 1): iteratively take the largest not-yet-placed
// interval as a seed, pull in every remaining interval sharing a common
// factor with it (an interval of 1 joins any seed), and repeat with
// whatever is left as the next seed set. Each member shares a factor with
// its subset's seed; two non-seed members may still be coprime with each
// other (6, 3 and 2 form one subset). intervals must already be
// deduplicated; the returned subsets are sorted ascending within
// themselves, seeds chosen largest-first.
func separateCoprimes(intervals []int64) [][]int64 {
	remaining := append([]int64(nil), intervals...)
	sort.Slice(remaining, func(i, j int) bool { return remaining[i] > remaining[j] })

	var subsets [][]int64
	for len(remaining) > 0 {
		seed := remaining[0]
		subset := []int64{seed}
		var rest []int64
		for _, v := range remaining[1:] {
			if gcd(seed, v) == 1 && seed != 1 && v != 1 {
				rest = append(rest, v)
			} else {
				subset = append(subset, v)
			}
		}
		sort.Slice(subset, func(i, j int) bool { return subset[i] < subset[j] })
		subsets = append(subsets, subset)
		remaining = rest
	}
	return subsets
}

// subsetHyperperiod computes one coprime-free subset's hyperperiod (spec.md
// §4.4 step 2): H = LCM(floor(i/m) for i in subset) * m, where m is the
// subset's minimum interval.
func subsetHyperperiod(subset []int64) int64 {
	if len(subset) == 0 {
		return 1
	}
	m := subset[0]
	for _, v := range subset[1:] {
		if v < m {
			m = v
		}
	}
	if m <= 0 {
		return 1
	}
	quotients := make([]int64, len(subset))
	for i, v := range subset {
		quotients[i] = v / m
	}
	return lcmAll(quotients) * m
}

// coprimeGenerator returns an integer g with 1 <= g < n and gcd(g, n) == 1,
// searching outward from the golden-ratio point of n so that the sequence
// g, 2g, 3g, ... (mod n) visits distinct residues in a well-spread order
// before it ever repeats — the same spreading property Fibonacci hashing
// exploits for bucket placement. Falls back to 1 if n <= 2.
func coprimeGenerator(n int64) int64 {
	if n <= 2 {
		return 1
	}
	start := int64(float64(n) * 0.618)
	for offset := int64(0); offset < n; offset++ {
		for _, candidate := range []int64{start + offset, start - offset} {
			if candidate <= 0 || candidate >= n {
				continue
			}
			if gcd(candidate, n) == 1 {
				return candidate
			}
		}
	}
	return 1
}

// Schedule (re)builds the tick-offset assignment for every registered
// device and recomputes the hyperperiod as the LCM of every distinct
// interval-in-ticks. Devices sharing an interval are split into
// parallelSubgroups subgroups (round-robin by registration order); each
// subgroup k is offset by (k * coprimeGenerator(intervalTicks)) mod
// intervalTicks.
func (s *StaticCyclicPollScheduler) Schedule() (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byInterval := make(map[int64][]equipment.Handle)
	var distinct []int64
	seen := make(map[int64]bool)
	for _, h := range s.order {
		ticks := s.intervals[h]
		byInterval[ticks] = append(byInterval[ticks], h)
		if !seen[ticks] {
			seen[ticks] = true
			distinct = append(distinct, ticks)
		}
	}
	sort.Slice(distinct, func(i, j int) bool { return distinct[i] < distinct[j] })

	offsets := make(map[equipment.Handle]deviceTick, len(s.order))
	for _, ticks := range distinct {
		members := byInterval[ticks]
		subgroups := s.parallelSubgroups
		if int64(subgroups) > ticks {
			subgroups = int(ticks)
		}
		if subgroups < 1 {
			subgroups = 1
		}
		g := coprimeGenerator(ticks)
		for i, dev := range members {
			k := int64(i % subgroups)
			offset := (k * g) % ticks
			offsets[dev] = deviceTick{intervalTicks: ticks, offset: offset}
		}
	}

	hyperperiod := lcmAll(distinct)
	if hyperperiod == 0 {
		hyperperiod = 1
	}

	subsets := separateCoprimes(distinct)
	subsetHPs := make([]int64, len(subsets))
	for i, subset := range subsets {
		subsetHPs[i] = subsetHyperperiod(subset)
	}

	s.offsets = offsets
	s.hyperperiod = hyperperiod
	s.subsetHyperperiods = subsetHPs

	logEvent(s.onEvent, "schedule_rebuilt", map[string]any{
		"devices":     len(s.order),
		"hyperperiod": hyperperiod,
	})
	return time.Duration(hyperperiod) * s.baseTick, nil
}

// DueAt returns every device whose offset matches tick modulo its interval,
// for tick in [0, hyperperiod).
func (s *StaticCyclicPollScheduler) DueAt(tick int64) []equipment.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []equipment.Handle
	for dev, dt := range s.offsets {
		if ((tick - dt.offset) % dt.intervalTicks) == 0 {
			due = append(due, dev)
		}
	}
	return due
}

// Hyperperiod returns the last-built hyperperiod in ticks.
func (s *StaticCyclicPollScheduler) Hyperperiod() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hyperperiod
}

// SubsetHyperperiods returns the per-coprime-subset hyperperiods computed
// by the last Schedule() call, in the same seed-largest-first order
// separateCoprimes produces.
func (s *StaticCyclicPollScheduler) SubsetHyperperiods() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.subsetHyperperiods))
	copy(out, s.subsetHyperperiods)
	return out
}

// Operate runs the one-shot timer chain: on each tick it polls every due
// device via poll, then re-arms itself baseTick later, until ctx is
// canceled. Each iteration is a single timer.After wait rather than a
// ticker, so a slow poll callback naturally delays the next tick instead of
// queueing up missed ticks — the same one-shot re-arm pattern the teacher's
// probe manager uses for its due-check loop.
func (s *StaticCyclicPollScheduler) Operate(ctx context.Context, timer ports.Timer) {
	if _, err := s.Schedule(); err != nil {
		logEvent(s.onEvent, "schedule_error", map[string]any{"error": err.Error()})
		return
	}
	var tick int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.After(s.baseTick):
		}
		hp := s.Hyperperiod()
		if hp <= 0 {
			hp = 1
		}
		due := s.DueAt(tick % hp)
		if len(due) > 0 && s.poll != nil {
			s.poll(ctx, due)
		}
		logEvent(s.onEvent, "poll_tick", map[string]any{"tick": tick % hp, "due": len(due)})
		tick++
	}
}
