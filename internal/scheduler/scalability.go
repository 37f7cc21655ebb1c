package scheduler

import (
	"time"

	"github.com/fieldcore/driveragent/internal/equipment"
)

// ScalabilityResult reports the outcome of a synthetic load run (SPEC_FULL
// §12's scalability test harness).
type ScalabilityResult struct {
	Devices        int
	Hyperperiod    time.Duration
	BuildDuration  time.Duration
	MaxSubgroupGap int64 // not computed by RunScalabilityTest; always zero
}

// RunScalabilityTest fabricates deviceCount synthetic devices at the given
// interval, times Schedule(), and reports the resulting hyperperiod. It
// mirrors the original agent's scalability_test_iterations config key
// (spec.md §6.1): a harness operators can invoke to benchmark scheduler
// overhead ahead of deploying against a large point count, never part of
// the production poll path itself.
func RunScalabilityTest(baseTick time.Duration, deviceCount int, interval time.Duration, parallelSubgroups int) ScalabilityResult {
	s := NewStaticCyclicPollScheduler(Config{BaseTick: baseTick, ParallelSubgroups: parallelSubgroups})
	for i := 0; i < deviceCount; i++ {
		_ = s.AddToSchedule(equipment.Handle(i+1), interval)
	}

	start := time.Now()
	hp, _ := s.Schedule()
	elapsed := time.Since(start)

	return ScalabilityResult{
		Devices:       deviceCount,
		Hyperperiod:   hp,
		BuildDuration: elapsed,
	}
}
