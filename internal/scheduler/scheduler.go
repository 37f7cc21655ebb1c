// Package scheduler implements the Poll Scheduler (C4): cyclic scheduling
// of device polls onto a shared hyperperiod, built from coprime-partitioned
// per-interval subgroups so devices sharing an interval don't all poll on
// the same tick.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/fieldcore/driveragent/internal/equipment"
	"github.com/fieldcore/driveragent/internal/ports"
)

// PollFunc is invoked once per tick with the set of device Handles due to
// be polled on that tick.
type PollFunc func(ctx context.Context, due []equipment.Handle)

// PublishFunc is the type of Config.Publish, a per-device all-publish
// callback (spec.md §4.4's all_depth/all_breadth buckets).
// StaticCyclicPollScheduler stores it but never invokes it: its Operate
// loop only calls the PollFunc, and no all-publish timer is registered.
type PublishFunc func(ctx context.Context, device equipment.Handle)

// OnEvent reports scheduler lifecycle events ("schedule_rebuilt",
// "poll_tick", "device_added", "device_removed") to a host-supplied sink,
// per SPEC_FULL §10.1.
type OnEvent func(kind string, fields map[string]any)

// Scheduler is the contract both poll scheduler implementations satisfy
// (SPEC_FULL §13's SerialPollScheduler decision).
type Scheduler interface {
	AddToSchedule(device equipment.Handle, interval time.Duration) error
	RemoveFromSchedule(device equipment.Handle) error
	// Schedule (re)builds the internal poll plan and returns the resulting
	// hyperperiod. Implementations may call this lazily from Operate.
	Schedule() (time.Duration, error)
	// Operate runs the scheduler's timer loop until ctx is canceled.
	Operate(ctx context.Context, timer ports.Timer)
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	if a < 0 {
		return -a
	}
	return a
}

func lcm(a, b int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	return a / gcd(a, b) * b
}

// lcmAll returns the least common multiple of every distinct value in
// vals, skipping non-positive entries.
func lcmAll(vals []int64) int64 {
	result := int64(1)
	for _, v := range vals {
		if v <= 0 {
			continue
		}
		result = lcm(result, v)
	}
	return result
}

func logEvent(cb OnEvent, kind string, fields map[string]any) {
	if cb != nil {
		cb(kind, fields)
		return
	}
	log.Printf("[scheduler] %s %v", kind, fields)
}
