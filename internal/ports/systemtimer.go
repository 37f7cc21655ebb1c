package ports

import "time"

// SystemTimer is the real-clock Timer implementation wired into the agent
// process at runtime; tests substitute a virtual-clock fake against the
// same interface to drive scheduler.Operate deterministically. The
// one-shot time.NewTimer/reset-and-wait shape it backs is the same the
// teacher's scanloop.Run drives directly against the stdlib timer; here
// that reset loop lives in the scheduler itself and SystemTimer only
// supplies the real clock underneath it.
type SystemTimer struct{}

func (SystemTimer) Now() time.Time { return time.Now() }

func (SystemTimer) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (SystemTimer) NewTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}
