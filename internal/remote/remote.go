// Package remote implements the Remote and Remote Registry (C2): one
// Remote per unique driver endpoint, deduplicated by unique_remote_id, with
// refcounted lifetime tied to the equipment nodes that reference it.
package remote

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/fieldcore/driveragent/internal/equipment"
	"github.com/fieldcore/driveragent/internal/model"
	"github.com/fieldcore/driveragent/internal/ports"
)

// UniqueID is the dedup key for a Remote, derived from its driver's
// UniqueRemoteID() string.
type UniqueID string

// buildState tracks whether a Remote's underlying driver has ever been
// successfully constructed. A Remote can exist in the registry (referenced
// by one or more equipment nodes) before its driver construction succeeds,
// and construction failures never panic the service — they are logged and
// leave the Remote unusable until the next poll attempts construction
// again (spec.md §4.2).
type buildState int32

const (
	buildPending buildState = iota
	buildReady
	buildFailed
)

// Remote wraps one concrete Interface driver plus the bookkeeping the
// registry and scheduler need: a reference count, construction state, and
// a heartbeat counter (SPEC_FULL §12).
type Remote struct {
	ID UniqueID

	refs int64 // accessed via atomic helpers below

	mu      sync.Mutex
	state   buildState
	driver  ports.Interface
	lastErr error

	heartbeat      atomic.Int64
	heartbeatTopic string

	onPublish func(equipment.PollSet, map[string]any)
	onCOV     func(topic string, value any)
}

// NewRemote wraps driver, which must already report its intended
// UniqueRemoteID.
func NewRemote(driver ports.Interface) *Remote {
	return &Remote{
		ID:     UniqueID(driver.UniqueRemoteID()),
		driver: driver,
		state:  buildPending,
	}
}

// addRef increments the reference count and returns the new value.
func (r *Remote) addRef() int64 { return atomic.AddInt64(&r.refs, 1) }

// release decrements the reference count and returns the new value.
func (r *Remote) release() int64 { return atomic.AddInt64(&r.refs, -1) }

// RefCount returns the current reference count.
func (r *Remote) RefCount() int64 { return atomic.LoadInt64(&r.refs) }

// SetHeartbeatTopic designates the point TickHeartbeat writes to.
func (r *Remote) SetHeartbeatTopic(topic string) {
	r.mu.Lock()
	r.heartbeatTopic = topic
	r.mu.Unlock()
}

// SetPublishHandler installs the callback PollData invokes with the values
// it scraped, scoped to the PollSet it was given. The scheduler-facing
// caller wires this to the bus transport (spec.md §6.3); nil disables
// publication.
func (r *Remote) SetPublishHandler(fn func(equipment.PollSet, map[string]any)) {
	r.mu.Lock()
	r.onPublish = fn
	r.mu.Unlock()
}

// SetCOVHandler installs the callback PublishCOVValue invokes for an
// asynchronous change-of-value push from the driver, independent of the
// poll cycle (spec.md §4.2).
func (r *Remote) SetCOVHandler(fn func(topic string, value any)) {
	r.mu.Lock()
	r.onCOV = fn
	r.mu.Unlock()
}

// TickHeartbeat increments the heartbeat counter and, if a heartbeat topic
// is configured, writes the new value through the driver. cmd/driveragent's poll
// callback invokes it after each successful PollData of this Remote
// (SPEC_FULL §12), so a wedged driver is
// visible to downstream consumers even when every real point read is
// failing.
func (r *Remote) TickHeartbeat(ctx context.Context) error {
	n := r.heartbeat.Add(1)
	r.mu.Lock()
	topic := r.heartbeatTopic
	driver := r.driver
	r.mu.Unlock()
	if topic == "" || driver == nil {
		return nil
	}
	errs := driver.SetMultiplePoints(ctx, map[string]any{topic: n})
	if err, ok := errs[topic]; ok {
		return err
	}
	return nil
}

// EnsureBuilt configures the driver if it has not already been configured
// successfully, with config. A failed attempt logs a warning and leaves
// the Remote in buildFailed state without aborting the caller — per
// spec.md §4.2, "Remote construction failure... logs a warning and
// aborts... never crashes the service." The next EnsureBuilt call (e.g.
// the next poll cycle) retries.
func (r *Remote) EnsureBuilt(ctx context.Context, config map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == buildReady {
		return nil
	}
	if err := r.driver.Configure(ctx, config); err != nil {
		r.state = buildFailed
		r.lastErr = err
		log.Printf("[remote] construction failed for %s: %v", r.ID, err)
		return model.ProtocolError("", fmt.Sprintf("remote %s construction failed: %v", r.ID, err))
	}
	r.state = buildReady
	r.lastErr = nil
	return nil
}

// Ready reports whether the driver has completed construction.
func (r *Remote) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == buildReady
}

// LastError returns the most recent construction error, if any.
func (r *Remote) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Driver returns the underlying Interface. Callers must not call
// lifecycle methods (Close) on it directly; use the registry's Release.
func (r *Remote) Driver() ports.Interface {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.driver
}

// GetMultiplePoints, SetMultiplePoints, RevertPoint, RevertAll, and
// PollData forward to the underlying driver, failing fast with a
// ProtocolError if construction has not completed.
func (r *Remote) GetMultiplePoints(ctx context.Context, topics []string) (map[string]any, map[string]error) {
	if !r.Ready() {
		errs := make(map[string]error, len(topics))
		for _, t := range topics {
			errs[t] = model.ProtocolError(t, "remote not ready")
		}
		return nil, errs
	}
	return r.Driver().GetMultiplePoints(ctx, topics)
}

func (r *Remote) SetMultiplePoints(ctx context.Context, values map[string]any) map[string]error {
	if !r.Ready() {
		errs := make(map[string]error, len(values))
		for t := range values {
			errs[t] = model.ProtocolError(t, "remote not ready")
		}
		return errs
	}
	return r.Driver().SetMultiplePoints(ctx, values)
}

func (r *Remote) RevertPoint(ctx context.Context, topic string) error {
	if !r.Ready() {
		return model.ProtocolError(topic, "remote not ready")
	}
	return r.Driver().RevertPoint(ctx, topic)
}

func (r *Remote) RevertAll(ctx context.Context) error {
	if !r.Ready() {
		return model.ProtocolError("", "remote not ready")
	}
	return r.Driver().RevertAll(ctx)
}

// PollData scrapes every point the driver exposes, then publishes the
// result for set's eligible buckets through the installed publish handler,
// if any (spec.md §4.4's poll-then-publish step).
func (r *Remote) PollData(ctx context.Context, set equipment.PollSet) (map[string]any, error) {
	if !r.Ready() {
		return nil, model.ProtocolError("", "remote not ready")
	}
	values, err := r.Driver().ScrapeAll(ctx)
	if err != nil {
		return values, err
	}
	r.publish(set, values)
	return values, nil
}

func (r *Remote) publish(set equipment.PollSet, values map[string]any) {
	r.mu.Lock()
	handler := r.onPublish
	r.mu.Unlock()
	if handler == nil {
		return
	}
	handler(set, values)
}

// PublishCOVValue pushes a single asynchronous change-of-value reading
// through the installed COV handler, bypassing the poll/publish-bucket
// path entirely (spec.md §4.2: a driver that supports subscriptions may
// report a changed value between poll slots).
func (r *Remote) PublishCOVValue(topic string, value any) {
	r.mu.Lock()
	handler := r.onCOV
	r.mu.Unlock()
	if handler == nil {
		return
	}
	handler(topic, value)
}

// Close releases the underlying driver's resources.
func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.driver == nil {
		return nil
	}
	return r.driver.Close()
}
