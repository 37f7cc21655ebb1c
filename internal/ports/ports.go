// Package ports declares the seams between the core (equipment, remote,
// reservation, scheduler, facade) and everything spec.md places out of
// scope: timers, the message bus, the persisted config document, and
// concrete protocol drivers. Each port is a small interface; production
// wiring and fakes both live outside this package.
package ports

import (
	"context"
	"time"
)

// Timer abstracts wall-clock scheduling so the poll scheduler and
// reservation manager can be driven by a virtual clock in tests, the same
// seam the teacher's scanloop.Run takes a real ticker for but tests can
// substitute a fast interval for.
type Timer interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	// NewTicker returns a channel that fires every d until Stop is called.
	NewTicker(d time.Duration) (c <-chan time.Time, stop func())
}

// Bus abstracts the message-bus transport the core's RPCs and publications
// ride on. The concrete wire protocol is out of scope (spec.md §1); the
// core only needs to call out and be called into.
type Bus interface {
	// Publish emits a message on topic; delivery semantics are the bus's
	// concern.
	Publish(ctx context.Context, topic string, payload any) error
	// Call invokes a remote RPC and decodes its result into result.
	Call(ctx context.Context, method string, args any, result any) error
}

// ConfigStore abstracts the persisted configuration document (spec.md
// §4.3's "single opaque blob... after every accepted mutation"). Get/Set
// operate on named logical blobs ("equipment", "reservations", "config");
// the concrete schema and migration tooling live in internal/configstore.
type ConfigStore interface {
	Get(ctx context.Context, name string) ([]byte, error)
	Set(ctx context.Context, name string, value []byte) error
	Watch(ctx context.Context, name string) (<-chan []byte, error)
}

// Interface is the contract a concrete protocol driver implements to back
// a Remote. Concrete drivers (Modbus, BACnet, ...) are out of scope; this
// core only depends on this shape, the same way the teacher's outbound
// manager depends on adapter.Outbound rather than a concrete proxy
// protocol.
type Interface interface {
	// UniqueRemoteID returns the identity string used to dedupe Remotes
	// constructed from equivalent driver configuration (spec.md §4.2).
	UniqueRemoteID() string
	// Configure applies driver-specific configuration, returning an error
	// if construction should be aborted.
	Configure(ctx context.Context, config map[string]any) error
	// GetMultiplePoints reads points in one batch call, returning a value
	// (or an error) per requested topic.
	GetMultiplePoints(ctx context.Context, topics []string) (map[string]any, map[string]error)
	// SetMultiplePoints writes points in one batch call, returning an
	// error per topic that failed.
	SetMultiplePoints(ctx context.Context, values map[string]any) map[string]error
	// RevertPoint reverts a single point to its default/fallback value.
	RevertPoint(ctx context.Context, topic string) error
	// RevertAll reverts every point the driver knows about.
	RevertAll(ctx context.Context) error
	// ScrapeAll performs one full-device poll, returning every point's
	// current value.
	ScrapeAll(ctx context.Context) (map[string]any, error)
	// Close releases any resources the driver holds.
	Close() error
}

// SemanticResolver resolves a semantic query (e.g. a BRICK/Haystack-style
// tag expression) to a concrete equipment identifier. It is the injected
// dependency behind the facade's semantic_* RPC variants (SPEC_FULL §12).
type SemanticResolver interface {
	Resolve(ctx context.Context, query string) (topic string, err error)
}

// OverrideManager answers whether a topic is currently under a global
// override, per the Open Question resolved in SPEC_FULL §13.
type OverrideManager interface {
	IsOverridden(topic string) bool
}
