package remote

import (
	"log"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
)

// Registry deduplicates Remotes by UniqueID, refcounting each against the
// equipment nodes referencing it and destroying it once its refcount
// reaches zero (spec.md §4.2). Pollers are not tracked: a Remote is closed
// at zero refs even if a poll that looked it up is still running. The dedup and
// conditional-delete logic mirrors the teacher's GlobalNodePool
// AddNodeFromSub/RemoveNodeFromSub pair: Acquire/Release below use the same
// xsync.Compute load-or-create and conditional-delete idiom.
type Registry struct {
	remotes *xsync.Map[UniqueID, *Remote]

	// allowDuplicates, when true, skips dedup entirely: each Acquire
	// call gets its own Remote even if another equipment node already
	// references a driver reporting the same UniqueRemoteID. This mirrors
	// the allow_duplicate_remotes config key (spec.md §6.1).
	allowDuplicates bool
}

// NewRegistry constructs an empty registry. allowDuplicates corresponds to
// the agent-wide allow_duplicate_remotes config flag.
func NewRegistry(allowDuplicates bool) *Registry {
	return &Registry{
		remotes:         xsync.NewMap[UniqueID, *Remote](),
		allowDuplicates: allowDuplicates,
	}
}

// OnEvent, when set, is invoked for registry lifecycle events
// ("remote_created", "remote_destroyed"), per SPEC_FULL §10.1's event-hook
// convention.
type OnEvent func(kind string, id UniqueID)

// Acquire returns the Remote for driver's UniqueRemoteID, creating one if
// none exists yet, and increments its reference count. If allowDuplicates
// is set, a fresh Remote is always created and never shared.
func (r *Registry) Acquire(driver interface{ UniqueRemoteID() string }, newRemote func() *Remote, onEvent OnEvent) *Remote {
	if r.allowDuplicates {
		rm := newRemote()
		rm.addRef()
		if onEvent != nil {
			onEvent("remote_created", rm.ID)
		}
		return rm
	}

	id := UniqueID(driver.UniqueRemoteID())
	var created bool
	var out *Remote
	r.remotes.Compute(id, func(existing *Remote, loaded bool) (*Remote, xsync.ComputeOp) {
		if loaded {
			out = existing
			return existing, xsync.UpdateOp
		}
		out = newRemote()
		created = true
		return out, xsync.UpdateOp
	})
	out.addRef()
	if created && onEvent != nil {
		onEvent("remote_created", id)
	}
	return out
}

// Release decrements rm's reference count, destroying and removing it from
// the registry once the count reaches zero. Idempotent: releasing a
// Remote already at zero refs is a safe no-op, matching the teacher's
// idempotent RemoveNodeFromSub.
func (r *Registry) Release(rm *Remote, onEvent OnEvent) {
	if rm == nil {
		return
	}
	n := rm.release()
	if n > 0 {
		return
	}
	if r.allowDuplicates {
		// Duplicate-mode Remotes are never stored in the map, so close this
		// one directly the first time its count reaches zero.
		if n == 0 {
			if err := rm.Close(); err != nil {
				log.Printf("[remote] close failed for %s: %v", rm.ID, err)
			}
			if onEvent != nil {
				onEvent("remote_destroyed", rm.ID)
			}
		}
		return
	}

	var removed bool
	r.remotes.Compute(rm.ID, func(existing *Remote, loaded bool) (*Remote, xsync.ComputeOp) {
		if !loaded || existing != rm {
			return existing, xsync.CancelOp
		}
		if rm.RefCount() > 0 {
			return existing, xsync.CancelOp
		}
		removed = true
		return nil, xsync.DeleteOp
	})

	if removed {
		if err := rm.Close(); err != nil {
			log.Printf("[remote] close failed for %s: %v", rm.ID, err)
		}
		if onEvent != nil {
			onEvent("remote_destroyed", rm.ID)
		}
	}
}

// Lookup returns the live Remote for id, if any.
func (r *Registry) Lookup(id UniqueID) (*Remote, bool) {
	return r.remotes.Load(id)
}

// Range iterates every live Remote in the registry.
func (r *Registry) Range(fn func(UniqueID, *Remote) bool) {
	r.remotes.Range(fn)
}

// Size returns the number of distinct Remotes currently registered.
func (r *Registry) Size() int {
	return r.remotes.Size()
}

// AnonymousID allocates a synthetic UniqueID for drivers under test that
// omit a meaningful UniqueRemoteID, the same fallback role the teacher
// gives google/uuid for platform/subscription ids it cannot derive from
// caller-supplied data (SPEC_FULL §11).
func (r *Registry) AnonymousID() UniqueID {
	return UniqueID(uuid.NewString())
}
