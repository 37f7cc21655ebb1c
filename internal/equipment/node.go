package equipment

import (
	"sync"
	"sync/atomic"
	"time"
)

// Handle is a stable arena reference to a node. Schedule data structures and
// in-flight PollSets hold Handles rather than pointers, so a removed node is
// simply a Handle the arena no longer recognizes — this is the Handle-arena
// substitute for the source's weak-reference collections (spec.md §9).
type Handle uint64

// SegmentKind classifies an EquipmentNode.
type SegmentKind int

const (
	TopicSegment SegmentKind = iota
	Device
	Point
)

func (k SegmentKind) String() string {
	switch k {
	case Device:
		return "DEVICE"
	case Point:
		return "POINT"
	default:
		return "TOPIC_SEGMENT"
	}
}

// DataSource identifies how a Point's value is obtained. SHORT_POLL is the
// only source implemented by this core (spec.md §3).
type DataSource string

const ShortPoll DataSource = "SHORT_POLL"

// PublishFlags control which of the six publish_setup buckets (§4.4) a
// device's points are eligible for. Flags are resolved by inheritance from
// the nearest ancestor that specifies a value, defaulting to the agent-wide
// config defaults (config.AgentConfig).
type PublishFlags struct {
	SingleDepth   *bool
	SingleBreadth *bool
	MultiDepth    *bool
	MultiBreadth  *bool
	AllDepth      *bool
	AllBreadth    *bool
}

// DeviceData holds the fields specific to a DEVICE node.
type DeviceData struct {
	RemoteUniqueID     string
	RegistryName       string
	Publish            PublishFlags
	AllPublishInterval float64 // seconds; 0 disables all-publish
}

// PointData holds the fields specific to a POINT node. LastValue and
// LastUpdated are accessed via atomics: the only writer is the poll
// scheduler or a facade Set, but readers (facade Get/Last, RPC handlers)
// may run concurrently, so this core uses atomics where the source relied
// on single-threaded cooperative scheduling (spec.md §5).
type PointData struct {
	DataSource  DataSource
	StaleAfter  float64 // seconds; 0 disables staleness checks

	mu          sync.Mutex
	lastValue   atomic.Value // holds `any`
	lastUpdated atomic.Int64 // unix nanoseconds; 0 = never observed
}

// SetLastValue atomically records a new observed value and advances
// LastUpdated to now, per the invariant in spec.md §3 ("setter of
// last_value atomically updates last_updated to current UTC").
func (p *PointData) SetLastValue(v any, now time.Time) {
	p.mu.Lock()
	p.lastValue.Store(boxValue(v))
	p.lastUpdated.Store(now.UnixNano())
	p.mu.Unlock()
}

// LastValue returns the last observed value and its timestamp, or
// (nil, zero-Time) if the point has never been observed.
func (p *PointData) LastValue() (any, time.Time) {
	boxed := p.lastValue.Load()
	ns := p.lastUpdated.Load()
	if boxed == nil || ns == 0 {
		return nil, time.Time{}
	}
	return unboxValue(boxed), time.Unix(0, ns).UTC()
}

// IsStale reports whether the point's last observation is older than
// StaleAfter relative to now. A StaleAfter of 0 means staleness is never
// signaled.
func (p *PointData) IsStale(now time.Time) bool {
	if p.StaleAfter <= 0 {
		return false
	}
	_, updated := p.LastValue()
	if updated.IsZero() {
		return true
	}
	return now.Sub(updated).Seconds() > p.StaleAfter
}

// valueBox lets atomic.Value hold a consistent concrete type (atomic.Value
// requires every Store to use the same concrete type).
type valueBox struct{ v any }

func boxValue(v any) any      { return valueBox{v: v} }
func unboxValue(boxed any) any { return boxed.(valueBox).v }

// EquipmentNode is the base entity of the tree: a slash-delimited topic
// identifier, a segment tag, a kind, activity, metadata, a polling interval,
// and parent/child Handles. Device and Point specific fields live in
// DeviceData/PointData depending on Kind — the tagged-variant substitute for
// the source's inheritance chain (spec.md §9).
type EquipmentNode struct {
	Handle   Handle
	Parent   Handle // zero Handle for the root
	HasParent bool

	Identifier string
	Tag        string
	Kind       SegmentKind
	Active     bool
	Interval   float64 // seconds, per-point/device default polling interval

	mu       sync.RWMutex
	metadata map[string]any
	children []Handle // insertion order, for display only — not semantics

	Device *DeviceData // non-nil iff Kind == Device
	Point  *PointData  // non-nil iff Kind == Point
}

// Metadata returns a copy of the node's metadata map.
func (n *EquipmentNode) Metadata() map[string]any {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string]any, len(n.metadata))
	for k, v := range n.metadata {
		out[k] = v
	}
	return out
}

// SetMetadata replaces the node's metadata map.
func (n *EquipmentNode) SetMetadata(m map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.metadata = m
}

// metadataValue returns a single metadata key's value from this node's own
// map; it does not consult ancestors.
func (n *EquipmentNode) metadataValue(key string) (any, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.metadata[key]
	return v, ok
}

// Children returns a copy of the child Handle slice in insertion order.
func (n *EquipmentNode) Children() []Handle {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Handle, len(n.children))
	copy(out, n.children)
	return out
}

func (n *EquipmentNode) addChild(h Handle) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.children {
		if c == h {
			return
		}
	}
	n.children = append(n.children, h)
}

func (n *EquipmentNode) removeChild(h Handle) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, c := range n.children {
		if c == h {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return
		}
	}
}

func (n *EquipmentNode) childCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.children)
}
