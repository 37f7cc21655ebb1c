// Package equipment implements the topic/device/point hierarchy (C1):
// an arena of EquipmentNodes addressed by stable Handles, with
// identifier-indexed lookup, publish-bucket resolution, and find_points
// query matching.
package equipment

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// Tree owns the node arena for a single agent instance. Nodes are addressed
// by Handle rather than pointer so the scheduler and reservation manager can
// hold long-lived references that survive a RemoveSegment without risking a
// stale pointer — the same reason the teacher's GlobalNodePool keys node
// state off a content hash rather than passing object references around.
type Tree struct {
	nodes   *xsync.Map[Handle, *EquipmentNode]
	byIdent *xsync.Map[string, Handle]
	nextH   atomic.Uint64

	rootMu sync.RWMutex
	root   Handle
}

// NewTree constructs an empty tree with a single root TOPIC_SEGMENT node at
// the given root identifier (e.g. "devices").
func NewTree(rootIdentifier string) *Tree {
	t := &Tree{
		nodes:   xsync.NewMap[Handle, *EquipmentNode](),
		byIdent: xsync.NewMap[string, Handle](),
	}
	root := &EquipmentNode{
		Handle:     t.allocHandle(),
		Identifier: NormalizeIdentifier(rootIdentifier),
		Tag:        NormalizeIdentifier(rootIdentifier),
		Kind:       TopicSegment,
		Active:     true,
		metadata:   map[string]any{},
	}
	t.nodes.Store(root.Handle, root)
	t.byIdent.Store(root.Identifier, root.Handle)
	t.root = root.Handle
	return t
}

func (t *Tree) allocHandle() Handle {
	return Handle(t.nextH.Add(1))
}

// Root returns the Handle of the tree's root TOPIC_SEGMENT node.
func (t *Tree) Root() Handle {
	t.rootMu.RLock()
	defer t.rootMu.RUnlock()
	return t.root
}

// Node returns the node for h, or (nil, false) if h is not live — either
// never allocated or already removed.
func (t *Tree) Node(h Handle) (*EquipmentNode, bool) {
	return t.nodes.Load(h)
}

// Lookup returns the Handle for a normalized identifier.
func (t *Tree) Lookup(identifier string) (Handle, bool) {
	return t.byIdent.Load(NormalizeIdentifier(identifier))
}

// ensureTopicPath walks/creates TOPIC_SEGMENT nodes along identifier's
// slash-delimited path under parent, returning the Handle of the final
// segment. It is the structural primitive AddSegment and AddDevice both
// build on: a device at "campus/bldg1/ahu3" implicitly creates
// "campus" and "campus/bldg1" as plain topic segments if they don't exist.
func (t *Tree) ensureTopicPath(parent Handle, segments []string) Handle {
	cur := parent
	parentNode, _ := t.nodes.Load(cur)
	acc := parentNode.Identifier
	for _, seg := range segments {
		acc = JoinIdentifier(acc, seg)
		if h, ok := t.byIdent.Load(acc); ok {
			cur = h
			continue
		}
		n := &EquipmentNode{
			Handle:     t.allocHandle(),
			Parent:     cur,
			HasParent:  true,
			Identifier: acc,
			Tag:        seg,
			Kind:       TopicSegment,
			Active:     true,
			metadata:   map[string]any{},
		}
		t.nodes.Store(n.Handle, n)
		t.byIdent.Store(acc, n.Handle)
		if pn, ok := t.nodes.Load(cur); ok {
			pn.addChild(n.Handle)
		}
		cur = n.Handle
	}
	return cur
}

// AddDevice inserts a DEVICE node at identifier (relative to parent),
// creating any intervening TOPIC_SEGMENT nodes. It is idempotent: calling
// it again with the same identifier updates the existing device's
// DeviceData in place rather than erroring, matching the "idempotent
// add_node" testable property (spec.md §8).
func (t *Tree) AddDevice(parent Handle, identifier string, data DeviceData) (Handle, error) {
	parentNode, ok := t.nodes.Load(parent)
	if !ok {
		return 0, fmt.Errorf("equipment: parent handle %d not found", parent)
	}
	segs := splitNonEmpty(identifier)
	if len(segs) == 0 {
		return 0, fmt.Errorf("equipment: empty device identifier")
	}
	full := JoinIdentifier(parentNode.Identifier, NormalizeIdentifier(identifier))
	if h, ok := t.byIdent.Load(full); ok {
		n, _ := t.nodes.Load(h)
		if n.Kind != Device {
			return 0, fmt.Errorf("equipment: %s already exists as %s", full, n.Kind)
		}
		dd := data
		n.Device = &dd
		return h, nil
	}
	parentPath := t.ensureTopicPath(parent, segs[:len(segs)-1])
	tag := segs[len(segs)-1]
	dd := data
	n := &EquipmentNode{
		Handle:     t.allocHandle(),
		Parent:     parentPath,
		HasParent:  true,
		Identifier: full,
		Tag:        tag,
		Kind:       Device,
		Active:     true,
		metadata:   map[string]any{},
		Device:     &dd,
	}
	t.nodes.Store(n.Handle, n)
	t.byIdent.Store(full, n.Handle)
	if pn, ok := t.nodes.Load(parentPath); ok {
		pn.addChild(n.Handle)
	}
	return n.Handle, nil
}

// AddSegment inserts a POINT node as a child of a DEVICE (directly or
// through intervening topic segments), creating those segments as needed.
func (t *Tree) AddSegment(device Handle, identifier string, data PointData) (Handle, error) {
	devNode, ok := t.nodes.Load(device)
	if !ok || devNode.Kind != Device {
		return 0, fmt.Errorf("equipment: handle %d is not a device", device)
	}
	segs := splitNonEmpty(identifier)
	if len(segs) == 0 {
		return 0, fmt.Errorf("equipment: empty point identifier")
	}
	full := JoinIdentifier(devNode.Identifier, NormalizeIdentifier(identifier))
	if h, ok := t.byIdent.Load(full); ok {
		n, _ := t.nodes.Load(h)
		if n.Kind != Point {
			return 0, fmt.Errorf("equipment: %s already exists as %s", full, n.Kind)
		}
		pd := data
		n.Point = &pd
		return h, nil
	}
	parentPath := t.ensureTopicPath(device, segs[:len(segs)-1])
	tag := segs[len(segs)-1]
	pd := data
	n := &EquipmentNode{
		Handle:     t.allocHandle(),
		Parent:     parentPath,
		HasParent:  true,
		Identifier: full,
		Tag:        tag,
		Kind:       Point,
		Active:     true,
		metadata:   map[string]any{},
		Point:      &pd,
	}
	t.nodes.Store(n.Handle, n)
	t.byIdent.Store(full, n.Handle)
	if pn, ok := t.nodes.Load(parentPath); ok {
		pn.addChild(n.Handle)
	}
	return n.Handle, nil
}

// HasConcreteDescendants reports whether h's subtree (excluding h itself)
// contains any DEVICE or POINT node.
func (t *Tree) HasConcreteDescendants(h Handle) bool {
	n, ok := t.nodes.Load(h)
	if !ok {
		return false
	}
	for _, c := range n.Children() {
		if cn, ok := t.nodes.Load(c); ok {
			if cn.Kind == Device || cn.Kind == Point {
				return true
			}
		}
		if t.HasConcreteDescendants(c) {
			return true
		}
	}
	return false
}

// RemoveSegment implements remove_node's exact segment policy (spec.md
// §4.1): a DEVICE with remaining concrete descendants has its
// configuration cleared but is kept as a path-only TOPIC_SEGMENT; any other
// node with concrete descendants is already path-only and is left alone;
// otherwise the whole subtree is removed. Callers remain responsible for
// stopping the device's remote and checking reservation locks before
// calling this, per spec.md §4.1's layering.
func (t *Tree) RemoveSegment(h Handle) error {
	n, ok := t.nodes.Load(h)
	if !ok {
		return fmt.Errorf("equipment: handle %d not found", h)
	}
	if t.HasConcreteDescendants(h) {
		if n.Kind == Device {
			n.Kind = TopicSegment
			n.Device = nil
		}
		return nil
	}
	return t.removeSubtree(h)
}

// removeSubtree unconditionally deletes h and every descendant.
func (t *Tree) removeSubtree(h Handle) error {
	n, ok := t.nodes.Load(h)
	if !ok {
		return fmt.Errorf("equipment: handle %d not found", h)
	}
	for _, c := range n.Children() {
		if err := t.removeSubtree(c); err != nil {
			return err
		}
	}
	if n.HasParent {
		if pn, ok := t.nodes.Load(n.Parent); ok {
			pn.removeChild(h)
		}
	}
	t.nodes.Delete(h)
	t.byIdent.Delete(n.Identifier)
	return nil
}

// walk invokes fn for h and every descendant, depth-first, pre-order.
func (t *Tree) walk(h Handle, fn func(*EquipmentNode)) {
	n, ok := t.nodes.Load(h)
	if !ok {
		return
	}
	fn(n)
	for _, c := range n.Children() {
		t.walk(c, fn)
	}
}

// Devices returns every DEVICE node in the subtree rooted at h.
func (t *Tree) Devices(h Handle) []*EquipmentNode {
	var out []*EquipmentNode
	t.walk(h, func(n *EquipmentNode) {
		if n.Kind == Device {
			out = append(out, n)
		}
	})
	return out
}

// Points returns every POINT node in the subtree rooted at h.
func (t *Tree) Points(h Handle) []*EquipmentNode {
	var out []*EquipmentNode
	t.walk(h, func(n *EquipmentNode) {
		if n.Kind == Point {
			out = append(out, n)
		}
	})
	return out
}

// AllNodes returns every node in the tree, for diagnostics and tests.
func (t *Tree) AllNodes() []*EquipmentNode {
	var out []*EquipmentNode
	t.nodes.Range(func(_ Handle, n *EquipmentNode) bool {
		out = append(out, n)
		return true
	})
	return out
}

// InheritedMetadata returns key's value from n, or the nearest ancestor
// (walking Parent links up to the root) that defines it. Metadata
// inheritance is the substitute for the source's attribute-lookup-chain
// inheritance (spec.md §9): here it is an explicit, bounded walk rather
// than implicit attribute resolution.
func (t *Tree) InheritedMetadata(h Handle, key string) (any, bool) {
	cur := h
	for {
		n, ok := t.nodes.Load(cur)
		if !ok {
			return nil, false
		}
		if v, ok := n.metadataValue(key); ok {
			return v, true
		}
		if !n.HasParent {
			return nil, false
		}
		cur = n.Parent
	}
}
