// Package facade implements the Service Facade (C5): the single RPC
// surface a bus transport would expose, composing the equipment tree, the
// remote registry, and the reservation manager into the get/set/revert/
// start/stop/enable/disable/add_node/remove_node/reserve/cancel operations
// of spec.md §6.2.
package facade

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldcore/driveragent/internal/equipment"
	"github.com/fieldcore/driveragent/internal/model"
	"github.com/fieldcore/driveragent/internal/ports"
	"github.com/fieldcore/driveragent/internal/remote"
	"github.com/fieldcore/driveragent/internal/reservation"
)

// Facade is the composition root for the equipment tree, remote registry
// and reservation table (C1-C3), exposing
// the operations an RPC transport (out of scope, spec.md §1) would route
// to.
type Facade struct {
	Tree         *equipment.Tree
	Remotes      *remote.Registry
	Reservations *reservation.Table
	Config       ports.ConfigStore
	Root         equipment.Handle

	// RootIdentifier is the normalized root prefix every incoming topic is
	// resolved against (spec.md §4.5).
	RootIdentifier string

	Resolver ports.SemanticResolver
}

func (f *Facade) resolve(topic string) (*equipment.EquipmentNode, error) {
	id := equipment.EquipmentID(f.RootIdentifier, topic)
	h, ok := f.Tree.Lookup(id)
	if !ok {
		return nil, model.ValidationError(id, "no such equipment node")
	}
	n, ok := f.Tree.Node(h)
	if !ok {
		return nil, model.ValidationError(id, "no such equipment node")
	}
	return n, nil
}

// deviceFor returns the nearest ancestor DEVICE node for a point, and its
// backing Remote.
func (f *Facade) deviceFor(point *equipment.EquipmentNode) (*equipment.EquipmentNode, *remote.Remote, error) {
	cur := point
	for cur.Kind != equipment.Device {
		if !cur.HasParent {
			return nil, nil, model.ValidationError(point.Identifier, "point has no owning device")
		}
		n, ok := f.Tree.Node(cur.Parent)
		if !ok {
			return nil, nil, model.ValidationError(point.Identifier, "owning device not found")
		}
		cur = n
	}
	rm, ok := f.Remotes.Lookup(remote.UniqueID(cur.Device.RemoteUniqueID))
	if !ok {
		return cur, nil, model.ProtocolError(point.Identifier, "remote not registered")
	}
	return cur, rm, nil
}

// Get returns the last observed value and timestamp for topic.
func (f *Facade) Get(ctx context.Context, topic string) (any, time.Time, error) {
	n, err := f.resolve(topic)
	if err != nil {
		return nil, time.Time{}, err
	}
	if n.Kind != equipment.Point || n.Point == nil {
		return nil, time.Time{}, model.ValidationError(n.Identifier, "not a point")
	}
	v, ts := n.Point.LastValue()
	return v, ts, nil
}

// Last is an alias for Get, matching the distinct RPC name in spec.md §6.2
// (both read the same materialized last_value/last_updated pair).
func (f *Facade) Last(ctx context.Context, topic string) (any, time.Time, error) {
	return f.Get(ctx, topic)
}

// Set writes value to topic on behalf of sender, first checking through
// Reservations.RaiseOnLocks that no other agent holds the device's active
// reservation, that sender holds one when the table requires a reservation
// for writes, and that no override blocks it, per spec.md §4.3/§7.
func (f *Facade) Set(ctx context.Context, sender, topic string, value any) error {
	n, err := f.resolve(topic)
	if err != nil {
		return err
	}
	if n.Kind != equipment.Point || n.Point == nil {
		return model.ValidationError(n.Identifier, "not a point")
	}
	dev, rm, err := f.deviceFor(n)
	if err != nil {
		return err
	}
	if err := f.Reservations.RaiseOnLocks(ctx, dev.Identifier, sender, time.Now()); err != nil {
		return err
	}
	errs := rm.SetMultiplePoints(ctx, map[string]any{n.Identifier: value})
	if e, ok := errs[n.Identifier]; ok && e != nil {
		return e
	}
	n.Point.SetLastValue(value, time.Now())
	return nil
}

// Revert reverts topic to its driver-defined default value.
func (f *Facade) Revert(ctx context.Context, topic string) error {
	n, err := f.resolve(topic)
	if err != nil {
		return err
	}
	if n.Kind != equipment.Point {
		return model.ValidationError(n.Identifier, "not a point")
	}
	_, rm, err := f.deviceFor(n)
	if err != nil {
		return err
	}
	return rm.RevertPoint(ctx, n.Identifier)
}

// Start marks topic active for the remainder of the process's runtime
// without persisting the change — the runtime-only half of the
// start/stop vs enable/disable distinction decided in SPEC_FULL §13.
func (f *Facade) Start(ctx context.Context, topic string) error {
	n, err := f.resolve(topic)
	if err != nil {
		return err
	}
	n.Active = true
	return nil
}

// Stop is the inverse of Start.
func (f *Facade) Stop(ctx context.Context, topic string) error {
	n, err := f.resolve(topic)
	if err != nil {
		return err
	}
	n.Active = false
	return nil
}

// Enable marks topic active and persists the change, so it survives a
// restart.
func (f *Facade) Enable(ctx context.Context, topic string) error {
	n, err := f.resolve(topic)
	if err != nil {
		return err
	}
	n.Active = true
	return f.persistActive(ctx, n)
}

// Disable is the persisted inverse of Enable.
func (f *Facade) Disable(ctx context.Context, topic string) error {
	n, err := f.resolve(topic)
	if err != nil {
		return err
	}
	n.Active = false
	return f.persistActive(ctx, n)
}

func (f *Facade) persistActive(ctx context.Context, n *equipment.EquipmentNode) error {
	if f.Config == nil {
		return nil
	}
	payload := fmt.Sprintf(`{"identifier":%q,"active":%v}`, n.Identifier, n.Active)
	if err := f.Config.Set(ctx, "equipment:"+n.Identifier, []byte(payload)); err != nil {
		return model.ConfigStoreError(err.Error())
	}
	return nil
}

// AddDevice inserts a device under parentTopic, persisting nothing until
// the caller separately Enables it. It acquires (or retrieves) the backing
// Remote from the registry and builds it before the device node is
// visible in the tree: per spec.md §4.2, a construction failure "logs a
// warning and aborts the configuration event for that device" rather than
// adding a device with no usable Remote behind it.
func (f *Facade) AddDevice(ctx context.Context, parentTopic, identifier string, driver ports.Interface, driverConfig map[string]any, data equipment.DeviceData) (equipment.Handle, error) {
	parent, err := f.resolve(parentTopic)
	if err != nil {
		return 0, err
	}
	data.RemoteUniqueID = driver.UniqueRemoteID()

	full := equipment.JoinIdentifier(parent.Identifier, equipment.NormalizeIdentifier(identifier))
	var previousRemoteID remote.UniqueID
	var hadPrevious bool
	if h, ok := f.Tree.Lookup(full); ok {
		if n, ok := f.Tree.Node(h); ok && n.Kind == equipment.Device && n.Device != nil {
			previousRemoteID, hadPrevious = remote.UniqueID(n.Device.RemoteUniqueID), true
		}
	}

	rm := f.Remotes.Acquire(driver, func() *remote.Remote { return remote.NewRemote(driver) }, nil)
	if err := rm.EnsureBuilt(ctx, driverConfig); err != nil {
		f.Remotes.Release(rm, nil)
		return 0, err
	}

	h, err := f.Tree.AddDevice(parent.Handle, identifier, data)
	if err != nil {
		f.Remotes.Release(rm, nil)
		return 0, err
	}

	if hadPrevious && previousRemoteID != remote.UniqueID(data.RemoteUniqueID) {
		if old, ok := f.Remotes.Lookup(previousRemoteID); ok {
			f.Remotes.Release(old, nil)
		}
	}
	return h, nil
}

// AddPoint inserts a point under deviceTopic.
func (f *Facade) AddPoint(ctx context.Context, deviceTopic, identifier string, data equipment.PointData) (equipment.Handle, error) {
	dev, err := f.resolve(deviceTopic)
	if err != nil {
		return 0, err
	}
	return f.Tree.AddSegment(dev.Handle, identifier, data)
}

// RemoveNode removes topic, refusing while any DEVICE in its subtree is
// under an active reservation. Per spec.md §4.1, if topic is a DEVICE its
// Remote is stopped first; the exact clear-vs-remove segment policy is
// then Tree.RemoveSegment's responsibility.
func (f *Facade) RemoveNode(ctx context.Context, topic string) error {
	n, err := f.resolve(topic)
	if err != nil {
		return err
	}
	now := time.Now()
	devices := f.Tree.Devices(n.Handle)
	if n.Kind == equipment.Device {
		devices = append(devices, n)
	}
	for _, d := range devices {
		if _, held := f.Reservations.DeviceState(d.Identifier, now); held {
			return model.ReservationLockError(d.Identifier, "device has an active reservation")
		}
	}
	if n.Kind == equipment.Device && n.Device != nil {
		f.stopDeviceRemote(n)
	}
	return f.Tree.RemoveSegment(n.Handle)
}

// stopDeviceRemote releases n's Remote from the registry, destroying it
// once no other device references the same unique id.
func (f *Facade) stopDeviceRemote(n *equipment.EquipmentNode) {
	rm, ok := f.Remotes.Lookup(remote.UniqueID(n.Device.RemoteUniqueID))
	if !ok {
		return
	}
	f.Remotes.Release(rm, nil)
}

// Reserve creates a multi-device, multi-slice write reservation on behalf
// of sender, delegating validation and preemption to the reservation
// table (spec.md §4.3). Failure is reported through Result.InfoString, not
// a Go error, matching the RPC-level Result shape.
func (f *Facade) Reserve(ctx context.Context, sender, taskID, priority string, requests []reservation.Request) reservation.Result {
	return f.Reservations.NewTask(&sender, &taskID, &priority, requests)
}

// Cancel cancels a previously created reservation by id, checked against
// sender (spec.md §4.3: cancel_task rejects a caller who does not own the
// task).
func (f *Facade) Cancel(ctx context.Context, sender, taskID string) reservation.Result {
	return f.Reservations.CancelTask(sender, taskID)
}

// semanticTimeout bounds how long a SemanticResolver call may run before
// the facade gives up and returns a TimeoutError (SPEC_FULL §12).
const semanticTimeout = 5 * time.Second

// SemanticGet resolves query to a topic via Resolver, then reads it.
func (f *Facade) SemanticGet(ctx context.Context, query string) (any, time.Time, error) {
	topic, err := f.resolveSemanticQuery(ctx, query)
	if err != nil {
		return nil, time.Time{}, err
	}
	return f.Get(ctx, topic)
}

// SemanticSet resolves query to a topic via Resolver, then writes it.
func (f *Facade) SemanticSet(ctx context.Context, sender, query string, value any) error {
	topic, err := f.resolveSemanticQuery(ctx, query)
	if err != nil {
		return err
	}
	return f.Set(ctx, sender, topic, value)
}

func (f *Facade) resolveSemanticQuery(ctx context.Context, query string) (string, error) {
	if f.Resolver == nil {
		return "", model.NotImplementedError("no semantic resolver configured")
	}
	ctx, cancel := context.WithTimeout(ctx, semanticTimeout)
	defer cancel()

	type result struct {
		topic string
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		topic, err := f.Resolver.Resolve(ctx, query)
		ch <- result{topic: topic, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return "", model.ValidationError(query, r.err.Error())
		}
		return r.topic, nil
	case <-ctx.Done():
		return "", model.TimeoutError("semantic resolution timed out")
	}
}
