package facade

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fieldcore/driveragent/internal/equipment"
	"github.com/fieldcore/driveragent/internal/remote"
	"github.com/fieldcore/driveragent/internal/reservation"
)

type fakeDriver struct {
	id           string
	points       map[string]any
	configureErr error
	closed       bool
}

func (f *fakeDriver) UniqueRemoteID() string { return f.id }
func (f *fakeDriver) Configure(ctx context.Context, config map[string]any) error {
	return f.configureErr
}
func (f *fakeDriver) GetMultiplePoints(ctx context.Context, topics []string) (map[string]any, map[string]error) {
	out := make(map[string]any, len(topics))
	for _, t := range topics {
		out[t] = f.points[t]
	}
	return out, nil
}
func (f *fakeDriver) SetMultiplePoints(ctx context.Context, values map[string]any) map[string]error {
	if f.points == nil {
		f.points = map[string]any{}
	}
	for k, v := range values {
		f.points[k] = v
	}
	return nil
}
func (f *fakeDriver) RevertPoint(ctx context.Context, topic string) error { return nil }
func (f *fakeDriver) RevertAll(ctx context.Context) error                 { return nil }
func (f *fakeDriver) ScrapeAll(ctx context.Context) (map[string]any, error) {
	return f.points, nil
}
func (f *fakeDriver) Close() error { f.closed = true; return nil }

func newTestFacade(t *testing.T) (*Facade, *fakeDriver) {
	t.Helper()
	tree := equipment.NewTree("devices")
	registry := remote.NewRegistry(false)

	f := &Facade{
		Tree:           tree,
		Remotes:        registry,
		Reservations:   reservation.New(reservation.Config{}),
		RootIdentifier: "devices",
	}

	driver := &fakeDriver{id: "ahu1-driver"}
	if _, err := f.AddDevice(context.Background(), "devices", "ahu1", driver, nil, equipment.DeviceData{}); err != nil {
		t.Fatal(err)
	}
	devHandle, _ := tree.Lookup("devices/ahu1")
	if _, err := tree.AddSegment(devHandle, "temp", equipment.PointData{}); err != nil {
		t.Fatal(err)
	}
	return f, driver
}

func TestAddDeviceAbortsWhenConstructionFails(t *testing.T) {
	tree := equipment.NewTree("devices")
	registry := remote.NewRegistry(false)
	f := &Facade{
		Tree:           tree,
		Remotes:        registry,
		Reservations:   reservation.New(reservation.Config{}),
		RootIdentifier: "devices",
	}
	driver := &fakeDriver{id: "bad-driver", configureErr: errors.New("unreachable")}

	if _, err := f.AddDevice(context.Background(), "devices", "ahu2", driver, nil, equipment.DeviceData{}); err == nil {
		t.Fatal("expected construction failure to abort AddDevice")
	}
	if _, ok := tree.Lookup("devices/ahu2"); ok {
		t.Error("device node should not exist after a failed construction")
	}
	if registry.Size() != 0 {
		t.Errorf("expected the failed remote to be released, registry size=%d", registry.Size())
	}
}

func TestFacadeSetRequiresReservation(t *testing.T) {
	f, _ := newTestFacade(t)
	f.Reservations = reservation.New(reservation.Config{RequireReservationForWrite: true})
	err := f.Set(context.Background(), "alice", "ahu1/temp", 72.0)
	if err == nil {
		t.Fatal("expected an error without an active reservation")
	}
}

func TestFacadeSetThenGetRoundTrips(t *testing.T) {
	f, driver := newTestFacade(t)
	now := time.Now()

	res := f.Reserve(context.Background(), "alice", "task1", "HIGH", []reservation.Request{
		{Device: "devices/ahu1", Slice: reservation.TimeSlice{Start: now.Add(-time.Minute), End: now.Add(time.Hour)}},
	})
	if !res.Success {
		t.Fatal(res.InfoString)
	}

	if err := f.Set(context.Background(), "alice", "ahu1/temp", 72.5); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if driver.points["devices/ahu1/temp"] != 72.5 {
		t.Errorf("driver did not receive the write: %v", driver.points)
	}

	v, ts, err := f.Get(context.Background(), "ahu1/temp")
	if err != nil {
		t.Fatal(err)
	}
	if v.(float64) != 72.5 {
		t.Errorf("got %v", v)
	}
	if ts.IsZero() {
		t.Error("expected a non-zero timestamp after Set")
	}
}

func TestFacadeRemoveNodeRefusesActiveReservation(t *testing.T) {
	f, _ := newTestFacade(t)
	now := time.Now()
	res := f.Reserve(context.Background(), "alice", "task1", "HIGH", []reservation.Request{
		{Device: "devices/ahu1", Slice: reservation.TimeSlice{Start: now.Add(-time.Minute), End: now.Add(time.Hour)}},
	})
	if !res.Success {
		t.Fatal(res.InfoString)
	}

	if err := f.RemoveNode(context.Background(), "ahu1"); err == nil {
		t.Fatal("expected removal to be refused while the device is reserved")
	}
}

func TestFacadeRemoveNodeStopsRemoteAndClearsDevice(t *testing.T) {
	f, driver := newTestFacade(t)

	if err := f.RemoveNode(context.Background(), "ahu1"); err != nil {
		t.Fatal(err)
	}
	if !driver.closed {
		t.Error("expected the device's remote to be released and closed")
	}
	h, ok := f.Tree.Lookup("devices/ahu1")
	if !ok {
		t.Fatal("expected the node to remain as a path-only segment (it still has a point descendant)")
	}
	n, _ := f.Tree.Node(h)
	if n.Kind == equipment.Device {
		t.Error("expected the device node to be demoted to a path-only segment")
	}
}

func TestFacadeStartStopTogglesActive(t *testing.T) {
	f, _ := newTestFacade(t)
	if err := f.Stop(context.Background(), "ahu1/temp"); err != nil {
		t.Fatal(err)
	}
	n, err := f.resolve("ahu1/temp")
	if err != nil {
		t.Fatal(err)
	}
	if n.Active {
		t.Error("expected Stop to clear Active")
	}
	if err := f.Start(context.Background(), "ahu1/temp"); err != nil {
		t.Fatal(err)
	}
	if !n.Active {
		t.Error("expected Start to set Active")
	}
}

func TestFacadeCancelChecksSender(t *testing.T) {
	f, _ := newTestFacade(t)
	now := time.Now()
	res := f.Reserve(context.Background(), "alice", "task1", "HIGH", []reservation.Request{
		{Device: "devices/ahu1", Slice: reservation.TimeSlice{Start: now, End: now.Add(time.Hour)}},
	})
	if !res.Success {
		t.Fatal(res.InfoString)
	}
	if cancel := f.Cancel(context.Background(), "bob", "task1"); cancel.Success {
		t.Fatal("expected cancel by a non-owner to fail")
	}
	if cancel := f.Cancel(context.Background(), "alice", "task1"); !cancel.Success {
		t.Fatal(cancel.InfoString)
	}
}

type erroringResolver struct{}

func (erroringResolver) Resolve(ctx context.Context, query string) (string, error) {
	return "", errors.New("no match")
}

func TestSemanticGetWithoutResolverIsNotImplemented(t *testing.T) {
	f, _ := newTestFacade(t)
	_, _, err := f.SemanticGet(context.Background(), "room temp on ahu1")
	if err == nil {
		t.Fatal("expected a not-implemented error with no resolver configured")
	}
}

func TestSemanticGetPropagatesResolverError(t *testing.T) {
	f, _ := newTestFacade(t)
	f.Resolver = erroringResolver{}
	_, _, err := f.SemanticGet(context.Background(), "room temp on ahu1")
	if err == nil {
		t.Fatal("expected the resolver's error to propagate")
	}
}
