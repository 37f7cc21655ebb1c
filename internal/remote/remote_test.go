package remote

import (
	"context"
	"errors"
	"testing"

	"github.com/fieldcore/driveragent/internal/equipment"
)

type fakeDriver struct {
	id           string
	configureErr error
	configured   bool
	points       map[string]any
	closed       bool
}

func (f *fakeDriver) UniqueRemoteID() string { return f.id }

func (f *fakeDriver) Configure(ctx context.Context, config map[string]any) error {
	if f.configureErr != nil {
		return f.configureErr
	}
	f.configured = true
	return nil
}

func (f *fakeDriver) GetMultiplePoints(ctx context.Context, topics []string) (map[string]any, map[string]error) {
	out := make(map[string]any, len(topics))
	for _, t := range topics {
		out[t] = f.points[t]
	}
	return out, nil
}

func (f *fakeDriver) SetMultiplePoints(ctx context.Context, values map[string]any) map[string]error {
	for k, v := range values {
		if f.points == nil {
			f.points = map[string]any{}
		}
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

func TestRemoteEnsureBuiltFailureDoesNotAbort(t *testing.T) {
	d := &fakeDriver{id: "r1", configureErr: errors.New("connection refused")}
	rm := NewRemote(d)

	err := rm.EnsureBuilt(context.Background(), nil)
	if err == nil {
		t.Fatal("expected construction error")
	}
	if rm.Ready() {
		t.Fatal("remote should not be ready after a failed build")
	}

	_, errs := rm.GetMultiplePoints(context.Background(), []string{"temp"})
	if errs["temp"] == nil {
		t.Fatal("expected a protocol error for a not-ready remote")
	}

	d.configureErr = nil
	if err := rm.EnsureBuilt(context.Background(), nil); err != nil {
		t.Fatalf("retry should succeed: %v", err)
	}
	if !rm.Ready() {
		t.Fatal("remote should be ready after a successful retry")
	}
}

func TestRemoteHeartbeatIncrementsAndWrites(t *testing.T) {
	d := &fakeDriver{id: "r1"}
	rm := NewRemote(d)
	if err := rm.EnsureBuilt(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	rm.SetHeartbeatTopic("devices/ahu1/heartbeat")

	if err := rm.TickHeartbeat(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := rm.TickHeartbeat(context.Background()); err != nil {
		t.Fatal(err)
	}
	if d.points["devices/ahu1/heartbeat"] != int64(2) {
		t.Errorf("expected heartbeat counter 2, got %v", d.points["devices/ahu1/heartbeat"])
	}
}

func TestPollDataPublishesScrapedValuesForSet(t *testing.T) {
	d := &fakeDriver{id: "r1", points: map[string]any{"devices/ahu1/temp": 21.5}}
	rm := NewRemote(d)
	if err := rm.EnsureBuilt(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	var gotSet equipment.PollSet
	var gotValues map[string]any
	rm.SetPublishHandler(func(set equipment.PollSet, values map[string]any) {
		gotSet = set
		gotValues = values
	})

	set := equipment.PollSet{RemoteID: "r1", Devices: []equipment.Handle{1}}
	values, err := rm.PollData(context.Background(), set)
	if err != nil {
		t.Fatal(err)
	}
	if values["devices/ahu1/temp"] != 21.5 {
		t.Fatalf("expected scraped value to be returned, got %v", values)
	}
	if gotSet.RemoteID != "r1" {
		t.Fatalf("expected publish handler to receive the poll set, got %+v", gotSet)
	}
	if gotValues["devices/ahu1/temp"] != 21.5 {
		t.Errorf("expected publish handler to receive the scraped values, got %v", gotValues)
	}
}

func TestPollDataFailsFastWhenNotReady(t *testing.T) {
	d := &fakeDriver{id: "r1"}
	rm := NewRemote(d)
	published := false
	rm.SetPublishHandler(func(equipment.PollSet, map[string]any) { published = true })

	if _, err := rm.PollData(context.Background(), equipment.PollSet{}); err == nil {
		t.Fatal("expected an error when the remote is not ready")
	}
	if published {
		t.Error("publish handler should not run when the scrape itself failed")
	}
}

func TestPublishCOVValueInvokesHandler(t *testing.T) {
	rm := NewRemote(&fakeDriver{id: "r1"})

	var gotTopic string
	var gotValue any
	rm.SetCOVHandler(func(topic string, value any) {
		gotTopic = topic
		gotValue = value
	})

	rm.PublishCOVValue("devices/ahu1/temp", 22.0)
	if gotTopic != "devices/ahu1/temp" || gotValue != 22.0 {
		t.Errorf("expected COV handler to receive the pushed value, got topic=%q value=%v", gotTopic, gotValue)
	}
}

func TestPublishCOVValueIsNoOpWithoutHandler(t *testing.T) {
	rm := NewRemote(&fakeDriver{id: "r1"})
	rm.PublishCOVValue("devices/ahu1/temp", 22.0)
}

func TestRegistryDedupesByUniqueID(t *testing.T) {
	reg := NewRegistry(false)
	d1 := &fakeDriver{id: "shared"}
	d2 := &fakeDriver{id: "shared"}

	var events []string
	onEvent := func(kind string, id UniqueID) { events = append(events, kind) }

	r1 := reg.Acquire(d1, func() *Remote { return NewRemote(d1) }, onEvent)
	r2 := reg.Acquire(d2, func() *Remote { return NewRemote(d2) }, onEvent)

	if r1 != r2 {
		t.Fatal("expected the same Remote for the same unique id")
	}
	if r1.RefCount() != 2 {
		t.Errorf("expected refcount 2, got %d", r1.RefCount())
	}
	if len(events) != 1 || events[0] != "remote_created" {
		t.Errorf("expected exactly one creation event, got %v", events)
	}

	reg.Release(r1, onEvent)
	if _, ok := reg.Lookup(r1.ID); !ok {
		t.Error("remote should still be registered with one ref remaining")
	}

	reg.Release(r2, onEvent)
	if _, ok := reg.Lookup(r1.ID); ok {
		t.Error("remote should be removed once refcount reaches zero")
	}
	if !d1.closed {
		t.Error("driver should be closed on destroy")
	}
	if len(events) != 2 || events[1] != "remote_destroyed" {
		t.Errorf("expected a destroy event, got %v", events)
	}
}

func TestRegistryAllowDuplicatesNeverShares(t *testing.T) {
	reg := NewRegistry(true)
	d1 := &fakeDriver{id: "shared"}
	d2 := &fakeDriver{id: "shared"}

	r1 := reg.Acquire(d1, func() *Remote { return NewRemote(d1) }, nil)
	r2 := reg.Acquire(d2, func() *Remote { return NewRemote(d2) }, nil)

	if r1 == r2 {
		t.Fatal("allow_duplicate_remotes should never share a Remote")
	}
}
