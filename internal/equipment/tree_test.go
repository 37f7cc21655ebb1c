package equipment

import (
	"testing"
	"time"
)

func TestNormalizeIdentifierCollapsesSeparators(t *testing.T) {
	cases := map[string]string{
		"/devices/ahu1/":     "devices/ahu1",
		"devices//ahu1///pt": "devices/ahu1/pt",
		"":                   "",
		"a":                  "a",
	}
	for in, want := range cases {
		if got := NormalizeIdentifier(in); got != want {
			t.Errorf("NormalizeIdentifier(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEquipmentIDPrefixesRootOnce(t *testing.T) {
	if got := EquipmentID("devices", "ahu1/temp"); got != "devices/ahu1/temp" {
		t.Errorf("got %q", got)
	}
	if got := EquipmentID("devices", "devices/ahu1/temp"); got != "devices/ahu1/temp" {
		t.Errorf("already-prefixed topic was double-prefixed: %q", got)
	}
}

func TestAddDeviceIsIdempotent(t *testing.T) {
	tree := NewTree("devices")
	root := tree.Root()

	h1, err := tree.AddDevice(root, "bldg1/ahu1", DeviceData{RemoteUniqueID: "r1"})
	if err != nil {
		t.Fatalf("first AddDevice: %v", err)
	}
	h2, err := tree.AddDevice(root, "bldg1/ahu1", DeviceData{RemoteUniqueID: "r1-updated"})
	if err != nil {
		t.Fatalf("second AddDevice: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("AddDevice allocated a new handle on re-add: %d != %d", h1, h2)
	}
	n, ok := tree.Node(h2)
	if !ok {
		t.Fatal("node missing after re-add")
	}
	if n.Device.RemoteUniqueID != "r1-updated" {
		t.Errorf("re-add did not update device data: %+v", n.Device)
	}

	devices := len(tree.Devices(root))
	if devices != 1 {
		t.Errorf("expected exactly 1 device after idempotent re-add, got %d", devices)
	}
}

func TestAddSegmentCreatesIntermediateTopics(t *testing.T) {
	tree := NewTree("devices")
	root := tree.Root()

	dev, err := tree.AddDevice(root, "bldg1/ahu1", DeviceData{})
	if err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	pt, err := tree.AddSegment(dev, "zone1/temp", PointData{DataSource: ShortPoll})
	if err != nil {
		t.Fatalf("AddSegment: %v", err)
	}

	n, ok := tree.Node(pt)
	if !ok || n.Kind != Point {
		t.Fatalf("expected a point node, got %+v", n)
	}
	if n.Identifier != "devices/bldg1/ahu1/zone1/temp" {
		t.Errorf("unexpected identifier: %s", n.Identifier)
	}

	if _, ok := tree.Lookup("devices/bldg1/ahu1/zone1"); !ok {
		t.Error("intermediate topic segment was not created")
	}
}

func TestRemoveSegmentDemotesDeviceWithPoints(t *testing.T) {
	tree := NewTree("devices")
	root := tree.Root()

	dev, _ := tree.AddDevice(root, "ahu1", DeviceData{})
	_, _ = tree.AddSegment(dev, "temp", PointData{})
	_, _ = tree.AddSegment(dev, "setpoint", PointData{})

	if err := tree.RemoveSegment(dev); err != nil {
		t.Fatalf("RemoveSegment: %v", err)
	}
	if _, ok := tree.Lookup("devices/ahu1"); !ok {
		t.Fatal("device with remaining points should be kept as a path-only segment")
	}
	n, _ := tree.Node(dev)
	if n.Kind != TopicSegment || n.Device != nil {
		t.Errorf("device should be demoted to a TopicSegment with config cleared, got kind %v", n.Kind)
	}
	if _, ok := tree.Lookup("devices/ahu1/temp"); !ok {
		t.Error("point removed along with its demoted ancestor")
	}
	if len(tree.AllNodes()) != 4 {
		t.Errorf("expected root, segment and both points to remain, got %d nodes", len(tree.AllNodes()))
	}
}

func TestPointDataSetLastValueUpdatesTimestamp(t *testing.T) {
	p := &PointData{DataSource: ShortPoll, StaleAfter: 5}
	if _, ts := p.LastValue(); !ts.IsZero() {
		t.Fatal("expected zero timestamp before first observation")
	}
	now := time.Now()
	p.SetLastValue(72.5, now)

	v, ts := p.LastValue()
	if v.(float64) != 72.5 {
		t.Errorf("got value %v", v)
	}
	if !ts.Equal(now.UTC()) {
		t.Errorf("timestamp mismatch: got %v want %v", ts, now.UTC())
	}
	if p.IsStale(now.Add(2 * time.Second)) {
		t.Error("should not be stale yet")
	}
	if !p.IsStale(now.Add(10 * time.Second)) {
		t.Error("should be stale after StaleAfter elapses")
	}
}

func TestInheritedMetadataWalksToAncestor(t *testing.T) {
	tree := NewTree("devices")
	root := tree.Root()

	bldgHandle := tree.ensureTopicPath(root, []string{"bldg1"})
	bldgNode, _ := tree.Node(bldgHandle)
	bldgNode.SetMetadata(map[string]any{"site": "campus-a"})

	dev, _ := tree.AddDevice(root, "bldg1/ahu1", DeviceData{})
	pt, _ := tree.AddSegment(dev, "temp", PointData{})

	v, ok := tree.InheritedMetadata(pt, "site")
	if !ok || v != "campus-a" {
		t.Fatalf("expected inherited site=campus-a, got %v, %v", v, ok)
	}
	if _, ok := tree.InheritedMetadata(pt, "nonexistent"); ok {
		t.Error("expected no value for an unset key")
	}
}

func TestBuildPublishSetupRespectsOverridesAndDefaults(t *testing.T) {
	tree := NewTree("devices")
	root := tree.Root()

	yes := true
	no := false

	devA, _ := tree.AddDevice(root, "devA", DeviceData{Publish: PublishFlags{SingleDepth: &yes}})
	devB, _ := tree.AddDevice(root, "devB", DeviceData{})

	setup := tree.BuildPublishSetup(root, Defaults{SingleDepth: false})
	if !containsHandle(setup.SingleDepth, devA) {
		t.Error("devA should be in SingleDepth via its own override")
	}
	if containsHandle(setup.SingleDepth, devB) {
		t.Error("devB should not be in SingleDepth, no override and default false")
	}

	_ = no
	setup2 := tree.BuildPublishSetup(root, Defaults{SingleDepth: true})
	if !containsHandle(setup2.SingleDepth, devB) {
		t.Error("devB should be in SingleDepth once the default flips true")
	}
}

func containsHandle(hs []Handle, target Handle) bool {
	for _, h := range hs {
		if h == target {
			return true
		}
	}
	return false
}

func TestFindPointsGlobAndTagFilters(t *testing.T) {
	tree := NewTree("devices")
	root := tree.Root()

	dev, _ := tree.AddDevice(root, "ahu1", DeviceData{})
	tempH, _ := tree.AddSegment(dev, "temp", PointData{})
	tempN, _ := tree.Node(tempH)
	tempN.SetMetadata(map[string]any{"unit": "degF"})

	_, _ = tree.AddSegment(dev, "setpoint", PointData{})

	got, err := tree.FindPoints(root, Query{Glob: "devices/ahu1/*"})
	if err != nil {
		t.Fatalf("FindPoints: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 points under the glob, got %d", len(got))
	}

	got, err = tree.FindPoints(root, Query{Tags: map[string]string{"unit": "^deg"}})
	if err != nil {
		t.Fatalf("FindPoints: %v", err)
	}
	if len(got) != 1 || got[0].Identifier != "devices/ahu1/temp" {
		t.Errorf("tag filter returned unexpected set: %+v", got)
	}

	got, err = tree.FindPoints(root, Query{Tags: map[string]string{"missing": ".*"}})
	if err != nil {
		t.Fatalf("FindPoints: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no matches for an absent tag key, got %d", len(got))
	}
}
