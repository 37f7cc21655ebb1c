package equipment

// PublishBucket names one of the six publish_setup buckets a device's
// points can be eligible for (spec.md §4.4).
type PublishBucket int

const (
	SingleDepth PublishBucket = iota
	SingleBreadth
	MultiDepth
	MultiBreadth
	AllDepth
	AllBreadth
)

// resolveFlag reads the bool pointer for bucket out of flags, or reports
// unset.
func resolveFlag(flags PublishFlags, bucket PublishBucket) (bool, bool) {
	var p *bool
	switch bucket {
	case SingleDepth:
		p = flags.SingleDepth
	case SingleBreadth:
		p = flags.SingleBreadth
	case MultiDepth:
		p = flags.MultiDepth
	case MultiBreadth:
		p = flags.MultiBreadth
	case AllDepth:
		p = flags.AllDepth
	case AllBreadth:
		p = flags.AllBreadth
	}
	if p == nil {
		return false, false
	}
	return *p, true
}

// IsPublished reports whether device's points are eligible for bucket,
// resolving an unset flag on the device by walking to the nearest ancestor
// DEVICE node's flags, then falling back to defaultValue (the agent-wide
// config default) if no ancestor device specifies it either. A device
// itself has no "ancestor device" to inherit from in the current tree
// shape (devices do not nest under other devices), so in practice this
// resolves device.Publish directly and falls back to defaultValue — the
// ancestor walk is kept general in case a future tree shape nests devices.
func (t *Tree) IsPublished(device Handle, bucket PublishBucket, defaultValue bool) bool {
	cur := device
	for {
		n, ok := t.nodes.Load(cur)
		if !ok {
			return defaultValue
		}
		if n.Kind == Device && n.Device != nil {
			if v, ok := resolveFlag(n.Device.Publish, bucket); ok {
				return v
			}
		}
		if !n.HasParent {
			return defaultValue
		}
		cur = n.Parent
	}
}

// PublishSetup partitions every DEVICE in the tree into the buckets that
// device is eligible for, given the agent-wide defaults for any flag a
// device leaves unset. A device may appear in more than one bucket — the
// six buckets are independent yes/no eligibility checks, not a partition
// (spec.md §4.4).
type PublishSetup struct {
	SingleDepth   []Handle
	SingleBreadth []Handle
	MultiDepth    []Handle
	MultiBreadth  []Handle
	AllDepth      []Handle
	AllBreadth    []Handle
}

// Defaults carries the agent-wide default for each publish bucket, used
// when a device does not specify its own flag.
type Defaults struct {
	SingleDepth   bool
	SingleBreadth bool
	MultiDepth    bool
	MultiBreadth  bool
	AllDepth      bool
	AllBreadth    bool
}

// BuildPublishSetup computes the six buckets over every device in the tree
// rooted at root. cmd/driveragent's poll callback calls it afresh on every
// poll tick; the scheduler itself does not call it.
func (t *Tree) BuildPublishSetup(root Handle, d Defaults) PublishSetup {
	var setup PublishSetup
	for _, dev := range t.Devices(root) {
		if t.IsPublished(dev.Handle, SingleDepth, d.SingleDepth) {
			setup.SingleDepth = append(setup.SingleDepth, dev.Handle)
		}
		if t.IsPublished(dev.Handle, SingleBreadth, d.SingleBreadth) {
			setup.SingleBreadth = append(setup.SingleBreadth, dev.Handle)
		}
		if t.IsPublished(dev.Handle, MultiDepth, d.MultiDepth) {
			setup.MultiDepth = append(setup.MultiDepth, dev.Handle)
		}
		if t.IsPublished(dev.Handle, MultiBreadth, d.MultiBreadth) {
			setup.MultiBreadth = append(setup.MultiBreadth, dev.Handle)
		}
		if t.IsPublished(dev.Handle, AllDepth, d.AllDepth) {
			setup.AllDepth = append(setup.AllDepth, dev.Handle)
		}
		if t.IsPublished(dev.Handle, AllBreadth, d.AllBreadth) {
			setup.AllBreadth = append(setup.AllBreadth, dev.Handle)
		}
	}
	return setup
}

// contains reports whether h appears in list.
func contains(list []Handle, h Handle) bool {
	for _, x := range list {
		if x == h {
			return true
		}
	}
	return false
}

// PollSet is the tuple of (remote, devices, publish buckets) the poll
// scheduler hands to a Remote for one slot's execution (spec.md §4.2/§4.4
// glossary: "the tuple of (Remote, points, publish_setup) executed at a
// slot").
type PollSet struct {
	RemoteID string
	Devices  []Handle
	Setup    PublishSetup
}

// BuildPollSet filters a whole-tree PublishSetup down to the devices due at
// one slot, so a Remote's publish step only considers the buckets relevant
// to the devices it is actually polling this tick.
func BuildPollSet(remoteID string, devices []Handle, full PublishSetup) PollSet {
	filter := func(bucket []Handle) []Handle {
		var out []Handle
		for _, h := range bucket {
			if contains(devices, h) {
				out = append(out, h)
			}
		}
		return out
	}
	return PollSet{
		RemoteID: remoteID,
		Devices:  devices,
		Setup: PublishSetup{
			SingleDepth:   filter(full.SingleDepth),
			SingleBreadth: filter(full.SingleBreadth),
			MultiDepth:    filter(full.MultiDepth),
			MultiBreadth:  filter(full.MultiBreadth),
			AllDepth:      filter(full.AllDepth),
			AllBreadth:    filter(full.AllBreadth),
		},
	}
}
