// Command driveragent wires the five core components (equipment tree,
// remote registry, reservation manager, poll scheduler, service facade)
// into a running process. CLI argument parsing and config-document
// loading are out of scope (spec.md §1); this binary reads its data
// directory from an environment variable and otherwise runs on defaults
// plus whatever the config store already has persisted from a prior run.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldcore/driveragent/internal/buildinfo"
	"github.com/fieldcore/driveragent/internal/config"
	"github.com/fieldcore/driveragent/internal/configstore"
	"github.com/fieldcore/driveragent/internal/equipment"
	"github.com/fieldcore/driveragent/internal/facade"
	"github.com/fieldcore/driveragent/internal/ports"
	"github.com/fieldcore/driveragent/internal/remote"
	"github.com/fieldcore/driveragent/internal/reservation"
	"github.com/fieldcore/driveragent/internal/scheduler"
)

func main() {
	dataDir := os.Getenv("DRIVERAGENT_DATA_DIR")
	if dataDir == "" {
		dataDir = "./driveragent-data"
	}

	// Phase 1: persistence bootstrap.
	store, closeStore, err := configstore.Bootstrap(dataDir)
	if err != nil {
		fatalf("persistence bootstrap: %v", err)
	}
	defer closeStore()
	log.Println("Persistence bootstrap complete")

	// Phase 2: load/normalize the agent config document.
	cfg := loadAgentConfig(store)
	log.Printf("Loaded agent config (version %d, parallel_subgroups=%d)", cfg.ConfigVersion, cfg.ParallelSubgroups)

	// Phase 3: equipment tree.
	tree := equipment.NewTree("devices")
	log.Println("Equipment tree initialized")

	// Phase 4: remote registry.
	registry := remote.NewRegistry(cfg.AllowDuplicateRemotes)

	// Phase 5: reservation table.
	reservations := reservation.New(reservation.Config{
		GraceAfterPreempt: cfg.ReservationPreemptGraceTime.Duration,
		Now:               time.Now,
	})

	// Phase 6: poll scheduler, wired to poll due devices through the
	// remote registry and materialize results onto equipment points.
	publishDefaults := equipment.Defaults{
		SingleDepth:   cfg.PublishDefaults.SingleDepth,
		SingleBreadth: cfg.PublishDefaults.SingleBreadth,
		MultiDepth:    cfg.PublishDefaults.MultiDepth,
		MultiBreadth:  cfg.PublishDefaults.MultiBreadth,
		AllDepth:      cfg.PublishDefaults.AllDepth,
		AllBreadth:    cfg.PublishDefaults.AllBreadth,
	}
	sched := scheduler.NewStaticCyclicPollScheduler(scheduler.Config{
		BaseTick:          cfg.MinimumPollingInterval.Duration,
		ParallelSubgroups: cfg.ParallelSubgroups,
		Poll:              pollDevices(tree, registry, publishDefaults),
	})
	log.Println("Poll scheduler constructed")

	// Phase 7: service facade, the composition root the (out-of-scope) bus
	// transport would route RPCs to.
	f := &facade.Facade{
		Tree:           tree,
		Remotes:        registry,
		Reservations:   reservations,
		Config:         store,
		Root:           tree.Root(),
		RootIdentifier: "devices",
	}
	log.Printf("Service facade ready under root %q, awaiting bus transport", f.RootIdentifier)

	if cfg.ScalabilityTest {
		runScalabilityTest(cfg)
	}

	// Phase 8: start background workers.
	flushWorker := configstore.NewFlushWorker(
		store,
		func() int { return 64 },
		func() time.Duration { return 30 * time.Second },
		5*time.Second,
	)
	flushWorker.Start()
	log.Println("Config store flush worker started")

	runCtx, cancel := context.WithCancel(context.Background())
	go sched.Operate(runCtx, ports.SystemTimer{})
	log.Printf("Poll scheduler running (%s %s)", buildinfo.Version, buildinfo.GitCommit)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	sig := <-quit
	log.Printf("Received signal %s, shutting down...", sig)

	cancel()
	flushWorker.Stop()
	log.Println("Shutdown complete")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fatal: "+format+"\n", args...)
	os.Exit(1)
}

// loadAgentConfig reads the persisted "config" blob (if any) and falls
// back to defaults, normalizing either way. Parsing an operator-authored
// config file is out of scope (spec.md §1); this only rehydrates a
// document this same process previously wrote via the facade/config
// store.
func loadAgentConfig(store *configstore.Store) *config.AgentConfig {
	cfg := config.NewDefaultAgentConfig()
	raw, err := store.Get(context.Background(), "config")
	if err != nil {
		log.Printf("[config] load persisted config: %v (using defaults)", err)
	} else if len(raw) > 0 {
		if err := json.Unmarshal(raw, cfg); err != nil {
			log.Printf("[config] persisted config is corrupt, using defaults: %v", err)
			cfg = config.NewDefaultAgentConfig()
		}
	}
	if err := config.Normalize(cfg); err != nil {
		fatalf("invalid agent config: %v", err)
	}
	return cfg
}

// pollDevices builds the scheduler's PollFunc: for each due device it
// ensures the backing Remote is built, assembles the slot's PollSet from
// the whole-tree publish_setup, scrapes every point in one batch call
// (publishing through the PollSet along the way), and writes the results
// onto the device's POINT children, then ticks the Remote's heartbeat
// point if one is configured — the same poll-then-publish-then-heartbeat
// sequence as spec.md §4.4/SPEC_FULL §12.
func pollDevices(tree *equipment.Tree, registry *remote.Registry, publishDefaults equipment.Defaults) scheduler.PollFunc {
	return func(ctx context.Context, due []equipment.Handle) {
		setup := tree.BuildPublishSetup(tree.Root(), publishDefaults)
		byRemote := make(map[remote.UniqueID][]equipment.Handle)
		for _, h := range due {
			dev, ok := tree.Node(h)
			if !ok || dev.Kind != equipment.Device || dev.Device == nil {
				continue
			}
			id := remote.UniqueID(dev.Device.RemoteUniqueID)
			byRemote[id] = append(byRemote[id], h)
		}

		for id, devices := range byRemote {
			rm, ok := registry.Lookup(id)
			if !ok {
				continue
			}
			if err := rm.EnsureBuilt(ctx, nil); err != nil {
				log.Printf("[driveragent] poll skipped for remote %s: %v", id, err)
				continue
			}
			pollSet := equipment.BuildPollSet(string(id), devices, setup)
			values, err := rm.PollData(ctx, pollSet)
			if err != nil {
				log.Printf("[driveragent] poll failed for remote %s: %v", id, err)
				continue
			}
			now := time.Now()
			for _, h := range devices {
				for _, p := range tree.Points(h) {
					if v, ok := values[p.Identifier]; ok && p.Point != nil {
						p.Point.SetLastValue(v, now)
					}
				}
			}
			if err := rm.TickHeartbeat(ctx); err != nil {
				log.Printf("[driveragent] heartbeat failed for remote %s: %v", id, err)
			}
		}
	}
}

func runScalabilityTest(cfg *config.AgentConfig) {
	n := cfg.ScalabilityTestIterations
	if n <= 0 {
		n = 1000
	}
	result := scheduler.RunScalabilityTest(cfg.MinimumPollingInterval.Duration, n, cfg.MinimumPollingInterval.Duration*10, cfg.ParallelSubgroups)
	log.Printf("[scalability] %d devices -> hyperperiod %s, build took %s", result.Devices, result.Hyperperiod, result.BuildDuration)
}
