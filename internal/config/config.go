// Package config defines the in-process representation of the agent's
// persisted configuration document. Loading the document itself (file,
// env, or CLI sourcing) is out of scope (spec.md §1); this package only
// defines the schema, its defaults, and the v1/v2 default-migration logic.
package config

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// PublishDefaults carries the agent-wide default for each of the six
// publish_setup buckets (spec.md §4.4), used whenever a device does not
// set its own flag.
type PublishDefaults struct {
	SingleDepth   bool `json:"single_depth"`
	SingleBreadth bool `json:"single_breadth"`
	MultiDepth    bool `json:"multi_depth"`
	MultiBreadth  bool `json:"multi_breadth"`
	AllDepth      bool `json:"all_depth"`
	AllBreadth    bool `json:"all_breadth"`
}

// AgentConfig is the schema of the persisted configuration document
// (spec.md §6.1).
type AgentConfig struct {
	ConfigVersion int `json:"config_version"`

	AllowDuplicateRemotes bool     `json:"allow_duplicate_remotes"`
	MinimumPollingInterval Duration `json:"minimum_polling_interval"`

	PublishDefaults PublishDefaults `json:"publish_defaults"`

	ReservationPreemptGraceTime Duration `json:"reservation_preempt_grace_time"`

	// BreadthFirstBase is kept opaque per the Open Question decision in
	// SPEC_FULL §13 — never interpreted semantically by this core.
	BreadthFirstBase string `json:"breadth_first_base"`

	ParallelSubgroups int `json:"parallel_subgroups"`

	// MaintenanceSchedule is a standard 5-field cron expression
	// (SPEC_FULL §10.3). Normalize validates it; nothing in this core
	// schedules any work from it.
	MaintenanceSchedule string `json:"maintenance_schedule"`

	// ScalabilityTest enables the synthetic load harness at startup
	// (SPEC_FULL §12); ScalabilityTestIterations bounds how many synthetic
	// devices it fabricates.
	ScalabilityTest           bool `json:"scalability_test"`
	ScalabilityTestIterations int  `json:"scalability_test_iterations"`

	HeartbeatPoint string `json:"heart_beat_point"`
}

// NewDefaultAgentConfig returns the current (v2) default configuration.
func NewDefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		ConfigVersion:          2,
		AllowDuplicateRemotes:  false,
		MinimumPollingInterval: Duration{Duration: time.Second},
		PublishDefaults: PublishDefaults{
			SingleDepth:   true,
			SingleBreadth: false,
			MultiDepth:    true,
			MultiBreadth:  false,
			AllDepth:      false,
			AllBreadth:    false,
		},
		ReservationPreemptGraceTime: Duration{},
		BreadthFirstBase:            "points",
		ParallelSubgroups:           1,
		MaintenanceSchedule:         "0 3 * * *",
	}
}

// Normalize validates cfg and applies the v1 -> v2 upgrade: a document
// with config_version 0 is treated as v2; a config_version 1 document
// logs a deprecation warning, has its PublishDefaults replaced with the v2
// defaults (single_depth and multi_depth true, every other flag false)
// whatever flags it set, and is rewritten as config_version 2 (SPEC_FULL
// §12). Normalize also validates MaintenanceSchedule with the same
// cron.ParseStandard call the teacher uses for its own cron-validated
// config field.
func Normalize(cfg *AgentConfig) error {
	if cfg.ConfigVersion == 0 {
		cfg.ConfigVersion = 2
	}
	if cfg.ConfigVersion == 1 {
		log.Printf("[config] Deprecation Warning: config_version 1 is deprecated, upgrading defaults to v2")
		cfg.PublishDefaults = PublishDefaults{
			SingleDepth:   true,
			MultiDepth:    true,
			SingleBreadth: false,
			MultiBreadth:  false,
		}
		cfg.ConfigVersion = 2
	}

	if cfg.MaintenanceSchedule == "" {
		cfg.MaintenanceSchedule = "0 3 * * *"
	}
	if _, err := cron.ParseStandard(cfg.MaintenanceSchedule); err != nil {
		return fmt.Errorf("config: invalid maintenance_schedule %q: %w", cfg.MaintenanceSchedule, err)
	}

	if cfg.ParallelSubgroups < 1 {
		cfg.ParallelSubgroups = 1
	}
	return nil
}
