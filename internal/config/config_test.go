package config

import "testing"

func TestNormalizeUpgradesV1Defaults(t *testing.T) {
	cfg := &AgentConfig{ConfigVersion: 1}
	if err := Normalize(cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.ConfigVersion != 2 {
		t.Errorf("expected upgrade to config_version 2, got %d", cfg.ConfigVersion)
	}
	if !cfg.PublishDefaults.SingleDepth || !cfg.PublishDefaults.MultiDepth {
		t.Error("v1 upgrade should default depth flags to true")
	}
	if cfg.PublishDefaults.SingleBreadth || cfg.PublishDefaults.MultiBreadth {
		t.Error("v1 upgrade should default breadth flags to false")
	}
}

func TestNormalizeRejectsBadCronSchedule(t *testing.T) {
	cfg := NewDefaultAgentConfig()
	cfg.MaintenanceSchedule = "not a cron expression"
	if err := Normalize(cfg); err == nil {
		t.Fatal("expected an error for an invalid maintenance schedule")
	}
}

func TestNormalizeDefaultsParallelSubgroups(t *testing.T) {
	cfg := &AgentConfig{}
	if err := Normalize(cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.ParallelSubgroups != 1 {
		t.Errorf("expected parallel_subgroups to default to 1, got %d", cfg.ParallelSubgroups)
	}
}

func TestStoreSwapIsVisibleToLoad(t *testing.T) {
	s := NewStore(NewDefaultAgentConfig())
	if s.Load().ConfigVersion != 2 {
		t.Fatal("unexpected initial config")
	}
	next := NewDefaultAgentConfig()
	next.AllowDuplicateRemotes = true
	s.Swap(next)
	if !s.Load().AllowDuplicateRemotes {
		t.Error("swap should be visible to subsequent Load calls")
	}
}
