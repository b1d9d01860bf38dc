package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestra.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `
[general]
tick_interval = "5s"
log_level = "debug"
state_db = "/tmp/orchestra-test.db"

[bandit]
explore = 0.2
confidence_width = 1.5

[scheduler]
max_parallel = 8

[planner]
max_depth = 4
beam_size = 5

[verification]
enable_contracts = true
enable_metamorphic = false

[attestation]
enable = true
default_level = "SLSA3"

[policy]
allow = ["capability == 'read'"]
deny = ["security_level == 'untrusted'"]

[projects.payments]
enabled = true
priority = 10
`

func TestLoad_ValidConfig(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.General.TickInterval.Duration != 5*time.Second {
		t.Errorf("TickInterval = %v, want 5s", cfg.General.TickInterval.Duration)
	}
	if cfg.Bandit.Explore != 0.2 {
		t.Errorf("Bandit.Explore = %v, want 0.2", cfg.Bandit.Explore)
	}
	if cfg.Scheduler.MaxParallel != 8 {
		t.Errorf("Scheduler.MaxParallel = %v, want 8", cfg.Scheduler.MaxParallel)
	}
	if cfg.Attestation.DefaultLevel != "SLSA3" {
		t.Errorf("Attestation.DefaultLevel = %q, want SLSA3", cfg.Attestation.DefaultLevel)
	}
	proj, ok := cfg.Projects["payments"]
	if !ok || proj.Priority != 10 {
		t.Errorf("Projects[payments] = %+v, want priority 10", proj)
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeTestConfig(t, `[general]
state_db = "/tmp/orchestra-defaults.db"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Scheduler.MaxParallel != 4 {
		t.Errorf("Scheduler.MaxParallel = %v, want default 4", cfg.Scheduler.MaxParallel)
	}
	if cfg.Planner.BeamSize != 3 {
		t.Errorf("Planner.BeamSize = %v, want default 3", cfg.Planner.BeamSize)
	}
	if cfg.Bandit.FailureThresh != 5 {
		t.Errorf("Bandit.FailureThresh = %v, want default 5", cfg.Bandit.FailureThresh)
	}
}

func TestLoad_RejectsBadAttestationLevel(t *testing.T) {
	path := writeTestConfig(t, `[attestation]
default_level = "SLSA9"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load() expected error for invalid attestation.default_level, got nil")
	}
}

func TestValidate_RejectsZeroBeamSize(t *testing.T) {
	cfg := Default()
	cfg.Planner.BeamSize = 0
	if err := validate(cfg); err == nil {
		t.Fatal("validate() expected error for zero beam_size, got nil")
	}
}

func TestClone_DeepCopiesSlicesAndMaps(t *testing.T) {
	cfg := Default()
	cfg.Policy.Allow = []string{"capability == 'read'"}
	cfg.Projects = map[string]Project{"a": {Priority: 1, Policy: Policy{Deny: []string{"x"}}}}

	clone := cfg.Clone()
	clone.Policy.Allow[0] = "mutated"
	clone.Projects["a"] = Project{Priority: 2}

	if cfg.Policy.Allow[0] == "mutated" {
		t.Error("Clone() did not deep-copy Policy.Allow")
	}
	if cfg.Projects["a"].Priority == 2 {
		t.Error("Clone() did not deep-copy Projects")
	}
}

func TestManager_ReloadSwapsConfig(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	mgr, err := LoadManager(path)
	if err != nil {
		t.Fatalf("LoadManager() error = %v", err)
	}

	if mgr.Get().Scheduler.MaxParallel != 8 {
		t.Fatalf("initial MaxParallel = %v, want 8", mgr.Get().Scheduler.MaxParallel)
	}

	updated := strings.Replace(validConfig, "max_parallel = 8", "max_parallel = 16", 1)
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Reload(path); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	if got := mgr.Get().Scheduler.MaxParallel; got != 16 {
		t.Errorf("MaxParallel after reload = %v, want 16", got)
	}
}
