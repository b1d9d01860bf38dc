// Package config loads and validates the orchestrator's TOML configuration:
// a Duration type that unmarshals "60s"-style strings, an
// applyDefaults/normalizePaths/validate pipeline, and a Clone method so
// callers can mutate a snapshot safely.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the root document, one table per subsystem.
type Config struct {
	General      General              `toml:"general"`
	Bandit       Bandit               `toml:"bandit"`
	Scheduler    Scheduler            `toml:"scheduler"`
	Planner      Planner              `toml:"planner"`
	Verification Verification         `toml:"verification"`
	Attestation  Attestation          `toml:"attestation"`
	Policy       Policy               `toml:"policy"`
	API          API                  `toml:"api"`
	Projects     map[string]Project   `toml:"projects"`
}

// API configures the resource-exposing HTTP server.
type API struct {
	Bind     string   `toml:"bind"`
	Security Security `toml:"security"`
}

// Security configures the token and local-only checks applied to every
// HTTP API endpoint.
type Security struct {
	Enabled           bool     `toml:"enabled"`
	RequireLocalOnly  bool     `toml:"require_local_only"`
	AllowedTokens     []string `toml:"allowed_tokens"`
	AuditLog          string   `toml:"audit_log"`
}

// General holds process-wide knobs: where the state store lives, how often
// the dispatch loop ticks, and the single-instance lock file (opshealth).
type General struct {
	StateDB      string   `toml:"state_db"`
	LogLevel     string   `toml:"log_level"`
	TickInterval Duration `toml:"tick_interval"`
	LockFile     string   `toml:"lock_file"`
}

// Bandit configures the contextual router.
type Bandit struct {
	Explore         float64  `toml:"explore"`
	ConfidenceWidth float64  `toml:"confidence_width"`
	ExploreTopK     int      `toml:"explore_top_k"`
	CircuitWindow   Duration `toml:"circuit_window"`
	CircuitOpenFor  Duration `toml:"circuit_open_for"`
	FailureThresh   int      `toml:"failure_threshold"`
	RewardSmoothing float64  `toml:"reward_smoothing"`
	ConfidenceFloor float64  `toml:"confidence_floor"`
}

// Scheduler configures the dispatch loop.
type Scheduler struct {
	MaxParallel    int      `toml:"max_parallel"`
	TimeoutMS      int64    `toml:"timeout_ms"`
	DefaultLeaseMS int64    `toml:"default_lease_ms"`
	Market         string   `toml:"market"` // reserved: future route marketplace selection mode
}

// Planner configures the HTN/ToT planning pipeline.
type Planner struct {
	MaxDepth          int     `toml:"max_depth"`
	BeamSize          int     `toml:"beam_size"`
	BranchFactor      int     `toml:"branch_factor"`
	MinScoreThreshold float64 `toml:"min_score_threshold"`
}

// Verification configures the property registry. EnableContracts gates
// whether the FUNC/SEC/PERF properties are registered at all;
// EnableMetamorphic gates the META-001/META-002 idempotency/commutativity
// pair. EnableJudge and JudgeRounds are read by no code path yet: the
// judge-backed property kind has no adjudicator wired in, only the
// contract in internal/judge.
type Verification struct {
	EnableContracts   bool `toml:"enable_contracts"`
	EnableMetamorphic bool `toml:"enable_metamorphic"`
	EnableJudge       bool `toml:"enable_judge"`
	JudgeRounds       int  `toml:"judge_rounds"`
}

// Attestation configures the provenance builder.
type Attestation struct {
	Enable       bool   `toml:"enable"`
	DefaultLevel string `toml:"default_level"`
	KeyPath      string `toml:"key_path"`
}

// Policy is the default rule set applied when a plan/route carries none of
// its own.
type Policy struct {
	Allow   []string `toml:"allow"`
	Deny    []string `toml:"deny"`
	Require []string `toml:"require"`
}

// Project is a per-goal-namespace routing override: goals submitted
// under this namespace inherit its policy/priority defaults.
type Project struct {
	Enabled  bool   `toml:"enabled"`
	Priority int    `toml:"priority"`
	Policy   Policy `toml:"policy"`
}

// Clone returns a deep copy of cfg so callers can safely mutate the
// result without racing a concurrent Get from another goroutine.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	cloned := *cfg
	cloned.Policy.Allow = cloneStringSlice(cfg.Policy.Allow)
	cloned.Policy.Deny = cloneStringSlice(cfg.Policy.Deny)
	cloned.Policy.Require = cloneStringSlice(cfg.Policy.Require)
	cloned.API.Security.AllowedTokens = cloneStringSlice(cfg.API.Security.AllowedTokens)
	cloned.Projects = cloneProjects(cfg.Projects)
	return &cloned
}

func cloneProjects(in map[string]Project) map[string]Project {
	if in == nil {
		return nil
	}
	out := make(map[string]Project, len(in))
	for key, p := range in {
		p.Policy.Allow = cloneStringSlice(p.Policy.Allow)
		p.Policy.Deny = cloneStringSlice(p.Policy.Deny)
		p.Policy.Require = cloneStringSlice(p.Policy.Require)
		out[key] = p
	}
	return out
}

func cloneStringSlice(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// Default returns the process's baseline configuration.
func Default() *Config {
	return &Config{
		General: General{
			StateDB:      "orchestra.db",
			LogLevel:     "info",
			TickInterval: Duration{time.Second},
			LockFile:     "orchestra.lock",
		},
		Bandit: Bandit{
			Explore: 0.1, ConfidenceWidth: 1.0, ExploreTopK: 3,
			CircuitWindow: Duration{30 * time.Second}, CircuitOpenFor: Duration{30 * time.Second},
			FailureThresh: 5, RewardSmoothing: 0.2, ConfidenceFloor: 0.05,
		},
		Scheduler: Scheduler{MaxParallel: 4, TimeoutMS: 300000, DefaultLeaseMS: 15 * 60 * 1000},
		Planner:   Planner{MaxDepth: 5, BeamSize: 3, BranchFactor: 3, MinScoreThreshold: 0.3},
		Verification: Verification{
			EnableContracts: true, EnableMetamorphic: true, EnableJudge: false, JudgeRounds: 1,
		},
		Attestation: Attestation{Enable: true, DefaultLevel: "SLSA2"},
		API:         API{Bind: "127.0.0.1:8787"},
	}
}

func applyDefaults(cfg *Config, defined map[string]bool) {
	def := Default()
	if cfg.General.StateDB == "" {
		cfg.General.StateDB = def.General.StateDB
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = def.General.LogLevel
	}
	if cfg.General.TickInterval.Duration == 0 {
		cfg.General.TickInterval = def.General.TickInterval
	}
	if cfg.General.LockFile == "" {
		cfg.General.LockFile = def.General.LockFile
	}
	if cfg.Bandit.ExploreTopK == 0 {
		cfg.Bandit.ExploreTopK = def.Bandit.ExploreTopK
	}
	if cfg.Bandit.FailureThresh == 0 {
		cfg.Bandit.FailureThresh = def.Bandit.FailureThresh
	}
	if cfg.Bandit.CircuitWindow.Duration == 0 {
		cfg.Bandit.CircuitWindow = def.Bandit.CircuitWindow
	}
	if cfg.Bandit.CircuitOpenFor.Duration == 0 {
		cfg.Bandit.CircuitOpenFor = def.Bandit.CircuitOpenFor
	}
	if cfg.Scheduler.MaxParallel == 0 {
		cfg.Scheduler.MaxParallel = def.Scheduler.MaxParallel
	}
	if cfg.Scheduler.TimeoutMS == 0 {
		cfg.Scheduler.TimeoutMS = def.Scheduler.TimeoutMS
	}
	if cfg.Scheduler.DefaultLeaseMS == 0 {
		cfg.Scheduler.DefaultLeaseMS = def.Scheduler.DefaultLeaseMS
	}
	if cfg.Planner.MaxDepth == 0 {
		cfg.Planner.MaxDepth = def.Planner.MaxDepth
	}
	if cfg.Planner.BeamSize == 0 {
		cfg.Planner.BeamSize = def.Planner.BeamSize
	}
	if cfg.Planner.BranchFactor == 0 {
		cfg.Planner.BranchFactor = def.Planner.BranchFactor
	}
	if cfg.Attestation.DefaultLevel == "" {
		cfg.Attestation.DefaultLevel = def.Attestation.DefaultLevel
	}
	if cfg.API.Bind == "" {
		cfg.API.Bind = def.API.Bind
	}
}

func normalizePaths(cfg *Config) {
	cfg.General.StateDB = ExpandHome(cfg.General.StateDB)
	cfg.General.LockFile = ExpandHome(cfg.General.LockFile)
	cfg.Attestation.KeyPath = ExpandHome(cfg.Attestation.KeyPath)
}

// ExpandHome expands a leading "~" to the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func validate(cfg *Config) error {
	if cfg.Scheduler.MaxParallel <= 0 {
		return fmt.Errorf("scheduler.max_parallel must be positive")
	}
	if cfg.Planner.BeamSize <= 0 {
		return fmt.Errorf("planner.beam_size must be positive")
	}
	if cfg.Bandit.Explore < 0 || cfg.Bandit.Explore > 1 {
		return fmt.Errorf("bandit.explore must be in [0, 1]")
	}
	switch cfg.Attestation.DefaultLevel {
	case "", "SLSA1", "SLSA2", "SLSA3", "SLSA4":
	default:
		return fmt.Errorf("attestation.default_level %q is not a recognized SLSA level", cfg.Attestation.DefaultLevel)
	}
	return nil
}

// Load reads and validates an orchestra TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	defined := make(map[string]bool, len(md.Keys()))
	for _, k := range md.Keys() {
		defined[k.String()] = true
	}

	applyDefaults(&cfg, defined)
	normalizePaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}
