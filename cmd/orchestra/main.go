// Command orchestra is the orchestration core's process entrypoint: it
// loads config, opens the state store, wires the planner, router, policy
// engine, verification registry, provenance signer, and execution target
// into one Engine, then either submits a new goal or runs the dispatch
// loop. Supports single-instance locking, SIGHUP config reload, and
// graceful SIGINT/SIGTERM drain.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/orchestra/internal/api"
	"github.com/antigravity-dev/orchestra/internal/config"
	"github.com/antigravity-dev/orchestra/internal/engine"
	"github.com/antigravity-dev/orchestra/internal/htnplan"
	"github.com/antigravity-dev/orchestra/internal/opshealth"
	"github.com/antigravity-dev/orchestra/internal/plandsl"
	"github.com/antigravity-dev/orchestra/internal/policy"
	"github.com/antigravity-dev/orchestra/internal/provenance"
	"github.com/antigravity-dev/orchestra/internal/router"
	"github.com/antigravity-dev/orchestra/internal/sandbox"
	"github.com/antigravity-dev/orchestra/internal/store"
	"github.com/antigravity-dev/orchestra/internal/temporal"
	"github.com/antigravity-dev/orchestra/internal/totplan"
	"github.com/antigravity-dev/orchestra/internal/verify"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// validateRuntimeConfigReload rejects a hot-reload that changes a setting
// that can only take effect at process start.
func validateRuntimeConfigReload(oldCfg, newCfg *config.Config) error {
	if oldCfg == nil || newCfg == nil {
		return fmt.Errorf("invalid config state during reload")
	}
	if strings.TrimSpace(oldCfg.General.StateDB) != strings.TrimSpace(newCfg.General.StateDB) {
		return fmt.Errorf("general.state_db cannot change on reload, restart required")
	}
	if strings.TrimSpace(oldCfg.API.Bind) != strings.TrimSpace(newCfg.API.Bind) {
		return fmt.Errorf("api.bind cannot change on reload, restart required")
	}
	return nil
}

func main() {
	var (
		configPath   = flag.String("config", "orchestra.toml", "path to TOML configuration")
		dev          = flag.Bool("dev", false, "use human-readable text logging instead of JSON")
		once         = flag.Bool("once", false, "tick every active plan once, then exit")
		goal         = flag.String("submit", "", "submit a new goal (HTN decompose + ToT search), then exit")
		owner        = flag.String("owner", "", "owner attributed to a submitted goal")
		priority     = flag.Int("priority", 0, "priority attributed to a submitted goal")
		temporalAddr = flag.String("temporal", "", "Temporal server host:port; empty runs steps in a local sandbox")
		sandboxDir   = flag.String("sandbox-dir", "orchestra-sandbox", "workspace root for the local sandbox target")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	logger.Info("orchestra starting", "config", *configPath)

	cfgManager, err := config.LoadManager(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	lockPath := cfg.General.LockFile
	if lockPath == "" {
		lockPath = "/tmp/orchestra.lock"
	}
	lock, err := opshealth.AcquireLock(lockPath)
	if err != nil {
		logger.Error("failed to acquire single-instance lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	st, err := store.Open(cfg.General.StateDB)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.General.StateDB, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if g := strings.TrimSpace(*goal); g != "" {
		if err := submitGoal(context.Background(), st, cfg, logger, g, *owner, *priority); err != nil {
			logger.Error("submit failed", "error", err)
			os.Exit(1)
		}
		return
	}

	policyEngine := policy.New()
	routerCfg := router.Config{
		Explore: cfg.Bandit.Explore, ConfidenceWidth: cfg.Bandit.ConfidenceWidth,
		ExploreTopK: cfg.Bandit.ExploreTopK, CircuitWindow: cfg.Bandit.CircuitWindow.Duration,
		CircuitOpenFor: cfg.Bandit.CircuitOpenFor.Duration, FailureThreshold: cfg.Bandit.FailureThresh,
		RewardSmoothing: cfg.Bandit.RewardSmoothing, ConfidenceFloor: cfg.Bandit.ConfidenceFloor,
	}
	rt := router.New(st, policyEngine, routerCfg)

	var verifyRegistry *verify.Registry
	if cfg.Verification.EnableContracts {
		verifyRegistry = verify.NewRegistry()
	} else {
		verifyRegistry = &verify.Registry{}
	}
	if cfg.Verification.EnableMetamorphic {
		verifyRegistry.RegisterMetamorphic()
	}

	var signer *provenance.Signer
	if cfg.Attestation.Enable {
		signer, err = provenance.NewSigner("orchestra-engine")
		if err != nil {
			logger.Error("failed to create attestation signer", "error", err)
			os.Exit(1)
		}
	}

	target, closeTarget, err := buildTarget(*temporalAddr, *sandboxDir)
	if err != nil {
		logger.Error("failed to construct execution target", "error", err)
		os.Exit(1)
	}
	if closeTarget != nil {
		defer closeTarget()
	}

	engineCfg := engine.Config{
		MaxParallel: cfg.Scheduler.MaxParallel, DefaultLeaseMS: cfg.Scheduler.DefaultLeaseMS,
		WorkerID: "orchestra-engine", BuilderID: "antigravity-dev/orchestra@v1",
	}
	eng := engine.New(st, rt, policyEngine, verifyRegistry, target, signer, engineCfg, logger.With("component", "engine"))

	reclaimer := opshealth.NewReclaimer(st, 30*time.Second, logger.With("component", "opshealth"))
	if tt, ok := target.(*temporal.Target); ok {
		reclaimer = reclaimer.WithTemporalClient(tt.Client())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *once {
		runOneTick(ctx, st, eng, logger)
		return
	}

	var cfgMu sync.RWMutex
	applyReload := func() error {
		cfgMu.Lock()
		defer cfgMu.Unlock()

		updated, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		if err := validateRuntimeConfigReload(cfg, updated); err != nil {
			return err
		}
		cfgManager.Set(updated)
		cfg = updated
		logger = configureLogger(cfg.General.LogLevel, *dev)
		slog.SetDefault(logger)
		return nil
	}

	go reclaimer.Run(ctx)

	go func() {
		ticker := time.NewTicker(cfg.General.TickInterval.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runOneTick(ctx, st, eng, logger)
			}
		}
	}()

	apiSrv, err := api.NewServer(cfg, st, logger.With("component", "api"))
	if err != nil {
		logger.Error("failed to create api server", "error", err)
		os.Exit(1)
	}
	defer apiSrv.Close()

	go func() {
		if err := apiSrv.Start(ctx); err != nil {
			logger.Error("api server error", "error", err)
		}
	}()

	logger.Info("orchestra running", "bind", cfg.API.Bind, "tick_interval", cfg.General.TickInterval.Duration.String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			if err := applyReload(); err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			logger.Info("config reloaded")
		case syscall.SIGINT, syscall.SIGTERM:
			shutdownStart := time.Now()
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			logger.Info("orchestra stopped", "shutdown_duration", time.Since(shutdownStart).String())
			return
		default:
			cancel()
			return
		}
	}
}

func buildTarget(temporalAddr, sandboxDir string) (sandbox.Target, func(), error) {
	if temporalAddr != "" {
		t, err := temporal.NewTarget(temporalAddr)
		if err != nil {
			return nil, nil, err
		}
		return t, t.Close, nil
	}
	return sandbox.NewLocalTarget(sandboxDir), nil, nil
}

// runOneTick ticks every active plan once. A single plan's failure to tick
// (e.g. a transient store error) never blocks the others.
func runOneTick(ctx context.Context, st *store.Store, eng *engine.Engine, logger *slog.Logger) {
	plans, err := st.ActivePlans(ctx)
	if err != nil {
		logger.Error("failed to list active plans", "error", err)
		return
	}
	for _, p := range plans {
		if err := eng.Tick(ctx, p.ID); err != nil {
			logger.Error("tick failed", "plan_id", p.ID, "error", err)
		}
	}
}

// submitGoal runs the HTN decomposition + Tree-of-Thought beam search
// pipeline over a free-text goal, persists the winning branch's steps,
// and activates the plan.
func submitGoal(ctx context.Context, st *store.Store, cfg *config.Config, logger *slog.Logger, goal, owner string, priority int) error {
	planID := uuid.NewString()
	now := store.NowMS()

	registry := htnplan.NewRegistry(logger.With("component", "htnplan"))
	initial, err := registry.Decompose(goal, planID, nil)
	if err != nil {
		return fmt.Errorf("decompose: %w", err)
	}

	totCfg := totplan.Config{
		BeamSize: cfg.Planner.BeamSize, MaxDepth: cfg.Planner.MaxDepth,
		BranchFactor: cfg.Planner.BranchFactor, MinScoreThreshold: cfg.Planner.MinScoreThreshold,
	}
	result := totplan.Search(planID, goal, initial, totCfg)
	if len(result.Branches) == 0 || len(result.Branches[0].StepIDs) == 0 {
		return fmt.Errorf("beam search produced no viable branch for goal %q", goal)
	}
	best := result.Branches[0]

	steps := result.Steps
	logger.Info("goal decomposed and searched", "plan_id", planID, "branch_id", best.ID,
		"score", best.Score, "steps", len(steps), "rationale", strings.Join(best.Rationale, "; "))

	return st.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.CreatePlan(store.Plan{
			ID: planID, Goal: goal, Context: "{}", Budget: "{}", Owner: owner,
			Priority: priority, Status: "active", CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		for _, id := range best.StepIDs {
			stepObj, ok := steps[id]
			if !ok {
				continue
			}
			// Beam-search mutation operators (insertValidationAfterCritical,
			// raiseRetryAndRollback, prependMonitoring) build new steps by hand
			// and don't run them through ValidateStep, so re-normalize defaults
			// here: every persisted step must get the same priority/retry/
			// timeout defaults a freshly decomposed one gets.
			if err := plandsl.ValidateStep(&stepObj); err != nil {
				return fmt.Errorf("validate step %s: %w", stepObj.ID, err)
			}
			if err := tx.CreateStep(storeStepFromPlanStep(stepObj, now)); err != nil {
				return err
			}
		}
		return nil
	})
}

func storeStepFromPlanStep(st plandsl.Step, now int64) store.Step {
	deps, _ := json.Marshal(st.Dependencies)
	contract, _ := json.Marshal(st.Contract)
	constraints, _ := json.Marshal(st.Constraints)
	metadata, _ := json.Marshal(st.Metadata)
	status := st.Status
	if status == "" {
		status = "todo"
	}
	return store.Step{
		ID: st.ID, PlanID: st.PlanID, Capability: st.Capability, Critical: st.Critical,
		Priority: st.Priority, Contract: string(contract), Constraints: string(constraints),
		Dependencies: string(deps), ParallelGroup: st.ParallelGroup, TimeoutMS: st.TimeoutMS,
		RetryCount: st.RetryCount, Status: status, Assignee: st.Assignee, Branch: st.Branch,
		ParentStepID: st.ParentStepID, OrderIndex: st.OrderIndex, Metadata: string(metadata),
		CreatedAt: now, UpdatedAt: now,
	}
}
