// Package engine implements the cooperative dispatch loop: ROUTE ->
// POLICY-GATE -> EXECUTE -> SNAPSHOT -> VERIFY -> ATTEST -> REWARD for
// every ready step of an active plan, bounded by a max_parallel
// semaphore.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/orchestra/internal/cost"
	"github.com/antigravity-dev/orchestra/internal/plandsl"
	"github.com/antigravity-dev/orchestra/internal/policy"
	"github.com/antigravity-dev/orchestra/internal/provenance"
	"github.com/antigravity-dev/orchestra/internal/router"
	"github.com/antigravity-dev/orchestra/internal/sandbox"
	"github.com/antigravity-dev/orchestra/internal/store"
	"github.com/antigravity-dev/orchestra/internal/verify"
)

// Config are the scheduler's tunable knobs.
type Config struct {
	MaxParallel    int
	DefaultLeaseMS int64
	WorkerID       string
	BuilderID      string
}

// DefaultConfig returns the engine's baseline tuning: max_parallel=4,
// lease default 15 minutes.
func DefaultConfig() Config {
	return Config{
		MaxParallel:    4,
		DefaultLeaseMS: 15 * 60 * 1000,
		WorkerID:       "engine",
		BuilderID:      "antigravity-dev/orchestra@v1",
	}
}

// Engine wires the store, router, policy engine, verification registry,
// execution target, and provenance signer into one dispatch loop.
type Engine struct {
	store  *store.Store
	router *router.Router
	policy *policy.Engine
	verify *verify.Registry
	target sandbox.Target
	signer *provenance.Signer
	cfg    Config
	logger *slog.Logger
}

// New constructs an Engine. signer may be nil, in which case attestation
// is skipped (useful for tests that don't exercise signing).
func New(s *store.Store, r *router.Router, p *policy.Engine, v *verify.Registry, target sandbox.Target, signer *provenance.Signer, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, router: r, policy: p, verify: v, target: target, signer: signer, cfg: cfg, logger: logger}
}

// Tick runs one dispatch cycle over a single plan: load ready steps, sort
// by effective priority, and dispatch up to MaxParallel concurrently.
// Returns once every dispatched step's pipeline has completed (or failed)
// for this cycle.
func (e *Engine) Tick(ctx context.Context, planID string) error {
	plan, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return fmt.Errorf("engine: tick: load plan %s: %w", planID, err)
	}
	if plan.Status != "active" {
		return nil
	}

	steps, err := e.store.StepsByPlan(ctx, planID)
	if err != nil {
		return fmt.Errorf("engine: tick: load steps: %w", err)
	}

	ready := e.readySteps(steps, plan)
	if len(ready) == 0 {
		return e.maybeCompletePlan(ctx, plan, steps)
	}

	maxParallel := e.cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 4
	}
	sem := make(chan struct{}, maxParallel)
	done := make(chan error, len(ready))

	for _, st := range ready {
		st := st
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			done <- e.dispatchStep(ctx, plan, st)
		}()
	}

	var firstErr error
	for range ready {
		if err := <-done; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// readySteps filters to steps whose dependencies are all satisfied,
// then sorts candidates by CalculateStepPriority descending, falling back
// to plan order for ties. Parallel-group membership doesn't change which
// steps are eligible here (a step with unmet dependencies is excluded
// regardless of its group); it only matters for batching concurrent
// dispatch, which the MaxParallel semaphore already provides.
func (e *Engine) readySteps(steps []store.Step, plan store.Plan) []store.Step {
	completed := map[string]struct{}{}
	for _, st := range steps {
		if st.Status == "done" {
			completed[st.ID] = struct{}{}
		}
	}

	now := store.NowMS()
	var ready []store.Step
	for _, st := range steps {
		if st.Status != "todo" {
			continue
		}
		if at := retryAfter(st.Metadata); at > now {
			continue // still in its exponential-backoff window
		}
		if plandsl.IsStepReady(toPlanStep(st), completed) {
			ready = append(ready, st)
		}
	}

	pplan := toPlanPlan(plan)
	sort.SliceStable(ready, func(i, j int) bool {
		pi := plandsl.CalculateStepPriority(toPlanStep(ready[i]), pplan)
		pj := plandsl.CalculateStepPriority(toPlanStep(ready[j]), pplan)
		if pi != pj {
			return pi > pj
		}
		return ready[i].OrderIndex < ready[j].OrderIndex
	})
	return ready
}

func (e *Engine) maybeCompletePlan(ctx context.Context, plan store.Plan, steps []store.Step) error {
	if len(steps) == 0 {
		return nil
	}
	for _, st := range steps {
		if st.Status != "done" {
			return nil
		}
	}
	now := store.NowMS()
	return e.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.UpdatePlanStatus(plan.ID, "completed", now)
	})
}

func toPlanStep(st store.Step) plandsl.Step {
	var deps []string
	_ = json.Unmarshal([]byte(st.Dependencies), &deps)
	return plandsl.Step{
		ID: st.ID, PlanID: st.PlanID, Capability: st.Capability, Critical: st.Critical,
		Priority: st.Priority, Dependencies: deps, ParallelGroup: st.ParallelGroup,
		TimeoutMS: st.TimeoutMS, RetryCount: st.RetryCount, Status: st.Status,
		OrderIndex: st.OrderIndex,
	}
}

func toPlanPlan(p store.Plan) plandsl.Plan {
	return plandsl.Plan{ID: p.ID, Goal: p.Goal, Priority: p.Priority, Status: p.Status}
}

// dispatchStep runs the full per-step pipeline: claim -> route
// (policy-gated inside PickRoute) -> execute -> snapshot -> verify ->
// attest -> reward.
func (e *Engine) dispatchStep(ctx context.Context, plan store.Plan, st store.Step) error {
	now := store.NowMS()
	leaseMS := e.cfg.DefaultLeaseMS
	if leaseMS <= 0 {
		leaseMS = 15 * 60 * 1000
	}

	var claimed bool
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		ok, err := tx.AcquireLease(st.ID, e.cfg.WorkerID, now+leaseMS, now)
		claimed = ok
		return err
	})
	if err != nil {
		return fmt.Errorf("engine: acquire lease %s: %w", st.ID, err)
	}
	if !claimed {
		return nil // lost the race to another worker
	}

	pctx := policy.Context{
		Capability:     st.Capability,
		CumulativeCost: 0,
		ElapsedMS:      0,
		Project:        plan.Owner,
	}
	route, obligations, err := e.router.PickRoute(ctx, st.Capability, pctx, router.CostMid, policy.Definition{})
	if err != nil {
		return e.failStep(ctx, st, fmt.Sprintf("NoRouteAvailable: %v", err), false)
	}
	_ = obligations // the scheduler must satisfy these before marking done; no judge-backed obligations wired yet

	ticket := store.Ticket{
		ID: uuid.NewString(), StepID: st.ID, RouteID: route.ID, Status: "running",
		StartedAt: sql.NullInt64{Int64: now, Valid: true},
	}
	if err := e.store.WithTx(ctx, func(tx *store.Tx) error { return tx.CreateTicket(ticket) }); err != nil {
		return fmt.Errorf("engine: create ticket: %w", err)
	}

	timeoutMS := st.TimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = 300000
	}
	execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
	defer cancel()

	start := time.Now()
	resp, execErr := e.target.Execute(execCtx, sandbox.ExecutionRequest{
		SandboxID: ticket.ID,
		RouteRef:  route.ID,
		Command:   route.Tool,
		Args:      []string{st.Capability},
		Inputs:    decodeJSONMap(st.Metadata),
		Config:    sandbox.DefaultConfig(),
	})
	latencyMS := time.Since(start).Milliseconds()

	success := execErr == nil && resp.Err == nil && len(resp.Violations) == 0
	errMsg := ""
	if execErr != nil {
		errMsg = execErr.Error()
	} else if resp.Err != nil {
		errMsg = resp.Err.Error()
	}

	snap := buildSnapshot(st, route, resp, plan)

	var report verify.Report
	if success && e.verify != nil {
		report = e.verify.Run(
			verify.Inputs(decodeJSONMap(st.Metadata)),
			verify.Outputs(resp.Outputs),
			verify.EvalContext{
				Capability: st.Capability, Critical: st.Critical,
				LatencyMS: latencyMS, Stdout: resp.Stdout, Stderr: resp.Stderr, Error: errMsg,
			},
			e.replayerFor(ctx, route, st),
		)
		success = report.AllCriticalPassed
	}

	endNow := store.NowMS()
	resultJSON, _ := json.Marshal(snap)
	ticketCost := cost.EstimateTicketCost(route.CostWeight, resp.Stdout, st.Metadata)

	if err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		status := "succeeded"
		if !success {
			status = "failed"
		}
		return tx.CompleteTicket(ticket.ID, status, endNow, ticketCost, latencyMS, string(resultJSON), errMsg)
	}); err != nil {
		return fmt.Errorf("engine: complete ticket: %w", err)
	}

	if err := e.router.UpdateReward(ctx, route.ID, success, latencyMS, ticketCost, endNow); err != nil {
		e.logger.Warn("engine: update reward failed", "route", route.ID, "error", err)
	}

	if !success {
		return e.failStep(ctx, st, errMsg, true)
	}

	if e.signer != nil {
		if err := e.attest(ctx, st, ticket.ID, route, resp, snap, plan); err != nil {
			e.logger.Warn("engine: attestation failed", "step", st.ID, "error", err)
		}
	}

	return e.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.UpdateStepStatus(st.ID, "waiting_review", endNow); err != nil {
			return err
		}
		if err := tx.UpdateStepStatus(st.ID, "done", endNow); err != nil {
			return err
		}
		return tx.ReleaseLease(st.ID, endNow)
	})
}

// failStep applies the retry/exhaustion transitions of the step
// lifecycle: retryable failures go back to todo with the attempt count
// bumped in metadata, exhausted or non-retryable failures go to failed.
func (e *Engine) failStep(ctx context.Context, st store.Step, reason string, retryable bool) error {
	_ = reason // recorded on the ticket/event trail already; kept for caller readability
	now := store.NowMS()
	attempts := attemptsUsed(st.Metadata)

	if retryable && attempts < st.RetryCount {
		meta := setAttemptsUsed(st.Metadata, attempts+1)
		meta = setRetryAfter(meta, now+BackoffDelayMS(attempts+1))
		return e.store.WithTx(ctx, func(tx *store.Tx) error {
			if err := tx.UpdateStepMetadata(st.ID, meta, now); err != nil {
				return err
			}
			if err := tx.ReleaseLease(st.ID, now); err != nil {
				return err
			}
			return tx.RequeueStep(st.ID, now)
		})
	}

	return e.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.ReleaseLease(st.ID, now); err != nil {
			return err
		}
		return tx.UpdateStepStatus(st.ID, "failed", now)
	})
}

// replayerFor builds the verify.Replayer metamorphic checks use to
// re-execute route against st's capability with different inputs: one
// fresh sandbox invocation per variant, bounded by its own short timeout
// so a slow replay can't stall the step that triggered it.
func (e *Engine) replayerFor(ctx context.Context, route store.Route, st store.Step) verify.Replayer {
	return func(inputs verify.Inputs) (verify.Outputs, error) {
		replayCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		resp, err := e.target.Execute(replayCtx, sandbox.ExecutionRequest{
			SandboxID: uuid.NewString(),
			RouteRef:  route.ID,
			Command:   route.Tool,
			Args:      []string{st.Capability},
			Inputs:    map[string]any(inputs),
			Config:    sandbox.DefaultConfig(),
		})
		if err != nil {
			return nil, err
		}
		if resp.Err != nil {
			return nil, resp.Err
		}
		return verify.Outputs(resp.Outputs), nil
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{}
	}
	return out
}

func attemptsUsed(metadataJSON string) int {
	m := decodeJSONMap(metadataJSON)
	if v, ok := m["_attempts"].(float64); ok {
		return int(v)
	}
	return 0
}

func setAttemptsUsed(metadataJSON string, attempts int) string {
	m := decodeJSONMap(metadataJSON)
	m["_attempts"] = attempts
	out, err := json.Marshal(m)
	if err != nil {
		return metadataJSON
	}
	return string(out)
}

// retryAfter reads the earliest-eligible-redispatch timestamp the
// exponential backoff stamps on a retried step; zero means no
// restriction.
func retryAfter(metadataJSON string) int64 {
	m := decodeJSONMap(metadataJSON)
	if v, ok := m["_retry_after"].(float64); ok {
		return int64(v)
	}
	return 0
}

func setRetryAfter(metadataJSON string, at int64) string {
	m := decodeJSONMap(metadataJSON)
	m["_retry_after"] = at
	out, err := json.Marshal(m)
	if err != nil {
		return metadataJSON
	}
	return string(out)
}
