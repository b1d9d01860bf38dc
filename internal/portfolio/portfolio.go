// Package portfolio aggregates the active plans in a state store into
// the cross-plan snapshot served by the plans/active resource: a
// dashboard over the planner's single-store goal/step model.
package portfolio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/antigravity-dev/orchestra/internal/store"
)

// PlanSnapshot summarizes one active plan's step progress.
type PlanSnapshot struct {
	PlanID        string `json:"plan_id"`
	Goal          string `json:"goal"`
	Owner         string `json:"owner"`
	Priority      int    `json:"priority"`
	Status        string `json:"status"`
	TotalSteps    int    `json:"total_steps"`
	DoneSteps     int    `json:"done_steps"`
	FailedSteps   int    `json:"failed_steps"`
	BlockedSteps  int    `json:"blocked_steps"`
	ReadySteps    int    `json:"ready_steps"`
	InFlightSteps int    `json:"in_flight_steps"`
	CreatedAt     int64  `json:"created_at"`
}

// PercentComplete reports progress as done/total, 100 for an empty plan.
func (p PlanSnapshot) PercentComplete() float64 {
	if p.TotalSteps == 0 {
		return 100
	}
	return 100 * float64(p.DoneSteps) / float64(p.TotalSteps)
}

// Snapshot is the full cross-plan view served to operators.
type Snapshot struct {
	Plans   []PlanSnapshot `json:"plans"`
	Summary Summary        `json:"summary"`
}

// Summary is the portfolio-wide rollup.
type Summary struct {
	ActivePlans     int      `json:"active_plans"`
	TotalSteps      int      `json:"total_steps"`
	TotalDoneSteps  int      `json:"total_done_steps"`
	TotalFailed     int      `json:"total_failed_steps"`
	TotalBlocked    int      `json:"total_blocked_steps"`
	PlansByPriority []string `json:"plans_by_priority"`
}

// Gather builds a Snapshot from every active plan in the store.
func Gather(ctx context.Context, s *store.Store, logger *slog.Logger) (*Snapshot, error) {
	if logger == nil {
		logger = slog.Default()
	}

	plans, err := s.ActivePlans(ctx)
	if err != nil {
		return nil, fmt.Errorf("portfolio: list active plans: %w", err)
	}

	snap := &Snapshot{}
	for _, p := range plans {
		ps, err := gatherPlan(ctx, s, p)
		if err != nil {
			logger.Error("portfolio: failed to gather plan", "plan_id", p.ID, "error", err)
			continue
		}
		snap.Plans = append(snap.Plans, *ps)
	}

	sort.Slice(snap.Plans, func(i, j int) bool {
		return snap.Plans[i].Priority > snap.Plans[j].Priority
	})

	snap.Summary = summarize(snap.Plans)

	logger.Debug("portfolio snapshot gathered", "active_plans", len(snap.Plans))
	return snap, nil
}

func gatherPlan(ctx context.Context, s *store.Store, p store.Plan) (*PlanSnapshot, error) {
	steps, err := s.StepsByPlan(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("list steps for plan %s: %w", p.ID, err)
	}

	completed := make(map[string]struct{})
	for _, st := range steps {
		if st.Status == "done" {
			completed[st.ID] = struct{}{}
		}
	}

	ps := &PlanSnapshot{
		PlanID: p.ID, Goal: p.Goal, Owner: p.Owner, Priority: p.Priority,
		Status: p.Status, TotalSteps: len(steps), CreatedAt: p.CreatedAt,
	}

	for _, st := range steps {
		switch st.Status {
		case "done":
			ps.DoneSteps++
		case "failed":
			ps.FailedSteps++
		case "blocked":
			ps.BlockedSteps++
		case "in_progress", "waiting_review":
			ps.InFlightSteps++
		case "todo":
			if stepReady(st, completed) {
				ps.ReadySteps++
			}
		}
	}

	return ps, nil
}

// stepReady is a read-only view of plandsl.IsStepReady's dependency check,
// duplicated here rather than imported so this package stays a thin reader
// over the store with no dependency on the planning DSL's richer types.
func stepReady(st store.Step, completed map[string]struct{}) bool {
	var deps []string
	if st.Dependencies != "" {
		_ = json.Unmarshal([]byte(st.Dependencies), &deps)
	}
	for _, dep := range deps {
		if _, done := completed[dep]; !done {
			return false
		}
	}
	return true
}

func summarize(plans []PlanSnapshot) Summary {
	sum := Summary{ActivePlans: len(plans), PlansByPriority: make([]string, 0, len(plans))}
	for _, p := range plans {
		sum.TotalSteps += p.TotalSteps
		sum.TotalDoneSteps += p.DoneSteps
		sum.TotalFailed += p.FailedSteps
		sum.TotalBlocked += p.BlockedSteps
		sum.PlansByPriority = append(sum.PlansByPriority, p.PlanID)
	}
	return sum
}
