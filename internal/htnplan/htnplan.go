// Package htnplan implements the hierarchical task-network planner: a
// registry of compound-task decomposition methods, selected by keyword
// classification of the goal and tried in priority order, falling back
// to a generic three-step decomposition when nothing more specific
// matches.
package htnplan

import (
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/antigravity-dev/orchestra/internal/plandsl"
)

// Method is one registered decomposition method for a compound task: an
// optional guard over the context, tried in descending Priority order.
type Method struct {
	Name      string
	Priority  int
	Guard     func(ctx map[string]any) bool
	Decompose func(goal, planID string, ctx map[string]any) ([]plandsl.Step, error)
}

// Registry maps a compound-task name to its ordered decomposition methods.
type Registry struct {
	methods map[string][]Method
	logger  *slog.Logger
}

// NewRegistry returns a registry pre-loaded with the built-in develop,
// analyze, fix, and deploy methods, plus the generic fallback.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{methods: make(map[string][]Method), logger: logger}
	r.Register("develop", Method{Name: "develop.default", Priority: 10, Decompose: developMethod})
	r.Register("analyze", Method{Name: "analyze.default", Priority: 10, Decompose: analyzeMethod})
	r.Register("fix", Method{Name: "fix.default", Priority: 10, Decompose: fixMethod})
	r.Register("deploy", Method{Name: "deploy.default", Priority: 10, Decompose: deployMethod})
	r.Register("generic", Method{Name: "generic.fallback", Priority: 0, Decompose: genericMethod})
	return r
}

// Register adds a method for a compound-task name, keeping the slice
// sorted by descending priority (highest first).
func (r *Registry) Register(task string, m Method) {
	methods := r.methods[task]
	inserted := false
	for i, existing := range methods {
		if m.Priority > existing.Priority {
			methods = append(methods[:i], append([]Method{m}, methods[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		methods = append(methods, m)
	}
	r.methods[task] = methods
}

// classify maps a free-text goal to a compound-task name by keyword
// match: implement/build/create -> develop; analyze/research -> analyze;
// fix/debug/resolve -> fix; deploy/release -> deploy; else generic.
func classify(goal string) string {
	lower := strings.ToLower(goal)
	switch {
	case containsAny(lower, "implement", "build", "create"):
		return "develop"
	case containsAny(lower, "analyze", "research"):
		return "analyze"
	case containsAny(lower, "fix", "debug", "resolve"):
		return "fix"
	case containsAny(lower, "deploy", "release"):
		return "deploy"
	default:
		return "generic"
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Decompose classifies goal, then tries each registered method for that
// compound task in priority order. A method whose emitted steps fail
// validation is skipped with a warning and the next method is tried; if
// every specific method fails, the generic fallback is used. Step
// dependencies within one method's output are wired to the immediately
// preceding emitted step's id, never to a freshly generated, unmatched
// id.
func (r *Registry) Decompose(goal, planID string, ctx map[string]any) ([]plandsl.Step, error) {
	task := classify(goal)
	for _, m := range r.methods[task] {
		if m.Guard != nil && !m.Guard(ctx) {
			continue
		}
		steps, err := m.Decompose(goal, planID, ctx)
		if err != nil {
			r.logger.Warn("htnplan: method failed", "task", task, "method", m.Name, "error", err)
			continue
		}
		if err := validateAll(steps); err != nil {
			r.logger.Warn("htnplan: method produced invalid steps, trying next", "task", task, "method", m.Name, "error", err)
			continue
		}
		return steps, nil
	}

	steps, err := genericMethod(goal, planID, ctx)
	if err != nil {
		return nil, err
	}
	if err := validateAll(steps); err != nil {
		return nil, err
	}
	return steps, nil
}

func validateAll(steps []plandsl.Step) error {
	for i := range steps {
		if err := plandsl.ValidateStep(&steps[i]); err != nil {
			return err
		}
	}
	return plandsl.ValidateDependencyGraph(steps)
}

// chain builds a linear sequence of steps for one capability list, wiring
// each step's single dependency to the previous step's id.
func chain(planID string, capabilities []string, critical map[string]bool) []plandsl.Step {
	steps := make([]plandsl.Step, 0, len(capabilities))
	var prevID string
	for i, cap := range capabilities {
		id := uuid.NewString()
		st := plandsl.Step{
			ID:         id,
			PlanID:     planID,
			Capability: cap,
			Critical:   critical[cap],
			OrderIndex: i,
		}
		if prevID != "" {
			st.Dependencies = []string{prevID}
		}
		steps = append(steps, st)
		prevID = id
	}
	return steps
}

func developMethod(_, planID string, _ map[string]any) ([]plandsl.Step, error) {
	return chain(planID, []string{
		"context.analyze", "design.create", "code.implement", "code.verify",
	}, map[string]bool{"code.verify": true}), nil
}

func analyzeMethod(_, planID string, _ map[string]any) ([]plandsl.Step, error) {
	return chain(planID, []string{
		"context.gather", "analysis.perform", "report.generate",
	}, nil), nil
}

func fixMethod(_, planID string, _ map[string]any) ([]plandsl.Step, error) {
	return chain(planID, []string{
		"context.analyze", "fix.diagnose", "fix.implement", "code.verify",
	}, map[string]bool{"fix.implement": true, "code.verify": true}), nil
}

func deployMethod(_, planID string, _ map[string]any) ([]plandsl.Step, error) {
	return chain(planID, []string{
		"context.build", "deploy.validate", "deploy.production", "monitoring.setup",
	}, map[string]bool{"deploy.production": true}), nil
}

// genericMethod is the three-step fallback used when no compound-task
// method matches: build context, plan the work, execute it.
func genericMethod(_, planID string, _ map[string]any) ([]plandsl.Step, error) {
	return chain(planID, []string{
		"context.build", "work.plan", "work.execute",
	}, nil), nil
}
