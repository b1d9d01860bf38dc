// Package totplan implements the Tree-of-Thought beam search over plan
// variants: starting from an HTN-produced step list, apply mutation
// strategies, score each resulting branch on five axes, and keep a
// bounded beam of the best candidates across a bounded depth. Built from
// small pure per-axis scoring functions and deterministic tie-breaking
// via sort.SliceStable.
package totplan

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/antigravity-dev/orchestra/internal/plandsl"
)

// Config are the beam search's tunable parameters.
type Config struct {
	BeamSize          int
	MaxDepth          int
	BranchFactor      int
	MinScoreThreshold float64
}

// DefaultConfig returns the beam search's baseline tuning.
func DefaultConfig() Config {
	return Config{BeamSize: 3, MaxDepth: 5, BranchFactor: 3, MinScoreThreshold: 0.3}
}

// Evaluation is a node's five-axis score plus the composite they combine
// into.
type Evaluation struct {
	Feasibility  float64
	Efficiency   float64
	Risk         float64
	Novelty      float64
	Completeness float64
	Composite    float64
}

// Node is one candidate step list produced during the search, together
// with its evaluation and the rationale trail of mutations applied to
// reach it from the root.
type Node struct {
	Steps      []plandsl.Step
	Eval       Evaluation
	Rationale  []string
	ParentID   string
	ID         string
}

// Result is the beam search's output: the top BeamSize nodes as
// plandsl.Branch records referencing their step ids, plus every step
// object introduced along the way (root steps and newly synthesized
// ones) so the caller can persist them before creating the branch rows.
type Result struct {
	Branches []plandsl.Branch
	Steps    map[string]plandsl.Step
}

// Search runs the beam search and returns the top-BeamSize branches, the
// first marked active.
func Search(planID, goal string, initial []plandsl.Step, cfg Config) Result {
	if cfg.BeamSize <= 0 {
		cfg.BeamSize = 3
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 5
	}
	if cfg.BranchFactor <= 0 {
		cfg.BranchFactor = 3
	}

	root := Node{ID: uuid.NewString(), Steps: cloneSteps(initial)}
	root.Eval = evaluate(root.Steps, goal)

	allSteps := map[string]plandsl.Step{}
	collectSteps(allSteps, root.Steps)

	frontier := []Node{root}
	for depth := 0; depth < cfg.MaxDepth; depth++ {
		allBelowThreshold := true
		for _, n := range frontier {
			if n.Eval.Composite >= cfg.MinScoreThreshold {
				allBelowThreshold = false
				break
			}
		}
		if allBelowThreshold {
			break
		}

		var children []Node
		for _, n := range frontier {
			kids := expand(n, goal, planID)
			sort.SliceStable(kids, func(i, j int) bool { return kids[i].Eval.Composite > kids[j].Eval.Composite })
			if len(kids) > cfg.BranchFactor {
				kids = kids[:cfg.BranchFactor]
			}
			for _, k := range kids {
				collectSteps(allSteps, k.Steps)
			}
			children = append(children, kids...)
		}
		if len(children) == 0 {
			break
		}

		sort.SliceStable(children, func(i, j int) bool { return children[i].Eval.Composite > children[j].Eval.Composite })
		if len(children) > cfg.BeamSize {
			children = children[:cfg.BeamSize]
		}
		frontier = children
	}

	sort.SliceStable(frontier, func(i, j int) bool { return frontier[i].Eval.Composite > frontier[j].Eval.Composite })
	top := frontier
	if len(top) > cfg.BeamSize {
		top = top[:cfg.BeamSize]
	}

	branches := make([]plandsl.Branch, 0, len(top))
	for i, n := range top {
		ids := make([]string, 0, len(n.Steps))
		for _, st := range n.Steps {
			ids = append(ids, st.ID)
		}
		branches = append(branches, plandsl.Branch{
			ID:             n.ID,
			PlanID:         planID,
			ParentBranchID: n.ParentID,
			Score:          n.Eval.Composite,
			Rationale:      n.Rationale,
			StepIDs:        ids,
			Active:         i == 0,
		})
	}

	return Result{Branches: branches, Steps: allSteps}
}

func collectSteps(dst map[string]plandsl.Step, steps []plandsl.Step) {
	for _, st := range steps {
		dst[st.ID] = st
	}
}

func cloneSteps(steps []plandsl.Step) []plandsl.Step {
	out := make([]plandsl.Step, len(steps))
	for i, st := range steps {
		cp := st
		cp.Dependencies = append([]string(nil), st.Dependencies...)
		out[i] = cp
	}
	return out
}

// expansionStrategy is one of the five named branch mutations.
type expansionStrategy func(steps []plandsl.Step, goal, planID string) ([]plandsl.Step, string)

var strategies = []expansionStrategy{
	markParallelGroups,
	insertValidationAfterCritical,
	raiseRetryAndRollback,
	tightenConstraints,
	prependMonitoring,
}

// expand applies every expansion strategy to a node, producing up to
// len(strategies) children (fewer if a strategy is a no-op).
func expand(n Node, goal, planID string) []Node {
	var children []Node
	for _, strat := range strategies {
		mutated, note := strat(cloneSteps(n.Steps), goal, planID)
		if note == "" {
			continue
		}
		child := Node{
			ID:        uuid.NewString(),
			ParentID:  n.ID,
			Steps:     mutated,
			Rationale: append(append([]string(nil), n.Rationale...), note),
		}
		child.Eval = evaluate(child.Steps, goal)
		children = append(children, child)
	}
	return children
}

// markParallelGroups tags consecutive steps that share no dependency edge
// between them with a common parallel_group.
func markParallelGroups(steps []plandsl.Step, _, _ string) ([]plandsl.Step, string) {
	changed := false
	for i := 0; i+1 < len(steps); i++ {
		a, b := steps[i], steps[i+1]
		if a.ParallelGroup != "" || b.ParallelGroup != "" {
			continue
		}
		if dependsOn(b, a.ID) || dependsOn(a, b.ID) {
			continue
		}
		group := "pg-" + a.ID[:8]
		steps[i].ParallelGroup = group
		steps[i+1].ParallelGroup = group
		changed = true
	}
	if !changed {
		return steps, ""
	}
	return steps, "grouped independent consecutive steps for parallel execution"
}

func dependsOn(st plandsl.Step, id string) bool {
	for _, d := range st.Dependencies {
		if d == id {
			return true
		}
	}
	return false
}

// insertValidationAfterCritical inserts a validation.verify step after
// every critical step, rewiring the immediate successor's dependency to
// the new validation step so the chain stays connected.
func insertValidationAfterCritical(steps []plandsl.Step, _, planID string) ([]plandsl.Step, string) {
	var out []plandsl.Step
	inserted := false
	for i, st := range steps {
		out = append(out, st)
		if !st.Critical {
			continue
		}
		// avoid double-inserting if the very next step is already a verify step
		if i+1 < len(steps) && strings.Contains(steps[i+1].Capability, "verify") {
			continue
		}
		verifyID := uuid.NewString()
		out = append(out, plandsl.Step{
			ID: verifyID, PlanID: planID, Capability: "validation.verify",
			Dependencies: []string{st.ID}, OrderIndex: st.OrderIndex,
		})
		inserted = true
	}
	if !inserted {
		return steps, ""
	}
	return out, "inserted validation.verify after each critical step"
}

// raiseRetryAndRollback increases retry_count on critical steps and adds a
// rollback.prepare step after any deploy capability.
func raiseRetryAndRollback(steps []plandsl.Step, _, planID string) ([]plandsl.Step, string) {
	changed := false
	var out []plandsl.Step
	for _, st := range steps {
		if st.Critical && st.RetryCount < 5 {
			st.RetryCount++
			changed = true
		}
		out = append(out, st)
		if strings.HasPrefix(st.Capability, "deploy.") {
			out = append(out, plandsl.Step{
				ID: uuid.NewString(), PlanID: planID, Capability: "rollback.prepare",
				Dependencies: []string{st.ID}, OrderIndex: st.OrderIndex,
			})
			changed = true
		}
	}
	if !changed {
		return steps, ""
	}
	return out, "raised retry budget on critical steps and staged rollback.prepare after deploys"
}

// tightenConstraints halves each step's cost/latency/timeout caps (floored
// at the minimum timeout), modelling a more conservative, cautious branch.
func tightenConstraints(steps []plandsl.Step, _, _ string) ([]plandsl.Step, string) {
	changed := false
	for i := range steps {
		st := &steps[i]
		if st.Constraints.MaxCost > 0 {
			st.Constraints.MaxCost /= 2
			changed = true
		}
		if st.Constraints.MaxLatencyMS > 0 {
			st.Constraints.MaxLatencyMS /= 2
			changed = true
		}
		if st.TimeoutMS > 2000 {
			st.TimeoutMS /= 2
			changed = true
		}
	}
	if !changed {
		return steps, ""
	}
	return steps, "tightened cost/latency/timeout caps"
}

// prependMonitoring adds a monitoring.setup step with no dependencies and
// makes every existing step depend on it.
func prependMonitoring(steps []plandsl.Step, _, planID string) ([]plandsl.Step, string) {
	for _, st := range steps {
		if st.Capability == "monitoring.setup" {
			return steps, ""
		}
	}
	monID := uuid.NewString()
	mon := plandsl.Step{ID: monID, PlanID: planID, Capability: "monitoring.setup"}
	out := make([]plandsl.Step, 0, len(steps)+1)
	out = append(out, mon)
	for _, st := range steps {
		st.Dependencies = append(st.Dependencies, monID)
		out = append(out, st)
	}
	return out, "prepended monitoring.setup as a dependency of every step"
}

// evaluate scores a step list on the five axes and composites them with
// fixed weights.
func evaluate(steps []plandsl.Step, goal string) Evaluation {
	e := Evaluation{
		Feasibility:  feasibility(steps),
		Efficiency:   efficiency(steps),
		Risk:         risk(steps),
		Novelty:      novelty(steps),
		Completeness: completeness(steps, goal),
	}
	e.Composite = 0.3*e.Feasibility + 0.2*e.Efficiency + 0.2*(1-e.Risk) + 0.1*e.Novelty + 0.2*e.Completeness
	return e
}

func feasibility(steps []plandsl.Step) float64 {
	f := 1.0
	for _, st := range steps {
		if strings.Count(st.Capability, ".") > 2 {
			f *= 0.9
		}
		if st.Constraints.MaxCost > 0 && st.Constraints.MaxCost < 1 {
			f *= 0.8
		}
		if st.TimeoutMS > 0 && st.TimeoutMS < 30000 {
			f *= 0.9
		}
	}
	return clamp01(f)
}

func efficiency(steps []plandsl.Step) float64 {
	n := len(steps)
	eff := 1 - float64(n-3)*0.1
	if eff < 0.1 {
		eff = 0.1
	}
	hasParallel := false
	criticalCount := 0
	for _, st := range steps {
		if st.ParallelGroup != "" {
			hasParallel = true
		}
		if st.Critical {
			criticalCount++
		}
	}
	if hasParallel {
		eff *= 1.2
	}
	ratio := 0.0
	if n > 0 {
		ratio = float64(criticalCount) / float64(n)
	}
	if ratio > 0.1 && ratio < 0.5 {
		eff *= 1.1
	}
	return clamp01(eff)
}

func risk(steps []plandsl.Step) float64 {
	if len(steps) == 0 {
		return 0
	}
	var r float64
	for _, st := range steps {
		if st.Critical {
			r += 0.2
		}
		if strings.Contains(st.Capability, "deploy") || strings.Contains(st.Capability, "delete") {
			r += 0.3
		}
		if st.RetryCount < 2 {
			r += 0.1
		}
	}
	return clamp01(r / float64(len(steps)))
}

func novelty(steps []plandsl.Step) float64 {
	n := 0.5
	var hasParallel, hasValidation, hasMonitoring, hasRollback bool
	for _, st := range steps {
		if st.ParallelGroup != "" {
			hasParallel = true
		}
		if strings.Contains(st.Capability, "verify") || strings.Contains(st.Capability, "validation") {
			hasValidation = true
		}
		if strings.Contains(st.Capability, "monitoring") {
			hasMonitoring = true
		}
		if strings.Contains(st.Capability, "rollback") {
			hasRollback = true
		}
	}
	for _, present := range []bool{hasParallel, hasValidation, hasMonitoring, hasRollback} {
		if present {
			n += 0.1
		}
	}
	return clamp01(n)
}

func completeness(steps []plandsl.Step, goal string) float64 {
	c := 0.5
	var hasContext, hasValidation, hasErrorHandling, hasDeployStep bool
	for _, st := range steps {
		if strings.HasPrefix(st.Capability, "context.") {
			hasContext = true
		}
		if strings.Contains(st.Capability, "verify") || strings.Contains(st.Capability, "validation") {
			hasValidation = true
		}
		if strings.Contains(st.Capability, "rollback") {
			hasErrorHandling = true
		}
		if strings.HasPrefix(st.Capability, "deploy.") {
			hasDeployStep = true
		}
	}
	if hasContext {
		c += 0.15
	}
	if hasValidation {
		c += 0.15
	}
	if hasErrorHandling {
		c += 0.1
	}
	goalMentionsDeploy := strings.Contains(strings.ToLower(goal), "deploy") || strings.Contains(strings.ToLower(goal), "release")
	if goalMentionsDeploy && hasDeployStep {
		c += 0.1
	}
	return clamp01(c)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
