package plandsl

import "testing"

func TestIsStepReady(t *testing.T) {
	st := Step{ID: "s2", Dependencies: []string{"s1"}}

	if IsStepReady(st, map[string]struct{}{}) {
		t.Error("expected not ready with no completed steps")
	}
	if !IsStepReady(st, map[string]struct{}{"s1": {}}) {
		t.Error("expected ready once dependency is completed")
	}
}

func TestGetParallelGroups(t *testing.T) {
	steps := []Step{
		{ID: "a", ParallelGroup: "g1"},
		{ID: "b", ParallelGroup: "g1"},
		{ID: "c"},
		{ID: "d", ParallelGroup: "g2"},
	}
	groups := GetParallelGroups(steps)
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	if len(groups["g1"]) != 2 {
		t.Errorf("g1 size = %d, want 2", len(groups["g1"]))
	}
	if len(groups["g2"]) != 1 {
		t.Errorf("g2 size = %d, want 1", len(groups["g2"]))
	}
}

func TestCalculateStepPriorityClampsToRange(t *testing.T) {
	st := Step{Priority: 10, Critical: true}
	plan := Plan{Priority: 10}
	if got := CalculateStepPriority(st, plan); got != 10 {
		t.Errorf("priority = %v, want clamped to 10", got)
	}

	low := Step{Priority: 0}
	if got := CalculateStepPriority(low, Plan{}); got != 0 {
		t.Errorf("priority = %v, want 0", got)
	}
}
