package router

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/antigravity-dev/orchestra/internal/policy"
	"github.com/antigravity-dev/orchestra/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "router_test.db")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedRoute(t *testing.T, s *store.Store, id, capability string, costWeight, latencyWeight, reliabilityWeight float64) {
	t.Helper()
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx *store.Tx) error {
		return tx.CreateRoute(store.Route{
			ID: id, Capability: capability, MCPID: "mcp-" + id, Tool: "tool-" + id,
			Healthy: true, CostWeight: costWeight, LatencyWeight: latencyWeight,
			ReliabilityWeight: reliabilityWeight, CreatedAt: 1, UpdatedAt: 1,
		})
	})
	if err != nil {
		t.Fatalf("seed route %s: %v", id, err)
	}
}

func TestPickRoute_NoHealthyRoutesFails(t *testing.T) {
	s := newTestStore(t)
	r := New(s, policy.New(), DefaultConfig())
	_, _, err := r.PickRoute(context.Background(), "analysis.perform", policy.Context{}, CostMid, policy.Definition{})
	if err != ErrNoRouteAvailable {
		t.Fatalf("expected ErrNoRouteAvailable, got %v", err)
	}
}

func TestPickRoute_PolicyDeniedRouteExcluded(t *testing.T) {
	s := newTestStore(t)
	seedRoute(t, s, "r1", "web.fetch", 1, 1, 1)
	r := New(s, policy.New(), DefaultConfig())
	def := policy.Definition{Deny: []string{`web.fetch IF environment == "prod"`}}
	_, _, err := r.PickRoute(context.Background(), "web.fetch", policy.Context{Environment: "prod"}, CostMid, def)
	if err != ErrNoRouteAvailable {
		t.Fatalf("expected ErrNoRouteAvailable when the only route is policy-denied, got %v", err)
	}
}

func TestPickRoute_PrefersCheaperRouteOverManyRounds(t *testing.T) {
	s := newTestStore(t)
	seedRoute(t, s, "cheap", "analysis.perform", 1, 1, 1)
	seedRoute(t, s, "expensive", "analysis.perform", 10, 1, 1)

	cfg := DefaultConfig()
	cfg.Explore = 0.1
	r := New(s, policy.New(), cfg)

	ctx := context.Background()
	if err := r.UpdateReward(ctx, "cheap", true, 100, 1, store.NowMS()); err != nil {
		t.Fatalf("seed cheap reward: %v", err)
	}
	if err := r.UpdateReward(ctx, "expensive", true, 100, 10, store.NowMS()); err != nil {
		t.Fatalf("seed expensive reward: %v", err)
	}

	counts := map[string]int{}
	for i := 0; i < 100; i++ {
		route, _, err := r.PickRoute(ctx, "analysis.perform", policy.Context{}, CostMid, policy.Definition{})
		if err != nil {
			t.Fatalf("pick route: %v", err)
		}
		counts[route.ID]++
		_ = r.UpdateReward(ctx, route.ID, true, 100, route.CostWeight, store.NowMS())
	}

	if counts["cheap"] < 60 {
		t.Fatalf("expected cheap route to dominate selection over 100 rounds, got counts=%v", counts)
	}
}

func TestUpdateReward_OpensCircuitAfterConsecutiveFailures(t *testing.T) {
	s := newTestStore(t)
	seedRoute(t, s, "flaky", "analysis.perform", 1, 1, 1)
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	r := New(s, policy.New(), cfg)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := r.UpdateReward(ctx, "flaky", false, 100, 1, store.NowMS()); err != nil {
			t.Fatalf("update reward: %v", err)
		}
	}

	route, err := s.GetRoute(ctx, "flaky")
	if err != nil {
		t.Fatalf("get route: %v", err)
	}
	if route.Healthy {
		t.Fatalf("expected circuit to open and mark route unhealthy after consecutive failures")
	}

	if err := r.UpdateReward(ctx, "flaky", true, 100, 1, store.NowMS()); err != nil {
		t.Fatalf("update reward success: %v", err)
	}
	route, err = s.GetRoute(ctx, "flaky")
	if err != nil {
		t.Fatalf("get route: %v", err)
	}
	if !route.Healthy {
		t.Fatalf("expected a success to close the circuit")
	}
}

func TestPickRoute_ReselectsHalfOpenRouteAfterWindow(t *testing.T) {
	s := newTestStore(t)
	seedRoute(t, s, "flaky", "analysis.perform", 1, 1, 1)
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.CircuitOpenFor = 0
	r := New(s, policy.New(), cfg)

	ctx := context.Background()
	if err := r.UpdateReward(ctx, "flaky", false, 100, 1, store.NowMS()); err != nil {
		t.Fatalf("update reward: %v", err)
	}

	route, err := s.GetRoute(ctx, "flaky")
	if err != nil {
		t.Fatalf("get route: %v", err)
	}
	if route.Healthy {
		t.Fatalf("expected circuit to open after a single failure with threshold 1")
	}

	learning, err := s.GetLearning(ctx, "flaky")
	if err != nil {
		t.Fatalf("get learning: %v", err)
	}
	if !learning.CircuitOpenedAt.Valid {
		t.Fatalf("expected circuit_opened_at to be recorded when the breaker opens")
	}

	// CircuitOpenFor is 0, so the breaker is immediately half-open and
	// PickRoute must offer the route again instead of leaving it excluded
	// forever.
	picked, _, err := r.PickRoute(ctx, "analysis.perform", policy.Context{}, CostMid, policy.Definition{})
	if err != nil {
		t.Fatalf("expected the half-open route to be selectable, got: %v", err)
	}
	if picked.ID != "flaky" {
		t.Fatalf("picked = %s, want flaky", picked.ID)
	}

	if err := r.UpdateReward(ctx, "flaky", true, 100, 1, store.NowMS()); err != nil {
		t.Fatalf("update reward success: %v", err)
	}
	learning, err = s.GetLearning(ctx, "flaky")
	if err != nil {
		t.Fatalf("get learning: %v", err)
	}
	if learning.CircuitOpenedAt.Valid {
		t.Fatalf("expected circuit_opened_at to clear once the breaker closes")
	}
}

func TestUpdateReward_PosteriorCountInvariant(t *testing.T) {
	s := newTestStore(t)
	seedRoute(t, s, "r1", "analysis.perform", 1, 1, 1)
	r := New(s, policy.New(), DefaultConfig())
	ctx := context.Background()

	before, err := s.GetLearning(ctx, "r1")
	if err != nil {
		t.Fatalf("get learning: %v", err)
	}
	initialSum := before.Alpha + before.Beta

	outcomes := []bool{true, false, true, true, false}
	for _, success := range outcomes {
		if err := r.UpdateReward(ctx, "r1", success, 50, 1, store.NowMS()); err != nil {
			t.Fatalf("update reward: %v", err)
		}
	}

	after, err := s.GetLearning(ctx, "r1")
	if err != nil {
		t.Fatalf("get learning: %v", err)
	}
	if after.Alpha+after.Beta != initialSum+float64(len(outcomes)) {
		t.Fatalf("alpha+beta must grow by exactly k outcomes: before=%v after=%v k=%d", initialSum, after.Alpha+after.Beta, len(outcomes))
	}
	if after.SuccessCount > after.TotalCount {
		t.Fatalf("success_count must never exceed total_count")
	}
}
