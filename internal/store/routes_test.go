package store

import (
	"context"
	"testing"
)

func TestCreateRouteInitializesUninformativePrior(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.CreateRoute(Route{
			ID: "route-1", Capability: "code.write", MCPID: "mcp-a", Tool: "edit",
			Score: 0.5, Healthy: true, CostWeight: 1, LatencyWeight: 1, ReliabilityWeight: 1,
			CreatedAt: 1, UpdatedAt: 1,
		})
	})
	if err != nil {
		t.Fatalf("CreateRoute: %v", err)
	}

	l, err := s.GetLearning(ctx, "route-1")
	if err != nil {
		t.Fatalf("GetLearning: %v", err)
	}
	if l.Alpha != 1 || l.Beta != 1 {
		t.Errorf("prior = Beta(%v,%v), want Beta(1,1)", l.Alpha, l.Beta)
	}
}

func TestHealthyRoutesForCapabilityExcludesUnhealthy(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.CreateRoute(Route{ID: "r-healthy", Capability: "code.write", Healthy: true, Score: 0.5, CreatedAt: 1, UpdatedAt: 1}); err != nil {
			return err
		}
		return tx.CreateRoute(Route{ID: "r-down", Capability: "code.write", Healthy: false, Score: 0.5, CreatedAt: 1, UpdatedAt: 1})
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	routes, err := s.HealthyRoutesForCapability(ctx, "code.write", 1000, 30000)
	if err != nil {
		t.Fatalf("HealthyRoutesForCapability: %v", err)
	}
	if len(routes) != 1 || routes[0].ID != "r-healthy" {
		t.Errorf("routes = %+v, want only r-healthy", routes)
	}
}

func TestHealthyRoutesForCapabilityIncludesHalfOpen(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.CreateRoute(Route{ID: "r-recent", Capability: "code.write", Healthy: false, Score: 0.5, CreatedAt: 1, UpdatedAt: 1}); err != nil {
			return err
		}
		if err := tx.CreateRoute(Route{ID: "r-stale", Capability: "code.write", Healthy: false, Score: 0.5, CreatedAt: 1, UpdatedAt: 1}); err != nil {
			return err
		}
		recent, err := tx.tx.Exec(`UPDATE learning SET circuit_opened_at = ? WHERE route_id = ?`, 9990, "r-recent")
		if err != nil {
			return err
		}
		if n, _ := recent.RowsAffected(); n != 1 {
			t.Fatalf("expected to update r-recent learning row")
		}
		_, err = tx.tx.Exec(`UPDATE learning SET circuit_opened_at = ? WHERE route_id = ?`, 0, "r-stale")
		return err
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	// now=10000, openForMS=5000: r-recent opened 10ms ago, still inside the
	// window; r-stale opened 10000ms ago, past the window and eligible again.
	routes, err := s.HealthyRoutesForCapability(ctx, "code.write", 10000, 5000)
	if err != nil {
		t.Fatalf("HealthyRoutesForCapability: %v", err)
	}
	if len(routes) != 1 || routes[0].ID != "r-stale" {
		t.Errorf("routes = %+v, want only r-stale (half-open)", routes)
	}
}

func TestSetRouteHealthyRecordsCircuitEvent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.CreateRoute(Route{ID: "route-2", Capability: "code.write", Healthy: true, Score: 0.5, CreatedAt: 1, UpdatedAt: 1})
	}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.SetRouteHealthy("route-2", false, 10)
	}); err != nil {
		t.Fatalf("SetRouteHealthy: %v", err)
	}

	r, err := s.GetRoute(ctx, "route-2")
	if err != nil {
		t.Fatalf("GetRoute: %v", err)
	}
	if r.Healthy {
		t.Error("expected route to be unhealthy after circuit opens")
	}
}
