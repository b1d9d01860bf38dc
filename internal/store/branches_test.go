package store

import (
	"context"
	"testing"
)

func TestActivateBranchIsExclusive(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.CreatePlan(Plan{ID: "plan-b", Goal: "g", Status: "active", CreatedAt: 1, UpdatedAt: 1}); err != nil {
			return err
		}
		if err := tx.CreateBranch(Branch{ID: "b1", PlanID: "plan-b", Score: 0.4, Rationale: "[]", StepIDs: "[]", CreatedAt: 1}); err != nil {
			return err
		}
		return tx.CreateBranch(Branch{ID: "b2", PlanID: "plan-b", Score: 0.7, Rationale: "[]", StepIDs: "[]", CreatedAt: 2})
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	if err := s.WithTx(ctx, func(tx *Tx) error { return tx.ActivateBranch("b1", "plan-b") }); err != nil {
		t.Fatalf("activate b1: %v", err)
	}
	if err := s.WithTx(ctx, func(tx *Tx) error { return tx.ActivateBranch("b2", "plan-b") }); err != nil {
		t.Fatalf("activate b2: %v", err)
	}

	active, err := s.ActiveBranch(ctx, "plan-b")
	if err != nil {
		t.Fatalf("ActiveBranch: %v", err)
	}
	if active.ID != "b2" {
		t.Errorf("active branch = %s, want b2", active.ID)
	}

	b1, err := s.GetBranch(ctx, "b1")
	if err != nil {
		t.Fatalf("GetBranch b1: %v", err)
	}
	if b1.Active {
		t.Error("expected b1 to be deactivated once b2 became active")
	}
}

func TestActiveBranchNotFoundWhenNoneActive(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.CreatePlan(Plan{ID: "plan-c", Goal: "g", Status: "active", CreatedAt: 1, UpdatedAt: 1})
	}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if _, err := s.ActiveBranch(ctx, "plan-c"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
