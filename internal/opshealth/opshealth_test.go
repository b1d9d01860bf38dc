package opshealth

import (
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"testing"

	workflowpb "go.temporal.io/api/workflow/v1"
	"go.temporal.io/api/workflowservice/v1"

	"github.com/antigravity-dev/orchestra/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "opshealth_test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedExpiredLeaseStep(t *testing.T, s *store.Store, stepID string, withTicket bool) {
	t.Helper()
	ctx := context.Background()
	if err := s.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.CreatePlan(store.Plan{ID: "plan-1", Goal: "g", Status: "active", CreatedAt: 1, UpdatedAt: 1}); err != nil {
			return err
		}
		if err := tx.CreateStep(store.Step{
			ID: stepID, PlanID: "plan-1", Capability: "text.echo", Priority: 1,
			Dependencies: "[]", TimeoutMS: 1000, RetryCount: 1, Status: "todo",
			Metadata: "{}", CreatedAt: 1, UpdatedAt: 1,
		}); err != nil {
			return err
		}
		if _, err := tx.AcquireLease(stepID, "worker-1", 100, 50); err != nil {
			return err
		}
		if withTicket {
			if err := tx.CreateTicket(store.Ticket{
				ID: "ticket-" + stepID, StepID: stepID, RouteID: "route-1", Status: "running",
				StartedAt: sql.NullInt64{Int64: 50, Valid: true},
			}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestReclaimOnceResetsExpiredLease(t *testing.T) {
	s := newTestStore(t)
	seedExpiredLeaseStep(t, s, "step-1", false)

	r := NewReclaimer(s, 0, slog.Default())
	if err := r.ReclaimOnce(context.Background()); err != nil {
		t.Fatalf("reclaim once: %v", err)
	}

	st, err := s.GetStep(context.Background(), "step-1")
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if st.Status != "todo" {
		t.Fatalf("step status = %q, want todo", st.Status)
	}
	if st.LeaseOwner.Valid {
		t.Errorf("expected lease owner cleared after reclaim")
	}
}

// fakeTemporalClient lets the reclaim loop's zombie-termination path be
// exercised without dialing a real Temporal server.
type fakeTemporalClient struct {
	runningWorkflowIDs map[string]bool
	terminated         []string
}

func (f *fakeTemporalClient) ListWorkflow(_ context.Context, req *workflowservice.ListWorkflowExecutionsRequest) (*workflowservice.ListWorkflowExecutionsResponse, error) {
	for id, running := range f.runningWorkflowIDs {
		if running && containsWorkflowID(req.Query, id) {
			return &workflowservice.ListWorkflowExecutionsResponse{
				Executions: []*workflowpb.WorkflowExecutionInfo{{}},
			}, nil
		}
	}
	return &workflowservice.ListWorkflowExecutionsResponse{}, nil
}

func (f *fakeTemporalClient) TerminateWorkflow(_ context.Context, workflowID, _ string, _ string, _ ...interface{}) error {
	f.terminated = append(f.terminated, workflowID)
	f.runningWorkflowIDs[workflowID] = false
	return nil
}

func containsWorkflowID(query, id string) bool {
	return len(query) > 0 && len(id) > 0 && (query == "WorkflowId = '"+id+"' AND ExecutionStatus = 'Running'")
}

func TestReclaimOnceTerminatesZombieWorkflow(t *testing.T) {
	s := newTestStore(t)
	seedExpiredLeaseStep(t, s, "step-2", true)

	fake := &fakeTemporalClient{runningWorkflowIDs: map[string]bool{"step-exec-ticket-step-2": true}}
	r := NewReclaimer(s, 0, slog.Default()).WithTemporalClient(fake)

	if err := r.ReclaimOnce(context.Background()); err != nil {
		t.Fatalf("reclaim once: %v", err)
	}

	if len(fake.terminated) != 1 || fake.terminated[0] != "step-exec-ticket-step-2" {
		t.Fatalf("terminated = %v, want exactly [step-exec-ticket-step-2]", fake.terminated)
	}
}

func TestReclaimOnceSkipsZombieTerminationWithoutTicket(t *testing.T) {
	s := newTestStore(t)
	seedExpiredLeaseStep(t, s, "step-3", false)

	fake := &fakeTemporalClient{runningWorkflowIDs: map[string]bool{}}
	r := NewReclaimer(s, 0, slog.Default()).WithTemporalClient(fake)

	if err := r.ReclaimOnce(context.Background()); err != nil {
		t.Fatalf("reclaim once: %v", err)
	}
	if len(fake.terminated) != 0 {
		t.Fatalf("expected no terminations, got %v", fake.terminated)
	}
}
