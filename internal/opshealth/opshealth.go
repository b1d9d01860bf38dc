// Package opshealth enforces the single-coordinator invariant (one process
// owns a plan state store at a time) and reclaims steps whose execution
// lease has expired because their worker died or a network partition cut
// it off mid-ticket.
package opshealth

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"syscall"
	"time"

	"go.temporal.io/api/workflowservice/v1"

	"github.com/antigravity-dev/orchestra/internal/store"
)

// Lock is a held advisory file lock. Keep it open for the process lifetime;
// releasing or exiting drops the lock automatically.
type Lock struct {
	f *os.File
}

// AcquireLock takes an exclusive, non-blocking flock on path. It fails fast
// if another orchestra instance already holds it, rather than queuing behind
// it, since two coordinators racing over the same state store would violate
// the single-coordinator ownership invariant.
func AcquireLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("opshealth: open lock %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another orchestra instance holds the lock (%s)", path)
	}

	f.Truncate(0)
	f.Seek(0, 0)
	fmt.Fprintf(f, "%d\n", os.Getpid())

	return &Lock{f: f}, nil
}

// Release drops the lock and removes the lock file.
func (l *Lock) Release() {
	if l == nil || l.f == nil {
		return
	}
	syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	name := l.f.Name()
	l.f.Close()
	os.Remove(name)
}

// temporalClient is the narrow slice of go.temporal.io/sdk/client.Client the
// reclaim loop needs to find and kill zombie remote workflows. Declared
// locally so tests can supply a fake without dialing a real Temporal server.
type temporalClient interface {
	ListWorkflow(ctx context.Context, request *workflowservice.ListWorkflowExecutionsRequest) (*workflowservice.ListWorkflowExecutionsResponse, error)
	TerminateWorkflow(ctx context.Context, workflowID string, runID string, reason string, details ...interface{}) error
}

// Reclaimer periodically resets steps whose lease expired without the
// worker reporting completion, so a crashed or network-partitioned executor
// never permanently wedges a plan. When tc is set, it also terminates any
// Temporal workflow still running behind a reclaimed step's ticket: without
// this, a step dispatched through internal/temporal.Target that later has
// its local lease reclaimed could have its remote workflow keep running and
// eventually write a result nobody reads.
type Reclaimer struct {
	store    *store.Store
	interval time.Duration
	logger   *slog.Logger
	tc       temporalClient
}

// NewReclaimer builds a lease reclaim loop running at interval.
func NewReclaimer(s *store.Store, interval time.Duration, logger *slog.Logger) *Reclaimer {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reclaimer{store: s, interval: interval, logger: logger}
}

// WithTemporalClient enables zombie remote-workflow termination on every
// reclaim pass.
func (r *Reclaimer) WithTemporalClient(tc temporalClient) *Reclaimer {
	r.tc = tc
	return r
}

// Run blocks, reclaiming expired leases every interval until ctx is done.
func (r *Reclaimer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.ReclaimOnce(ctx); err != nil {
				r.logger.Error("opshealth: reclaim pass failed", "error", err)
			}
		}
	}
}

// ReclaimOnce requeues every step whose lease has expired back to todo,
// one transaction per step so a single bad row can't block the rest.
func (r *Reclaimer) ReclaimOnce(ctx context.Context) error {
	now := store.NowMS()
	expired, err := r.store.ExpiredLeaseSteps(ctx, now)
	if err != nil {
		return fmt.Errorf("opshealth: list expired leases: %w", err)
	}

	for _, st := range expired {
		owner := st.LeaseOwner.String
		err := r.store.WithTx(ctx, func(tx *store.Tx) error {
			return tx.ReclaimLease(st.ID, now)
		})
		if err != nil {
			r.logger.Error("opshealth: reclaim step failed", "step_id", st.ID, "error", err)
			continue
		}
		r.logger.Warn("opshealth: reclaimed expired lease", "step_id", st.ID, "plan_id", st.PlanID, "owner", owner)

		if r.tc != nil {
			r.terminateZombieWorkflow(ctx, st.ID)
		}
	}
	return nil
}

// terminateZombieWorkflow kills any Temporal workflow still running behind
// stepID's most recent ticket, since that ticket's lease was just reclaimed
// and nothing will read its result anymore.
func (r *Reclaimer) terminateZombieWorkflow(ctx context.Context, stepID string) {
	tickets, err := r.store.TicketsByStep(ctx, stepID)
	if err != nil || len(tickets) == 0 {
		return
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].StartedAt.Int64 > tickets[j].StartedAt.Int64 })
	latest := tickets[0]
	if latest.Status != "running" && latest.Status != "pending" {
		return
	}

	workflowID := "step-exec-" + latest.ID
	query := fmt.Sprintf("WorkflowId = '%s' AND ExecutionStatus = 'Running'", workflowID)
	resp, err := r.tc.ListWorkflow(ctx, &workflowservice.ListWorkflowExecutionsRequest{
		Query:    query,
		PageSize: 1,
	})
	if err != nil || resp == nil || len(resp.Executions) == 0 {
		return
	}

	if err := r.tc.TerminateWorkflow(ctx, workflowID, "", "opshealth: lease reclaimed"); err != nil {
		r.logger.Error("opshealth: terminate zombie workflow failed", "workflow_id", workflowID, "error", err)
		return
	}
	r.logger.Warn("opshealth: terminated zombie remote workflow", "step_id", stepID, "workflow_id", workflowID)
}
