package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Step is one capability-tagged unit of work owned by a plan.
type Step struct {
	ID             string
	PlanID         string
	Capability     string
	Critical       bool
	Priority       int
	Contract       string // JSON IOContract
	Constraints    string // JSON resource envelope
	Dependencies   string // JSON []string of step ids
	ParallelGroup  string
	TimeoutMS      int64
	RetryCount     int
	Status         string // todo, in_progress, blocked, waiting_review, done, failed
	Assignee       string
	LeaseOwner     sql.NullString
	LeaseExpiresAt sql.NullInt64
	Branch         string
	ParentStepID   string
	OrderIndex     int
	Metadata       string // JSON
	CreatedAt      int64
	UpdatedAt      int64
}

const stepCols = `id, plan_id, capability, critical, priority, contract, constraints, dependencies, parallel_group, timeout_ms, retry_count, status, assignee, lease_owner, lease_expires_at, branch, parent_step_id, order_index, metadata, created_at, updated_at`

func scanStep(row interface{ Scan(...any) error }) (Step, error) {
	var st Step
	var critical int
	err := row.Scan(
		&st.ID, &st.PlanID, &st.Capability, &critical, &st.Priority, &st.Contract, &st.Constraints,
		&st.Dependencies, &st.ParallelGroup, &st.TimeoutMS, &st.RetryCount, &st.Status, &st.Assignee,
		&st.LeaseOwner, &st.LeaseExpiresAt, &st.Branch, &st.ParentStepID, &st.OrderIndex, &st.Metadata,
		&st.CreatedAt, &st.UpdatedAt,
	)
	st.Critical = critical != 0
	return st, err
}

// CreateStep inserts a step inside tx and records a step.created event.
func (t *Tx) CreateStep(st Step) error {
	critical := 0
	if st.Critical {
		critical = 1
	}
	_, err := t.tx.Exec(
		`INSERT INTO steps (`+stepCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.PlanID, st.Capability, critical, st.Priority, st.Contract, st.Constraints, st.Dependencies,
		st.ParallelGroup, st.TimeoutMS, st.RetryCount, st.Status, st.Assignee, st.LeaseOwner, st.LeaseExpiresAt,
		st.Branch, st.ParentStepID, st.OrderIndex, st.Metadata, st.CreatedAt, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: create step %s: %w", st.ID, err)
	}
	return t.Event("planner", "step.created", []byte(fmt.Sprintf(`{"step_id":%q,"plan_id":%q,"capability":%q}`, st.ID, st.PlanID, st.Capability)))
}

// GetStep loads a step by id.
func (s *Store) GetStep(ctx context.Context, id string) (Step, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stepCols+` FROM steps WHERE id = ?`, id)
	st, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Step{}, ErrNotFound
	}
	if err != nil {
		return Step{}, fmt.Errorf("store: get step %s: %w", id, err)
	}
	return st, nil
}

// StepsByPlan returns all steps of a plan ordered for deterministic dispatch.
func (s *Store) StepsByPlan(ctx context.Context, planID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stepCols+` FROM steps WHERE plan_id = ? ORDER BY order_index ASC, created_at ASC`, planID)
	if err != nil {
		return nil, fmt.Errorf("store: list steps for plan %s: %w", planID, err)
	}
	defer rows.Close()

	var out []Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan step: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// StepsByStatus returns steps of a plan matching a status, e.g. 'todo' candidates for dispatch.
func (s *Store) StepsByStatus(ctx context.Context, planID, status string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stepCols+` FROM steps WHERE plan_id = ? AND status = ? ORDER BY order_index ASC`, planID, status)
	if err != nil {
		return nil, fmt.Errorf("store: list steps by status: %w", err)
	}
	defer rows.Close()

	var out []Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan step: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpdateStepStatus transitions a step's status and records a step.status_changed event.
// The store does not check who passes "done": the scheduler
// (internal/engine) sets it only after every critical verification
// property has passed.
func (t *Tx) UpdateStepStatus(stepID, status string, now int64) error {
	res, err := t.tx.Exec(`UPDATE steps SET status = ?, updated_at = ? WHERE id = ?`, status, now, stepID)
	if err != nil {
		return fmt.Errorf("store: update step status %s: %w", stepID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return t.Event("scheduler", "step.status_changed", []byte(fmt.Sprintf(`{"step_id":%q,"status":%q}`, stepID, status)))
}

// AcquireLease atomically claims a step for owner until expiresAt, only if
// no live lease is held: the same transaction also flips the step to
// in_progress. Returns false if the lease was already held by someone else.
func (t *Tx) AcquireLease(stepID, owner string, expiresAt, now int64) (bool, error) {
	res, err := t.tx.Exec(
		`UPDATE steps SET lease_owner = ?, lease_expires_at = ?, status = 'in_progress', updated_at = ?
		 WHERE id = ? AND (lease_owner IS NULL OR lease_expires_at < ?)`,
		owner, expiresAt, now, stepID, now,
	)
	if err != nil {
		return false, fmt.Errorf("store: acquire lease %s: %w", stepID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	return true, t.Event("scheduler", "lease.acquired", []byte(fmt.Sprintf(`{"step_id":%q,"owner":%q,"expires_at":%d}`, stepID, owner, expiresAt)))
}

// ReleaseLease clears lease ownership without changing status, used when a
// worker finishes normally and the scheduler immediately re-evaluates the step.
func (t *Tx) ReleaseLease(stepID string, now int64) error {
	_, err := t.tx.Exec(`UPDATE steps SET lease_owner = NULL, lease_expires_at = NULL, updated_at = ? WHERE id = ?`, now, stepID)
	if err != nil {
		return fmt.Errorf("store: release lease %s: %w", stepID, err)
	}
	return nil
}

// ExpiredLeaseSteps returns steps whose lease has expired and are still in_progress.
func (s *Store) ExpiredLeaseSteps(ctx context.Context, now int64) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepCols+` FROM steps WHERE status = 'in_progress' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`, now)
	if err != nil {
		return nil, fmt.Errorf("store: list expired leases: %w", err)
	}
	defer rows.Close()

	var out []Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan step: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ReclaimLease resets an expired-lease step back to todo and records a reclaim event.
func (t *Tx) ReclaimLease(stepID string, now int64) error {
	_, err := t.tx.Exec(
		`UPDATE steps SET lease_owner = NULL, lease_expires_at = NULL, status = 'todo', updated_at = ? WHERE id = ?`,
		now, stepID,
	)
	if err != nil {
		return fmt.Errorf("store: reclaim lease %s: %w", stepID, err)
	}
	return t.Event("scheduler", "lease_reclaimed", []byte(fmt.Sprintf(`{"step_id":%q}`, stepID)))
}

// RequeueStep flips a step's status back to todo for a retryable failure.
// Retry bookkeeping (stored in metadata JSON) is the caller's
// responsibility.
func (t *Tx) RequeueStep(stepID string, now int64) error {
	return t.UpdateStepStatus(stepID, "todo", now)
}

// UpdateStepMetadata overwrites a step's metadata JSON blob, used by the
// dispatch loop to persist per-attempt bookkeeping (e.g. retries consumed
// so far) across process restarts.
func (t *Tx) UpdateStepMetadata(stepID, metadataJSON string, now int64) error {
	res, err := t.tx.Exec(`UPDATE steps SET metadata = ?, updated_at = ? WHERE id = ?`, metadataJSON, now, stepID)
	if err != nil {
		return fmt.Errorf("store: update step metadata %s: %w", stepID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
