package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Plan is a goal-directed collection of steps and branches.
type Plan struct {
	ID        string
	Goal      string
	Context   string // JSON map
	Budget    string // JSON optional caps
	Owner     string
	Priority  int
	Deadline  sql.NullInt64
	Status    string // active, paused, completed, failed
	CreatedAt int64
	UpdatedAt int64
}

// ErrNotFound is returned when a lookup by id matches no row.
var ErrNotFound = errors.New("store: not found")

const planCols = `id, goal, context, budget, owner, priority, deadline, status, created_at, updated_at`

func scanPlan(row interface{ Scan(...any) error }) (Plan, error) {
	var p Plan
	err := row.Scan(&p.ID, &p.Goal, &p.Context, &p.Budget, &p.Owner, &p.Priority, &p.Deadline, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// CreatePlan inserts a plan inside tx and records a plan.created event.
func (t *Tx) CreatePlan(p Plan) error {
	_, err := t.tx.Exec(
		`INSERT INTO plans (`+planCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Goal, p.Context, p.Budget, p.Owner, p.Priority, p.Deadline, p.Status, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: create plan %s: %w", p.ID, err)
	}
	return t.Event("planner", "plan.created", []byte(fmt.Sprintf(`{"plan_id":%q,"goal":%q}`, p.ID, p.Goal)))
}

// UpdatePlanStatus transitions a plan's status and records a plan.status_changed event.
func (t *Tx) UpdatePlanStatus(planID, status string, now int64) error {
	res, err := t.tx.Exec(`UPDATE plans SET status = ?, updated_at = ? WHERE id = ?`, status, now, planID)
	if err != nil {
		return fmt.Errorf("store: update plan status %s: %w", planID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return t.Event("scheduler", "plan.status_changed", []byte(fmt.Sprintf(`{"plan_id":%q,"status":%q}`, planID, status)))
}

// GetPlan loads a plan by id.
func (s *Store) GetPlan(ctx context.Context, id string) (Plan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+planCols+` FROM plans WHERE id = ?`, id)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Plan{}, ErrNotFound
	}
	if err != nil {
		return Plan{}, fmt.Errorf("store: get plan %s: %w", id, err)
	}
	return p, nil
}

// ActivePlans returns plans whose status is 'active', for the plans/active resource.
func (s *Store) ActivePlans(ctx context.Context) ([]Plan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+planCols+` FROM plans WHERE status = 'active' ORDER BY priority DESC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list active plans: %w", err)
	}
	defer rows.Close()

	var out []Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan plan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePlan removes a plan and cascades to its steps and branches
// (foreign keys ON DELETE CASCADE).
func (t *Tx) DeletePlan(planID string) error {
	if _, err := t.tx.Exec(`DELETE FROM plans WHERE id = ?`, planID); err != nil {
		return fmt.Errorf("store: delete plan %s: %w", planID, err)
	}
	return t.Event("operator", "plan.deleted", []byte(fmt.Sprintf(`{"plan_id":%q}`, planID)))
}
