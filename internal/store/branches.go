package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Branch is one Tree-of-Thought candidate plan mutation. It references
// the step ids it proposes rather than embedding step snapshots, so a
// branch stays valid as its steps are mutated in place.
type Branch struct {
	ID             string
	PlanID         string
	ParentBranchID string
	Score          float64
	Rationale      string // JSON []string, one per scoring axis
	StepIDs        string // JSON []string
	Active         bool
	CreatedAt      int64
}

const branchCols = `id, plan_id, parent_branch_id, score, rationale, step_ids, active, created_at`

func scanBranch(row interface{ Scan(...any) error }) (Branch, error) {
	var b Branch
	var active int
	err := row.Scan(&b.ID, &b.PlanID, &b.ParentBranchID, &b.Score, &b.Rationale, &b.StepIDs, &active, &b.CreatedAt)
	b.Active = active != 0
	return b, err
}

// CreateBranch inserts a candidate branch. Activating it is a separate call
// so the beam search can materialize many candidates before committing to one.
func (t *Tx) CreateBranch(b Branch) error {
	active := 0
	if b.Active {
		active = 1
	}
	_, err := t.tx.Exec(
		`INSERT INTO branches (`+branchCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.PlanID, b.ParentBranchID, b.Score, b.Rationale, b.StepIDs, active, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: create branch %s: %w", b.ID, err)
	}
	return t.Event("totplan", "branch.created", []byte(fmt.Sprintf(`{"branch_id":%q,"plan_id":%q,"score":%f}`, b.ID, b.PlanID, b.Score)))
}

// ActivateBranch deactivates every other branch of the plan and activates
// this one, enforcing the "exactly one active branch per plan" invariant.
func (t *Tx) ActivateBranch(branchID, planID string) error {
	if _, err := t.tx.Exec(`UPDATE branches SET active = 0 WHERE plan_id = ?`, planID); err != nil {
		return fmt.Errorf("store: deactivate branches for plan %s: %w", planID, err)
	}
	res, err := t.tx.Exec(`UPDATE branches SET active = 1 WHERE id = ? AND plan_id = ?`, branchID, planID)
	if err != nil {
		return fmt.Errorf("store: activate branch %s: %w", branchID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return t.Event("totplan", "branch.activated", []byte(fmt.Sprintf(`{"branch_id":%q,"plan_id":%q}`, branchID, planID)))
}

// GetBranch loads a branch by id.
func (s *Store) GetBranch(ctx context.Context, id string) (Branch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+branchCols+` FROM branches WHERE id = ?`, id)
	b, err := scanBranch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Branch{}, ErrNotFound
	}
	if err != nil {
		return Branch{}, fmt.Errorf("store: get branch %s: %w", id, err)
	}
	return b, nil
}

// ActiveBranch returns the single active branch for a plan, if any.
func (s *Store) ActiveBranch(ctx context.Context, planID string) (Branch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+branchCols+` FROM branches WHERE plan_id = ? AND active = 1`, planID)
	b, err := scanBranch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Branch{}, ErrNotFound
	}
	if err != nil {
		return Branch{}, fmt.Errorf("store: active branch for plan %s: %w", planID, err)
	}
	return b, nil
}

// BranchesByPlan returns every candidate branch generated for a plan,
// newest first, for inspection and debugging of the beam search trace.
func (s *Store) BranchesByPlan(ctx context.Context, planID string) ([]Branch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+branchCols+` FROM branches WHERE plan_id = ? ORDER BY created_at DESC`, planID)
	if err != nil {
		return nil, fmt.Errorf("store: branches for plan %s: %w", planID, err)
	}
	defer rows.Close()

	var out []Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan branch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
