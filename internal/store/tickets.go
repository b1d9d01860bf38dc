package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Ticket is one execution attempt of a step against a chosen route: the
// unit the verifier and the bandit both observe outcomes on.
type Ticket struct {
	ID        string
	StepID    string
	RouteID   string
	Status    string // pending, running, succeeded, failed
	StartedAt sql.NullInt64
	EndedAt   sql.NullInt64
	Cost      float64
	LatencyMS int64
	Result    string // JSON
	Error     string
}

const ticketCols = `id, step_id, route_id, status, started_at, ended_at, cost, latency_ms, result, error`

func scanTicket(row interface{ Scan(...any) error }) (Ticket, error) {
	var tk Ticket
	err := row.Scan(&tk.ID, &tk.StepID, &tk.RouteID, &tk.Status, &tk.StartedAt, &tk.EndedAt,
		&tk.Cost, &tk.LatencyMS, &tk.Result, &tk.Error)
	return tk, err
}

// CreateTicket opens a new execution attempt and records a ticket.opened event.
func (t *Tx) CreateTicket(tk Ticket) error {
	_, err := t.tx.Exec(
		`INSERT INTO tickets (`+ticketCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tk.ID, tk.StepID, tk.RouteID, tk.Status, tk.StartedAt, tk.EndedAt, tk.Cost, tk.LatencyMS, tk.Result, tk.Error,
	)
	if err != nil {
		return fmt.Errorf("store: create ticket %s: %w", tk.ID, err)
	}
	return t.Event("scheduler", "ticket.opened", []byte(fmt.Sprintf(`{"ticket_id":%q,"step_id":%q,"route_id":%q}`, tk.ID, tk.StepID, tk.RouteID)))
}

// CompleteTicket finalizes a ticket's outcome and records a ticket.completed event.
func (t *Tx) CompleteTicket(id, status string, endedAt int64, cost float64, latencyMS int64, result, errMsg string) error {
	res, err := t.tx.Exec(
		`UPDATE tickets SET status = ?, ended_at = ?, cost = ?, latency_ms = ?, result = ?, error = ? WHERE id = ?`,
		status, endedAt, cost, latencyMS, result, errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("store: complete ticket %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return t.Event("scheduler", "ticket.completed", []byte(fmt.Sprintf(`{"ticket_id":%q,"status":%q}`, id, status)))
}

// GetTicket loads a ticket by id.
func (s *Store) GetTicket(ctx context.Context, id string) (Ticket, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ticketCols+` FROM tickets WHERE id = ?`, id)
	tk, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Ticket{}, ErrNotFound
	}
	if err != nil {
		return Ticket{}, fmt.Errorf("store: get ticket %s: %w", id, err)
	}
	return tk, nil
}

// TicketsByStep returns all attempts recorded for a step, most recent first.
func (s *Store) TicketsByStep(ctx context.Context, stepID string) ([]Ticket, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ticketCols+` FROM tickets WHERE step_id = ? ORDER BY rowid DESC`, stepID)
	if err != nil {
		return nil, fmt.Errorf("store: tickets for step %s: %w", stepID, err)
	}
	defer rows.Close()

	var out []Ticket
	for rows.Next() {
		tk, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan ticket: %w", err)
		}
		out = append(out, tk)
	}
	return out, rows.Err()
}

// TicketsByRoute returns recent attempts against a route, used by the
// learner to recompute aggregate reward statistics.
func (s *Store) TicketsByRoute(ctx context.Context, routeID string, limit int) ([]Ticket, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+ticketCols+` FROM tickets WHERE route_id = ? ORDER BY rowid DESC LIMIT ?`, routeID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: tickets for route %s: %w", routeID, err)
	}
	defer rows.Close()

	var out []Ticket
	for rows.Next() {
		tk, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan ticket: %w", err)
		}
		out = append(out, tk)
	}
	return out, rows.Err()
}
