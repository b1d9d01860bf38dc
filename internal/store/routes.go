package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Route is a capability-to-endpoint binding the router chooses between:
// one MCP id + tool pair that claims to serve a capability.
type Route struct {
	ID                string
	Capability        string
	MCPID             string
	Tool              string
	Score             float64
	Policy            string
	Healthy           bool
	CostWeight        float64
	LatencyWeight     float64
	ReliabilityWeight float64
	CreatedAt         int64
	UpdatedAt         int64
}

// Learning is the per-route posterior the bandit maintains: a
// Beta(alpha, beta) success posterior plus exponential moving averages
// of latency, cost, and reliability, and circuit-breaker bookkeeping.
type Learning struct {
	RouteID              string
	Alpha                float64
	Beta                 float64
	AvgLatencyMS         float64
	AvgCost              float64
	AvgReliability       float64
	ConfidenceRadius     float64
	SuccessCount         int64
	TotalCount           int64
	LastReward           float64
	ConsecutiveFailures  int
	CircuitOpenedAt      sql.NullInt64
	UpdatedAt            int64
}

const routeCols = `id, capability, mcp_id, tool, score, policy, healthy, cost_weight, latency_weight, reliability_weight, created_at, updated_at`

func scanRoute(row interface{ Scan(...any) error }) (Route, error) {
	var r Route
	var healthy int
	err := row.Scan(&r.ID, &r.Capability, &r.MCPID, &r.Tool, &r.Score, &r.Policy, &healthy,
		&r.CostWeight, &r.LatencyWeight, &r.ReliabilityWeight, &r.CreatedAt, &r.UpdatedAt)
	r.Healthy = healthy != 0
	return r, err
}

const learningCols = `route_id, alpha, beta, avg_latency_ms, avg_cost, avg_reliability, confidence_radius, success_count, total_count, last_reward, consecutive_failures, circuit_opened_at, updated_at`

func scanLearning(row interface{ Scan(...any) error }) (Learning, error) {
	var l Learning
	err := row.Scan(&l.RouteID, &l.Alpha, &l.Beta, &l.AvgLatencyMS, &l.AvgCost, &l.AvgReliability,
		&l.ConfidenceRadius, &l.SuccessCount, &l.TotalCount, &l.LastReward, &l.ConsecutiveFailures,
		&l.CircuitOpenedAt, &l.UpdatedAt)
	return l, err
}

// CreateRoute registers a route and initializes its learning posterior with
// an uninformative Beta(1,1) prior: new routes start with no bias toward
// or against selection.
func (t *Tx) CreateRoute(r Route) error {
	healthy := 0
	if r.Healthy {
		healthy = 1
	}
	_, err := t.tx.Exec(
		`INSERT INTO routes (`+routeCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Capability, r.MCPID, r.Tool, r.Score, r.Policy, healthy,
		r.CostWeight, r.LatencyWeight, r.ReliabilityWeight, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: create route %s: %w", r.ID, err)
	}
	_, err = t.tx.Exec(
		`INSERT INTO learning (route_id, alpha, beta, avg_latency_ms, avg_cost, avg_reliability, confidence_radius, success_count, total_count, last_reward, consecutive_failures, circuit_opened_at, updated_at)
		 VALUES (?, 1, 1, 0, 0, 1, 1, 0, 0, 0, 0, NULL, ?)`,
		r.ID, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: init learning %s: %w", r.ID, err)
	}
	return t.Event("router", "route.created", []byte(fmt.Sprintf(`{"route_id":%q,"capability":%q}`, r.ID, r.Capability)))
}

// routeColsQualified is routeCols with the routes table alias, needed once
// the query joins against learning to evaluate the half-open window.
const routeColsQualified = `r.id, r.capability, r.mcp_id, r.tool, r.score, r.policy, r.healthy, r.cost_weight, r.latency_weight, r.reliability_weight, r.created_at, r.updated_at`

// HealthyRoutesForCapability returns candidate routes the router may pick
// from for a capability: routes whose breaker is closed, plus any route
// whose breaker has been open at least openForMS (half-open retry), so a
// tripped breaker always has a path back to being selected instead of
// staying excluded forever.
func (s *Store) HealthyRoutesForCapability(ctx context.Context, capability string, now, openForMS int64) ([]Route, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+routeColsQualified+` FROM routes r
		 JOIN learning l ON l.route_id = r.id
		 WHERE r.capability = ?
		   AND (r.healthy = 1 OR (l.circuit_opened_at IS NOT NULL AND ? - l.circuit_opened_at >= ?))`,
		capability, now, openForMS)
	if err != nil {
		return nil, fmt.Errorf("store: healthy routes for %s: %w", capability, err)
	}
	defer rows.Close()

	var out []Route
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan route: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AllRoutes returns every registered route regardless of capability or
// health, for the routes/health resource.
func (s *Store) AllRoutes(ctx context.Context) ([]Route, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+routeCols+` FROM routes ORDER BY capability ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list all routes: %w", err)
	}
	defer rows.Close()

	var out []Route
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan route: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRoute loads a route by id.
func (s *Store) GetRoute(ctx context.Context, id string) (Route, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+routeCols+` FROM routes WHERE id = ?`, id)
	r, err := scanRoute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Route{}, ErrNotFound
	}
	if err != nil {
		return Route{}, fmt.Errorf("store: get route %s: %w", id, err)
	}
	return r, nil
}

// GetLearning loads the posterior for a route.
func (s *Store) GetLearning(ctx context.Context, routeID string) (Learning, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+learningCols+` FROM learning WHERE route_id = ?`, routeID)
	l, err := scanLearning(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Learning{}, ErrNotFound
	}
	if err != nil {
		return Learning{}, fmt.Errorf("store: get learning %s: %w", routeID, err)
	}
	return l, nil
}

// SetRouteHealthy flips a route's circuit-breaker health flag and records
// the transition.
func (t *Tx) SetRouteHealthy(routeID string, healthy bool, now int64) error {
	h := 0
	if healthy {
		h = 1
	}
	res, err := t.tx.Exec(`UPDATE routes SET healthy = ?, updated_at = ? WHERE id = ?`, h, now, routeID)
	if err != nil {
		return fmt.Errorf("store: set route healthy %s: %w", routeID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	evt := "circuit.closed"
	if !healthy {
		evt = "circuit.opened"
	}
	return t.Event("router", evt, []byte(fmt.Sprintf(`{"route_id":%q}`, routeID)))
}

// UpdateLearning writes back the full posterior after a reward update.
// Callers must hold the per-route update inside a single transaction:
// updates to a route's learning record are serialized.
func (t *Tx) UpdateLearning(l Learning) error {
	res, err := t.tx.Exec(
		`UPDATE learning SET alpha = ?, beta = ?, avg_latency_ms = ?, avg_cost = ?, avg_reliability = ?,
		 confidence_radius = ?, success_count = ?, total_count = ?, last_reward = ?,
		 consecutive_failures = ?, circuit_opened_at = ?, updated_at = ? WHERE route_id = ?`,
		l.Alpha, l.Beta, l.AvgLatencyMS, l.AvgCost, l.AvgReliability, l.ConfidenceRadius,
		l.SuccessCount, l.TotalCount, l.LastReward, l.ConsecutiveFailures, l.CircuitOpenedAt,
		l.UpdatedAt, l.RouteID,
	)
	if err != nil {
		return fmt.Errorf("store: update learning %s: %w", l.RouteID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return t.Event("router", "learning.updated", []byte(fmt.Sprintf(`{"route_id":%q,"reward":%f}`, l.RouteID, l.LastReward)))
}

// RegisterCapability upserts a capability name in the registry.
func (t *Tx) RegisterCapability(name, description string, now int64) error {
	_, err := t.tx.Exec(
		`INSERT INTO capabilities (name, description, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET description = excluded.description`,
		name, description, now,
	)
	if err != nil {
		return fmt.Errorf("store: register capability %s: %w", name, err)
	}
	return nil
}
