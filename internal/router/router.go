// Package router implements the contextual multi-armed bandit the
// scheduler asks for a route on every step dispatch: a LinUCB-style
// upper-confidence-bound selection over a Beta-Bernoulli success
// posterior, gated by the policy engine and a per-route circuit breaker.
// Reward updates hold the router's mutex and are written through a single
// store transaction per route, so concurrent tickets against the same
// route serialize.
package router

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/antigravity-dev/orchestra/internal/policy"
	"github.com/antigravity-dev/orchestra/internal/store"
)

// CostClass is the caller's declared price sensitivity for this pick.
// PickRoute accepts it but does not use it for filtering or scoring, and
// emits no event carrying it.
type CostClass string

const (
	CostHigh CostClass = "high"
	CostMid  CostClass = "mid"
	CostLow  CostClass = "low"
)

// ErrNoRouteAvailable is returned when no healthy, policy-passing route
// exists for a capability.
var ErrNoRouteAvailable = errors.New("router: no healthy policy-passing route available")

// Config are the bandit's tunable parameters.
type Config struct {
	// Explore is the probability of forced exploration among the top-k
	// candidates instead of a pure argmax pick. Default 0.1.
	Explore float64
	// ConfidenceWidth (kappa) scales the UCB confidence radius.
	ConfidenceWidth float64
	// ExploreTopK bounds how many top-scoring candidates the exploration
	// branch samples uniformly from.
	ExploreTopK int
	// CircuitWindow (default 30s) is carried in the configuration but not
	// read by UpdateReward: consecutive failures are counted regardless of
	// how far apart in time they occur.
	CircuitWindow time.Duration
	// CircuitOpenFor is how long an opened breaker keeps a route unhealthy
	// before a half-open retry is allowed (default 30s).
	CircuitOpenFor time.Duration
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker (default 5).
	FailureThreshold int
	// RewardSmoothing is the EMA smoothing factor for rolling
	// latency/cost/reliability averages (default 0.2).
	RewardSmoothing float64
	// ConfidenceFloor is the lower bound confidence_radius decays toward
	// after each update.
	ConfidenceFloor float64
}

// DefaultConfig returns the bandit's baseline tuning.
func DefaultConfig() Config {
	return Config{
		Explore:          0.1,
		ConfidenceWidth:  1.0,
		ExploreTopK:      3,
		CircuitWindow:    30 * time.Second,
		CircuitOpenFor:   30 * time.Second,
		FailureThreshold: 5,
		RewardSmoothing:  0.2,
		ConfidenceFloor:  0.05,
	}
}

// Router selects and scores routes and serializes reward updates.
type Router struct {
	store  *store.Store
	policy *policy.Engine
	cfg    Config
	mu     sync.Mutex
	rng    *rand.Rand
}

// New constructs a Router over a store and policy engine.
func New(s *store.Store, p *policy.Engine, cfg Config) *Router {
	return &Router{
		store:  s,
		policy: p,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(1)),
	}
}

type candidate struct {
	route    store.Route
	learning store.Learning
	score    float64
}

// PickRoute gathers healthy routes, policy-gates them, scores each with
// a UCB combining posterior mean and confidence radius penalized by
// cost/latency and boosted by reliability, then picks by
// explore-probability or argmax with deterministic tie breaking. Returns
// the chosen route plus any require-rule obligations the scheduler must
// later satisfy.
func (r *Router) PickRoute(ctx context.Context, capability string, pctx policy.Context, costClass CostClass, def policy.Definition) (store.Route, []string, error) {
	openFor := r.cfg.CircuitOpenFor
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	routes, err := r.store.HealthyRoutesForCapability(ctx, capability, store.NowMS(), openFor.Milliseconds())
	if err != nil {
		return store.Route{}, nil, fmt.Errorf("router: pick route %s: %w", capability, err)
	}

	var obligations []string
	var gated []store.Route
	for _, route := range routes {
		pctx.Capability = capability
		decision := r.policy.Evaluate(def, pctx)
		if !decision.Allowed {
			continue
		}
		obligations = decision.Obligations
		gated = append(gated, route)
	}
	if len(gated) == 0 {
		return store.Route{}, nil, ErrNoRouteAvailable
	}

	var totalPulls float64
	candidates := make([]candidate, 0, len(gated))
	for _, route := range gated {
		learning, err := r.store.GetLearning(ctx, route.ID)
		if err != nil {
			return store.Route{}, nil, fmt.Errorf("router: learning for %s: %w", route.ID, err)
		}
		totalPulls += float64(learning.TotalCount)
		candidates = append(candidates, candidate{route: route, learning: learning})
	}

	maxCost, maxLatency := 0.0, 0.0
	for _, c := range candidates {
		if c.learning.AvgCost > maxCost {
			maxCost = c.learning.AvgCost
		}
		if c.learning.AvgLatencyMS > maxLatency {
			maxLatency = c.learning.AvgLatencyMS
		}
	}

	kappa := r.cfg.ConfidenceWidth
	if kappa == 0 {
		kappa = 1.0
	}
	for i := range candidates {
		c := &candidates[i]
		mean := c.learning.Alpha / (c.learning.Alpha + c.learning.Beta)

		n := math.Max(float64(c.learning.TotalCount), 1)
		logT := math.Log(math.Max(totalPulls, math.E))
		radius := kappa * math.Sqrt(logT/n)

		normCost := 0.0
		if maxCost > 0 {
			normCost = c.learning.AvgCost / maxCost
		}
		normLatency := 0.0
		if maxLatency > 0 {
			normLatency = c.learning.AvgLatencyMS / maxLatency
		}

		score := mean + radius
		score -= c.route.CostWeight * normCost
		score -= c.route.LatencyWeight * normLatency
		score += c.route.ReliabilityWeight * c.learning.AvgReliability
		c.score = score
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].learning.AvgCost != candidates[j].learning.AvgCost {
			return candidates[i].learning.AvgCost < candidates[j].learning.AvgCost
		}
		if candidates[i].learning.AvgReliability != candidates[j].learning.AvgReliability {
			return candidates[i].learning.AvgReliability > candidates[j].learning.AvgReliability
		}
		return candidates[i].route.ID < candidates[j].route.ID
	})

	explore := r.cfg.Explore
	r.mu.Lock()
	roll := r.rng.Float64()
	r.mu.Unlock()

	chosen := candidates[0]
	if roll < explore {
		k := r.cfg.ExploreTopK
		if k <= 0 || k > len(candidates) {
			k = len(candidates)
		}
		r.mu.Lock()
		idx := r.rng.Intn(k)
		r.mu.Unlock()
		chosen = candidates[idx]
	}

	_ = costClass
	return chosen.route, obligations, nil
}

// UpdateReward applies the posterior and rolling-average update after an
// execution: success increments alpha, failure increments beta,
// latency/cost/reliability use an EMA with the configured smoothing,
// confidence_radius decays toward a floor, and the circuit breaker opens
// after FailureThreshold consecutive failures, counted with no time
// window. The read-modify-write holds the router's mutex and writes
// inside one store transaction, so concurrent tickets against the same
// route serialize.
func (r *Router) UpdateReward(ctx context.Context, routeID string, success bool, latencyMS int64, cost float64, now int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.WithTx(ctx, func(tx *store.Tx) error {
		learning, err := r.store.GetLearning(ctx, routeID)
		if err != nil {
			return fmt.Errorf("router: update reward %s: %w", routeID, err)
		}

		smoothing := r.cfg.RewardSmoothing
		if smoothing <= 0 {
			smoothing = 0.2
		}

		if success {
			learning.Alpha += 1
			learning.SuccessCount++
			learning.ConsecutiveFailures = 0
			learning.LastReward = 1
		} else {
			learning.Beta += 1
			learning.ConsecutiveFailures++
			learning.LastReward = 0
		}
		learning.TotalCount++

		learning.AvgLatencyMS = ema(learning.AvgLatencyMS, float64(latencyMS), smoothing)
		learning.AvgCost = ema(learning.AvgCost, cost, smoothing)
		reliabilitySample := 0.0
		if success {
			reliabilitySample = 1.0
		}
		learning.AvgReliability = ema(learning.AvgReliability, reliabilitySample, smoothing)

		floor := r.cfg.ConfidenceFloor
		if floor <= 0 {
			floor = 0.05
		}
		learning.ConfidenceRadius = math.Max(floor, learning.ConfidenceRadius*0.95)
		learning.UpdatedAt = now

		if err := tx.UpdateLearning(learning); err != nil {
			return err
		}

		threshold := r.cfg.FailureThreshold
		if threshold <= 0 {
			threshold = 5
		}
		if !success && learning.ConsecutiveFailures >= threshold {
			learning.CircuitOpenedAt = sql.NullInt64{Int64: now, Valid: true}
			if err := tx.UpdateLearning(learning); err != nil {
				return err
			}
			if err := tx.SetRouteHealthy(routeID, false, now); err != nil {
				return err
			}
		} else if success {
			route, err := r.store.GetRoute(ctx, routeID)
			if err == nil && !route.Healthy {
				learning.CircuitOpenedAt = sql.NullInt64{}
				if err := tx.UpdateLearning(learning); err != nil {
					return err
				}
				if err := tx.SetRouteHealthy(routeID, true, now); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// ema computes the exponential moving average update: the very first
// sample (prev == 0 means "no data yet" for these non-negative metrics) is
// taken as-is, later samples are blended by smoothing.
func ema(prev, sample, smoothing float64) float64 {
	if prev == 0 {
		return sample
	}
	return prev + smoothing*(sample-prev)
}
