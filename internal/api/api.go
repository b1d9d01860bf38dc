// Package api exposes read-only resources over HTTP: metrics/dashboard,
// events/stream, plans/active, routes/health, behind a bearer-token auth
// middleware and graceful Start/shutdown over a context.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/antigravity-dev/orchestra/internal/config"
	"github.com/antigravity-dev/orchestra/internal/portfolio"
	"github.com/antigravity-dev/orchestra/internal/store"
)

// Server is the HTTP API server over a state store.
type Server struct {
	cfg            *config.Config
	store          *store.Store
	logger         *slog.Logger
	startTime      time.Time
	httpServer     *http.Server
	authMiddleware *AuthMiddleware
}

// NewServer creates a new API server bound to cfg.API.
func NewServer(cfg *config.Config, s *store.Store, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	am, err := NewAuthMiddleware(&cfg.API.Security, logger)
	if err != nil {
		return nil, fmt.Errorf("api: init auth middleware: %w", err)
	}
	return &Server{cfg: cfg, store: s, logger: logger, startTime: time.Now(), authMiddleware: am}, nil
}

// Close releases the auth middleware's audit log handle.
func (s *Server) Close() error {
	if s.authMiddleware != nil {
		return s.authMiddleware.Close()
	}
	return nil
}

// Start begins listening on cfg.API.Bind. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/metrics/dashboard", s.authMiddleware.RequireAuth(s.handleMetricsDashboard))
	mux.HandleFunc("/events/stream", s.authMiddleware.RequireAuth(s.handleEventsStream))
	mux.HandleFunc("/plans/active", s.authMiddleware.RequireAuth(s.handlePlansActive))
	mux.HandleFunc("/routes/health", s.authMiddleware.RequireAuth(s.handleRoutesHealth))

	s.httpServer = &http.Server{
		Addr:        s.cfg.API.Bind,
		Handler:     mux,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api: listening", "addr", s.cfg.API.Bind)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api: serve: %w", err)
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// routeHealth is one routes/health row: the route plus its bandit posterior.
type routeHealth struct {
	Route    store.Route    `json:"route"`
	Learning store.Learning `json:"learning"`
}

// dashboardRow is one metrics/dashboard row: a route joined to its
// learning posterior.
type dashboardRow struct {
	RouteID        string  `json:"route_id"`
	Capability     string  `json:"capability"`
	Healthy        bool    `json:"healthy"`
	SuccessRate    float64 `json:"success_rate"`
	AvgLatencyMS   float64 `json:"avg_latency_ms"`
	AvgCost        float64 `json:"avg_cost"`
	TotalCount     int64   `json:"total_count"`
}

func (s *Server) handleMetricsDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	routes, err := s.store.AllRoutes(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	rows := make([]dashboardRow, 0, len(routes))
	for _, rt := range routes {
		l, err := s.store.GetLearning(ctx, rt.ID)
		if err != nil {
			s.logger.Warn("api: missing learning row for route", "route_id", rt.ID, "error", err)
			continue
		}
		successRate := 0.0
		if l.TotalCount > 0 {
			successRate = float64(l.SuccessCount) / float64(l.TotalCount)
		}
		rows = append(rows, dashboardRow{
			RouteID: rt.ID, Capability: rt.Capability, Healthy: rt.Healthy,
			SuccessRate: successRate, AvgLatencyMS: l.AvgLatencyMS, AvgCost: l.AvgCost,
			TotalCount: l.TotalCount,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"routes": rows, "uptime_s": time.Since(s.startTime).Seconds()})
}

func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.RecentEvents(r.Context(), 1000)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	for _, e := range events {
		_ = enc.Encode(e)
	}
}

func (s *Server) handlePlansActive(w http.ResponseWriter, r *http.Request) {
	snap, err := portfolio.Gather(r.Context(), s.store, s.logger)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRoutesHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	routes, err := s.store.AllRoutes(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	out := make([]routeHealth, 0, len(routes))
	for _, rt := range routes {
		l, err := s.store.GetLearning(ctx, rt.ID)
		if err != nil {
			s.logger.Warn("api: missing learning row for route", "route_id", rt.ID, "error", err)
			continue
		}
		out = append(out, routeHealth{Route: rt, Learning: l})
	}

	writeJSON(w, http.StatusOK, map[string]any{"routes": out})
}
