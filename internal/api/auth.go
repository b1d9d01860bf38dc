package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/antigravity-dev/orchestra/internal/config"
)

// AuthMiddleware gates every resource endpoint behind a bearer token (or
// a local-only exemption) and writes an audit log entry per request.
type AuthMiddleware struct {
	config    *config.Security
	logger    *slog.Logger
	auditFile *os.File
}

// NewAuthMiddleware creates a new auth middleware, opening the audit log if configured.
func NewAuthMiddleware(cfg *config.Security, logger *slog.Logger) (*AuthMiddleware, error) {
	am := &AuthMiddleware{config: cfg, logger: logger}

	if cfg.AuditLog != "" {
		path := config.ExpandHome(cfg.AuditLog)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("api: open audit log %q: %w", path, err)
		}
		am.auditFile = f
	}

	return am, nil
}

// Close closes the audit log file.
func (am *AuthMiddleware) Close() error {
	if am.auditFile != nil {
		return am.auditFile.Close()
	}
	return nil
}

// AuditEvent is one logged access attempt.
type AuditEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	RemoteAddr string    `json:"remote_addr"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Authorized bool      `json:"authorized"`
	Token      string    `json:"token,omitempty"`
	Error      string    `json:"error,omitempty"`
	StatusCode int       `json:"status_code"`
	Duration   string    `json:"duration"`
}

func (am *AuthMiddleware) logAuditEvent(event AuditEvent) {
	if am.auditFile == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		am.logger.Error("api: marshal audit event", "error", err)
		return
	}
	if _, err := am.auditFile.Write(append(data, '\n')); err != nil {
		am.logger.Error("api: write audit event", "error", err)
	}
}

func truncateToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + "****"
}

func isLocalRequest(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func (am *AuthMiddleware) isValidToken(token string) bool {
	if token == "" {
		return false
	}
	for _, allowed := range am.config.AllowedTokens {
		if token == allowed {
			return true
		}
	}
	return false
}

// RequireAuth wraps a handler with bearer-token enforcement. Auth is a
// no-op when disabled in config, except that require_local_only still
// restricts access to loopback/private callers.
func (am *AuthMiddleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		event := AuditEvent{Timestamp: start, RemoteAddr: r.RemoteAddr, Method: r.Method, Path: r.URL.Path}
		defer func() {
			event.Duration = time.Since(start).String()
			am.logAuditEvent(event)
		}()

		if !am.config.Enabled {
			if am.config.RequireLocalOnly && !isLocalRequest(r.RemoteAddr) {
				event.Authorized = false
				event.StatusCode = http.StatusForbidden
				http.Error(w, "forbidden: local access only", http.StatusForbidden)
				return
			}
			event.Authorized = true
			event.StatusCode = http.StatusOK
			next(w, r)
			return
		}

		token := extractToken(r)
		event.Token = truncateToken(token)
		if !am.isValidToken(token) {
			event.Authorized = false
			event.StatusCode = http.StatusUnauthorized
			event.Error = "invalid or missing bearer token"
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		event.Authorized = true
		event.StatusCode = http.StatusOK
		next(w, r)
	}
}
