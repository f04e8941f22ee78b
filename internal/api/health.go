package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	healthTimeout = 3 * time.Second
	timeLayout    = time.RFC3339Nano
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker reports whether a remote service is healthy.
type Checker interface {
	Check(ctx context.Context) error
}

// HealthHandler reports database and tutor agent health.
type HealthHandler struct {
	db    Pinger
	agent Checker
}

// NewHealthHandler creates a health handler. agent may be nil.
func NewHealthHandler(db Pinger, agent Checker) *HealthHandler {
	return &HealthHandler{db: db, agent: agent}
}

// RegisterHealth registers the health route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

// Health returns 200 when the database is reachable. An unhealthy tutor agent
// degrades the report without failing it.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	checks := map[string]string{}
	status := http.StatusOK
	overall := "ok"

	if err := h.db.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
		overall = "unavailable"
	} else {
		checks["database"] = "ok"
	}

	if h.agent != nil {
		if err := h.agent.Check(ctx); err != nil {
			slog.Warn("Tutor agent health check failed", "error", err)
			checks["tutor_agent"] = err.Error()
			if overall == "ok" {
				overall = "degraded"
			}
		} else {
			checks["tutor_agent"] = "ok"
		}
	}

	JSON(w, status, map[string]any{
		"status": overall,
		"checks": checks,
		"time":   time.Now().UTC().Format(timeLayout),
	})
}
