package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ashureev/supportdesk/internal/realtime"
	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 2 * time.Second

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// LiveStats exposes live connection and session counts.
type LiveStats interface {
	Stats() realtime.Stats
}

// SessionCounter reports the number of open agent sessions.
type SessionCounter interface {
	SessionCount() int
}

// SystemHandler serves health and dashboard statistics.
type SystemHandler struct {
	*Handler
	generator HealthChecker
	live      LiveStats
	sessions  SessionCounter
	startedAt time.Time
}

// NewSystemHandler creates a system handler. generator may be nil.
func NewSystemHandler(base *Handler, generator HealthChecker, live LiveStats, sessions SessionCounter) *SystemHandler {
	return &SystemHandler{
		Handler:   base,
		generator: generator,
		live:      live,
		sessions:  sessions,
		startedAt: time.Now(),
	}
}

// RegisterRoutes registers health and stats routes.
func (h *SystemHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)
}

// Health reports database and generator status. A generator outage only
// degrades the service since turns fall back to human escalation.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"database": "ok", "generator": "ok"}
	status, code := "healthy", http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	if h.generator == nil {
		checks["generator"] = "not configured"
	} else if err := h.generator.Health(ctx); err != nil {
		checks["generator"] = err.Error()
	}
	if checks["generator"] != "ok" && code == http.StatusOK {
		status = "degraded"
	}

	JSON(w, code, map[string]any{
		"status":         status,
		"service":        "supportdesk",
		"timestamp":      time.Now().UTC(),
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"checks":         checks,
		"connections":    h.live.Stats(),
		"sessions":       h.sessions.SessionCount(),
	})
}

// Stats returns dashboard counters merged with live connection data.
func (h *SystemHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.repo.DashboardStats(r.Context())
	if err != nil {
		serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"conversations": stats,
		"live":          h.live.Stats(),
		"sessions":      h.sessions.SessionCount(),
	})
}
