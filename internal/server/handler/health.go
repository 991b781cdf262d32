package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger reports whether a backing dependency is reachable.
type Pinger func(ctx context.Context) error

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	mode      string
	startedAt time.Time
	checks    map[string]Pinger
	logger    *slog.Logger
}

// NewHealthHandler creates a HealthHandler. checks are run on every
// request; any failure turns the response into a 503.
func NewHealthHandler(mode string, checks map[string]Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{mode: mode, startedAt: time.Now().UTC(), checks: checks, logger: logger}
}

// HealthCheck reports liveness and dependency status.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, ping := range h.checks {
		if err := ping(ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			h.logger.WarnContext(r.Context(), "health: dependency down",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		deps[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":         state,
		"mode":           h.mode,
		"dependencies":   deps,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}
