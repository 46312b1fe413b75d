package handlers

import (
	"log/slog"
	"net/http"
	"time"
)

type HealthHandler struct {
	logger  *slog.Logger
	started time.Time
}

func NewHealthHandler(logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		logger:  logger,
		started: time.Now(),
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"healthy","uptime":"` + time.Since(h.started).Round(time.Second).String() + `"}`))

	h.logger.Debug("health check completed",
		"duration", time.Since(start).String(),
		"remote_addr", r.RemoteAddr,
	)
}
