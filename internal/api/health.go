package api

import (
	"context"
	"net/http"

	"github.com/loomhq/loom/internal/log"
)

// Pinger reports database liveness. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

type healthHandler struct {
	db     Pinger
	logger log.Logger
}

// health handles GET /health: process liveness only.
func (h *healthHandler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(h.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

// ready handles GET /ready: the database must answer.
func (h *healthHandler) ready(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		h.logger.Warn("readiness check failed", "error", err)
		writeJSON(h.logger, w, http.StatusServiceUnavailable,
			map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(h.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}
