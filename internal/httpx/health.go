package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// readyTimeout bounds a single readiness probe.
const readyTimeout = 3 * time.Second

type statusBody struct {
	Status string `json:"status"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusBody{Status: "ok"})
}

// handleReady runs the readiness probe, if any. Backend errors are logged,
// never returned to the caller.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.Readiness != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := h.Readiness(ctx); err != nil {
			cid, _ := GetCorrelationID(r.Context())
			slog.WarnContext(r.Context(), "readiness probe failed", "domain", "http", "cid", cid, "err", err)
			writeError(r.Context(), w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, statusBody{Status: "ready"})
}
