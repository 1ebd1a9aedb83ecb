package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/haukened/goneshare/internal/app"
	"github.com/haukened/goneshare/internal/domain"
)

// writeError writes a JSON error body with given status code.
func writeError(ctx context.Context, w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg})
	if cid, ok := GetCorrelationID(ctx); ok {
		slog.Debug("wrote error response", "domain", "http", "cid", cid, "status", code, "msg", msg)
	}
}

// mapServiceError maps domain/store/service errors to HTTP responses. Share
// ids, secrets and IVs never reach the log.
func mapServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	cid, _ := GetCorrelationID(ctx)
	log := slog.With("domain", "http", "cid", cid)
	switch {
	case errors.Is(err, app.ErrSizeExceeded):
		log.Warn("service error", "code", "size_exceeded")
		writeError(ctx, w, http.StatusRequestEntityTooLarge, "size exceeded")
	case errors.Is(err, domain.ErrInvalidID):
		log.Warn("service error", "code", "invalid_id")
		writeError(ctx, w, http.StatusBadRequest, "invalid id")
	case errors.Is(err, domain.ErrTTLInvalid):
		log.Warn("service error", "code", "ttl_invalid")
		writeError(ctx, w, http.StatusBadRequest, "ttl invalid")
	case errors.Is(err, domain.ErrInvalidParameter):
		log.Warn("service error", "code", "invalid_parameter")
		writeError(ctx, w, http.StatusBadRequest, "invalid parameter")
	case errors.Is(err, domain.ErrNotFound):
		log.Info("service error", "code", "not_found")
		writeError(ctx, w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrLinkExpired):
		log.Info("service error", "code", "link_expired")
		writeError(ctx, w, http.StatusGone, "link expired")
	case errors.Is(err, domain.ErrDownloadLimitReached):
		log.Info("service error", "code", "download_limit_reached")
		writeError(ctx, w, http.StatusGone, "download limit reached")
	case errors.Is(err, domain.ErrIntegrity):
		log.Error("service error", "code", "integrity")
		writeError(ctx, w, http.StatusInternalServerError, "integrity check failed")
	case errors.Is(err, domain.ErrStorageUnavailable):
		log.Error("service error", "code", "storage_unavailable")
		writeError(ctx, w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		// Raw error strings may carry paths or keys; only the category is logged.
		log.Error("unhandled service error", "code", "unhandled")
		writeError(ctx, w, http.StatusInternalServerError, "internal")
	}
}
