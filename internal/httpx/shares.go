package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/haukened/goneshare/internal/app"
	"github.com/haukened/goneshare/internal/domain"
)

// Upload request headers.
const (
	HeaderShareName         = "X-Share-Name"
	HeaderShareTTL          = "X-Share-TTL"
	HeaderShareExpiresAt    = "X-Share-Expires-At"
	HeaderShareMaxDownloads = "X-Share-Max-Downloads"
)

type createResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ExpiresAt    time.Time `json:"expires_at"`
	MaxDownloads int       `json:"max_downloads"`
}

type infoResponse struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	Size               int64         `json:"size"`
	Status             domain.Status `json:"status"`
	ExpiresAt          time.Time     `json:"expires_at"`
	MaxDownloads       int           `json:"max_downloads"`
	DownloadCount      int           `json:"download_count"`
	RemainingDownloads int           `json:"remaining_downloads"`
	CreatedAt          time.Time     `json:"created_at"`
}

// handleCreateShare implements POST /api/shares. The raw request body is the
// file content; share options travel in X-Share-* headers.
func (h *Handler) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.MaxBody > 0 && r.ContentLength > h.MaxBody {
		mapServiceError(ctx, w, app.ErrSizeExceeded)
		return
	}
	req, err := h.parseUploadHeaders(r)
	if err != nil {
		mapServiceError(ctx, w, err)
		return
	}
	body, err := h.readBody(w, r)
	if err != nil {
		mapServiceError(ctx, w, err)
		return
	}
	req.Plaintext = body
	req.OwnerID = OwnerFromContext(ctx)

	rec, err := h.Service.Upload(ctx, req, h.Secret)
	if err != nil {
		mapServiceError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{
		ID:           rec.ID.String(),
		Name:         rec.DisplayName,
		ExpiresAt:    rec.ExpiresAt,
		MaxDownloads: rec.MaxDownloads,
	})
}

// handleConsumeShare implements GET /api/shares/{id}. Every successful call
// spends one download.
func (h *Handler) handleConsumeShare(w http.ResponseWriter, r *http.Request) {
	plain, rec, err := h.Service.ConsumeDownload(r.Context(), chi.URLParam(r, "id"), h.Secret)
	if err != nil {
		mapServiceError(r.Context(), w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", attachment(rec.DisplayName))
	w.Header().Set("Content-Length", strconv.Itoa(len(plain)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(plain)
}

// handleShareInfo implements GET /api/shares/{id}/info. It never spends a download.
func (h *Handler) handleShareInfo(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Service.Inspect(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		mapServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, infoResponse{
		ID:                 rec.ID.String(),
		Name:               rec.DisplayName,
		Size:               rec.Size,
		Status:             rec.Status,
		ExpiresAt:          rec.ExpiresAt,
		MaxDownloads:       rec.MaxDownloads,
		DownloadCount:      rec.DownloadCount,
		RemainingDownloads: rec.Remaining(),
		CreatedAt:          rec.CreatedAt,
	})
}

// parseUploadHeaders builds an UploadRequest from the X-Share-* headers.
// X-Share-Expires-At wins over X-Share-TTL when both are present.
func (h *Handler) parseUploadHeaders(r *http.Request) (app.UploadRequest, error) {
	var req app.UploadRequest
	req.DisplayName = r.Header.Get(HeaderShareName)
	if req.DisplayName == "" {
		return req, domain.Invalid("missing " + HeaderShareName)
	}

	req.MaxDownloads = 1
	if v := r.Header.Get(HeaderShareMaxDownloads); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, domain.Invalid("malformed " + HeaderShareMaxDownloads)
		}
		req.MaxDownloads = n
	}

	now := h.Now()
	switch {
	case r.Header.Get(HeaderShareExpiresAt) != "":
		at, err := time.Parse(time.RFC3339, r.Header.Get(HeaderShareExpiresAt))
		if err != nil {
			return req, domain.Invalid("malformed " + HeaderShareExpiresAt)
		}
		if err := domain.ValidateTTL(at.Sub(now), h.MinTTL, h.MaxTTL); err != nil {
			return req, err
		}
		req.ExpiresAt = at
	case r.Header.Get(HeaderShareTTL) != "":
		ttl, err := time.ParseDuration(r.Header.Get(HeaderShareTTL))
		if err != nil {
			return req, domain.ErrTTLInvalid
		}
		if err := domain.ValidateTTL(ttl, h.MinTTL, h.MaxTTL); err != nil {
			return req, err
		}
		req.ExpiresAt = now.Add(ttl)
	default:
		return req, domain.Invalid("missing " + HeaderShareTTL + " or " + HeaderShareExpiresAt)
	}
	return req, nil
}

// readBody reads the whole request body, stopping one byte past MaxBody.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body := r.Body
	if h.MaxBody > 0 {
		body = http.MaxBytesReader(w, r.Body, h.MaxBody)
	}
	defer body.Close()
	b, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, app.ErrSizeExceeded
		}
		return nil, domain.Invalid("unreadable body")
	}
	return b, nil
}

func attachment(name string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return "attachment"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
