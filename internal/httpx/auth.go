package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AnonymousOwner is recorded as the owner of uploads when no AuthKey is configured.
const AnonymousOwner = "anonymous"

type ownerCtxKey struct{}

var ownerKey = ownerCtxKey{}

var errNoBearer = errors.New("missing bearer token")

// authenticate resolves the uploading owner. With an AuthKey configured the
// request must carry an HS256 bearer token whose sub claim names the owner.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := AnonymousOwner
		if len(h.AuthKey) > 0 {
			sub, err := verifyToken(r.Header.Get("Authorization"), h.AuthKey)
			if err != nil {
				cid, _ := GetCorrelationID(r.Context())
				slog.Warn("upload auth rejected", "domain", "http", "cid", cid, "reason", err.Error())
				w.Header().Set("WWW-Authenticate", `Bearer realm="goneshare"`)
				writeError(r.Context(), w, http.StatusUnauthorized, "unauthorized")
				return
			}
			owner = sub
		}
		ctx := context.WithValue(r.Context(), ownerKey, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// verifyToken validates an "Authorization: Bearer <jwt>" value and returns its subject.
func verifyToken(header string, key []byte) (string, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return "", errNoBearer
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", jwt.ErrTokenRequiredClaimMissing
	}
	return claims.Subject, nil
}

// OwnerFromContext returns the owner resolved by the auth middleware, or
// AnonymousOwner when none is present.
func OwnerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ownerKey).(string); ok && v != "" {
		return v
	}
	return AnonymousOwner
}
