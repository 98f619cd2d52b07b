// Package middleware holds the HTTP middleware of the gateway surface:
// bearer-token auth, tenant extraction, and request logging.
package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/yhyyz/mcp-agent-gateway/pkg/models"
)

// KeyProvider returns the bearer token the surface accepts. It is backed
// by the secrets resolver, so the first call may hit the secret store.
type KeyProvider func(ctx context.Context) (string, error)

// BearerAuth enforces `Authorization: Bearer <token>` equality against
// the resolved API key using a constant-time compare.
func BearerAuth(key KeyProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				Unauthorized(w, models.ErrAuthMissingToken, "missing bearer token")
				return
			}
			token := strings.TrimPrefix(auth, "Bearer ")

			want, err := key(r.Context())
			if err != nil {
				log.Error().Err(err).Msg("api key resolution failed")
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
				Unauthorized(w, models.ErrAuthBadToken, "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Unauthorized writes a 401 with the error kind in the body.
func Unauthorized(w http.ResponseWriter, kind models.ErrorKind, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="mcp-agent-gateway"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]any{
		"errno": -1,
		"kind":  kind,
		"msg":   reason,
	})
}
