package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"unicode"

	"github.com/yhyyz/mcp-agent-gateway/pkg/models"
)

type contextKey string

// userIDKey is the context key for the tenant identifier.
const userIDKey contextKey = "user_id"

// maxUserIDLength bounds the opaque tenant id.
const maxUserIDLength = 256

// RequireUserID extracts X-User-ID and rejects requests without a
// usable one. The id is opaque: non-empty, printable, bounded length.
func RequireUserID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if userID == "" || len(userID) > maxUserIDLength || !printable(userID) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{
				"errno": -1,
				"kind":  models.ErrAuthMissingUser,
				"msg":   "a valid X-User-ID header is required",
			})
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserID retrieves the tenant id stored by RequireUserID.
func UserID(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

func printable(s string) bool {
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
