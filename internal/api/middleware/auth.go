package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/Fantasim/stablewatch/internal/config"
	"github.com/Fantasim/stablewatch/internal/models"
)

// APIKeyHeader carries the caller's key.
const APIKeyHeader = "X-API-Key"

// APIKey rejects requests whose key header does not match the configured key.
func APIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(APIKeyHeader)
			if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				slog.Warn("request with bad API key",
					"path", r.URL.Path,
					"remoteAddr", r.RemoteAddr,
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(models.APIError{
					Error: models.APIErrorDetail{
						Code:    config.ErrorUnauthorized,
						Message: "missing or invalid API key",
					},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
