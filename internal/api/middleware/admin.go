package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// AdminAuth guards the admin surface with a static bearer token. An empty
// configured token disables the admin API entirely rather than leaving it
// open.
func AdminAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				reject(w, "admin API disabled: no admin token configured")
				return
			}
			got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				log.Debug().Str("path", r.URL.Path).Msg("Admin authentication failed")
				reject(w, "invalid admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func reject(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="gproxy-admin"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "authentication_failed",
		"message": message,
	})
}
