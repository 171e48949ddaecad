package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// RequireToken gates a route on the configured API token. With no token
// configured the gate is open; this is the documented single-operator
// mode.
func RequireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || TokenMatches(r, token) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"invalid or missing API token"}`))
		})
	}
}

// TokenMatches checks the Bearer header and X-API-Key against token in
// constant time.
func TokenMatches(r *http.Request, token string) bool {
	presented := r.Header.Get("X-API-Key")
	if presented == "" {
		auth := r.Header.Get("Authorization")
		presented = strings.TrimPrefix(auth, "Bearer ")
		if presented == auth {
			presented = ""
		}
	}
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}
