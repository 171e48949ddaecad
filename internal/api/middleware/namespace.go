// Package middleware holds the hub's HTTP middleware: request logging,
// namespace extraction, and API token gating.
package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const namespaceKey contextKey = "namespace"

// DefaultNamespace is used when the request names none.
const DefaultNamespace = "global"

// Namespace extracts the tenant namespace from the X-Namespace header or
// the namespace query parameter and stores it on the request context.
func Namespace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ns := r.Header.Get("X-Namespace")
		if ns == "" {
			ns = r.URL.Query().Get("namespace")
		}
		if ns == "" {
			ns = DefaultNamespace
		}
		ctx := context.WithValue(r.Context(), namespaceKey, ns)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetNamespace returns the namespace bound to ctx, defaulting to
// DefaultNamespace.
func GetNamespace(ctx context.Context) string {
	if ns, ok := ctx.Value(namespaceKey).(string); ok && ns != "" {
		return ns
	}
	return DefaultNamespace
}
