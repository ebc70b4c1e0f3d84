// Package middleware contains the request-scoped middleware chain:
// correlation id propagation, request metrics, and panic recovery.
package middleware

import (
	"net/http"

	"vidgen-backend/internal/correlation"
)

// Correlation extracts the inbound correlation id or generates one, stores
// it on the context, and echoes it on the response.
func Correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlation.Header)
		if id == "" {
			id = correlation.New()
		}
		ctx := correlation.WithID(r.Context(), id)
		w.Header().Set(correlation.Header, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
