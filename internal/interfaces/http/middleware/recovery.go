package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"vidgen-backend/internal/correlation"
	"vidgen-backend/internal/interfaces/http/response"
)

// Recovery converts handler panics into a structured 500 response and logs
// the stack trace with the request's correlation id.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("correlation_id", correlation.FromContext(r.Context())),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack", debug.Stack()),
					)
					if w.Header().Get("Content-Type") == "" {
						response.ErrorWithStatus(w, r, http.StatusInternalServerError,
							"unknown", "internal server error")
					}
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
