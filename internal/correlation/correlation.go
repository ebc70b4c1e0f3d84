// Package correlation generates and propagates the per-request correlation
// identifier that ties together logs, metrics, and persisted outcomes for one
// logical request.
package correlation

import (
	"context"

	"github.com/google/uuid"
)

// Header is the canonical response header; inbound requests may supply the
// same header in any casing.
const Header = "X-Correlation-ID"

type contextKey struct{}

// New returns a fresh correlation id.
func New() string {
	return uuid.New().String()
}

// WithID stores the correlation id on the context.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the correlation id, or "" when none was attached.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(contextKey{}).(string); ok {
		return id
	}
	return ""
}
