package observability

import (
	"context"

	"go.uber.org/zap"

	"vidgen-backend/internal/correlation"
)

// NewLogger builds the root zap logger. Development mode uses the console
// encoder; anything else emits production JSON.
func NewLogger(environment string) (*zap.Logger, error) {
	if environment == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// WithCorrelation returns a child logger tagged with the request's
// correlation id, if the context carries one.
func WithCorrelation(logger *zap.Logger, ctx context.Context) *zap.Logger {
	if id := correlation.FromContext(ctx); id != "" {
		return logger.With(zap.String("correlation_id", id))
	}
	return logger
}
