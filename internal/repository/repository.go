// Package repository defines the persistence contracts consumed by the
// handlers, the webhook dispatcher, and the callback reconciler.
package repository

import (
	"context"
	"time"

	"vidgen-backend/internal/generation"
)

// GenerationRepository persists video generation jobs.
type GenerationRepository interface {
	Create(ctx context.Context, gen *generation.Generation) error
	GetByID(ctx context.Context, id string) (*generation.Generation, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*generation.Generation, error)
	Update(ctx context.Context, gen *generation.Generation) error

	// ListStuckProcessing returns jobs still processing whose last attempt
	// predates the cutoff; the reconciler fails them out.
	ListStuckProcessing(ctx context.Context, cutoff time.Time) ([]*generation.Generation, error)
	// ListDueRetries returns failed jobs whose scheduled retry time has
	// passed and whose retry budget is not exhausted.
	ListDueRetries(ctx context.Context, now time.Time) ([]*generation.Generation, error)
}
