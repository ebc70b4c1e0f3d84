package webhook

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vidgen-backend/internal/correlation"
	apperrors "vidgen-backend/internal/errors"
	"vidgen-backend/internal/generation"
	"vidgen-backend/internal/repository"
)

// Reconciler resolves the race between the direct dispatch response and the
// asynchronous callback: a job stays processing until the callback arrives
// or callbackWaitMax elapses, whichever comes first. It also promotes failed
// jobs whose scheduled retry time has passed back through the dispatcher.
type Reconciler struct {
	repo            repository.GenerationRepository
	dispatcher      *Dispatcher
	logger          *zap.Logger
	callbackWaitMax time.Duration
}

// NewReconciler creates a reconciler. callbackWaitMax bounds how long a job
// may sit in processing without a callback.
func NewReconciler(repo repository.GenerationRepository, dispatcher *Dispatcher, callbackWaitMax time.Duration, logger *zap.Logger) *Reconciler {
	if callbackWaitMax <= 0 {
		callbackWaitMax = 10 * time.Minute
	}
	return &Reconciler{
		repo:            repo,
		dispatcher:      dispatcher,
		logger:          logger.Named("reconciler"),
		callbackWaitMax: callbackWaitMax,
	}
}

// Run performs one reconciliation pass. It is scheduled periodically and
// must tolerate overlapping state changes from request handling.
func (r *Reconciler) Run(ctx context.Context) {
	r.failStuck(ctx)
	r.promoteDueRetries(ctx)
}

func (r *Reconciler) failStuck(ctx context.Context) {
	cutoff := time.Now().Add(-r.callbackWaitMax)
	stuck, err := r.repo.ListStuckProcessing(ctx, cutoff)
	if err != nil {
		r.logger.Error("list stuck generations", zap.Error(err))
		return
	}
	for _, gen := range stuck {
		now := time.Now().UTC()
		gen.Status = generation.StatusFailed
		gen.ErrorType = string(apperrors.ErrorTypeTimeout)
		gen.ErrorMessage = "callback not received within " + r.callbackWaitMax.String()
		if gen.RetriesRemaining() {
			next := now.Add(jobRetryDelay(gen.RetryCount))
			gen.NextRetryAt = &next
		}
		if err := r.repo.Update(ctx, gen); err != nil {
			r.logger.Error("fail stuck generation", zap.String("task_id", gen.ID), zap.Error(err))
			continue
		}
		r.logger.Warn("generation failed waiting for callback",
			zap.String("task_id", gen.ID),
			zap.Duration("wait_max", r.callbackWaitMax),
		)
	}
}

func (r *Reconciler) promoteDueRetries(ctx context.Context) {
	due, err := r.repo.ListDueRetries(ctx, time.Now())
	if err != nil {
		r.logger.Error("list due retries", zap.Error(err))
		return
	}
	for _, gen := range due {
		gen.RetryCount++
		gen.NextRetryAt = nil
		gen.Status = generation.StatusPending
		if err := r.repo.Update(ctx, gen); err != nil {
			r.logger.Error("promote due retry", zap.String("task_id", gen.ID), zap.Error(err))
			continue
		}
		// Each scheduled retry gets its own correlation id so the whole
		// redispatch can be traced.
		retryCtx := correlation.WithID(ctx, correlation.New())
		r.logger.Info("redispatching scheduled retry",
			zap.String("task_id", gen.ID),
			zap.Int("retry_count", gen.RetryCount),
		)
		if err := r.dispatcher.Dispatch(retryCtx, gen); err != nil {
			r.logger.Warn("scheduled retry failed", zap.String("task_id", gen.ID), zap.Error(err))
		}
	}
}
