// Package resilience implements the retry engine and per-operation circuit
// breakers that every outbound webhook call runs through.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "vidgen-backend/internal/errors"
	"vidgen-backend/internal/observability"
)

// Operation is one unit of work executed under retry. The context carries the
// per-attempt deadline; the operation should abort its transport work when
// the context is cancelled.
type Operation func(ctx context.Context) (any, error)

// Config controls one retry run. Zero fields fall back to the defaults.
type Config struct {
	MaxRetries        int           // retries after the first attempt
	BaseDelay         time.Duration // delay before the first retry
	MaxDelay          time.Duration // cap on any computed delay
	BackoffMultiplier float64
	Jitter            time.Duration // random addition in [0, Jitter)
	PerAttemptTimeout time.Duration
	TotalTimeout      time.Duration // budget for the whole run, 0 = none

	// RetryableStatuses is the set of upstream HTTP statuses worth retrying.
	RetryableStatuses []int
	// RetryableTypes is the error-type allow-list for retries.
	RetryableTypes []apperrors.ErrorType
}

// DefaultConfig returns the general-purpose retry parameters.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            250 * time.Millisecond,
		PerAttemptTimeout: 10 * time.Second,
		RetryableStatuses: []int{408, 429, 500, 502, 503, 504},
		RetryableTypes:    []apperrors.ErrorType{apperrors.ErrorTypeTimeout, apperrors.ErrorTypeNetwork},
	}
}

// WebhookConfig returns the parameters tuned for calls to the external
// workflow engine.
func WebhookConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = 5
	cfg.BaseDelay = 2 * time.Second
	cfg.BackoffMultiplier = 1.5
	cfg.MaxDelay = 15 * time.Second
	cfg.PerAttemptTimeout = 30 * time.Second
	cfg.TotalTimeout = 60 * time.Second
	return cfg
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	if c.PerAttemptTimeout <= 0 {
		c.PerAttemptTimeout = def.PerAttemptTimeout
	}
	if c.RetryableStatuses == nil {
		c.RetryableStatuses = def.RetryableStatuses
	}
	if c.RetryableTypes == nil {
		c.RetryableTypes = def.RetryableTypes
	}
	return c
}

// Attempt records one execution of the operation within a single retry run.
type Attempt struct {
	Number     int           `json:"number"`
	Delay      time.Duration `json:"delay"`
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	StatusCode int           `json:"statusCode,omitempty"`
}

// Result is the immutable outcome of one retry run. The engine never returns
// an error for operation failures; callers inspect Success and Err.
type Result struct {
	Success               bool
	Value                 any
	Err                   error
	Attempts              []Attempt
	TotalDuration         time.Duration
	FinalAttempt          int
	CircuitBreakerTripped bool
}

// Engine executes operations with bounded exponential-backoff retries and a
// per-operation circuit breaker. Attempts within one run are strictly
// sequential.
type Engine struct {
	breakers *BreakerRegistry
	logger   *zap.Logger
	metrics  *observability.Collector

	mu   sync.Mutex
	rand *rand.Rand
}

// NewEngine creates a retry engine. metrics may be nil in tests.
func NewEngine(breakers *BreakerRegistry, logger *zap.Logger, metrics *observability.Collector) *Engine {
	return &Engine{
		breakers: breakers,
		logger:   logger.Named("retry"),
		metrics:  metrics,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Breakers exposes the registry for admin introspection and resets.
func (e *Engine) Breakers() *BreakerRegistry {
	return e.breakers
}

// Do runs op under the retry policy for operationID. correlationID is only
// used for logging.
func (e *Engine) Do(ctx context.Context, operationID, correlationID string, op Operation, cfg Config) Result {
	cfg = cfg.withDefaults()
	start := time.Now()
	log := e.logger.With(
		zap.String("operation_id", operationID),
		zap.String("correlation_id", correlationID),
	)

	if open, retryAt := e.breakers.Allow(operationID); open {
		log.Warn("circuit breaker open, rejecting without attempt",
			zap.Time("retry_at", retryAt),
		)
		return Result{
			Err: apperrors.NewWebhookFailure(
				"circuit breaker open for "+operationID, 0, "next attempt eligible at "+retryAt.UTC().Format(time.RFC3339)),
			TotalDuration:         time.Since(start),
			CircuitBreakerTripped: true,
		}
	}

	if cfg.TotalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.TotalTimeout)
		defer cancel()
	}

	var attempts []Attempt
	var lastErr error
	delay := time.Duration(0)

	maxAttempts := cfg.MaxRetries + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptStart := time.Now()
		value, err := e.runAttempt(ctx, op, cfg.PerAttemptTimeout)
		record := Attempt{
			Number:    attempt,
			Delay:     delay,
			StartedAt: attemptStart,
			Duration:  time.Since(attemptStart),
		}
		if err != nil {
			record.Error = err.Error()
			record.StatusCode = apperrors.UpstreamStatus(err)
		}
		attempts = append(attempts, record)

		if err == nil {
			e.breakers.RecordSuccess(operationID)
			e.countAttempt(operationID, "success")
			if attempt > 1 {
				log.Info("operation succeeded after retry", zap.Int("attempt", attempt))
			}
			return Result{
				Success:       true,
				Value:         value,
				Attempts:      attempts,
				TotalDuration: time.Since(start),
				FinalAttempt:  attempt,
			}
		}

		lastErr = err
		e.countAttempt(operationID, "failure")

		if attempt == maxAttempts || !e.retryable(err, cfg) {
			break
		}

		delay = e.nextDelay(attempt, cfg)
		log.Warn("retrying operation",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			lastErr = apperrors.NewTimeout("retry budget exhausted during backoff", ctx.Err())
			attempts = append(attempts, Attempt{
				Number:    attempt + 1,
				Delay:     delay,
				StartedAt: time.Now(),
				Error:     lastErr.Error(),
			})
			e.breakers.RecordFailure(operationID)
			return Result{
				Err:           lastErr,
				Attempts:      attempts,
				TotalDuration: time.Since(start),
				FinalAttempt:  len(attempts),
			}
		}
	}

	e.breakers.RecordFailure(operationID)
	log.Error("operation failed",
		zap.Int("attempts", len(attempts)),
		zap.String("error_type", string(apperrors.TypeOf(lastErr))),
		zap.Error(lastErr),
	)
	return Result{
		Err:           lastErr,
		Attempts:      attempts,
		TotalDuration: time.Since(start),
		FinalAttempt:  len(attempts),
	}
}

// runAttempt races the operation against the per-attempt timeout. A timed-out
// operation is abandoned: its context is cancelled so the transport can
// abort, but its eventual return value is discarded.
func (e *Engine) runAttempt(ctx context.Context, op Operation, timeout time.Duration) (any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := op(attemptCtx)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-attemptCtx.Done():
		return nil, apperrors.NewTimeout("attempt exceeded deadline", attemptCtx.Err())
	}
}

func (e *Engine) retryable(err error, cfg Config) bool {
	if status := apperrors.UpstreamStatus(err); status != 0 {
		for _, s := range cfg.RetryableStatuses {
			if s == status {
				return true
			}
		}
		return false
	}
	errType := apperrors.TypeOf(err)
	for _, t := range cfg.RetryableTypes {
		if t == errType {
			return true
		}
	}
	return false
}

// nextDelay computes the backoff before the attempt following attempt N:
// min(maxDelay, base*multiplier^(N-1) + jitter).
func (e *Engine) nextDelay(attempt int, cfg Config) time.Duration {
	backoff := float64(cfg.BaseDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	delay := time.Duration(backoff)
	if cfg.Jitter > 0 {
		e.mu.Lock()
		delay += time.Duration(e.rand.Int63n(int64(cfg.Jitter)))
		e.mu.Unlock()
	}
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

func (e *Engine) countAttempt(operationID, outcome string) {
	if e.metrics != nil {
		e.metrics.RetryAttempts.WithLabelValues(operationID, outcome).Inc()
	}
}
