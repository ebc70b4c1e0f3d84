package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "vidgen-backend/internal/errors"
)

func testConfig() Config {
	return Config{
		MaxRetries:        3,
		BaseDelay:         time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2.0,
		PerAttemptTimeout: 100 * time.Millisecond,
	}
}

func newTestEngine(settings BreakerSettings) *Engine {
	return NewEngine(NewBreakerRegistry(settings, zap.NewNop(), nil), zap.NewNop(), nil)
}

func TestEngine_Do(t *testing.T) {
	t.Run("succeeds after retryable failures", func(t *testing.T) {
		engine := newTestEngine(DefaultBreakerSettings())
		calls := 0
		result := engine.Do(context.Background(), "op", "corr", func(ctx context.Context) (any, error) {
			calls++
			if calls < 3 {
				return nil, apperrors.NewWebhookFailure("upstream busy", 503, "")
			}
			return "ok", nil
		}, testConfig())

		require.True(t, result.Success)
		assert.Equal(t, "ok", result.Value)
		assert.Equal(t, 3, result.FinalAttempt)
		assert.Len(t, result.Attempts, 3)
		assert.Equal(t, 503, result.Attempts[0].StatusCode)
	})

	t.Run("does not retry terminal status", func(t *testing.T) {
		engine := newTestEngine(DefaultBreakerSettings())
		calls := 0
		result := engine.Do(context.Background(), "op", "corr", func(ctx context.Context) (any, error) {
			calls++
			return nil, apperrors.NewWebhookFailure("bad request", 400, "")
		}, testConfig())

		require.False(t, result.Success)
		assert.Equal(t, 1, calls)
		assert.Equal(t, 1, result.FinalAttempt)
		assert.Equal(t, 400, apperrors.UpstreamStatus(result.Err))
	})

	t.Run("retries network errors by type", func(t *testing.T) {
		engine := newTestEngine(DefaultBreakerSettings())
		calls := 0
		result := engine.Do(context.Background(), "op", "corr", func(ctx context.Context) (any, error) {
			calls++
			return nil, apperrors.NewNetwork("connection refused", nil)
		}, testConfig())

		require.False(t, result.Success)
		assert.Equal(t, 4, calls) // 1 + MaxRetries
	})

	t.Run("does not retry validation errors", func(t *testing.T) {
		engine := newTestEngine(DefaultBreakerSettings())
		calls := 0
		result := engine.Do(context.Background(), "op", "corr", func(ctx context.Context) (any, error) {
			calls++
			return nil, apperrors.NewValidation("bad payload")
		}, testConfig())

		require.False(t, result.Success)
		assert.Equal(t, 1, calls)
	})

	t.Run("per attempt timeout abandons slow operation", func(t *testing.T) {
		engine := newTestEngine(DefaultBreakerSettings())
		cfg := testConfig()
		cfg.MaxRetries = 0
		cfg.PerAttemptTimeout = 10 * time.Millisecond

		result := engine.Do(context.Background(), "op", "corr", func(ctx context.Context) (any, error) {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return "late", nil
		}, cfg)

		require.False(t, result.Success)
		assert.Equal(t, apperrors.ErrorTypeTimeout, apperrors.TypeOf(result.Err))
	})
}

func TestEngine_CircuitBreaker(t *testing.T) {
	settings := BreakerSettings{Threshold: 2, Window: time.Minute, Cooldown: 50 * time.Millisecond}

	failOnce := func(engine *Engine) Result {
		cfg := testConfig()
		cfg.MaxRetries = 0
		return engine.Do(context.Background(), "host", "corr", func(ctx context.Context) (any, error) {
			return nil, apperrors.NewWebhookFailure("down", 400, "")
		}, cfg)
	}

	t.Run("open breaker rejects without invoking operation", func(t *testing.T) {
		engine := newTestEngine(settings)
		failOnce(engine)
		failOnce(engine)

		calls := 0
		result := engine.Do(context.Background(), "host", "corr", func(ctx context.Context) (any, error) {
			calls++
			return "ok", nil
		}, testConfig())

		require.False(t, result.Success)
		assert.True(t, result.CircuitBreakerTripped)
		assert.Zero(t, calls)
		assert.Empty(t, result.Attempts)
	})

	t.Run("breaker closes after successful half-open trial", func(t *testing.T) {
		engine := newTestEngine(settings)
		failOnce(engine)
		failOnce(engine)

		time.Sleep(60 * time.Millisecond)

		result := engine.Do(context.Background(), "host", "corr", func(ctx context.Context) (any, error) {
			return "ok", nil
		}, testConfig())
		require.True(t, result.Success)
		assert.False(t, result.CircuitBreakerTripped)

		open, _ := engine.Breakers().Allow("host")
		assert.False(t, open)
	})

	t.Run("operator reset returns breaker to closed", func(t *testing.T) {
		engine := newTestEngine(settings)
		failOnce(engine)
		failOnce(engine)

		open, retryAt := engine.Breakers().Allow("host")
		require.True(t, open)
		assert.False(t, retryAt.IsZero())

		require.True(t, engine.Breakers().Reset("host"))
		open, _ = engine.Breakers().Allow("host")
		assert.False(t, open)

		assert.False(t, engine.Breakers().Reset("unknown-host"))
	})

	t.Run("breakers are independent per operation", func(t *testing.T) {
		engine := newTestEngine(settings)
		cfg := testConfig()
		cfg.MaxRetries = 0
		for i := 0; i < 2; i++ {
			engine.Do(context.Background(), "host-a", "corr", func(ctx context.Context) (any, error) {
				return nil, apperrors.NewWebhookFailure("down", 400, "")
			}, cfg)
		}

		open, _ := engine.Breakers().Allow("host-a")
		assert.True(t, open)
		open, _ = engine.Breakers().Allow("host-b")
		assert.False(t, open)
	})
}

func TestEngine_NextDelay(t *testing.T) {
	engine := newTestEngine(DefaultBreakerSettings())
	cfg := Config{
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            10 * time.Millisecond,
	}

	t.Run("grows exponentially with jitter", func(t *testing.T) {
		d1 := engine.nextDelay(1, cfg)
		assert.GreaterOrEqual(t, d1, 100*time.Millisecond)
		assert.Less(t, d1, 110*time.Millisecond)

		d3 := engine.nextDelay(3, cfg)
		assert.GreaterOrEqual(t, d3, 400*time.Millisecond)
		assert.Less(t, d3, 410*time.Millisecond)
	})

	t.Run("caps at max delay", func(t *testing.T) {
		assert.Equal(t, time.Second, engine.nextDelay(10, cfg))
	})
}

func TestBreakerRegistry_Snapshot(t *testing.T) {
	registry := NewBreakerRegistry(BreakerSettings{Threshold: 3, Window: time.Minute, Cooldown: time.Minute}, zap.NewNop(), nil)
	registry.RecordFailure("host")
	registry.RecordSuccess("host")

	states := registry.Snapshot()
	require.Len(t, states, 1)
	assert.Equal(t, "host", states[0].OperationID)
	assert.Equal(t, uint64(2), states[0].TotalRequests)
	assert.Equal(t, uint64(1), states[0].TotalFailures)
	assert.InDelta(t, 0.5, states[0].FailureRate, 0.001)
	assert.NotNil(t, states[0].LastFailureAt)
}
