package alerting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vidgen-backend/internal/observability"
)

// captureNotifier records every dispatched transition.
type captureNotifier struct {
	mu     sync.Mutex
	alerts []Alert
}

func (n *captureNotifier) Notify(_ context.Context, alert Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
}

func (n *captureNotifier) all() []Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Alert(nil), n.alerts...)
}

func TestEvaluator_Evaluate(t *testing.T) {
	rule := Rule{
		ID:        "webhook-failures",
		Metric:    MetricWebhookFailures,
		Threshold: 2,
		Window:    time.Minute,
		Severity:  SeverityCritical,
		Enabled:   true,
	}

	t.Run("fires once when the threshold is breached", func(t *testing.T) {
		stats := observability.NewWindowStats(100, time.Minute)
		capture := &captureNotifier{}
		eval := NewEvaluator([]Rule{rule}, stats, []Notifier{capture}, zap.NewNop(), nil)

		for i := 0; i < 3; i++ {
			stats.RecordWebhookFailure()
		}

		eval.Evaluate(context.Background())
		eval.Evaluate(context.Background()) // still breached, must not duplicate

		active := eval.Active()
		require.Len(t, active, 1)
		assert.Equal(t, "webhook-failures", active[0].RuleID)
		assert.Equal(t, StatusFiring, active[0].Status)
		assert.Equal(t, float64(3), active[0].Value)
		assert.Equal(t, SeverityCritical, active[0].Severity)

		require.Len(t, capture.all(), 1)
		assert.Empty(t, eval.History())
	})

	t.Run("resolves when the value drops below threshold", func(t *testing.T) {
		stats := observability.NewWindowStats(100, time.Minute)
		capture := &captureNotifier{}
		shortRule := rule
		shortRule.Window = 30 * time.Millisecond
		eval := NewEvaluator([]Rule{shortRule}, stats, []Notifier{capture}, zap.NewNop(), nil)

		for i := 0; i < 3; i++ {
			stats.RecordWebhookFailure()
		}
		eval.Evaluate(context.Background())
		require.Len(t, eval.Active(), 1)

		time.Sleep(50 * time.Millisecond) // failures age out of the rule window
		eval.Evaluate(context.Background())

		assert.Empty(t, eval.Active())
		history := eval.History()
		require.Len(t, history, 1)
		assert.Equal(t, StatusResolved, history[0].Status)
		assert.NotNil(t, history[0].ResolvedAt)

		transitions := capture.all()
		require.Len(t, transitions, 2)
		assert.Equal(t, StatusFiring, transitions[0].Status)
		assert.Equal(t, StatusResolved, transitions[1].Status)
	})

	t.Run("disabled rules never fire", func(t *testing.T) {
		stats := observability.NewWindowStats(100, time.Minute)
		disabled := rule
		disabled.Enabled = false
		eval := NewEvaluator([]Rule{disabled}, stats, nil, zap.NewNop(), nil)

		for i := 0; i < 5; i++ {
			stats.RecordWebhookFailure()
		}
		eval.Evaluate(context.Background())
		assert.Empty(t, eval.Active())
	})

	t.Run("error rate rule fires on failing requests", func(t *testing.T) {
		stats := observability.NewWindowStats(100, time.Minute)
		errRule := Rule{
			ID:        "high-error-rate",
			Metric:    MetricErrorRate,
			Threshold: 0.10,
			Window:    time.Minute,
			Severity:  SeverityCritical,
			Enabled:   true,
		}
		eval := NewEvaluator([]Rule{errRule}, stats, nil, zap.NewNop(), nil)

		for i := 0; i < 8; i++ {
			stats.RecordRequest(10*time.Millisecond, false)
		}
		stats.RecordRequest(10*time.Millisecond, true)
		stats.RecordRequest(10*time.Millisecond, true)

		eval.Evaluate(context.Background())
		active := eval.Active()
		require.Len(t, active, 1)
		assert.InDelta(t, 0.2, active[0].Value, 0.001)
	})
}

func TestDefaultRules(t *testing.T) {
	rules := DefaultRules()
	require.Len(t, rules, 4)
	seen := make(map[Metric]bool)
	for _, r := range rules {
		assert.True(t, r.Enabled)
		assert.NotEmpty(t, r.ID)
		assert.Positive(t, r.Threshold)
		seen[r.Metric] = true
	}
	assert.True(t, seen[MetricErrorRate])
	assert.True(t, seen[MetricAvgResponseTime])
	assert.True(t, seen[MetricWebhookFailures])
	assert.True(t, seen[MetricMemoryUsageMB])
}
