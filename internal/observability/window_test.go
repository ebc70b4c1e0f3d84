package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowStats(t *testing.T) {
	t.Run("error rate counts only failures in the window", func(t *testing.T) {
		w := NewWindowStats(100, time.Minute)
		w.RecordRequest(10*time.Millisecond, false)
		w.RecordRequest(10*time.Millisecond, false)
		w.RecordRequest(10*time.Millisecond, true)
		w.RecordRequest(10*time.Millisecond, true)

		assert.InDelta(t, 0.5, w.ErrorRate(time.Minute), 0.001)
		assert.Equal(t, 4, w.RequestCount(time.Minute))
	})

	t.Run("zero requests means zero error rate", func(t *testing.T) {
		w := NewWindowStats(100, time.Minute)
		assert.Zero(t, w.ErrorRate(time.Minute))
		assert.Zero(t, w.AvgResponseTime(time.Minute))
	})

	t.Run("average response time", func(t *testing.T) {
		w := NewWindowStats(100, time.Minute)
		w.RecordRequest(100*time.Millisecond, false)
		w.RecordRequest(300*time.Millisecond, false)
		assert.Equal(t, 200*time.Millisecond, w.AvgResponseTime(time.Minute))
	})

	t.Run("old samples age out of the query window", func(t *testing.T) {
		w := NewWindowStats(100, time.Minute)
		w.RecordRequest(10*time.Millisecond, true)
		time.Sleep(30 * time.Millisecond)
		assert.Zero(t, w.RequestCount(20*time.Millisecond))
	})

	t.Run("webhook failures are tracked separately", func(t *testing.T) {
		w := NewWindowStats(100, time.Minute)
		w.RecordWebhookFailure()
		w.RecordWebhookFailure()
		assert.Equal(t, 2, w.WebhookFailureCount(time.Minute))
		assert.Zero(t, w.RequestCount(time.Minute))
	})

	t.Run("retention is bounded by sample count", func(t *testing.T) {
		w := NewWindowStats(3, time.Minute)
		for i := 0; i < 10; i++ {
			w.RecordRequest(time.Millisecond, false)
		}
		assert.Equal(t, 3, w.RequestCount(time.Minute))
	})

	t.Run("memory usage reports a positive value", func(t *testing.T) {
		w := NewWindowStats(10, time.Minute)
		assert.Positive(t, w.MemoryUsageMB())
	})
}
