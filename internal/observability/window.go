package observability

import (
	"runtime"
	"sync"
	"time"
)

// sample is one finished request observation.
type sample struct {
	at       time.Time
	duration time.Duration
	failed   bool
}

// WindowStats keeps a bounded in-memory record of recent request and webhook
// outcomes so the alert evaluator and the admin stats endpoints can compute
// rolling-window aggregates. Retention is bounded both by age (maxAge) and by
// count (maxSamples); the oldest entries are dropped first.
type WindowStats struct {
	mu              sync.Mutex
	samples         []sample
	webhookFailures []time.Time
	maxSamples      int
	maxAge          time.Duration
}

// NewWindowStats creates a rolling stats store. maxAge should be at least as
// long as the widest alert rule window.
func NewWindowStats(maxSamples int, maxAge time.Duration) *WindowStats {
	if maxSamples <= 0 {
		maxSamples = 10000
	}
	if maxAge <= 0 {
		maxAge = 15 * time.Minute
	}
	return &WindowStats{maxSamples: maxSamples, maxAge: maxAge}
}

// RecordRequest records one finished HTTP request.
func (w *WindowStats) RecordRequest(duration time.Duration, failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, sample{at: time.Now(), duration: duration, failed: failed})
	w.pruneLocked(time.Now())
}

// RecordWebhookFailure records one terminal outbound webhook failure.
func (w *WindowStats) RecordWebhookFailure() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.webhookFailures = append(w.webhookFailures, time.Now())
	w.pruneLocked(time.Now())
}

// ErrorRate returns the fraction of failed requests within the window, in
// [0, 1]. Returns 0 when no requests were observed.
func (w *WindowStats) ErrorRate(window time.Duration) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := time.Now().Add(-window)
	var total, failed int
	for _, s := range w.samples {
		if s.at.Before(cutoff) {
			continue
		}
		total++
		if s.failed {
			failed++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}

// AvgResponseTime returns the mean request duration within the window.
func (w *WindowStats) AvgResponseTime(window time.Duration) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := time.Now().Add(-window)
	var total time.Duration
	var count int
	for _, s := range w.samples {
		if s.at.Before(cutoff) {
			continue
		}
		total += s.duration
		count++
	}
	if count == 0 {
		return 0
	}
	return total / time.Duration(count)
}

// WebhookFailureCount returns the number of terminal webhook failures within
// the window.
func (w *WindowStats) WebhookFailureCount(window time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := time.Now().Add(-window)
	var count int
	for _, at := range w.webhookFailures {
		if !at.Before(cutoff) {
			count++
		}
	}
	return count
}

// RequestCount returns the number of requests observed within the window.
func (w *WindowStats) RequestCount(window time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := time.Now().Add(-window)
	var count int
	for _, s := range w.samples {
		if !s.at.Before(cutoff) {
			count++
		}
	}
	return count
}

// MemoryUsageMB returns the process heap allocation in megabytes, used by the
// memory alert rule.
func (w *WindowStats) MemoryUsageMB() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.HeapAlloc) / (1024 * 1024)
}

// Sweep drops entries past retention. Called periodically by the scheduler.
func (w *WindowStats) Sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(time.Now())
}

func (w *WindowStats) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.maxAge)
	firstFresh := len(w.samples)
	for i, s := range w.samples {
		if !s.at.Before(cutoff) {
			firstFresh = i
			break
		}
	}
	w.samples = w.samples[firstFresh:]
	if len(w.samples) > w.maxSamples {
		w.samples = w.samples[len(w.samples)-w.maxSamples:]
	}

	firstFresh = len(w.webhookFailures)
	for i, at := range w.webhookFailures {
		if !at.Before(cutoff) {
			firstFresh = i
			break
		}
	}
	w.webhookFailures = w.webhookFailures[firstFresh:]
	if len(w.webhookFailures) > w.maxSamples {
		w.webhookFailures = w.webhookFailures[len(w.webhookFailures)-w.maxSamples:]
	}
}
