// Package alerting evaluates rolling-window metrics against threshold rules
// on a fixed schedule and manages the fire/resolve lifecycle of alerts.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"vidgen-backend/internal/observability"
)

// Metric names the rolling-window aggregates a rule can watch.
type Metric string

const (
	MetricErrorRate       Metric = "error_rate"
	MetricAvgResponseTime Metric = "avg_response_time_ms"
	MetricWebhookFailures Metric = "webhook_failures"
	MetricMemoryUsageMB   Metric = "memory_usage_mb"
)

// Severity orders alert importance for dispatch.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Status is the alert lifecycle state.
type Status string

const (
	StatusFiring   Status = "firing"
	StatusResolved Status = "resolved"
)

// Rule is a static threshold definition.
type Rule struct {
	ID        string        `json:"id"`
	Metric    Metric        `json:"metric"`
	Threshold float64       `json:"threshold"`
	Window    time.Duration `json:"window"`
	Severity  Severity      `json:"severity"`
	Enabled   bool          `json:"enabled"`
}

// Alert is one firing instance of a rule. At most one alert is active per
// rule at a time.
type Alert struct {
	RuleID     string     `json:"ruleId"`
	Metric     Metric     `json:"metric"`
	Value      float64    `json:"value"`
	Threshold  float64    `json:"threshold"`
	Severity   Severity   `json:"severity"`
	Status     Status     `json:"status"`
	FiredAt    time.Time  `json:"firedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Notifier dispatches alert transitions.
type Notifier interface {
	Notify(ctx context.Context, alert Alert)
}

// LogNotifier writes alert transitions to the structured log.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n *LogNotifier) Notify(_ context.Context, alert Alert) {
	fields := []zap.Field{
		zap.String("rule", alert.RuleID),
		zap.String("metric", string(alert.Metric)),
		zap.Float64("value", alert.Value),
		zap.Float64("threshold", alert.Threshold),
		zap.String("severity", string(alert.Severity)),
		zap.String("status", string(alert.Status)),
	}
	if alert.Status == StatusFiring {
		n.Logger.Warn("alert firing", fields...)
	} else {
		n.Logger.Info("alert resolved", fields...)
	}
}

// WebhookNotifier posts alert transitions to an external URL. Failures are
// logged and dropped; alerting never blocks the evaluation loop.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
	Logger *zap.Logger
}

func (n *WebhookNotifier) Notify(ctx context.Context, alert Alert) {
	body, err := json.Marshal(alert)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		n.Logger.Warn("alert webhook dispatch failed", zap.Error(err))
		return
	}
	resp.Body.Close()
}

// Evaluator runs the rules against the rolling-window stats. One active
// alert per rule: repeated breaches extend the existing alert rather than
// creating duplicates.
type Evaluator struct {
	mu         sync.Mutex
	rules      []Rule
	active     map[string]*Alert
	history    []Alert
	maxHistory int

	stats     *observability.WindowStats
	notifiers []Notifier
	logger    *zap.Logger
	metrics   *observability.Collector
}

// DefaultRules returns the built-in rule set.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "high-error-rate", Metric: MetricErrorRate, Threshold: 0.10, Window: 5 * time.Minute, Severity: SeverityCritical, Enabled: true},
		{ID: "slow-responses", Metric: MetricAvgResponseTime, Threshold: 2000, Window: 5 * time.Minute, Severity: SeverityWarning, Enabled: true},
		{ID: "webhook-failures", Metric: MetricWebhookFailures, Threshold: 5, Window: 10 * time.Minute, Severity: SeverityCritical, Enabled: true},
		{ID: "high-memory", Metric: MetricMemoryUsageMB, Threshold: 512, Window: time.Minute, Severity: SeverityWarning, Enabled: true},
	}
}

// NewEvaluator creates an evaluator over the given rules. metrics may be nil
// in tests.
func NewEvaluator(rules []Rule, stats *observability.WindowStats, notifiers []Notifier, logger *zap.Logger, metrics *observability.Collector) *Evaluator {
	return &Evaluator{
		rules:      rules,
		active:     make(map[string]*Alert),
		maxHistory: 100,
		stats:      stats,
		notifiers:  notifiers,
		logger:     logger.Named("alerting"),
		metrics:    metrics,
	}
}

// Evaluate runs every enabled rule once. Scheduled once per minute.
func (e *Evaluator) Evaluate(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		value := e.value(rule)
		active, isActive := e.active[rule.ID]
		switch {
		case value > rule.Threshold && !isActive:
			alert := Alert{
				RuleID:    rule.ID,
				Metric:    rule.Metric,
				Value:     value,
				Threshold: rule.Threshold,
				Severity:  rule.Severity,
				Status:    StatusFiring,
				FiredAt:   time.Now().UTC(),
			}
			e.active[rule.ID] = &alert
			if e.metrics != nil {
				e.metrics.AlertsFired.WithLabelValues(rule.ID, string(rule.Severity)).Inc()
			}
			e.dispatch(ctx, alert)
		case value <= rule.Threshold && isActive:
			now := time.Now().UTC()
			active.Status = StatusResolved
			active.ResolvedAt = &now
			active.Value = value
			resolved := *active
			delete(e.active, rule.ID)
			e.history = append(e.history, resolved)
			if len(e.history) > e.maxHistory {
				e.history = e.history[len(e.history)-e.maxHistory:]
			}
			e.dispatch(ctx, resolved)
		}
	}
}

// Active returns the currently firing alerts.
func (e *Evaluator) Active() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Alert, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, *a)
	}
	return out
}

// History returns resolved alerts, oldest first.
func (e *Evaluator) History() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Alert(nil), e.history...)
}

// Rules returns the configured rule set.
func (e *Evaluator) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

func (e *Evaluator) value(rule Rule) float64 {
	switch rule.Metric {
	case MetricErrorRate:
		return e.stats.ErrorRate(rule.Window)
	case MetricAvgResponseTime:
		return float64(e.stats.AvgResponseTime(rule.Window).Milliseconds())
	case MetricWebhookFailures:
		return float64(e.stats.WebhookFailureCount(rule.Window))
	case MetricMemoryUsageMB:
		return e.stats.MemoryUsageMB()
	default:
		return 0
	}
}

func (e *Evaluator) dispatch(ctx context.Context, alert Alert) {
	for _, n := range e.notifiers {
		n.Notify(ctx, alert)
	}
}
