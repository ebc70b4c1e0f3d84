// Package ratelimit implements sliding-window request limiting keyed per
// rule and client. Rules are evaluated in order; the first blocking rule
// short-circuits the chain.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"vidgen-backend/internal/auth"
	"vidgen-backend/internal/observability"
)

// Rule is one independently configured limit.
type Rule struct {
	ID          string
	Window      time.Duration
	MaxRequests int
	Message     string
	// KeyFunc derives the client key; nil falls back to auth.ClientID.
	KeyFunc func(r *http.Request) string
	// Skip exempts a request from this rule.
	Skip func(r *http.Request) bool
}

// record tracks one rule × client pair. Timestamps outside the window are
// pruned lazily on each check.
type record struct {
	timestamps []time.Time
	firstSeen  time.Time
	lastSeen   time.Time
	total      uint64
	blocked    uint64
}

// Decision is the outcome of evaluating one rule for one request; the
// middleware turns evaluated decisions into response headers.
type Decision struct {
	RuleID     string
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
	Message    string
}

// Limiter evaluates an ordered rule chain against per-client sliding
// windows. All state is in-process; multi-instance deployments need a shared
// store behind the same interface.
type Limiter struct {
	mu      sync.Mutex
	rules   []Rule
	records map[string]*record
	logger  *zap.Logger
	metrics *observability.Collector
}

// RuleStats summarizes one rule for the admin stats endpoint.
type RuleStats struct {
	RuleID        string `json:"ruleId"`
	Limit         int    `json:"limit"`
	WindowSeconds int    `json:"windowSeconds"`
	ActiveClients int    `json:"activeClients"`
	TotalRequests uint64 `json:"totalRequests"`
	TotalBlocked  uint64 `json:"totalBlocked"`
}

// NewLimiter creates a limiter with the given ordered rules.
func NewLimiter(rules []Rule, logger *zap.Logger, metrics *observability.Collector) *Limiter {
	return &Limiter{
		rules:   rules,
		records: make(map[string]*record),
		logger:  logger.Named("ratelimit"),
		metrics: metrics,
	}
}

// Check evaluates the rule chain for the request. It returns the decisions
// for every evaluated rule; when a rule blocks, that rule is the last entry
// and no further rules run.
func (l *Limiter) Check(r *http.Request) []Decision {
	now := time.Now()
	decisions := make([]Decision, 0, len(l.rules))

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, rule := range l.rules {
		if rule.Skip != nil && rule.Skip(r) {
			continue
		}
		client := clientKey(rule, r)
		key := rule.ID + "|" + client
		rec, ok := l.records[key]
		if !ok {
			rec = &record{firstSeen: now}
			l.records[key] = rec
		}

		// Prune entries older than the rule window.
		cutoff := now.Add(-rule.Window)
		fresh := rec.timestamps[:0]
		for _, ts := range rec.timestamps {
			if ts.After(cutoff) {
				fresh = append(fresh, ts)
			}
		}
		rec.timestamps = fresh
		rec.lastSeen = now
		rec.total++

		reset := now.Add(rule.Window)
		if len(rec.timestamps) > 0 {
			reset = rec.timestamps[0].Add(rule.Window)
		}

		if len(rec.timestamps) >= rule.MaxRequests {
			rec.blocked++
			if l.metrics != nil {
				l.metrics.RateLimitBlocked.WithLabelValues(rule.ID).Inc()
			}
			l.logger.Warn("request blocked",
				zap.String("rule", rule.ID),
				zap.String("client", client),
				zap.Time("reset", reset),
			)
			decisions = append(decisions, Decision{
				RuleID:     rule.ID,
				Allowed:    false,
				Limit:      rule.MaxRequests,
				Remaining:  0,
				Reset:      reset,
				RetryAfter: time.Until(reset),
				Message:    rule.Message,
			})
			return decisions
		}

		rec.timestamps = append(rec.timestamps, now)
		decisions = append(decisions, Decision{
			RuleID:    rule.ID,
			Allowed:   true,
			Limit:     rule.MaxRequests,
			Remaining: rule.MaxRequests - len(rec.timestamps),
			Reset:     reset,
		})
	}
	return decisions
}

// ResetClient removes every record belonging to the client across all rules.
// Returns the number of records removed.
func (l *Limiter) ResetClient(client string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for _, rule := range l.rules {
		key := rule.ID + "|" + client
		if _, ok := l.records[key]; ok {
			delete(l.records, key)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Info("rate limit reset", zap.String("client", client), zap.Int("records", removed))
	}
	return removed
}

// Stats aggregates per-rule counters for the admin endpoint.
func (l *Limiter) Stats() []RuleStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	stats := make([]RuleStats, 0, len(l.rules))
	for _, rule := range l.rules {
		s := RuleStats{
			RuleID:        rule.ID,
			Limit:         rule.MaxRequests,
			WindowSeconds: int(rule.Window.Seconds()),
		}
		prefix := rule.ID + "|"
		for key, rec := range l.records {
			if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
				continue
			}
			s.ActiveClients++
			s.TotalRequests += rec.total
			s.TotalBlocked += rec.blocked
		}
		stats = append(stats, s)
	}
	return stats
}

// Sweep garbage-collects records idle past their rule's window. Returns the
// number removed.
func (l *Limiter) Sweep() int {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	windows := make(map[string]time.Duration, len(l.rules))
	for _, rule := range l.rules {
		windows[rule.ID] = rule.Window
	}
	removed := 0
	for key, rec := range l.records {
		ruleID := key
		for i := 0; i < len(key); i++ {
			if key[i] == '|' {
				ruleID = key[:i]
				break
			}
		}
		window, ok := windows[ruleID]
		if !ok {
			window = time.Minute
		}
		if now.Sub(rec.lastSeen) > 2*window {
			delete(l.records, key)
			removed++
		}
	}
	return removed
}

func clientKey(rule Rule, r *http.Request) string {
	if rule.KeyFunc != nil {
		return rule.KeyFunc(r)
	}
	return auth.ClientID(r)
}
