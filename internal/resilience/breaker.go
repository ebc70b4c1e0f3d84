package resilience

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerSettings configures the per-operation circuit breakers created by
// the registry.
type BreakerSettings struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold uint32
	// Window is the rolling interval after which closed-state counts reset.
	Window time.Duration
	// Cooldown is how long an open breaker waits before allowing a half-open
	// trial request.
	Cooldown time.Duration
}

// DefaultBreakerSettings matches the webhook dispatcher's defaults.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		Threshold: 5,
		Window:    60 * time.Second,
		Cooldown:  30 * time.Second,
	}
}

// BreakerState is a read-only snapshot of one operation's breaker, exposed on
// the admin stats endpoint.
type BreakerState struct {
	OperationID         string     `json:"operationId"`
	State               string     `json:"state"`
	ConsecutiveFailures uint32     `json:"consecutiveFailures"`
	TotalRequests       uint64     `json:"totalRequests"`
	TotalFailures       uint64     `json:"totalFailures"`
	FailureRate         float64    `json:"failureRate"`
	LastFailureAt       *time.Time `json:"lastFailureAt,omitempty"`
	RetryAt             *time.Time `json:"retryAt,omitempty"`
}

type operationBreaker struct {
	cb            *gobreaker.CircuitBreaker
	mu            sync.Mutex
	lastFailureAt time.Time
	openedAt      time.Time
	totalRequests uint64
	totalFailures uint64
}

// BreakerRegistry owns one circuit breaker per operation id. Breakers are
// created lazily on first use and live for the process lifetime.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*operationBreaker
	settings BreakerSettings
	logger   *zap.Logger
	onTrip   func(operationID string)
}

// NewBreakerRegistry creates a registry. onTrip, if non-nil, is invoked once
// per closed-to-open transition (used to bump the trip counter metric).
func NewBreakerRegistry(settings BreakerSettings, logger *zap.Logger, onTrip func(operationID string)) *BreakerRegistry {
	if settings.Threshold == 0 {
		settings = DefaultBreakerSettings()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*operationBreaker),
		settings: settings,
		logger:   logger.Named("circuit_breaker"),
		onTrip:   onTrip,
	}
}

func (r *BreakerRegistry) get(operationID string) *operationBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ob, ok := r.breakers[operationID]; ok {
		return ob
	}
	ob := &operationBreaker{}
	ob.cb = r.newBreaker(operationID, ob)
	r.breakers[operationID] = ob
	return ob
}

func (r *BreakerRegistry) newBreaker(operationID string, ob *operationBreaker) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        operationID,
		MaxRequests: 1, // single trial request in half-open state
		Interval:    r.settings.Window,
		Timeout:     r.settings.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.settings.Threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state changed",
				zap.String("operation_id", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if to == gobreaker.StateOpen {
				ob.mu.Lock()
				ob.openedAt = time.Now()
				ob.mu.Unlock()
				if r.onTrip != nil {
					r.onTrip(name)
				}
			}
		},
	})
}

// Allow reports whether the operation may proceed. When the breaker is open
// and the cooldown has not elapsed it returns open=true plus the earliest
// time a trial request will be let through.
func (r *BreakerRegistry) Allow(operationID string) (open bool, retryAt time.Time) {
	ob := r.get(operationID)
	if ob.cb.State() != gobreaker.StateOpen {
		return false, time.Time{}
	}
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return true, ob.openedAt.Add(r.settings.Cooldown)
}

// RecordSuccess reports a successful retry() outcome for the operation,
// resetting the consecutive failure count and closing a half-open breaker.
func (r *BreakerRegistry) RecordSuccess(operationID string) {
	ob := r.get(operationID)
	ob.mu.Lock()
	ob.totalRequests++
	ob.mu.Unlock()
	// Routing the outcome through Execute keeps gobreaker's counts and state
	// transitions authoritative.
	ob.cb.Execute(func() (any, error) { return nil, nil })
}

// RecordFailure reports a terminal retry() failure for the operation.
func (r *BreakerRegistry) RecordFailure(operationID string) {
	ob := r.get(operationID)
	ob.mu.Lock()
	ob.totalRequests++
	ob.totalFailures++
	ob.lastFailureAt = time.Now()
	ob.mu.Unlock()
	ob.cb.Execute(func() (any, error) { return nil, errOperationFailed })
}

// Reset discards the operation's breaker entirely, returning it to a fresh
// closed state. Used by the operator control endpoint.
func (r *BreakerRegistry) Reset(operationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.breakers[operationID]; !ok {
		return false
	}
	delete(r.breakers, operationID)
	r.logger.Info("circuit breaker reset", zap.String("operation_id", operationID))
	return true
}

// Snapshot returns the state of every known breaker.
func (r *BreakerRegistry) Snapshot() []BreakerState {
	r.mu.Lock()
	ids := make([]string, 0, len(r.breakers))
	obs := make([]*operationBreaker, 0, len(r.breakers))
	for id, ob := range r.breakers {
		ids = append(ids, id)
		obs = append(obs, ob)
	}
	r.mu.Unlock()

	states := make([]BreakerState, 0, len(ids))
	for i, ob := range obs {
		counts := ob.cb.Counts()
		ob.mu.Lock()
		state := BreakerState{
			OperationID:         ids[i],
			State:               ob.cb.State().String(),
			ConsecutiveFailures: counts.ConsecutiveFailures,
			TotalRequests:       ob.totalRequests,
			TotalFailures:       ob.totalFailures,
		}
		if ob.totalRequests > 0 {
			state.FailureRate = float64(ob.totalFailures) / float64(ob.totalRequests)
		}
		if !ob.lastFailureAt.IsZero() {
			t := ob.lastFailureAt
			state.LastFailureAt = &t
		}
		if ob.cb.State() == gobreaker.StateOpen {
			t := ob.openedAt.Add(r.settings.Cooldown)
			state.RetryAt = &t
		}
		ob.mu.Unlock()
		states = append(states, state)
	}
	return states
}

var errOperationFailed = &breakerFailure{}

type breakerFailure struct{}

func (*breakerFailure) Error() string { return "operation failed" }
