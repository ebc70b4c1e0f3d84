package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"vidgen-backend/internal/alerting"
	apperrors "vidgen-backend/internal/errors"
	"vidgen-backend/internal/idempotency"
	"vidgen-backend/internal/interfaces/http/response"
	"vidgen-backend/internal/ratelimit"
	"vidgen-backend/internal/resilience"
	"vidgen-backend/internal/webhook"
)

// AdminHandler serves the read-only operator stats endpoints and the reset
// controls for rate limits and circuit breakers.
type AdminHandler struct {
	limiter   *ratelimit.Limiter
	engine    *resilience.Engine
	cache     *idempotency.Cache
	verifier  *webhook.Verifier
	evaluator *alerting.Evaluator
	dispatch  *webhook.Dispatcher
	logger    *zap.Logger
}

// NewAdminHandler wires the operator endpoints.
func NewAdminHandler(
	limiter *ratelimit.Limiter,
	engine *resilience.Engine,
	cache *idempotency.Cache,
	verifier *webhook.Verifier,
	evaluator *alerting.Evaluator,
	dispatch *webhook.Dispatcher,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		limiter:   limiter,
		engine:    engine,
		cache:     cache,
		verifier:  verifier,
		evaluator: evaluator,
		dispatch:  dispatch,
		logger:    logger.Named("admin"),
	}
}

// RateLimitStats returns per-rule aggregates.
func (h *AdminHandler) RateLimitStats(w http.ResponseWriter, r *http.Request) {
	response.Success(w, http.StatusOK, map[string]any{"rules": h.limiter.Stats()})
}

// RetryStats returns the circuit breaker registry snapshot.
func (h *AdminHandler) RetryStats(w http.ResponseWriter, r *http.Request) {
	response.Success(w, http.StatusOK, map[string]any{"circuitBreakers": h.engine.Breakers().Snapshot()})
}

// IdempotencyStats returns cache counters plus the replay-set size.
func (h *AdminHandler) IdempotencyStats(w http.ResponseWriter, r *http.Request) {
	response.Success(w, http.StatusOK, map[string]any{
		"cache":         h.cache.Stats(),
		"replaySetSize": h.verifier.SeenCount(),
	})
}

// Alerts returns active alerts, the resolved history, and the rule set.
func (h *AdminHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	response.Success(w, http.StatusOK, map[string]any{
		"active":  h.evaluator.Active(),
		"history": h.evaluator.History(),
		"rules":   h.evaluator.Rules(),
	})
}

// WebhookHealth returns the per-host outbound call summary.
func (h *AdminHandler) WebhookHealth(w http.ResponseWriter, r *http.Request) {
	response.Success(w, http.StatusOK, map[string]any{"hosts": h.dispatch.Health()})
}

type resetRateLimitRequest struct {
	Client string `json:"client"`
}

// ResetRateLimit clears every rate-limit record for one client.
func (h *AdminHandler) ResetRateLimit(w http.ResponseWriter, r *http.Request) {
	var req resetRateLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Client == "" {
		response.Error(w, r, apperrors.NewValidation("client is required"))
		return
	}
	removed := h.limiter.ResetClient(req.Client)
	h.logger.Info("operator reset rate limit",
		zap.String("client", req.Client),
		zap.Int("records", removed),
	)
	response.Success(w, http.StatusOK, map[string]any{"client": req.Client, "recordsRemoved": removed})
}

type resetBreakerRequest struct {
	OperationID string `json:"operationId"`
}

// ResetBreaker returns one operation's circuit breaker to a fresh closed
// state.
func (h *AdminHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	var req resetBreakerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OperationID == "" {
		response.Error(w, r, apperrors.NewValidation("operationId is required"))
		return
	}
	if !h.engine.Breakers().Reset(req.OperationID) {
		response.Error(w, r, apperrors.NewNotFound("no circuit breaker for "+req.OperationID))
		return
	}
	h.logger.Info("operator reset circuit breaker", zap.String("operation_id", req.OperationID))
	response.Success(w, http.StatusOK, map[string]any{"operationId": req.OperationID, "reset": true})
}
