package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"vidgen-backend/internal/correlation"
	apperrors "vidgen-backend/internal/errors"
	"vidgen-backend/internal/generation"
	"vidgen-backend/internal/interfaces/http/response"
	"vidgen-backend/internal/observability"
	"vidgen-backend/internal/repository"
	"vidgen-backend/internal/webhook"
)

// callbackRequest is the engine's asynchronous result notification.
type callbackRequest struct {
	TaskID              string `json:"taskId" validate:"required"`
	Status              string `json:"status" validate:"required,oneof=completed failed"`
	ImageGenerationPath string `json:"imageGenerationPath"`
	VideoPath           string `json:"videoPath"`
	ErrorMessage        string `json:"errorMessage"`
}

// callbackResponse acknowledges a processed callback.
type callbackResponse struct {
	Success       bool   `json:"success"`
	CorrelationID string `json:"correlationId"`
	ProcessedAt   string `json:"processedAt"`
}

// CallbackHandler receives the signed result callback from the external
// workflow engine.
type CallbackHandler struct {
	verifier *webhook.Verifier
	repo     repository.GenerationRepository
	logger   *zap.Logger
	validate *validator.Validate
}

// NewCallbackHandler wires the callback route.
func NewCallbackHandler(verifier *webhook.Verifier, repo repository.GenerationRepository, logger *zap.Logger) *CallbackHandler {
	return &CallbackHandler{
		verifier: verifier,
		repo:     repo,
		logger:   logger.Named("callback"),
		validate: validator.New(),
	}
}

// Handle verifies and applies one callback. Any security-check failure is a
// 401; the first failing check is the reported reason.
func (h *CallbackHandler) Handle(w http.ResponseWriter, r *http.Request) {
	log := observability.WithCorrelation(h.logger, r.Context())

	body, err := io.ReadAll(r.Body)
	if err != nil {
		response.Error(w, r, apperrors.NewValidation("unable to read request body"))
		return
	}

	if err := h.verifier.Verify(
		r.Header.Get(webhook.SignatureHeader),
		r.Header.Get(webhook.TimestampHeader),
		body,
	); err != nil {
		response.Error(w, r, err)
		return
	}

	var req callbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		response.Error(w, r, apperrors.NewValidation("invalid callback body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, r, apperrors.NewValidation(err.Error()))
		return
	}

	gen, err := h.repo.GetByID(r.Context(), req.TaskID)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	now := time.Now().UTC()

	// A callback only settles a job that is still in flight. Once the job has
	// left processing (a user retried it, the reconciler failed it, or an
	// earlier callback already landed) the report is stale and must not
	// overwrite the newer state.
	if gen.Status != generation.StatusProcessing {
		log.Warn("stale callback ignored",
			zap.String("task_id", req.TaskID),
			zap.String("callback_status", req.Status),
			zap.String("current_status", string(gen.Status)),
		)
		response.Success(w, http.StatusOK, callbackResponse{
			Success:       false,
			CorrelationID: correlation.FromContext(r.Context()),
			ProcessedAt:   now.Format(time.RFC3339),
		})
		return
	}

	switch req.Status {
	case "completed":
		gen.Status = generation.StatusCompleted
		gen.ImageGenerationPath = req.ImageGenerationPath
		gen.VideoPath = req.VideoPath
		gen.ErrorMessage = ""
		gen.ErrorDetails = ""
		gen.ErrorType = ""
		gen.NextRetryAt = nil
	case "failed":
		gen.Status = generation.StatusFailed
		gen.ErrorMessage = req.ErrorMessage
		gen.ErrorType = string(apperrors.ErrorTypeWebhook)
		if gen.RetriesRemaining() {
			next := now.Add(time.Minute)
			gen.NextRetryAt = &next
		}
	}
	if err := h.repo.Update(r.Context(), gen); err != nil {
		response.Error(w, r, err)
		return
	}

	log.Info("callback processed",
		zap.String("task_id", req.TaskID),
		zap.String("status", req.Status),
	)
	response.Success(w, http.StatusOK, callbackResponse{
		Success:       true,
		CorrelationID: correlation.FromContext(r.Context()),
		ProcessedAt:   now.Format(time.RFC3339),
	})
}
