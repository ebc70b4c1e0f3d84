// Package handlers implements the HTTP surface: generation CRUD, the signed
// engine callback, and the operator endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"vidgen-backend/internal/auth"
	apperrors "vidgen-backend/internal/errors"
	"vidgen-backend/internal/generation"
	"vidgen-backend/internal/interfaces/http/response"
	"vidgen-backend/internal/observability"
	"vidgen-backend/internal/repository"
	"vidgen-backend/internal/webhook"
)

// CreateGenerationRequest is the body for POST /api/generations.
type CreateGenerationRequest struct {
	PromptText            string   `json:"promptText" validate:"required,min=1,max=4000"`
	ImagePath             string   `json:"imagePath"`
	ImageURLs             []string `json:"image_urls" validate:"omitempty,dive,url"`
	BrandPersona          string   `json:"brand_persona"`
	BrandPersonaImageURLs []string `json:"brandPersonaImageUrls" validate:"omitempty,dive,url"`
}

// GenerationHandler serves the generation routes.
type GenerationHandler struct {
	repo       repository.GenerationRepository
	dispatcher *webhook.Dispatcher
	logger     *zap.Logger
	validate   *validator.Validate
}

// NewGenerationHandler wires the generation routes.
func NewGenerationHandler(repo repository.GenerationRepository, dispatcher *webhook.Dispatcher, logger *zap.Logger) *GenerationHandler {
	return &GenerationHandler{
		repo:       repo,
		dispatcher: dispatcher,
		logger:     logger.Named("generations"),
		validate:   validator.New(),
	}
}

// Create accepts a new generation job, persists it, and dispatches it to the
// external engine in the background. The client polls job status for the
// outcome.
func (h *GenerationHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		response.ErrorWithStatus(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	var req CreateGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, r, apperrors.NewValidation("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, r, apperrors.NewValidation(err.Error()))
		return
	}

	gen := generation.New(userID, req.PromptText)
	gen.ImagePath = req.ImagePath
	gen.ImageURLs = req.ImageURLs
	gen.BrandPersona = req.BrandPersona
	gen.BrandPersonaImageURLs = req.BrandPersonaImageURLs

	if err := h.repo.Create(r.Context(), gen); err != nil {
		response.Error(w, r, err)
		return
	}
	h.dispatchAsync(r.Context(), gen)
	response.Success(w, http.StatusAccepted, gen)
}

// Retry redispatches a failed job at the caller's request, consuming one
// unit of the job-level retry budget.
func (h *GenerationHandler) Retry(w http.ResponseWriter, r *http.Request) {
	gen, ok := h.ownedGeneration(w, r)
	if !ok {
		return
	}
	if gen.Status != generation.StatusFailed {
		response.Error(w, r, apperrors.NewValidation("only failed generations can be retried"))
		return
	}
	if !gen.RetriesRemaining() {
		response.Error(w, r, apperrors.NewValidation("retry budget exhausted"))
		return
	}

	gen.RetryCount++
	gen.Status = generation.StatusPending
	gen.NextRetryAt = nil
	if err := h.repo.Update(r.Context(), gen); err != nil {
		response.Error(w, r, err)
		return
	}
	h.dispatchAsync(r.Context(), gen)
	response.Success(w, http.StatusAccepted, gen)
}

// Get returns one generation owned by the caller.
func (h *GenerationHandler) Get(w http.ResponseWriter, r *http.Request) {
	gen, ok := h.ownedGeneration(w, r)
	if !ok {
		return
	}
	response.Success(w, http.StatusOK, gen)
}

// List returns the caller's recent generations for status polling.
func (h *GenerationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		response.ErrorWithStatus(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	gens, err := h.repo.ListByUser(r.Context(), userID, 50)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	if gens == nil {
		gens = []*generation.Generation{}
	}
	response.Success(w, http.StatusOK, map[string]any{"generations": gens})
}

func (h *GenerationHandler) ownedGeneration(w http.ResponseWriter, r *http.Request) (*generation.Generation, bool) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		response.ErrorWithStatus(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
		return nil, false
	}
	id := chi.URLParam(r, "generationId")
	gen, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		response.Error(w, r, err)
		return nil, false
	}
	// Ownership failures look identical to missing records.
	if gen.UserID != userID {
		response.Error(w, r, apperrors.NewNotFound("generation "+id+" not found"))
		return nil, false
	}
	return gen, true
}

// dispatchAsync runs the probe and dispatch off the request goroutine while
// keeping the request's correlation id for tracing. The goroutine works on
// its own copy of the record: the handler is still encoding gen into the
// response while the dispatch outcome lands.
func (h *GenerationHandler) dispatchAsync(ctx context.Context, gen *generation.Generation) {
	bgCtx := context.WithoutCancel(ctx)
	snapshot := *gen
	go func() {
		h.dispatcher.Probe(bgCtx)
		if err := h.dispatcher.Dispatch(bgCtx, &snapshot); err != nil {
			log := observability.WithCorrelation(h.logger, bgCtx)
			log.Warn("background dispatch failed",
				zap.String("task_id", snapshot.ID),
				zap.Error(err),
			)
		}
	}()
}
