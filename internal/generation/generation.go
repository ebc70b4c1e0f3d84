// Package generation holds the video generation job model persisted by the
// service and mutated by the webhook orchestration layer.
package generation

import (
	"time"

	"github.com/google/uuid"
)

// Status is the job lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// DefaultMaxRetries is the job-level retry budget, distinct from the retry
// engine's per-call budget.
const DefaultMaxRetries = 3

// Generation is one video generation job.
type Generation struct {
	ID                    string     `json:"taskId"`
	UserID                string     `json:"userId"`
	PromptText            string     `json:"promptText"`
	ImagePath             string     `json:"imagePath,omitempty"`
	ImageURLs             []string   `json:"imageUrls,omitempty"`
	BrandPersona          string     `json:"brandPersona,omitempty"`
	BrandPersonaImageURLs []string   `json:"brandPersonaImageUrls,omitempty"`
	Status                Status     `json:"status"`
	ErrorMessage          string     `json:"errorMessage,omitempty"`
	ErrorDetails          string     `json:"errorDetails,omitempty"`
	ErrorType             string     `json:"errorType,omitempty"`
	RetryCount            int        `json:"retryCount"`
	MaxRetries            int        `json:"maxRetries"`
	NextRetryAt           *time.Time `json:"nextRetryAt,omitempty"`
	WebhookResponseStatus int        `json:"webhookResponseStatus,omitempty"`
	WebhookResponseBody   string     `json:"webhookResponseBody,omitempty"`
	LastAttemptAt         *time.Time `json:"lastAttemptAt,omitempty"`
	ImageGenerationPath   string     `json:"imageGenerationPath,omitempty"`
	VideoPath             string     `json:"videoPath,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// New creates a pending generation job for the user.
func New(userID, promptText string) *Generation {
	now := time.Now().UTC()
	return &Generation{
		ID:         uuid.New().String(),
		UserID:     userID,
		PromptText: promptText,
		Status:     StatusPending,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// RetriesRemaining reports whether the job-level retry budget allows another
// dispatch.
func (g *Generation) RetriesRemaining() bool {
	return g.RetryCount < g.MaxRetries
}
