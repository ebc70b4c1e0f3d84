// Package response provides the standardized JSON success and error
// envelopes used by every handler and middleware.
package response

import (
	"encoding/json"
	"net/http"
	"time"

	"vidgen-backend/internal/correlation"
	apperrors "vidgen-backend/internal/errors"
)

// ErrorBody is the structured error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the classified error information.
type ErrorDetail struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	Details       string `json:"details,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	StatusCode    int    `json:"statusCode"`
	Timestamp     string `json:"timestamp"`
}

// Success writes a JSON response with the given status code.
func Success(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// Error translates err into the structured error envelope, using the
// request's correlation id.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	detail := ErrorDetail{
		Code:          string(apperrors.TypeOf(err)),
		Message:       err.Error(),
		CorrelationID: correlation.FromContext(r.Context()),
		StatusCode:    status,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorBody{Error: detail})
}

// ErrorWithStatus writes the envelope with an explicit status and message,
// for cases where no classified error value exists.
func ErrorWithStatus(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	detail := ErrorDetail{
		Code:          code,
		Message:       message,
		CorrelationID: correlation.FromContext(r.Context()),
		StatusCode:    statusCode,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorBody{Error: detail})
}
