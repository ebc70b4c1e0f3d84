package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"vidgen-backend/internal/correlation"
	apperrors "vidgen-backend/internal/errors"
	"vidgen-backend/internal/generation"
	"vidgen-backend/internal/observability"
	"vidgen-backend/internal/repository"
	"vidgen-backend/internal/resilience"
)

// maxResponseBody caps how much of the engine's response body is captured
// onto the generation record.
const maxResponseBody = 8 * 1024

// jobRetryBaseDelay seeds the slower, user-facing retry schedule persisted
// as nextRetryAt; it is layered on top of the engine's internal retries.
const (
	jobRetryBaseDelay = time.Minute
	jobRetryMaxDelay  = 30 * time.Minute
)

// Payload is the JSON body posted to the external workflow engine.
type Payload struct {
	TaskID                string   `json:"taskId"`
	PromptText            string   `json:"promptText"`
	ImagePath             string   `json:"imagePath,omitempty"`
	ImageURLs             []string `json:"image_urls,omitempty"`
	BrandPersonaImageURLs []string `json:"brandPersonaImageUrls,omitempty"`
	BrandPersona          string   `json:"brand_persona,omitempty"`
}

// CallResponse is the direct HTTP result of one engine call.
type CallResponse struct {
	StatusCode int
	Body       []byte
}

// HostHealth summarizes outbound call outcomes per target host for the
// operator health endpoint.
type HostHealth struct {
	Host          string     `json:"host"`
	Success       uint64     `json:"success"`
	Failure       uint64     `json:"failure"`
	LastError     string     `json:"lastError,omitempty"`
	LastErrorAt   *time.Time `json:"lastErrorAt,omitempty"`
	LastSuccessAt *time.Time `json:"lastSuccessAt,omitempty"`
}

// Dispatcher wraps every call to the external workflow engine with the retry
// engine, classifies terminal failures, and persists the outcome onto the
// generation record.
type Dispatcher struct {
	endpoint *url.URL
	client   *http.Client
	engine   *resilience.Engine
	signer   *Signer
	repo     repository.GenerationRepository
	logger   *zap.Logger
	metrics  *observability.Collector
	windows  *observability.WindowStats

	mu     sync.Mutex
	health map[string]*HostHealth
}

// NewDispatcher validates the configured endpoint and builds the dispatcher.
// A missing or unparseable endpoint is a configuration error and fatal at
// startup.
func NewDispatcher(
	endpoint string,
	engine *resilience.Engine,
	signer *Signer,
	repo repository.GenerationRepository,
	logger *zap.Logger,
	metrics *observability.Collector,
	windows *observability.WindowStats,
) (*Dispatcher, error) {
	if endpoint == "" {
		return nil, apperrors.NewConfiguration("webhook endpoint is not configured")
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, apperrors.NewConfiguration("webhook endpoint is not a valid URL: " + endpoint)
	}
	return &Dispatcher{
		endpoint: u,
		client:   &http.Client{Timeout: 35 * time.Second},
		engine:   engine,
		signer:   signer,
		repo:     repo,
		logger:   logger.Named("dispatcher"),
		metrics:  metrics,
		windows:  windows,
		health:   make(map[string]*HostHealth),
	}, nil
}

// Probe checks TCP reachability of the engine endpoint. Failures are logged
// but never block a dispatch; the retry engine handles the real call.
func (d *Dispatcher) Probe(ctx context.Context) error {
	host := d.endpoint.Host
	if d.endpoint.Port() == "" {
		port := "443"
		if d.endpoint.Scheme == "http" {
			port = "80"
		}
		host = net.JoinHostPort(d.endpoint.Hostname(), port)
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		d.logger.Warn("webhook endpoint connectivity probe failed",
			zap.String("host", host),
			zap.Error(err),
		)
		return err
	}
	conn.Close()
	return nil
}

// Dispatch performs one engine call for the generation and persists the
// outcome. On terminal failure the error is classified, the raw response
// snapshot stored, and the next job-level retry scheduled if budget remains.
func (d *Dispatcher) Dispatch(ctx context.Context, gen *generation.Generation) error {
	corrID := correlation.FromContext(ctx)
	log := d.logger.With(
		zap.String("correlation_id", corrID),
		zap.String("task_id", gen.ID),
	)

	body, err := json.Marshal(Payload{
		TaskID:                gen.ID,
		PromptText:            gen.PromptText,
		ImagePath:             gen.ImagePath,
		ImageURLs:             gen.ImageURLs,
		BrandPersonaImageURLs: gen.BrandPersonaImageURLs,
		BrandPersona:          gen.BrandPersona,
	})
	if err != nil {
		return apperrors.Wrap(err, "encode webhook payload")
	}

	operationID := d.endpoint.Hostname()
	callStart := time.Now()
	result := d.engine.Do(ctx, operationID, corrID, func(ctx context.Context) (any, error) {
		return d.call(ctx, body, corrID)
	}, resilience.WebhookConfig())
	if d.metrics != nil {
		d.metrics.WebhookDuration.WithLabelValues(operationID).Observe(time.Since(callStart).Seconds())
	}

	now := time.Now().UTC()
	gen.LastAttemptAt = &now

	if result.Success {
		resp := result.Value.(*CallResponse)
		d.recordOutcome(operationID, true, "")
		gen.Status = generation.StatusProcessing
		gen.ErrorMessage = ""
		gen.ErrorDetails = ""
		gen.ErrorType = ""
		gen.NextRetryAt = nil
		gen.WebhookResponseStatus = resp.StatusCode
		gen.WebhookResponseBody = string(resp.Body)
		if err := d.repo.Update(ctx, gen); err != nil {
			return apperrors.Wrap(err, "persist dispatch outcome")
		}
		log.Info("webhook accepted generation",
			zap.Int("status", resp.StatusCode),
			zap.Int("attempts", result.FinalAttempt),
		)
		return nil
	}

	errType := classify(result)
	d.recordOutcome(operationID, false, result.Err.Error())
	if d.windows != nil {
		d.windows.RecordWebhookFailure()
	}

	gen.Status = generation.StatusFailed
	gen.ErrorMessage = result.Err.Error()
	gen.ErrorType = string(errType)
	gen.WebhookResponseStatus = apperrors.UpstreamStatus(result.Err)
	var appErr *apperrors.AppError
	if stderrors.As(result.Err, &appErr) {
		gen.ErrorDetails = appErr.Details
		gen.WebhookResponseBody = truncate(appErr.Details, maxResponseBody)
	}
	if gen.RetriesRemaining() {
		next := now.Add(jobRetryDelay(gen.RetryCount))
		gen.NextRetryAt = &next
	} else {
		gen.NextRetryAt = nil
	}
	if err := d.repo.Update(ctx, gen); err != nil {
		return apperrors.Wrap(err, "persist dispatch outcome")
	}
	log.Warn("webhook dispatch failed",
		zap.String("error_type", string(errType)),
		zap.Int("attempts", result.FinalAttempt),
		zap.Bool("breaker_tripped", result.CircuitBreakerTripped),
		zap.Error(result.Err),
	)
	return result.Err
}

// call performs one signed POST to the engine. Retryable statuses come back
// as webhook failures carrying the status so the engine can match them
// against its retryable set; other 4xx statuses are terminal.
func (d *Dispatcher) call(ctx context.Context, body []byte, corrID string) (*CallResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(err, "build webhook request")
	}
	ts := time.Now()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, d.signer.Sign(body, ts))
	req.Header.Set(TimestampHeader, fmt.Sprintf("%d", ts.Unix()))
	req.Header.Set(correlation.Header, corrID)

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.NewTimeout("webhook call timed out", err)
		}
		return nil, apperrors.NewNetwork("webhook call failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, apperrors.NewNetwork("read webhook response", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &CallResponse{StatusCode: resp.StatusCode, Body: respBody}, nil
	}
	return nil, apperrors.NewWebhookFailure(
		fmt.Sprintf("webhook responded %d", resp.StatusCode),
		resp.StatusCode,
		string(respBody),
	)
}

// Health returns the per-host call summary.
func (d *Dispatcher) Health() []HostHealth {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]HostHealth, 0, len(d.health))
	for _, h := range d.health {
		out = append(out, *h)
	}
	return out
}

func (d *Dispatcher) recordOutcome(host string, success bool, lastError string) {
	d.mu.Lock()
	h, ok := d.health[host]
	if !ok {
		h = &HostHealth{Host: host}
		d.health[host] = h
	}
	now := time.Now().UTC()
	if success {
		h.Success++
		h.LastSuccessAt = &now
	} else {
		h.Failure++
		h.LastError = lastError
		h.LastErrorAt = &now
	}
	d.mu.Unlock()

	if d.metrics != nil {
		outcome := "success"
		if !success {
			outcome = "failure"
		}
		d.metrics.WebhookCalls.WithLabelValues(host, outcome).Inc()
	}
}

// classify maps a terminal retry result onto the persisted error taxonomy.
// A tripped breaker counts as a webhook failure: the upstream host is
// unhealthy even though no call was made.
func classify(result resilience.Result) apperrors.ErrorType {
	if result.CircuitBreakerTripped {
		return apperrors.ErrorTypeWebhook
	}
	switch t := apperrors.TypeOf(result.Err); t {
	case apperrors.ErrorTypeTimeout,
		apperrors.ErrorTypeNetwork,
		apperrors.ErrorTypeWebhook,
		apperrors.ErrorTypeValidation,
		apperrors.ErrorTypeConfiguration:
		return t
	default:
		return apperrors.ErrorTypeUnknown
	}
}

// jobRetryDelay backs off the user-facing retry schedule exponentially.
func jobRetryDelay(retryCount int) time.Duration {
	delay := time.Duration(float64(jobRetryBaseDelay) * math.Pow(2, float64(retryCount)))
	if delay > jobRetryMaxDelay {
		delay = jobRetryMaxDelay
	}
	return delay
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
