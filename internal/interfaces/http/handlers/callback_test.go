package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "vidgen-backend/internal/errors"
	"vidgen-backend/internal/generation"
	"vidgen-backend/internal/webhook"
)

const testSecret = "callback-shared-secret-key"

// stubRepo serves the single generation the handler tests operate on. The
// mutex covers updates arriving from the async dispatch goroutine.
type stubRepo struct {
	mu  sync.Mutex
	gen *generation.Generation
}

func (r *stubRepo) Create(_ context.Context, gen *generation.Generation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen = gen
	return nil
}

func (r *stubRepo) GetByID(_ context.Context, id string) (*generation.Generation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen == nil || r.gen.ID != id {
		return nil, apperrors.NewNotFound("generation " + id + " not found")
	}
	return r.gen, nil
}

func (r *stubRepo) ListByUser(context.Context, string, int) ([]*generation.Generation, error) {
	return nil, nil
}

func (r *stubRepo) Update(_ context.Context, gen *generation.Generation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen = gen
	return nil
}

func (r *stubRepo) current() *generation.Generation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}

func (r *stubRepo) ListStuckProcessing(context.Context, time.Time) ([]*generation.Generation, error) {
	return nil, nil
}

func (r *stubRepo) ListDueRetries(context.Context, time.Time) ([]*generation.Generation, error) {
	return nil, nil
}

func signedCallback(t *testing.T, body []byte) *http.Request {
	t.Helper()
	ts := time.Now()
	req := httptest.NewRequest(http.MethodPost, "/generations/callback", bytes.NewReader(body))
	req.Header.Set(webhook.SignatureHeader, webhook.NewSigner(testSecret).Sign(body, ts))
	req.Header.Set(webhook.TimestampHeader, strconv.FormatInt(ts.Unix(), 10))
	return req
}

func newCallbackHandler(repo *stubRepo) *CallbackHandler {
	verifier := webhook.NewVerifier(testSecret, 5*time.Minute, 100, zap.NewNop(), nil)
	return NewCallbackHandler(verifier, repo, zap.NewNop())
}

func TestCallbackHandler_Handle(t *testing.T) {
	t.Run("completed callback finalizes the job", func(t *testing.T) {
		gen := generation.New("user-1", "prompt")
		gen.Status = generation.StatusProcessing
		repo := &stubRepo{gen: gen}
		handler := newCallbackHandler(repo)

		body := []byte(`{"taskId":"` + gen.ID + `","status":"completed","imageGenerationPath":"s3://img","videoPath":"s3://vid"}`)
		rec := httptest.NewRecorder()
		handler.Handle(rec, signedCallback(t, body))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"success":true`)
		assert.Equal(t, generation.StatusCompleted, repo.current().Status)
		assert.Equal(t, "s3://img", repo.current().ImageGenerationPath)
		assert.Equal(t, "s3://vid", repo.current().VideoPath)
		assert.Empty(t, repo.current().ErrorMessage)
		assert.Nil(t, repo.current().NextRetryAt)
	})

	t.Run("failed callback records the error and schedules a retry", func(t *testing.T) {
		gen := generation.New("user-1", "prompt")
		gen.Status = generation.StatusProcessing
		repo := &stubRepo{gen: gen}
		handler := newCallbackHandler(repo)

		body := []byte(`{"taskId":"` + gen.ID + `","status":"failed","errorMessage":"render crashed"}`)
		rec := httptest.NewRecorder()
		handler.Handle(rec, signedCallback(t, body))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, generation.StatusFailed, repo.current().Status)
		assert.Equal(t, "render crashed", repo.current().ErrorMessage)
		assert.Equal(t, string(apperrors.ErrorTypeWebhook), repo.current().ErrorType)
		require.NotNil(t, repo.current().NextRetryAt)
	})

	t.Run("failed callback with exhausted budget schedules nothing", func(t *testing.T) {
		gen := generation.New("user-1", "prompt")
		gen.Status = generation.StatusProcessing
		gen.RetryCount = gen.MaxRetries
		repo := &stubRepo{gen: gen}
		handler := newCallbackHandler(repo)

		body := []byte(`{"taskId":"` + gen.ID + `","status":"failed","errorMessage":"boom"}`)
		rec := httptest.NewRecorder()
		handler.Handle(rec, signedCallback(t, body))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Nil(t, repo.current().NextRetryAt)
	})

	t.Run("callback after the job left processing is ignored", func(t *testing.T) {
		gen := generation.New("user-1", "prompt")
		gen.Status = generation.StatusPending // user retry already reset the job
		repo := &stubRepo{gen: gen}
		handler := newCallbackHandler(repo)

		body := []byte(`{"taskId":"` + gen.ID + `","status":"failed","errorMessage":"late report"}`)
		rec := httptest.NewRecorder()
		handler.Handle(rec, signedCallback(t, body))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"success":false`)
		assert.Equal(t, generation.StatusPending, repo.current().Status)
		assert.Empty(t, repo.current().ErrorMessage)
		assert.Nil(t, repo.current().NextRetryAt)
	})

	t.Run("unsigned callback is rejected with 401", func(t *testing.T) {
		gen := generation.New("user-1", "prompt")
		repo := &stubRepo{gen: gen}
		handler := newCallbackHandler(repo)

		body := []byte(`{"taskId":"` + gen.ID + `","status":"completed"}`)
		req := httptest.NewRequest(http.MethodPost, "/generations/callback", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		handler.Handle(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, generation.StatusPending, repo.current().Status)
	})

	t.Run("tampered body is rejected with 401", func(t *testing.T) {
		gen := generation.New("user-1", "prompt")
		repo := &stubRepo{gen: gen}
		handler := newCallbackHandler(repo)

		body := []byte(`{"taskId":"` + gen.ID + `","status":"completed"}`)
		req := signedCallback(t, body)
		req.Body = httptest.NewRequest(http.MethodPost, "/x",
			bytes.NewReader([]byte(`{"taskId":"`+gen.ID+`","status":"failed"}`))).Body

		rec := httptest.NewRecorder()
		handler.Handle(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("replayed callback is rejected", func(t *testing.T) {
		gen := generation.New("user-1", "prompt")
		gen.Status = generation.StatusProcessing
		repo := &stubRepo{gen: gen}
		handler := newCallbackHandler(repo)

		body := []byte(`{"taskId":"` + gen.ID + `","status":"completed"}`)
		req := signedCallback(t, body)
		sig := req.Header.Get(webhook.SignatureHeader)
		ts := req.Header.Get(webhook.TimestampHeader)

		rec := httptest.NewRecorder()
		handler.Handle(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		replay := httptest.NewRequest(http.MethodPost, "/generations/callback", bytes.NewReader(body))
		replay.Header.Set(webhook.SignatureHeader, sig)
		replay.Header.Set(webhook.TimestampHeader, ts)
		rec = httptest.NewRecorder()
		handler.Handle(rec, replay)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown task id answers 404", func(t *testing.T) {
		repo := &stubRepo{}
		handler := newCallbackHandler(repo)

		body := []byte(`{"taskId":"missing","status":"completed"}`)
		rec := httptest.NewRecorder()
		handler.Handle(rec, signedCallback(t, body))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("invalid status value answers 400", func(t *testing.T) {
		gen := generation.New("user-1", "prompt")
		repo := &stubRepo{gen: gen}
		handler := newCallbackHandler(repo)

		body := []byte(`{"taskId":"` + gen.ID + `","status":"exploded"}`)
		rec := httptest.NewRecorder()
		handler.Handle(rec, signedCallback(t, body))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
