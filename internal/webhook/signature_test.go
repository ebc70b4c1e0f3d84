package webhook

import (
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "vidgen-backend/internal/errors"
)

const testSecret = "super-secret-signing-key"

func newTestVerifier(tolerance time.Duration) *Verifier {
	return NewVerifier(testSecret, tolerance, 100, zap.NewNop(), nil)
}

func signedHeaders(t *testing.T, secret string, body []byte, ts time.Time) (string, string) {
	t.Helper()
	return NewSigner(secret).Sign(body, ts), strconv.FormatInt(ts.Unix(), 10)
}

func TestVerifier_Verify(t *testing.T) {
	body := []byte(`{"taskId":"t-1","status":"completed"}`)

	t.Run("accepts a freshly signed payload", func(t *testing.T) {
		v := newTestVerifier(5 * time.Minute)
		sig, ts := signedHeaders(t, testSecret, body, time.Now())
		assert.NoError(t, v.Verify(sig, ts, body))
	})

	t.Run("rejects missing headers", func(t *testing.T) {
		v := newTestVerifier(5 * time.Minute)
		err := v.Verify("", "", body)
		require.Error(t, err)
		assert.True(t, apperrors.IsVerification(err))
	})

	t.Run("rejects malformed signature prefix", func(t *testing.T) {
		v := newTestVerifier(5 * time.Minute)
		_, ts := signedHeaders(t, testSecret, body, time.Now())
		err := v.Verify("md5=abcdef", ts, body)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "malformed signature")
	})

	t.Run("rejects stale timestamp", func(t *testing.T) {
		v := newTestVerifier(5 * time.Minute)
		sig, ts := signedHeaders(t, testSecret, body, time.Now().Add(-10*time.Minute))
		err := v.Verify(sig, ts, body)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "tolerance")
	})

	t.Run("rejects future timestamp beyond tolerance", func(t *testing.T) {
		v := newTestVerifier(5 * time.Minute)
		sig, ts := signedHeaders(t, testSecret, body, time.Now().Add(10*time.Minute))
		assert.Error(t, v.Verify(sig, ts, body))
	})

	t.Run("rejects altered body", func(t *testing.T) {
		v := newTestVerifier(5 * time.Minute)
		sig, ts := signedHeaders(t, testSecret, body, time.Now())
		err := v.Verify(sig, ts, []byte(`{"taskId":"t-1","status":"failed"}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "signature mismatch")
	})

	t.Run("rejects wrong secret", func(t *testing.T) {
		v := newTestVerifier(5 * time.Minute)
		sig, ts := signedHeaders(t, "a-different-secret-entirely", body, time.Now())
		assert.Error(t, v.Verify(sig, ts, body))
	})

	t.Run("rejects replayed payload", func(t *testing.T) {
		v := newTestVerifier(5 * time.Minute)
		sig, ts := signedHeaders(t, testSecret, body, time.Now())
		require.NoError(t, v.Verify(sig, ts, body))

		err := v.Verify(sig, ts, body)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already processed")
		assert.Equal(t, 1, v.SeenCount())
	})

	t.Run("failed verification does not poison the replay set", func(t *testing.T) {
		v := newTestVerifier(5 * time.Minute)
		ts := time.Now()
		forged, tsHeader := signedHeaders(t, "attacker-guessed-secret", body, ts)
		require.Error(t, v.Verify(forged, tsHeader, body))

		// The legitimate delivery with the same timestamp and body still passes.
		genuine, _ := signedHeaders(t, testSecret, body, ts)
		assert.NoError(t, v.Verify(genuine, tsHeader, body))
	})
}

func TestVerifier_Sweep(t *testing.T) {
	v := newTestVerifier(10 * time.Millisecond)
	sig, ts := signedHeaders(t, testSecret, []byte("payload"), time.Now())
	require.NoError(t, v.Verify(sig, ts, []byte("payload")))
	require.Equal(t, 1, v.SeenCount())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, v.Sweep())
	assert.Zero(t, v.SeenCount())
}

func TestSigner_Sign(t *testing.T) {
	signer := NewSigner(testSecret)
	ts := time.Unix(1700000000, 0)

	t.Run("signature is prefixed and deterministic", func(t *testing.T) {
		sig := signer.Sign([]byte("body"), ts)
		assert.Equal(t, fmt.Sprintf("sha256=%s", computeHMAC([]byte(testSecret), ts.Unix(), []byte("body"))), sig)
		assert.Equal(t, sig, signer.Sign([]byte("body"), ts))
	})

	t.Run("signature binds the timestamp", func(t *testing.T) {
		assert.NotEqual(t, signer.Sign([]byte("body"), ts), signer.Sign([]byte("body"), ts.Add(time.Second)))
	})
}
