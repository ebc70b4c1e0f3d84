// Package webhook implements the outbound call orchestration to the external
// workflow engine and the HMAC security layer protecting both directions.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "vidgen-backend/internal/errors"
	"vidgen-backend/internal/observability"
)

const (
	// SignatureHeader carries "sha256=<hex>" over "timestamp.rawBody".
	SignatureHeader = "X-Webhook-Signature"
	// TimestampHeader carries the unix-seconds signing time.
	TimestampHeader = "X-Webhook-Timestamp"

	signaturePrefix = "sha256="
)

// Signer signs outgoing webhook payloads with the shared secret.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer for the shared webhook secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns the signature header value for body at the given time.
func (s *Signer) Sign(body []byte, ts time.Time) string {
	return signaturePrefix + computeHMAC(s.secret, ts.Unix(), body)
}

// Verifier authenticates inbound callbacks: signature format, timestamp
// freshness, replay uniqueness, and HMAC match, in that order. The first
// failing check is the reported rejection reason; every check logs its own
// failure for diagnosability.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	logger    *zap.Logger
	metrics   *observability.Collector

	mu      sync.Mutex
	seen    map[string]time.Time
	maxSeen int
}

// NewVerifier creates a verifier. tolerance bounds acceptable clock skew;
// the replay set is capped at maxSeen entries and cleared under pressure.
func NewVerifier(secret string, tolerance time.Duration, maxSeen int, logger *zap.Logger, metrics *observability.Collector) *Verifier {
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	if maxSeen <= 0 {
		maxSeen = 10000
	}
	return &Verifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		logger:    logger.Named("webhook_verify"),
		metrics:   metrics,
		seen:      make(map[string]time.Time),
		maxSeen:   maxSeen,
	}
}

// Verify checks an inbound callback. It returns nil when all checks pass;
// otherwise a verification error naming the first failed check.
func (v *Verifier) Verify(signatureHeader, timestampHeader string, body []byte) error {
	if signatureHeader == "" || timestampHeader == "" {
		v.reject("missing signature or timestamp header")
		return apperrors.NewVerification("missing signature or timestamp header")
	}
	sigHex, ok := strings.CutPrefix(signatureHeader, signaturePrefix)
	if !ok {
		v.reject("malformed signature header")
		return apperrors.NewVerification("malformed signature header")
	}
	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		v.reject("unparseable timestamp header")
		return apperrors.NewVerification("unparseable timestamp header")
	}

	skew := time.Since(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		v.logger.Warn("callback timestamp outside tolerance",
			zap.Int64("timestamp", ts),
			zap.Duration("skew", skew),
			zap.Duration("tolerance", v.tolerance),
		)
		v.countResult("rejected")
		return apperrors.NewVerification(fmt.Sprintf("timestamp outside %s tolerance", v.tolerance))
	}

	fingerprint := payloadFingerprint(ts, body)
	v.mu.Lock()
	_, replayed := v.seen[fingerprint]
	v.mu.Unlock()
	if replayed {
		v.reject("replayed payload")
		return apperrors.NewVerification("payload already processed")
	}

	expected := computeHMAC(v.secret, ts, body)
	if !hmac.Equal([]byte(expected), []byte(sigHex)) {
		v.reject("signature mismatch")
		return apperrors.NewVerification("signature mismatch")
	}

	// Only fully verified payloads enter the replay set, so forged requests
	// cannot block a later legitimate delivery.
	v.mu.Lock()
	if len(v.seen) >= v.maxSeen {
		v.pruneLocked(time.Now())
	}
	v.seen[fingerprint] = time.Now()
	v.mu.Unlock()

	v.countResult("verified")
	return nil
}

// Sweep drops replay fingerprints older than twice the tolerance window;
// anything older can no longer pass the timestamp check anyway.
func (v *Verifier) Sweep() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pruneLocked(time.Now())
}

// SeenCount reports the replay-set size for the admin stats endpoint.
func (v *Verifier) SeenCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.seen)
}

func (v *Verifier) pruneLocked(now time.Time) int {
	cutoff := now.Add(-2 * v.tolerance)
	removed := 0
	for fp, at := range v.seen {
		if at.Before(cutoff) {
			delete(v.seen, fp)
			removed++
		}
	}
	// Memory pressure fallback: the set is rebuilt rather than allowed to
	// grow without bound.
	if len(v.seen) >= v.maxSeen {
		removed += len(v.seen)
		v.seen = make(map[string]time.Time)
	}
	return removed
}

func (v *Verifier) reject(reason string) {
	v.logger.Warn("callback verification failed", zap.String("reason", reason))
	v.countResult("rejected")
}

func (v *Verifier) countResult(result string) {
	if v.metrics != nil {
		v.metrics.CallbackChecks.WithLabelValues(result).Inc()
	}
}

func computeHMAC(secret []byte, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func payloadFingerprint(ts int64, body []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d.", ts)
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
