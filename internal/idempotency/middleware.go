package idempotency

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"vidgen-backend/internal/correlation"
)

// KeyHeader is the client-supplied idempotency key header.
const KeyHeader = "Idempotency-Key"

// HitHeader labels whether the response was replayed from the cache.
const HitHeader = "X-Idempotency-Hit"

// recorder captures the finalized response in an explicit after-phase so it
// can be stored once the handler has run, instead of intercepting the
// writer's methods mid-flight.
type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rec *recorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *recorder) Write(p []byte) (int, error) {
	rec.body.Write(p)
	return rec.ResponseWriter.Write(p)
}

// Middleware deduplicates mutating requests. On a cache hit the stored
// response is replayed byte for byte with X-Idempotency-Hit: true; otherwise
// the handler runs against a recording writer and its response is stored for
// the cache TTL. Responses with 5xx status are not cached so a transient
// server failure can be retried with the same key.
func Middleware(cache *Cache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			default:
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "unable to read request body", http.StatusBadRequest)
				return
			}
			r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			fingerprint := Fingerprint(r, body)
			key := r.Header.Get(KeyHeader)
			if key == "" {
				key = DeriveKey(r, body)
			}

			if rec, ok := cache.Get(key, fingerprint); ok {
				for name, values := range rec.Header {
					if len(values) > 0 {
						w.Header().Set(name, values[0])
						for _, v := range values[1:] {
							w.Header().Add(name, v)
						}
					}
				}
				w.Header().Set(HitHeader, "true")
				w.WriteHeader(rec.Status)
				w.Write(rec.Body)
				return
			}

			w.Header().Set(HitHeader, "false")
			wrapped := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			if wrapped.status < http.StatusInternalServerError {
				stored := wrapped.Header().Clone()
				stored.Del(HitHeader)
				// Per-request headers are recomputed on replay.
				for name := range stored {
					if strings.HasPrefix(name, "X-Ratelimit") || name == "Retry-After" || name == "X-Correlation-Id" {
						stored.Del(name)
					}
				}
				cache.Store(key, fingerprint, correlation.FromContext(r.Context()),
					wrapped.status, stored, wrapped.body.Bytes())
			}
		})
	}
}
