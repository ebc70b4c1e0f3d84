package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"

	"vidgen-backend/internal/interfaces/http/response"
)

// Middleware runs the rule chain before the handler. Informational headers
// are attached for every evaluated rule; a blocked request is answered with
// 429 and a Retry-After hint without reaching the handler.
func Middleware(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decisions := l.Check(r)
			for _, d := range decisions {
				prefix := fmt.Sprintf("X-RateLimit-%s", d.RuleID)
				w.Header().Set(prefix+"-Limit", strconv.Itoa(d.Limit))
				w.Header().Set(prefix+"-Remaining", strconv.Itoa(d.Remaining))
				w.Header().Set(prefix+"-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
			}
			if len(decisions) > 0 {
				if last := decisions[len(decisions)-1]; !last.Allowed {
					retryAfter := int(last.RetryAfter.Seconds())
					if retryAfter < 1 {
						retryAfter = 1
					}
					// Bare Retry-After for standard clients, plus the
					// rule-scoped variant so callers can tell which limit
					// they hit.
					w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
					w.Header().Set(fmt.Sprintf("X-RateLimit-%s-Retry-After", last.RuleID), strconv.Itoa(retryAfter))
					message := last.Message
					if message == "" {
						message = "rate limit exceeded"
					}
					response.ErrorWithStatus(w, r, http.StatusTooManyRequests, "rate_limit_exceeded", message)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
