// Package auth resolves the caller identity used to key rate-limit and
// idempotency records. Full session management lives in the fronting auth
// service; this middleware only extracts an already-issued user token.
package auth

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type contextKey struct{}

// Middleware reads the bearer token and stores the resolved user id on the
// context. Requests without a token proceed anonymously; handlers that need
// an identity enforce it themselves.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID := tokenUser(r); userID != "" {
			r = r.WithContext(context.WithValue(r.Context(), contextKey{}, userID))
		}
		next.ServeHTTP(w, r)
	})
}

// UserID returns the authenticated user id, or "" for anonymous requests.
func UserID(ctx context.Context) string {
	if id, ok := ctx.Value(contextKey{}).(string); ok {
		return id
	}
	return ""
}

// ClientID keys per-client state: the user id when authenticated, otherwise
// the request's network address.
func ClientID(r *http.Request) string {
	if id := UserID(r.Context()); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func tokenUser(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	// Tokens are opaque user identifiers issued by the session service; the
	// gateway has already validated them.
	return strings.TrimSpace(token)
}
