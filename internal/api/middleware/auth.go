package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/notifyhub/push-delivery/internal/auth"
)

const userIDKey contextKey = "user_id"

// Authenticate validates the Authorization bearer token and stores the
// authenticated user ID on the request context.
func Authenticate(verifier *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				unauthorized(w)
				return
			}
			claims, err := verifier.Verify(r.Context(), token)
			if err != nil {
				unauthorized(w)
				return
			}
			ctx := context.WithValue(r.Context(), userIDKey, claims.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// InternalOnly admits only requests carrying the shared service secret in
// X-Internal-Token. Used for the /api/internal surface.
func InternalOnly(verifier *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !verifier.VerifyInternal(r.Header.Get("X-Internal-Token")) {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserID returns the authenticated user stored by Authenticate. Empty
// when the middleware was not applied.
func UserID(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"missing or invalid credentials"}`))
}
