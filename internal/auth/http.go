// ABOUTME: HTTP middleware extracting caller identity and guarding admin routes
// ABOUTME: Bearer/X-API-Key extraction plus optional JWT enforcement

package auth

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Middleware extracts the caller identity from the request headers and stores
// it in the request context. It never rejects: absence of credentials simply
// yields an Identity with empty fields, which the credit gate treats as a
// bypass condition.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := &Identity{
			UserID:    r.Header.Get("X-User-Id"),
			UserEmail: r.Header.Get("X-User-Email"),
			RequestID: r.Header.Get("X-Request-Id"),
		}
		if id.RequestID == "" {
			id.RequestID = uuid.New().String()
		}

		if key := r.Header.Get("X-API-Key"); key != "" {
			id.APIKey = key
		} else if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			id.APIKey = strings.TrimPrefix(h, "Bearer ")
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// RequireToken guards admin REST routes with a JWT verifier. When verifier is
// nil the middleware is a pass-through (auth disabled).
func RequireToken(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if verifier == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if !strings.HasPrefix(h, "Bearer ") {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			token := strings.TrimPrefix(h, "Bearer ")
			if _, err := verifier.Verify(token); err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
