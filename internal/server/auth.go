package server

import (
	"crypto/subtle"
	"net/http"

	"github.com/rakunlabs/aiservice/internal/apierr"
)

// requireAPIKey protects the admin/extract endpoints (§6.1): backend
// channels and admin tooling authenticate with a shared X-API-Key header.
func requireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !constantTimeEqual(r.Header.Get("X-API-Key"), key) {
				writeErr(w, apierr.New(apierr.CodeInvalidAPIKey, "missing or invalid X-API-Key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireInternalKey protects the /api/internal/cors/... endpoints (§4.6)
// with a distinct shared secret from the backend API key.
func requireInternalKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !constantTimeEqual(r.Header.Get("X-Internal-Key"), key) {
				writeErr(w, apierr.New(apierr.CodeInvalidInternalKey, "missing or invalid X-Internal-Key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
