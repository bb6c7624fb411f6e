package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func passthrough() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAPIKeyRejectsMissingHeader(t *testing.T) {
	h := requireAPIKey("secret")(passthrough())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireAPIKeyRejectsWrongKey(t *testing.T) {
	h := requireAPIKey("secret")(passthrough())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireAPIKeyAcceptsMatchingKey(t *testing.T) {
	h := requireAPIKey("secret")(passthrough())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRequireInternalKeyAcceptsMatchingKey(t *testing.T) {
	h := requireInternalKey("internal-secret")(passthrough())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Internal-Key", "internal-secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestConstantTimeEqualRejectsEmpty(t *testing.T) {
	if constantTimeEqual("", "") {
		t.Fatal("empty keys must never compare equal")
	}
	if constantTimeEqual("a", "") {
		t.Fatal("empty configured key must never match")
	}
}
