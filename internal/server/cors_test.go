package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rakunlabs/aiservice/internal/corsstore"
)

func testServerWithCORS(t *testing.T) *Server {
	t.Helper()
	s, _ := testServer(t)
	cors, err := corsstore.New("https://backend.invalid", time.Minute)
	if err != nil {
		t.Fatalf("corsstore.New: %v", err)
	}
	s.cors = cors
	return s
}

func TestHandleCORSUpdateDomainsAndStatus(t *testing.T) {
	s := testServerWithCORS(t)

	body, _ := json.Marshal(map[string]any{
		"pluginId":       "plugin-1",
		"companyId":      "C1",
		"allowedDomains": []string{"https://widget.example"},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/internal/cors/update-domains", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleCORSUpdateDomains(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	statusReq := httptest.NewRequest(http.MethodGet, "/api/internal/cors/status", nil)
	statusRec := httptest.NewRecorder()
	s.handleCORSStatus(statusRec, statusReq)

	if statusRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", statusRec.Code)
	}
}

func TestHandleCORSClearCacheAllAndSingle(t *testing.T) {
	s := testServerWithCORS(t)
	req := httptest.NewRequest(http.MethodDelete, "/x", nil)

	rec := httptest.NewRecorder()
	s.handleCORSClearCache(rec, req, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 clearing all, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.handleCORSClearCache(rec, req, "plugin-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 clearing one plugin, got %d", rec.Code)
	}
}
