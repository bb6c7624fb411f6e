package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rakunlabs/aiservice/internal/config"
	"github.com/rakunlabs/aiservice/internal/domain"
	"github.com/rakunlabs/aiservice/internal/ingest"
	"github.com/rakunlabs/aiservice/internal/llm"
	"github.com/rakunlabs/aiservice/internal/webhook"
)

// ingestVectors/ingestProvider are minimal doubles for ingest.VectorUpserter
// and llm.Provider, distinct from this package's vectorWriter/embedder
// fakes since ingest.Pool needs its own narrower interfaces.
type ingestVectors struct{}

func (ingestVectors) Upsert(ctx context.Context, entries []domain.VectorEntry) error { return nil }
func (ingestVectors) CollectionName() string                                         { return "test" }

type ingestProvider struct{}

func (ingestProvider) Chat(ctx context.Context, model string, messages []llm.Message) (*llm.Response, error) {
	return &llm.Response{Content: `[]`}, nil
}

func withSyncIngestPool(t *testing.T, s *Server) *Server {
	t.Helper()
	dispatcher, err := webhook.New(config.Webhook{Secret: "s", MaxAttempts: 1, Backoff: time.Millisecond}, "test")
	if err != nil {
		t.Fatalf("webhook.New: %v", err)
	}
	pool, err := ingest.NewPool(s.store, ingestVectors{}, fakeEmbedder{}, ingest.Providers{Text: ingestProvider{}}, dispatcher, "test-model", config.Ingestion{WorkerCount: 1, MaxFileSizeMB: 50, MinChunkItems: 1})
	if err != nil {
		t.Fatalf("ingest.NewPool: %v", err)
	}
	s.ingest = pool
	return s
}

func TestExtractRequestValidate(t *testing.T) {
	cases := []struct {
		name string
		req  extractRequest
		ok   bool
	}{
		{"missing company", extractRequest{FileID: "f", FileURL: "u", DataType: "faq"}, false},
		{"missing file url", extractRequest{CompanyID: "c", FileID: "f", DataType: "faq"}, false},
		{"valid", extractRequest{CompanyID: "c", FileID: "f", FileURL: "u", DataType: "faq"}, true},
	}
	for _, c := range cases {
		err := c.req.validate()
		if c.ok && err != nil {
			t.Errorf("%s: expected no error, got %v", c.name, err)
		}
		if !c.ok && err == nil {
			t.Errorf("%s: expected an error, got nil", c.name)
		}
	}
}

func TestHandleExtractAsyncEnqueues(t *testing.T) {
	s, _ := testServer(t)

	body, _ := json.Marshal(extractRequest{
		CompanyID: "C1",
		FileID:    "F1",
		FileURL:   "https://files.example/doc.pdf",
		DataType:  "faq",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/extract/process-async", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.handleExtractAsync(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["taskId"] == "" || resp["taskId"] == nil {
		t.Fatalf("expected a taskId in response, got %v", resp)
	}
}

func TestHandleExtractAsyncRejectsMissingFields(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/extract/process-async", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()

	s.handleExtractAsync(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

// TestHandleExtractSyncPreservesTypedError covers the maintainer's
// review fix: a 415 from the fetch step must surface as
// UNSUPPORTED_FILE_TYPE, not a blanket EXTRACTOR_FAILED relabel.
func TestHandleExtractSyncPreservesTypedError(t *testing.T) {
	s, _ := testServer(t)
	s = withSyncIngestPool(t, s)

	fileSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		w.Write([]byte("PK\x03\x04"))
	}))
	defer fileSrv.Close()

	body, _ := json.Marshal(extractRequest{
		CompanyID: "C1",
		FileID:    "F-unsupported",
		FileURL:   fileSrv.URL,
		DataType:  "faq",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/extract/process", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.handleExtractSync(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["error"] != "UNSUPPORTED_FILE_TYPE" {
		t.Fatalf("error = %v, want UNSUPPORTED_FILE_TYPE", resp["error"])
	}
}

func TestHandleTaskStatusNotFound(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()

	s.handleTaskStatus(rec, req, "does-not-exist")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
