package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rakunlabs/aiservice/internal/domain"
	"github.com/rakunlabs/aiservice/internal/store/memory"
)

// fakeVectors records calls instead of talking to Milvus, same shape as
// chatengine's noSearch/fakeEmbedder test doubles.
type fakeVectors struct {
	entries        []domain.VectorEntry
	deletedTypes   []domain.DataType
	deletedFiles    []string
	deletedProducts []string
	deletedServices []string
}

func (f *fakeVectors) Upsert(ctx context.Context, entries []domain.VectorEntry) error {
	f.entries = append(f.entries, entries...)
	return nil
}

func (f *fakeVectors) DeleteByFileID(ctx context.Context, companyID, fileID string) error {
	f.deletedFiles = append(f.deletedFiles, fileID)
	return nil
}

func (f *fakeVectors) DeleteByDataType(ctx context.Context, companyID string, dataType domain.DataType) error {
	f.deletedTypes = append(f.deletedTypes, dataType)
	return nil
}

func (f *fakeVectors) DeleteByProductID(ctx context.Context, companyID, productID string) error {
	f.deletedProducts = append(f.deletedProducts, productID)
	return nil
}

func (f *fakeVectors) DeleteByServiceID(ctx context.Context, companyID, serviceID string) error {
	f.deletedServices = append(f.deletedServices, serviceID)
	return nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

func (fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

func (fakeEmbedder) Dimension() int { return 2 }

func testServer(t *testing.T) (*Server, *fakeVectors) {
	t.Helper()
	vectors := &fakeVectors{}
	return &Server{
		store:    memory.New(),
		vectors:  vectors,
		embedder: fakeEmbedder{},
	}, vectors
}

func TestHandleContextSetReindexesVectors(t *testing.T) {
	s, vectors := testServer(t)

	body, _ := json.Marshal(map[string]any{
		"language": "en",
		"records": []map[string]any{
			{"question": "What are your hours?", "answer": "9 to 5"},
		},
	})
	req := httptest.NewRequest(http.MethodPut, "/api/admin/companies/C1/context/faqs", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.handleContextSet(rec, req, "C1", "faqs")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(vectors.deletedTypes) != 1 || vectors.deletedTypes[0] != domain.DataTypeFAQ {
		t.Fatalf("expected one DeleteByDataType(faq) call, got %v", vectors.deletedTypes)
	}
	if len(vectors.entries) != 1 {
		t.Fatalf("expected one vector entry, got %d", len(vectors.entries))
	}
	if vectors.entries[0].ContentForEmbedding != "Q: What are your hours?\nA: 9 to 5" {
		t.Fatalf("unexpected embedding text: %q", vectors.entries[0].ContentForEmbedding)
	}

	records, err := s.store.GetContext(req.Context(), "C1", "faqs")
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one stored record, got %d", len(records))
	}
}

func TestHandleContextSetUnknownRecordType(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodPut, "/x", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()

	s.handleContextSet(rec, req, "C1", "not-a-real-type")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleContextDeletePropagatesToVectorStore(t *testing.T) {
	s, vectors := testServer(t)
	req := httptest.NewRequest(http.MethodDelete, "/x", nil)
	rec := httptest.NewRecorder()

	s.handleContextDelete(rec, req, "C1", "basic-info")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(vectors.deletedTypes) != 1 || vectors.deletedTypes[0] != domain.DataTypeCompanyInfo {
		t.Fatalf("expected DeleteByDataType(company_info), got %v", vectors.deletedTypes)
	}
}

func TestRenderContextSentenceFallback(t *testing.T) {
	got := renderContextSentence(domain.DataTypeKnowledgeBase, map[string]any{"b": 2, "a": 1})
	want := "a: 1, b: 2"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
