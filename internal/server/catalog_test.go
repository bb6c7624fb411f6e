package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleFileDeleteIsIdempotent(t *testing.T) {
	s, vectors := testServer(t)
	req := httptest.NewRequest(http.MethodDelete, "/x", nil)

	rec1 := httptest.NewRecorder()
	s.handleFileDelete(rec1, req, "C1", "F1")
	rec2 := httptest.NewRecorder()
	s.handleFileDelete(rec2, req, "C1", "F1")

	if rec1.Code != http.StatusOK || rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 on both calls, got %d and %d", rec1.Code, rec2.Code)
	}
	if len(vectors.deletedFiles) != 2 {
		t.Fatalf("expected two DeleteByFileID calls, got %d", len(vectors.deletedFiles))
	}
}

func TestHandleProductDeleteAndServiceDelete(t *testing.T) {
	s, vectors := testServer(t)
	req := httptest.NewRequest(http.MethodDelete, "/x", nil)

	rec := httptest.NewRecorder()
	s.handleProductDelete(rec, req, "C1", "P1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(vectors.deletedProducts) != 1 || vectors.deletedProducts[0] != "P1" {
		t.Fatalf("expected DeleteByProductID(P1), got %v", vectors.deletedProducts)
	}

	rec = httptest.NewRecorder()
	s.handleServiceDelete(rec, req, "C1", "S1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(vectors.deletedServices) != 1 || vectors.deletedServices[0] != "S1" {
		t.Fatalf("expected DeleteByServiceID(S1), got %v", vectors.deletedServices)
	}
}
