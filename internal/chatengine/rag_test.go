package chatengine

import (
	"context"
	"strings"
	"testing"

	"github.com/rakunlabs/aiservice/internal/domain"
	"github.com/rakunlabs/aiservice/internal/vectorstore"
)

// fixedSearch returns a canned result set regardless of the filter,
// letting tests assert on Assemble's post-search boost/threshold logic
// in isolation from the vector store's own filtering.
type fixedSearch struct {
	results    []vectorstore.SearchResult
	lastTopK   int
	lastFilter vectorstore.SearchFilter
}

func (s *fixedSearch) Search(ctx context.Context, queryVector []float32, topK int, filter vectorstore.SearchFilter) ([]vectorstore.SearchResult, error) {
	s.lastTopK = topK
	s.lastFilter = filter
	return s.results, nil
}

func entry(dataType domain.DataType, text string) domain.VectorEntry {
	return domain.VectorEntry{DataType: dataType, ContentForEmbedding: text}
}

// TestAssembleShouldBoostDoesNotExclude covers §4.2: the should-set
// raises score for matching entries without excluding non-matching
// ones, and the must-filter sent to the store never carries data_types.
func TestAssembleShouldBoostDoesNotExclude(t *testing.T) {
	search := &fixedSearch{results: []vectorstore.SearchResult{
		{Entry: entry(domain.DataTypeFAQ, "faq text"), Score: 0.72},
		{Entry: entry(domain.DataTypeProducts, "product text"), Score: 0.71},
	}}
	a := NewAssembler(search, fakeEmbedder{}, RAGConfig{TopK: 5, ScoreThreshold: 0.7})

	out, err := a.Assemble(t.Context(), "C1", "hello", "en", []domain.DataType{domain.DataTypeProducts})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	if search.lastFilter.DataTypes != nil {
		t.Fatalf("must-filter should never carry data_types, got %v", search.lastFilter.DataTypes)
	}
	if !strings.Contains(out, "faq text") {
		t.Fatalf("non-matching entry should not be excluded, got %q", out)
	}
	if !strings.Contains(out, "product text") {
		t.Fatalf("should-boosted entry missing from output, got %q", out)
	}
	if strings.Index(out, "product text") > strings.Index(out, "faq text") {
		t.Fatalf("boosted entry should rank first, got %q", out)
	}
}

// TestAssembleBoostLiftsEntryOverThreshold verifies the boost can pull
// an entry that is just under threshold before boosting into the kept
// set once boosted, matching "raises the score".
func TestAssembleBoostLiftsEntryOverThreshold(t *testing.T) {
	search := &fixedSearch{results: []vectorstore.SearchResult{
		{Entry: entry(domain.DataTypeServices, "service text"), Score: 0.65},
	}}
	a := NewAssembler(search, fakeEmbedder{}, RAGConfig{TopK: 5, ScoreThreshold: 0.7})

	out, err := a.Assemble(t.Context(), "C1", "hello", "en", []domain.DataType{domain.DataTypeServices})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !strings.Contains(out, "service text") {
		t.Fatalf("boost should have lifted entry over threshold, got %q", out)
	}
}
