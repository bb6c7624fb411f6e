package chatengine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rakunlabs/aiservice/internal/apierr"
	"github.com/rakunlabs/aiservice/internal/domain"
	"github.com/rakunlabs/aiservice/internal/llm"
	"github.com/rakunlabs/aiservice/internal/vectorstore"
)

const defaultMaxContextBytes = 8192

// shouldBoost is the score multiplier applied to entries whose data_type
// is in the should-set (§4.2: "raises the score... does not exclude").
const shouldBoost = 1.15

// candidatePoolFactor widens the search beyond top-K before boosting and
// re-ranking, so entries that only clear the threshold after a boost are
// still in the pool.
const candidatePoolFactor = 3

// Searcher is the slice of *vectorstore.Store the RAG assembler needs,
// narrowed to an interface so it can be exercised without a live Milvus
// connection.
type Searcher interface {
	Search(ctx context.Context, queryVector []float32, topK int, filter vectorstore.SearchFilter) ([]vectorstore.SearchResult, error)
}

// RAGConfig carries the tunables of §4.2's hybrid search contract.
type RAGConfig struct {
	TopK            int
	ScoreThreshold  float64
	MaxContextBytes int
}

// Assembler produces the RAG context block for a chat turn (§4.2).
type Assembler struct {
	search   Searcher
	embedder llm.EmbeddingProvider
	cfg      RAGConfig
}

func NewAssembler(search Searcher, embedder llm.EmbeddingProvider, cfg RAGConfig) *Assembler {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.ScoreThreshold <= 0 {
		cfg.ScoreThreshold = 0.7
	}
	if cfg.MaxContextBytes <= 0 {
		cfg.MaxContextBytes = defaultMaxContextBytes
	}
	return &Assembler{search: search, embedder: embedder, cfg: cfg}
}

// Assemble embeds the query, runs the hybrid search scoped to
// company_id/language (must-filter), then applies data_types as a
// should-boost on top of that candidate pool, and formats the surviving
// top-K entries into one context block (§4.2). The must-filter never
// includes data_types, since the vector store's "in" expression is
// exclusionary and §4.2 requires should to raise score without
// excluding. Never falls back to a hash-derived vector on embedder
// failure.
func (a *Assembler) Assemble(ctx context.Context, companyID, query, language string, dataTypes []domain.DataType) (string, error) {
	vector, err := a.embedder.Embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apierr.New(apierr.CodeEmbeddingFailed, "query embedding failed"), err)
	}

	filter := vectorstore.SearchFilter{CompanyID: companyID, Language: language}
	results, err := a.search.Search(ctx, vector, a.cfg.TopK*candidatePoolFactor, filter)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apierr.New(apierr.CodeVectorStoreFailed, "vector search failed"), err)
	}

	boost := make(map[domain.DataType]bool, len(dataTypes))
	for _, dt := range dataTypes {
		boost[dt] = true
	}

	var kept []vectorstore.SearchResult
	for _, r := range results {
		score := r.Score
		if boost[r.Entry.DataType] {
			score *= shouldBoost
		}
		if float64(score) >= a.cfg.ScoreThreshold {
			kept = append(kept, vectorstore.SearchResult{Entry: r.Entry, Score: score})
		}
	}

	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	if len(kept) > a.cfg.TopK {
		kept = kept[:a.cfg.TopK]
	}

	return formatContext(kept, a.cfg.MaxContextBytes), nil
}

func formatContext(results []vectorstore.SearchResult, maxBytes int) string {
	if len(results) == 0 {
		return ""
	}

	var parts []string
	budget := maxBytes
	for _, r := range results {
		block := r.Entry.ContentForEmbedding + "\n" + provenanceMarker(r.Entry)

		if len(block) > budget {
			if budget <= 0 {
				break
			}
			block = truncateAtSentence(block, budget)
		}

		parts = append(parts, block)
		budget -= len(block)
		if budget <= 0 {
			break
		}
	}

	return strings.Join(parts, "\n\n")
}

func provenanceMarker(e domain.VectorEntry) string {
	id := ""
	switch {
	case e.FileID.Valid:
		id = e.FileID.V
	case e.ProductID.Valid:
		id = e.ProductID.V
	case e.ServiceID.Valid:
		id = e.ServiceID.V
	}
	return fmt.Sprintf("[%s · %s]", e.DataType, id)
}

// truncateAtSentence cuts s to at most n bytes, preferring the last
// sentence boundary (. ! ?) inside the budget and otherwise the last
// space. When the first n bytes hold neither, it cuts at exactly n
// bytes, which splits a word.
func truncateAtSentence(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]

	if i := lastSentenceBoundary(cut); i > 0 {
		return cut[:i+1]
	}
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		return cut[:i]
	}
	return cut
}

func lastSentenceBoundary(s string) int {
	best := -1
	for i, r := range s {
		if r == '.' || r == '!' || r == '?' {
			best = i
		}
	}
	return best
}
