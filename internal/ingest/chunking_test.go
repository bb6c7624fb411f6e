package ingest

import (
	"testing"

	"github.com/rakunlabs/aiservice/internal/domain"
)

func itemsByCategory(counts map[string]int) []map[string]any {
	var items []map[string]any
	i := 0
	for cat, n := range counts {
		for j := 0; j < n; j++ {
			items = append(items, map[string]any{
				"name":        "item-" + cat,
				"category":    cat,
				"description": "a tasty dish",
				"price":       10,
				"currency":    "VND",
			})
			i++
		}
	}
	return items
}

func TestBuildChunksCategorizationScenario(t *testing.T) {
	// 25 items across {appetizer:10, main:22, dessert:5}: main becomes its
	// own chunk, appetizer+dessert (15 < 20) pool into a single smaller
	// chunk since it's the sole remainder (spec.md §8 scenario 5).
	items := itemsByCategory(map[string]int{"appetizer": 10, "main": 22, "dessert": 5})
	tmpl := TemplateFor(domain.IndustryRestaurant, domain.DataTypeProducts)

	chunks, err := BuildChunks(tmpl, items, 20)
	if err != nil {
		t.Fatalf("BuildChunks: %v", err)
	}

	if len(chunks) != 2 {
		t.Fatalf("chunks_created = %d, want 2", len(chunks))
	}

	var mainChunk, poolChunk *Chunk
	for i := range chunks {
		switch chunks[i].Category {
		case "main":
			mainChunk = &chunks[i]
		case uncategorized:
			poolChunk = &chunks[i]
		}
	}

	if mainChunk == nil {
		t.Fatal("expected a standalone 'main' chunk")
	}
	if poolChunk == nil {
		t.Fatal("expected an 'uncategorized' pool chunk")
	}

	poolItems, ok := poolChunk.StructuredData["items"].([]map[string]any)
	if !ok {
		t.Fatalf("pool chunk structured_data missing items: %#v", poolChunk.StructuredData)
	}
	if len(poolItems) != 15 {
		t.Fatalf("pool chunk has %d items, want 15", len(poolItems))
	}
}

func TestBuildChunksAllCategoriesAboveThreshold(t *testing.T) {
	items := itemsByCategory(map[string]int{"main": 20, "drinks": 25})
	tmpl := TemplateFor(domain.IndustryRestaurant, domain.DataTypeProducts)

	chunks, err := BuildChunks(tmpl, items, 20)
	if err != nil {
		t.Fatalf("BuildChunks: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 standalone chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if c.Category == uncategorized {
			t.Fatal("no pool chunk expected when every category meets the threshold")
		}
	}
}

func TestBuildChunksPoolBatchedAtThreshold(t *testing.T) {
	// Three small categories totalling 45 items pool and rebatch into
	// ceil(45/20) = 3 chunks, last one smaller.
	items := itemsByCategory(map[string]int{"a": 15, "b": 15, "c": 15})
	tmpl := TemplateFor(domain.IndustryRestaurant, domain.DataTypeProducts)

	chunks, err := BuildChunks(tmpl, items, 20)
	if err != nil {
		t.Fatalf("BuildChunks: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 pooled chunks, got %d", len(chunks))
	}

	total := 0
	for _, c := range chunks {
		n, _ := c.StructuredData["items"].([]map[string]any)
		total += len(n)
	}
	if total != 45 {
		t.Fatalf("total pooled items = %d, want 45", total)
	}
}

func TestBuildChunksEmptyInput(t *testing.T) {
	tmpl := TemplateFor(domain.IndustryOther, domain.DataTypeProducts)
	chunks, err := BuildChunks(tmpl, nil, 20)
	if err != nil {
		t.Fatalf("BuildChunks: %v", err)
	}
	if chunks != nil {
		t.Fatalf("expected no chunks for empty input, got %#v", chunks)
	}
}

func TestBuildChunksKnowledgeBaseStandalone(t *testing.T) {
	items := []map[string]any{
		{"heading": "Intro", "content": "Welcome to our service."},
		{"heading": "Pricing", "content": "Plans start at 100k VND."},
	}
	tmpl := TemplateFor(domain.IndustryOther, domain.DataTypeKnowledgeBase)

	chunks, err := BuildChunks(tmpl, items, 20)
	if err != nil {
		t.Fatalf("BuildChunks: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected one standalone chunk per item, got %d", len(chunks))
	}
}
