package ingest

import (
	"fmt"
	"strings"
)

// Chunk is one unit of content destined for a single vector entry.
type Chunk struct {
	Category            string
	ContentForEmbedding string
	StructuredData      map[string]any
}

const uncategorized = "uncategorized"

// BuildChunks applies the category chunking rule of §4.3 step 6: a
// category with >= minItems items becomes its own chunk; categories
// below that threshold are pooled as "uncategorized" and rebatched into
// groups of >= minItems (the final batch may be smaller only if it is
// the sole remainder).
//
// Knowledge-base style extraction (data without a "name" field, e.g.
// {heading, content}) instead yields one standalone chunk per item,
// matching §4.3's "each chunk is standalone" rule for semantic chunking.
func BuildChunks(tmpl Template, items []map[string]any, minItems int) ([]Chunk, error) {
	if len(items) == 0 {
		return nil, nil
	}

	if !isCatalogItem(items[0]) {
		return knowledgeBaseChunks(tmpl, items)
	}

	byCategory := map[string][]map[string]any{}
	var order []string
	for _, item := range items {
		cat := categoryOf(item)
		if _, seen := byCategory[cat]; !seen {
			order = append(order, cat)
		}
		byCategory[cat] = append(byCategory[cat], item)
	}

	var chunks []Chunk
	var pool []map[string]any

	for _, cat := range order {
		group := byCategory[cat]
		if len(group) >= minItems {
			c, err := buildChunk(tmpl, cat, group)
			if err != nil {
				return nil, err
			}
			chunks = append(chunks, c)
		} else {
			pool = append(pool, group...)
		}
	}

	for len(pool) > 0 {
		batchSize := minItems
		if batchSize > len(pool) {
			batchSize = len(pool)
		}
		batch := pool[:batchSize]
		pool = pool[batchSize:]

		c, err := buildChunk(tmpl, uncategorized, batch)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}

	return chunks, nil
}

func isCatalogItem(item map[string]any) bool {
	_, hasName := item["name"]
	return hasName
}

func categoryOf(item map[string]any) string {
	if v, ok := item["category"].(string); ok && v != "" {
		return v
	}
	return uncategorized
}

func buildChunk(tmpl Template, category string, items []map[string]any) (Chunk, error) {
	var sentences []string
	for _, item := range items {
		s, err := RenderSentence(tmpl, item)
		if err != nil {
			return Chunk{}, fmt.Errorf("render item sentence: %w", err)
		}
		sentences = append(sentences, s)
	}

	return Chunk{
		Category:            category,
		ContentForEmbedding: strings.Join(sentences, "\n"),
		StructuredData:      map[string]any{"category": category, "items": items},
	}, nil
}

func knowledgeBaseChunks(tmpl Template, items []map[string]any) ([]Chunk, error) {
	chunks := make([]Chunk, 0, len(items))
	for _, item := range items {
		content := stringField(item, "content")
		if content == "" {
			content = stringField(item, "heading")
		}
		chunks = append(chunks, Chunk{
			ContentForEmbedding: content,
			StructuredData:      item,
		})
	}
	return chunks, nil
}

func stringField(item map[string]any, field string) string {
	if v, ok := item[field].(string); ok {
		return v
	}
	return ""
}
