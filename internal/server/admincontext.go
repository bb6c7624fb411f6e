package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/aiservice/internal/apierr"
	"github.com/rakunlabs/aiservice/internal/domain"
)

// recordTypeDataType maps the three admin context record types of §4.8 to
// the vector-entry data_type tag written alongside them.
var recordTypeDataType = map[string]domain.DataType{
	"basic-info": domain.DataTypeCompanyInfo,
	"faqs":       domain.DataTypeFAQ,
	"scenarios":  domain.DataTypeKnowledgeBase,
}

// handleContextGet serves GET /api/admin/companies/{company_id}/context/{record_type}.
func (s *Server) handleContextGet(w http.ResponseWriter, r *http.Request, companyID, recordType string) {
	if _, ok := recordTypeDataType[recordType]; !ok {
		writeErr(w, apierr.New(apierr.CodeMissingRequiredField, fmt.Sprintf("unknown context record type %q", recordType)))
		return
	}

	records, err := s.store.GetContext(r.Context(), companyID, recordType)
	if err != nil {
		writeErr(w, fmt.Errorf("%w: %v", apierr.New(apierr.CodeInternal, "fetch context failed"), err))
		return
	}
	writeJSON(w, map[string]any{"companyId": companyID, "recordType": recordType, "records": records}, http.StatusOK)
}

// handleContextSet serves PUT/POST /api/admin/companies/{company_id}/context/{record_type}:
// replaces the full record set and its vector entries (§4.8 write-through).
func (s *Server) handleContextSet(w http.ResponseWriter, r *http.Request, companyID, recordType string) {
	dataType, ok := recordTypeDataType[recordType]
	if !ok {
		writeErr(w, apierr.New(apierr.CodeMissingRequiredField, fmt.Sprintf("unknown context record type %q", recordType)))
		return
	}

	var body struct {
		Records  []map[string]any `json:"records"`
		Language string           `json:"language"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, apierr.New(apierr.CodeMissingRequiredField, "invalid request body"))
		return
	}

	if err := s.store.SetContext(r.Context(), companyID, recordType, body.Records); err != nil {
		writeErr(w, fmt.Errorf("%w: %v", apierr.New(apierr.CodeInternal, "store context failed"), err))
		return
	}

	if err := s.reindexContext(r.Context(), companyID, dataType, body.Language, body.Records); err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, map[string]any{"companyId": companyID, "recordType": recordType, "count": len(body.Records)}, http.StatusOK)
}

// handleContextAdd serves POST .../context/{record_type}/item: appends one
// record and its vector entry without touching the rest of the set.
func (s *Server) handleContextAdd(w http.ResponseWriter, r *http.Request, companyID, recordType string) {
	dataType, ok := recordTypeDataType[recordType]
	if !ok {
		writeErr(w, apierr.New(apierr.CodeMissingRequiredField, fmt.Sprintf("unknown context record type %q", recordType)))
		return
	}

	var body struct {
		Record   map[string]any `json:"record"`
		Language string         `json:"language"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Record == nil {
		writeErr(w, apierr.New(apierr.CodeMissingRequiredField, "invalid request body"))
		return
	}

	if err := s.store.AddContextItem(r.Context(), companyID, recordType, body.Record); err != nil {
		writeErr(w, fmt.Errorf("%w: %v", apierr.New(apierr.CodeInternal, "store context item failed"), err))
		return
	}

	if err := s.upsertContextVector(r.Context(), companyID, dataType, body.Language, body.Record); err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, map[string]any{"companyId": companyID, "recordType": recordType, "success": true}, http.StatusOK)
}

// handleContextDelete serves DELETE /api/admin/companies/{company_id}/context/{record_type}:
// drops the structured records and their vector entries (§4.8).
func (s *Server) handleContextDelete(w http.ResponseWriter, r *http.Request, companyID, recordType string) {
	dataType, ok := recordTypeDataType[recordType]
	if !ok {
		writeErr(w, apierr.New(apierr.CodeMissingRequiredField, fmt.Sprintf("unknown context record type %q", recordType)))
		return
	}

	if err := s.store.DeleteContext(r.Context(), companyID, recordType); err != nil {
		writeErr(w, fmt.Errorf("%w: %v", apierr.New(apierr.CodeInternal, "delete context failed"), err))
		return
	}

	if s.vectors != nil {
		if err := s.vectors.DeleteByDataType(r.Context(), companyID, dataType); err != nil {
			writeErr(w, fmt.Errorf("%w: %v", apierr.New(apierr.CodeVectorStoreFailed, "vector delete failed"), err))
			return
		}
	}

	writeJSON(w, map[string]any{"companyId": companyID, "recordType": recordType, "success": true}, http.StatusOK)
}

// reindexContext replaces every vector entry for (companyID, dataType) with
// one freshly embedded entry per record (§4.8 write-through invariant:
// embedding text == stored retrieval text).
func (s *Server) reindexContext(ctx context.Context, companyID string, dataType domain.DataType, language string, records []map[string]any) error {
	if s.vectors == nil {
		return nil
	}

	if err := s.vectors.DeleteByDataType(ctx, companyID, dataType); err != nil {
		return fmt.Errorf("%w: %v", apierr.New(apierr.CodeVectorStoreFailed, "vector delete before reindex failed"), err)
	}

	if len(records) == 0 {
		return nil
	}

	texts := make([]string, len(records))
	for i, rec := range records {
		texts[i] = renderContextSentence(dataType, rec)
	}

	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("%w: %v", apierr.New(apierr.CodeEmbeddingFailed, "context embedding failed"), err)
	}

	entries := make([]domain.VectorEntry, len(records))
	for i, rec := range records {
		entries[i] = domain.VectorEntry{
			PointID:             ulid.Make().String(),
			CompanyID:           companyID,
			DataType:            dataType,
			Language:            language,
			ContentForEmbedding: texts[i],
			StructuredData:      rec,
			Vector:              vectors[i],
		}
	}

	if err := s.vectors.Upsert(ctx, entries); err != nil {
		return fmt.Errorf("%w: %v", apierr.New(apierr.CodeVectorStoreFailed, "context vector upsert failed"), err)
	}
	return nil
}

// upsertContextVector embeds and appends a single record's vector entry
// without touching the rest of the (companyID, dataType) set.
func (s *Server) upsertContextVector(ctx context.Context, companyID string, dataType domain.DataType, language string, record map[string]any) error {
	if s.vectors == nil {
		return nil
	}

	text := renderContextSentence(dataType, record)
	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("%w: %v", apierr.New(apierr.CodeEmbeddingFailed, "context embedding failed"), err)
	}

	entry := domain.VectorEntry{
		PointID:             ulid.Make().String(),
		CompanyID:           companyID,
		DataType:            dataType,
		Language:            language,
		ContentForEmbedding: text,
		StructuredData:      record,
		Vector:              vector,
	}
	if err := s.vectors.Upsert(ctx, []domain.VectorEntry{entry}); err != nil {
		return fmt.Errorf("%w: %v", apierr.New(apierr.CodeVectorStoreFailed, "context vector upsert failed"), err)
	}
	return nil
}

// renderContextSentence turns one admin-context record into the natural-
// language sentence stored as content_for_embedding (§4.2 invariant),
// recognizing the common question/answer and title/body shapes and
// falling back to a stable "key: value" join otherwise.
func renderContextSentence(dataType domain.DataType, record map[string]any) string {
	if q, ok := stringField(record, "question"); ok {
		if a, ok := stringField(record, "answer"); ok {
			return fmt.Sprintf("Q: %s\nA: %s", q, a)
		}
	}
	if title, ok := stringField(record, "title"); ok {
		if body, ok := stringField(record, "content"); ok {
			return fmt.Sprintf("%s: %s", title, body)
		}
	}
	if name, ok := stringField(record, "name"); ok {
		if desc, ok := stringField(record, "description"); ok {
			return fmt.Sprintf("%s: %s", name, desc)
		}
	}

	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, record[k]))
	}
	return strings.Join(parts, ", ")
}

func stringField(record map[string]any, key string) (string, bool) {
	v, ok := record[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}
