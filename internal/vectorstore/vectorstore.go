// Package vectorstore wraps a Milvus collection for hybrid retrieval
// (§4.2): vector similarity plus a structured filter expression over
// company_id, data_type, language and industry, every clause joined by
// &&. No should-boost is applied here; chatengine's RAG assembler does
// that on the returned scores. Tags are stored but not filtered on.
// The teacher's go.mod carries milvus-sdk-go/v2 without ever using it;
// this is the first consumer.
package vectorstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/worldline-go/types"

	"github.com/rakunlabs/aiservice/internal/config"
	"github.com/rakunlabs/aiservice/internal/domain"
)

const (
	fieldPointID   = "point_id"
	fieldCompanyID = "company_id"
	fieldDataType  = "data_type"
	fieldLanguage  = "language"
	fieldIndustry  = "industry"
	fieldFileID    = "file_id"
	fieldProductID = "product_id"
	fieldServiceID = "service_id"
	fieldTags      = "tags"
	fieldContent   = "content_for_embedding"
	fieldVector    = "vector"
)

type Store struct {
	cli            client.Client
	collectionName string
	dimension      int
}

func New(ctx context.Context, cfg *config.VectorDB, dimension int) (*Store, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("vector_db.url is required")
	}

	opts := []client.Option{}
	if cfg.APIKey != "" {
		opts = append(opts, client.WithAPIKey(cfg.APIKey))
	}

	cli, err := client.NewClient(ctx, client.Config{
		Address: cfg.URL,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect milvus: %w", err)
	}

	collName := cfg.CollectionName
	if collName == "" {
		collName = "ai_service_entries"
	}

	s := &Store{cli: cli, collectionName: collName, dimension: dimension}

	if err := s.ensureCollection(ctx); err != nil {
		cli.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error { return s.cli.Close() }

// CollectionName returns the backing collection name, surfaced in
// ingestion callbacks (§4.3 step 9).
func (s *Store) CollectionName() string { return s.collectionName }

func (s *Store) ensureCollection(ctx context.Context) error {
	has, err := s.cli.HasCollection(ctx, s.collectionName)
	if err != nil {
		return fmt.Errorf("check collection %q: %w", s.collectionName, err)
	}
	if has {
		return s.cli.LoadCollection(ctx, s.collectionName, false)
	}

	schema := &entity.Schema{
		CollectionName: s.collectionName,
		Description:    "ai-service retrieval entries",
		Fields: []*entity.Field{
			{Name: fieldPointID, DataType: entity.FieldTypeVarChar, PrimaryKey: true, AutoID: false, TypeParams: map[string]string{"max_length": "64"}},
			{Name: fieldCompanyID, DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "128"}},
			{Name: fieldDataType, DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "32"}},
			{Name: fieldLanguage, DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "16"}},
			{Name: fieldIndustry, DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "32"}},
			{Name: fieldFileID, DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "64"}},
			{Name: fieldProductID, DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "64"}},
			{Name: fieldServiceID, DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "64"}},
			{Name: fieldTags, DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "512"}},
			{Name: fieldContent, DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "8192"}},
			{Name: fieldVector, DataType: entity.FieldTypeFloatVector, TypeParams: map[string]string{"dim": fmt.Sprintf("%d", s.dimension)}},
		},
	}

	if err := s.cli.CreateCollection(ctx, schema, 2); err != nil {
		return fmt.Errorf("create collection %q: %w", s.collectionName, err)
	}

	idx, err := entity.NewIndexHNSW(entity.COSINE, 16, 200)
	if err != nil {
		return fmt.Errorf("build hnsw index params: %w", err)
	}
	if err := s.cli.CreateIndex(ctx, s.collectionName, fieldVector, idx, false); err != nil {
		return fmt.Errorf("create index on %q: %w", s.collectionName, err)
	}

	return s.cli.LoadCollection(ctx, s.collectionName, false)
}

// Upsert writes or replaces a batch of vector entries. Milvus has no
// native upsert-by-primary-key across all index types uniformly, so this
// deletes any existing rows with the same point_id first.
func (s *Store) Upsert(ctx context.Context, entries []domain.VectorEntry) error {
	if len(entries) == 0 {
		return nil
	}

	ids := make([]string, len(entries))
	pointIDs := make([]string, len(entries))
	companyIDs := make([]string, len(entries))
	dataTypes := make([]string, len(entries))
	languages := make([]string, len(entries))
	industries := make([]string, len(entries))
	fileIDs := make([]string, len(entries))
	productIDs := make([]string, len(entries))
	serviceIDs := make([]string, len(entries))
	tags := make([]string, len(entries))
	contents := make([]string, len(entries))
	vectors := make([][]float32, len(entries))

	for i, e := range entries {
		ids[i] = e.PointID
		pointIDs[i] = e.PointID
		companyIDs[i] = e.CompanyID
		dataTypes[i] = string(e.DataType)
		languages[i] = e.Language
		industries[i] = string(e.Industry)
		if e.FileID.Valid {
			fileIDs[i] = e.FileID.V
		}
		if e.ProductID.Valid {
			productIDs[i] = e.ProductID.V
		}
		if e.ServiceID.Valid {
			serviceIDs[i] = e.ServiceID.V
		}
		tags[i] = strings.Join(e.Tags, ",")
		contents[i] = e.ContentForEmbedding
		vectors[i] = e.Vector
	}

	expr := fmt.Sprintf("%s in [%s]", fieldPointID, quoteList(ids))
	if _, err := s.cli.Delete(ctx, s.collectionName, "", expr); err != nil {
		return fmt.Errorf("delete existing entries before upsert: %w", err)
	}

	columns := []entity.Column{
		entity.NewColumnVarChar(fieldPointID, pointIDs),
		entity.NewColumnVarChar(fieldCompanyID, companyIDs),
		entity.NewColumnVarChar(fieldDataType, dataTypes),
		entity.NewColumnVarChar(fieldLanguage, languages),
		entity.NewColumnVarChar(fieldIndustry, industries),
		entity.NewColumnVarChar(fieldFileID, fileIDs),
		entity.NewColumnVarChar(fieldProductID, productIDs),
		entity.NewColumnVarChar(fieldServiceID, serviceIDs),
		entity.NewColumnVarChar(fieldTags, tags),
		entity.NewColumnVarChar(fieldContent, contents),
		entity.NewColumnFloatVector(fieldVector, s.dimension, vectors),
	}

	if _, err := s.cli.Insert(ctx, s.collectionName, "", columns...); err != nil {
		return fmt.Errorf("insert %d entries: %w", len(entries), err)
	}

	return s.cli.Flush(ctx, s.collectionName, false)
}

// DeleteByFileID removes every entry produced by a given source file,
// used by the admin file and extraction delete handlers (§4.3).
func (s *Store) DeleteByFileID(ctx context.Context, companyID, fileID string) error {
	expr := fmt.Sprintf("%s == %q && %s == %q", fieldCompanyID, companyID, fieldFileID, fileID)
	_, err := s.cli.Delete(ctx, s.collectionName, "", expr)
	if err != nil {
		return fmt.Errorf("delete entries for file %q: %w", fileID, err)
	}
	return nil
}

// DeleteByDataType removes every entry of one data_type for a tenant, used
// by the admin context write-through deletes (§4.8: basic_info/faqs/
// scenarios deletes propagate to the vector store by company_id+data_type).
func (s *Store) DeleteByDataType(ctx context.Context, companyID string, dataType domain.DataType) error {
	expr := fmt.Sprintf("%s == %q && %s == %q", fieldCompanyID, companyID, fieldDataType, string(dataType))
	_, err := s.cli.Delete(ctx, s.collectionName, "", expr)
	if err != nil {
		return fmt.Errorf("delete entries for data_type %q: %w", dataType, err)
	}
	return nil
}

// DeleteByProductID removes the vector entry backing one catalog product
// (§6.1 product delete).
func (s *Store) DeleteByProductID(ctx context.Context, companyID, productID string) error {
	expr := fmt.Sprintf("%s == %q && %s == %q", fieldCompanyID, companyID, fieldProductID, productID)
	_, err := s.cli.Delete(ctx, s.collectionName, "", expr)
	if err != nil {
		return fmt.Errorf("delete entries for product %q: %w", productID, err)
	}
	return nil
}

// DeleteByServiceID removes the vector entry backing one catalog service
// (§6.1 service delete).
func (s *Store) DeleteByServiceID(ctx context.Context, companyID, serviceID string) error {
	expr := fmt.Sprintf("%s == %q && %s == %q", fieldCompanyID, companyID, fieldServiceID, serviceID)
	_, err := s.cli.Delete(ctx, s.collectionName, "", expr)
	if err != nil {
		return fmt.Errorf("delete entries for service %q: %w", serviceID, err)
	}
	return nil
}

// SearchFilter narrows a hybrid search to a tenant's subset of entries.
// CompanyID is a mandatory must-filter (§4.2: never search across
// tenants); DataTypes/Language/Industry are optional, and each one that
// is set adds a clause ANDed with the rest, excluding entries that do not
// match it.
type SearchFilter struct {
	CompanyID string
	DataTypes []domain.DataType
	Language  string
	Industry  domain.Industry
}

type SearchResult struct {
	Entry domain.VectorEntry
	Score float32
}

// Search runs a cosine-similarity top-k search scoped by filter.
func (s *Store) Search(ctx context.Context, queryVector []float32, topK int, filter SearchFilter) ([]SearchResult, error) {
	if filter.CompanyID == "" {
		return nil, fmt.Errorf("search requires a company_id filter")
	}

	var clauses []string
	clauses = append(clauses, fmt.Sprintf("%s == %q", fieldCompanyID, filter.CompanyID))
	if len(filter.DataTypes) > 0 {
		dt := make([]string, len(filter.DataTypes))
		for i, d := range filter.DataTypes {
			dt[i] = string(d)
		}
		clauses = append(clauses, fmt.Sprintf("%s in [%s]", fieldDataType, quoteList(dt)))
	}
	if filter.Language != "" {
		clauses = append(clauses, fmt.Sprintf("%s == %q", fieldLanguage, filter.Language))
	}
	if filter.Industry != "" {
		clauses = append(clauses, fmt.Sprintf("%s == %q", fieldIndustry, string(filter.Industry)))
	}
	expr := strings.Join(clauses, " && ")

	sp, err := entity.NewIndexHNSWSearchParam(64)
	if err != nil {
		return nil, fmt.Errorf("build search params: %w", err)
	}

	results, err := s.cli.Search(
		ctx, s.collectionName, nil, expr,
		[]string{fieldPointID, fieldCompanyID, fieldDataType, fieldLanguage, fieldIndustry, fieldFileID, fieldProductID, fieldServiceID, fieldTags, fieldContent},
		[]entity.Vector{entity.FloatVector(queryVector)},
		fieldVector, entity.COSINE, topK, sp,
	)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	var out []SearchResult
	for _, r := range results {
		for i := 0; i < r.ResultCount; i++ {
			entry, err := rowToEntry(r, i)
			if err != nil {
				return nil, err
			}
			score := float32(0)
			if i < len(r.Scores) {
				score = r.Scores[i]
			}
			out = append(out, SearchResult{Entry: entry, Score: score})
		}
	}

	return out, nil
}

func rowToEntry(r client.SearchResult, i int) (domain.VectorEntry, error) {
	var e domain.VectorEntry
	for _, f := range r.Fields {
		col, ok := f.(*entity.ColumnVarChar)
		if !ok {
			continue
		}
		v := col.Data()[i]
		switch f.Name() {
		case fieldPointID:
			e.PointID = v
		case fieldCompanyID:
			e.CompanyID = v
		case fieldDataType:
			e.DataType = domain.DataType(v)
		case fieldLanguage:
			e.Language = v
		case fieldIndustry:
			e.Industry = domain.Industry(v)
		case fieldFileID:
			if v != "" {
				e.FileID = types.NewNull(v)
			}
		case fieldProductID:
			if v != "" {
				e.ProductID = types.NewNull(v)
			}
		case fieldServiceID:
			if v != "" {
				e.ServiceID = types.NewNull(v)
			}
		case fieldTags:
			if v != "" {
				e.Tags = strings.Split(v, ",")
			}
		case fieldContent:
			e.ContentForEmbedding = v
		}
	}
	return e, nil
}

func quoteList(vals []string) string {
	quoted := make([]string, len(vals))
	for i, v := range vals {
		quoted[i] = fmt.Sprintf("%q", v)
	}
	return strings.Join(quoted, ", ")
}
