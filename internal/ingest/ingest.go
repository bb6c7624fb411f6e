// Package ingest runs the document ingestion pipeline of §4.3: fetch a
// source file, extract structured items via an AI provider, render and
// chunk them, embed, and upsert to the vector store, then report back via
// webhook callback.
//
// The staged validate→fetch→extract→chunk→embed→store shape is grounded
// on the ingestion pipeline in other_examples' wessley-mvp engine/ingest
// package, adapted from NATS consumption to polling a single-claimant
// task queue (internal/store's ExtractionTaskStorer) with the teacher's
// status-column claim idiom.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/worldline-go/klient"
	"github.com/worldline-go/types"

	"github.com/rakunlabs/aiservice/internal/apierr"
	"github.com/rakunlabs/aiservice/internal/config"
	"github.com/rakunlabs/aiservice/internal/domain"
	"github.com/rakunlabs/aiservice/internal/llm"
	"github.com/rakunlabs/aiservice/internal/store"
	"github.com/rakunlabs/aiservice/internal/webhook"
)

// Providers selects text vs vision-capable models by file type (§4.3 step
// 3): images go to the vision model, documents to the text model.
type Providers struct {
	Text   llm.Provider
	Vision llm.Provider
}

func (p Providers) forFileType(fileType string) llm.Provider {
	if isImageType(fileType) && p.Vision != nil {
		return p.Vision
	}
	return p.Text
}

func isImageType(fileType string) bool {
	switch normalizeContentType(fileType) {
	case "image/png", "image/jpeg", "image/jpg", "image/webp", "png", "jpg", "jpeg", "webp":
		return true
	default:
		return false
	}
}

// isSupportedFileType checks the fetched content type against the
// PDF/DOCX/XLSX/TXT/image set named in §4.3 step 1; anything else is a
// terminal 415 (§4.3 step 2, §7 CodeUnsupportedFileType).
func isSupportedFileType(fileType string) bool {
	switch normalizeContentType(fileType) {
	case "application/pdf",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"text/plain":
		return true
	default:
		return isImageType(fileType)
	}
}

// normalizeContentType strips any "; charset=..." parameter and
// lower-cases the media type for comparison.
func normalizeContentType(fileType string) string {
	if i := strings.Index(fileType, ";"); i >= 0 {
		fileType = fileType[:i]
	}
	return strings.ToLower(strings.TrimSpace(fileType))
}

// VectorUpserter is the slice of vectorstore.Store the ingestion pipeline
// needs; narrowed to an interface so the pipeline can be tested without a
// live Milvus connection.
type VectorUpserter interface {
	Upsert(ctx context.Context, entries []domain.VectorEntry) error
	CollectionName() string
}

// Pool runs WorkerCount goroutines each polling the task queue.
type Pool struct {
	store      store.ExtractionTaskStorer
	vectors    VectorUpserter
	embedder   llm.EmbeddingProvider
	providers  Providers
	dispatcher *webhook.Dispatcher
	fetcher    *klient.Client
	model      string
	cfg        config.Ingestion
}

func NewPool(st store.ExtractionTaskStorer, vectors VectorUpserter, embedder llm.EmbeddingProvider, providers Providers, dispatcher *webhook.Dispatcher, model string, cfg config.Ingestion) (*Pool, error) {
	fetcher, err := klient.New(
		klient.WithDisableBaseURLCheck(true),
		klient.WithDisableEnvValues(true),
	)
	if err != nil {
		return nil, fmt.Errorf("build file fetcher client: %w", err)
	}

	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.MinChunkItems <= 0 {
		cfg.MinChunkItems = 20
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 50
	}

	return &Pool{
		store:      st,
		vectors:    vectors,
		embedder:   embedder,
		providers:  providers,
		dispatcher: dispatcher,
		fetcher:    fetcher,
		model:      model,
		cfg:        cfg,
	}, nil
}

// Run starts cfg.WorkerCount polling goroutines and blocks until ctx is
// canceled.
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.cfg.WorkerCount; i++ {
		go p.worker(ctx, i)
	}
	<-ctx.Done()
}

// RunSync processes one task inline and returns its final status,
// bypassing the worker queue (§6.1 POST /api/extract/process: synchronous
// path for small files). The task must already be enqueued so a status
// row exists for callers polling by task_id.
func (p *Pool) RunSync(ctx context.Context, task domain.ExtractionTask) (domain.ExtractionStatus, int, error) {
	chunksCreated, err := p.run(ctx, task)
	if err != nil {
		_ = p.store.UpdateTaskStatus(ctx, task.TaskID, domain.StatusFailed, 0, err.Error())
		p.callback(ctx, task, domain.StatusFailed, 0, time.Now(), err)
		return domain.StatusFailed, 0, err
	}

	if err := p.store.UpdateTaskStatus(ctx, task.TaskID, domain.StatusCompleted, chunksCreated, ""); err != nil {
		return domain.StatusFailed, 0, fmt.Errorf("mark completed: %w", err)
	}
	p.callback(ctx, task, domain.StatusCompleted, chunksCreated, time.Now(), nil)
	return domain.StatusCompleted, chunksCreated, nil
}

func (p *Pool) worker(ctx context.Context, id int) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task, err := p.store.ClaimNextTask(ctx)
			if err != nil {
				slog.Error("ingest: claim failed", "worker", id, "error", err)
				continue
			}
			if task == nil {
				continue
			}
			p.process(ctx, *task)
		}
	}
}

func (p *Pool) process(ctx context.Context, task domain.ExtractionTask) {
	start := time.Now()
	log := slog.With("task_id", task.TaskID, "company_id", task.CompanyID, "file_id", task.FileID)

	chunksCreated, err := p.run(ctx, task)
	if err != nil {
		log.Error("ingest: task failed", "error", err)
		_ = p.store.UpdateTaskStatus(ctx, task.TaskID, domain.StatusFailed, 0, err.Error())
		p.callback(ctx, task, domain.StatusFailed, 0, start, err)
		return
	}

	if err := p.store.UpdateTaskStatus(ctx, task.TaskID, domain.StatusCompleted, chunksCreated, ""); err != nil {
		log.Error("ingest: mark completed failed", "error", err)
		return
	}
	p.callback(ctx, task, domain.StatusCompleted, chunksCreated, start, nil)
}

func (p *Pool) run(ctx context.Context, task domain.ExtractionTask) (int, error) {
	if err := p.store.UpdateTaskStatus(ctx, task.TaskID, domain.StatusProcessing, 0, ""); err != nil {
		return 0, fmt.Errorf("transition to processing: %w", err)
	}

	body, fileType, err := p.fetchFile(ctx, task.FileURL)
	if err != nil {
		return 0, err
	}

	tmpl := TemplateFor(task.Industry, task.DataType)

	var items []map[string]any
	err = retrySubstep(ctx, 3, func() error {
		var extractErr error
		items, extractErr = p.extract(ctx, task, tmpl, body, fileType)
		return extractErr
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", apierr.New(apierr.CodeExtractorFailed, "extractor call failed"), err)
	}

	chunks, err := BuildChunks(tmpl, items, p.cfg.MinChunkItems)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, fmt.Errorf("extraction produced no chunks")
	}

	// No partial upsert: any embedding failure aborts the task entirely
	// (§4.3 step 7 invariant).
	entries, err := p.embedChunks(ctx, task, chunks)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", apierr.New(apierr.CodeEmbeddingFailed, "embedding failed"), err)
	}

	err = retrySubstep(ctx, 3, func() error {
		return p.vectors.Upsert(ctx, entries)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", apierr.New(apierr.CodeVectorStoreFailed, "vector upsert failed"), err)
	}

	return len(chunks), nil
}

// retrySubstep retries a transient substep (extractor/vector-store call)
// with exponential backoff, up to attempts tries (§4.3 retry policy).
func retrySubstep(ctx context.Context, attempts int, fn func() error) error {
	var err error
	backoff := 500 * time.Millisecond
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return err
}

func (p *Pool) fetchFile(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build fetch request: %w", err)
	}

	resp, err := p.fetcher.HTTP.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", apierr.New(apierr.CodeExtractorFailed, "source file not found at fetch URL")
	}
	if resp.StatusCode >= 400 {
		return nil, "", apierr.New(apierr.CodeExtractorFailed, fmt.Sprintf("fetch file: status %d", resp.StatusCode))
	}

	fileType := resp.Header.Get("Content-Type")
	if !isSupportedFileType(fileType) {
		return nil, "", apierr.New(apierr.CodeUnsupportedFileType, fmt.Sprintf("unsupported file type %q", fileType))
	}

	maxBytes := int64(p.cfg.MaxFileSizeMB) * 1024 * 1024
	limited := io.LimitReader(resp.Body, maxBytes+1)
	buf, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read file body: %w", err)
	}
	if int64(len(buf)) > maxBytes {
		return nil, "", apierr.New(apierr.CodeFileTooLarge, fmt.Sprintf("file exceeds max size of %d MB", p.cfg.MaxFileSizeMB))
	}

	return buf, fileType, nil
}

// extract calls the selected provider with the template's extraction
// prompt and the fetched content, expecting a JSON array of item objects.
func (p *Pool) extract(ctx context.Context, task domain.ExtractionTask, tmpl Template, body []byte, fileType string) ([]map[string]any, error) {
	provider := p.providers.forFileType(fileType)
	if provider == nil {
		return nil, fmt.Errorf("no provider configured for file type %q", fileType)
	}

	content := tmpl.ExtractPrompt + "\n\nSource content:\n" + truncateForPrompt(body)

	resp, err := provider.Chat(ctx, p.model, []llm.Message{
		{Role: "user", Content: content},
	})
	if err != nil {
		return nil, err
	}

	raw := strings.TrimSpace(resp.Content)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var items []map[string]any
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("unmarshal extraction result: %w", err)
	}
	return items, nil
}

func truncateForPrompt(body []byte) string {
	const maxPromptBytes = 200 * 1024
	if len(body) > maxPromptBytes {
		body = body[:maxPromptBytes]
	}
	return string(body)
}

func (p *Pool) embedChunks(ctx context.Context, task domain.ExtractionTask, chunks []Chunk) ([]domain.VectorEntry, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.ContentForEmbedding
	}

	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}

	entries := make([]domain.VectorEntry, len(chunks))
	for i, c := range chunks {
		entries[i] = domain.VectorEntry{
			PointID:             ulid.Make().String(),
			CompanyID:           task.CompanyID,
			DataType:            task.DataType,
			Industry:            task.Industry,
			ContentForEmbedding: c.ContentForEmbedding,
			StructuredData:      c.StructuredData,
			Vector:              vectors[i],
			Tags:                []string{c.Category},
			FileID:              types.NewNull(task.FileID),
		}
	}
	return entries, nil
}

func (p *Pool) callback(ctx context.Context, task domain.ExtractionTask, status domain.ExtractionStatus, chunksCreated int, start time.Time, runErr error) {
	if task.CallbackURL == "" {
		return
	}

	data := map[string]any{
		"fileId": task.FileID,
		"taskId": task.TaskID,
		"status": string(status),
	}
	if status == domain.StatusCompleted {
		data["chunksCreated"] = chunksCreated
		data["processingTime"] = time.Since(start).Seconds()
		data["qdrantCollection"] = p.vectors.CollectionName()
		data["vectorDimensions"] = p.embedder.Dimension()
		data["embeddingModel"] = p.model
	} else if runErr != nil {
		data["error"] = runErr.Error()
	}

	env := webhook.NewEnvelope("file.uploaded", task.CompanyID, data, nil)
	if err := p.dispatcher.Send(ctx, http.MethodPost, task.CallbackURL, env); err != nil {
		slog.Error("ingest: callback dispatch failed", "task_id", task.TaskID, "error", err)
	}
}
