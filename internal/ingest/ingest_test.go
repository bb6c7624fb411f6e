package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rakunlabs/aiservice/internal/apierr"
	"github.com/rakunlabs/aiservice/internal/config"
	"github.com/rakunlabs/aiservice/internal/domain"
	"github.com/rakunlabs/aiservice/internal/llm"
	"github.com/rakunlabs/aiservice/internal/webhook"
)

type fakeTaskStore struct {
	mu       sync.Mutex
	tasks    map[string]*domain.ExtractionTask
	statuses []domain.ExtractionStatus
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: map[string]*domain.ExtractionTask{}}
}

func (s *fakeTaskStore) EnqueueTask(ctx context.Context, t domain.ExtractionTask) (*domain.ExtractionTask, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.TaskID] = &t
	return &t, true, nil
}

func (s *fakeTaskStore) ClaimNextTask(ctx context.Context) (*domain.ExtractionTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.Status == domain.StatusPending {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeTaskStore) UpdateTaskStatus(ctx context.Context, taskID string, status domain.ExtractionStatus, chunksCreated int, taskErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil
	}
	t.Status = status
	t.ChunksCreated = chunksCreated
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *fakeTaskStore) GetTask(ctx context.Context, taskID string) (*domain.ExtractionTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *fakeTaskStore) GCTerminalTasks(ctx context.Context) (int, error) { return 0, nil }

type fakeVectors struct {
	mu      sync.Mutex
	entries []domain.VectorEntry
}

func (v *fakeVectors) Upsert(ctx context.Context, entries []domain.VectorEntry) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries = append(v.entries, entries...)
	return nil
}

func (v *fakeVectors) CollectionName() string { return "test_collection" }

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

// flakyExtractProvider fails the first N calls, then succeeds — models
// scenario 6's "extractor returns 503 twice then succeeds".
type flakyExtractProvider struct {
	failFirst int32
	calls     int32
	content   string
}

func (p *flakyExtractProvider) Chat(ctx context.Context, model string, messages []llm.Message) (*llm.Response, error) {
	n := atomic.AddInt32(&p.calls, 1)
	if n <= p.failFirst {
		return nil, errServiceUnavailable
	}
	return &llm.Response{Content: p.content}, nil
}

var errServiceUnavailable = &testError{"extractor: 503 service unavailable"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func testIngestConfig() config.Ingestion {
	return config.Ingestion{WorkerCount: 1, MaxFileSizeMB: 50, MinChunkItems: 20}
}

func TestIngestionCategorizationEndToEnd(t *testing.T) {
	items := itemsByCategory(map[string]int{"appetizer": 10, "main": 22, "dessert": 5})
	raw, err := json.Marshal(items)
	if err != nil {
		t.Fatalf("marshal items: %v", err)
	}

	fileSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("menu contents"))
	}))
	defer fileSrv.Close()

	var callbackBody map[string]any
	callbackSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&callbackBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer callbackSrv.Close()

	taskStore := newFakeTaskStore()
	vectors := &fakeVectors{}
	provider := &flakyExtractProvider{content: string(raw)}
	dispatcher, err := webhook.New(config.Webhook{Secret: "s", MaxAttempts: 1, Backoff: time.Millisecond}, "test")
	if err != nil {
		t.Fatalf("webhook.New: %v", err)
	}

	pool, err := NewPool(taskStore, vectors, fakeEmbedder{}, Providers{Text: provider}, dispatcher, "test-model", testIngestConfig())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	task := domain.ExtractionTask{
		TaskID:      "task-1",
		CompanyID:   "co-1",
		FileID:      "file-1",
		FileURL:     fileSrv.URL,
		Industry:    domain.IndustryRestaurant,
		DataType:    domain.DataTypeProducts,
		CallbackURL: callbackSrv.URL,
		Status:      domain.StatusPending,
	}
	taskStore.tasks[task.TaskID] = &task

	pool.process(t.Context(), task)

	got, err := taskStore.GetTask(t.Context(), "task-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status = %v, want completed", got.Status)
	}
	if got.ChunksCreated != 2 {
		t.Fatalf("chunks_created = %d, want 2", got.ChunksCreated)
	}

	callbackData, _ := callbackBody["data"].(map[string]any)
	if callbackData["status"] != "completed" {
		t.Fatalf("callback data.status = %v, want completed", callbackData["status"])
	}
}

func TestIngestionRetriesExtractorThenSucceeds(t *testing.T) {
	items := itemsByCategory(map[string]int{"main": 20})
	raw, _ := json.Marshal(items)

	fileSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("menu contents"))
	}))
	defer fileSrv.Close()

	var callbackBody map[string]any
	callbackSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&callbackBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer callbackSrv.Close()

	taskStore := newFakeTaskStore()
	vectors := &fakeVectors{}
	provider := &flakyExtractProvider{failFirst: 2, content: string(raw)}
	dispatcher, err := webhook.New(config.Webhook{Secret: "s", MaxAttempts: 1, Backoff: time.Millisecond}, "test")
	if err != nil {
		t.Fatalf("webhook.New: %v", err)
	}

	pool, err := NewPool(taskStore, vectors, fakeEmbedder{}, Providers{Text: provider}, dispatcher, "test-model", testIngestConfig())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	task := domain.ExtractionTask{
		TaskID:      "task-2",
		CompanyID:   "co-1",
		FileID:      "file-2",
		FileURL:     fileSrv.URL,
		Industry:    domain.IndustryRestaurant,
		DataType:    domain.DataTypeProducts,
		CallbackURL: callbackSrv.URL,
		Status:      domain.StatusPending,
	}
	taskStore.tasks[task.TaskID] = &task

	pool.process(t.Context(), task)

	got, err := taskStore.GetTask(t.Context(), "task-2")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status = %v, want completed", got.Status)
	}

	if want := []domain.ExtractionStatus{domain.StatusProcessing, domain.StatusCompleted}; !statusesMatch(taskStore.statuses, want) {
		t.Fatalf("status transitions = %v, want pending->processing->completed", taskStore.statuses)
	}

	if atomic.LoadInt32(&provider.calls) != 3 {
		t.Fatalf("expected 3 extractor attempts, got %d", provider.calls)
	}

	callbackData, _ := callbackBody["data"].(map[string]any)
	if callbackData["status"] != "completed" {
		t.Fatalf("callback data.status = %v, want completed", callbackData["status"])
	}
}

func testPool(t *testing.T) *Pool {
	t.Helper()
	dispatcher, err := webhook.New(config.Webhook{Secret: "s", MaxAttempts: 1, Backoff: time.Millisecond}, "test")
	if err != nil {
		t.Fatalf("webhook.New: %v", err)
	}
	pool, err := NewPool(newFakeTaskStore(), &fakeVectors{}, fakeEmbedder{}, Providers{Text: &flakyExtractProvider{}}, dispatcher, "test-model", testIngestConfig())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return pool
}

func apiErrCode(t *testing.T, err error) apierr.Code {
	t.Helper()
	var ae *apierr.Error
	if !errors.As(err, &ae) {
		t.Fatalf("error %v is not an *apierr.Error", err)
	}
	return ae.HTTPCode
}

// TestFetchFileRejectsUnsupportedContentType covers §4.3 step 2's 415
// hard failure: a fetched Content-Type outside PDF/DOCX/XLSX/TXT/image
// fails terminally with CodeUnsupportedFileType.
func TestFetchFileRejectsUnsupportedContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		w.Write([]byte("PK\x03\x04"))
	}))
	defer srv.Close()

	pool := testPool(t)
	_, _, err := pool.fetchFile(t.Context(), srv.URL)
	if err == nil {
		t.Fatalf("expected an error for unsupported content type")
	}
	if code := apiErrCode(t, err); code != apierr.CodeUnsupportedFileType {
		t.Fatalf("code = %v, want %v", code, apierr.CodeUnsupportedFileType)
	}
}

// TestFetchFileSizeBoundary is the §8 testable property: a file at
// MaxFileSizeMB is accepted, one byte over fails with CodeFileTooLarge.
func TestFetchFileSizeBoundary(t *testing.T) {
	const maxMB = 1
	exact := make([]byte, maxMB*1024*1024)
	oversize := make([]byte, maxMB*1024*1024+1)

	newSrv := func(body []byte) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			w.Write(body)
		}))
	}

	pool := testPool(t)
	pool.cfg.MaxFileSizeMB = maxMB

	okSrv := newSrv(exact)
	defer okSrv.Close()
	if _, _, err := pool.fetchFile(t.Context(), okSrv.URL); err != nil {
		t.Fatalf("file at max size should be accepted, got %v", err)
	}

	tooBigSrv := newSrv(oversize)
	defer tooBigSrv.Close()
	_, _, err := pool.fetchFile(t.Context(), tooBigSrv.URL)
	if err == nil {
		t.Fatalf("expected an error for oversize file")
	}
	if code := apiErrCode(t, err); code != apierr.CodeFileTooLarge {
		t.Fatalf("code = %v, want %v", code, apierr.CodeFileTooLarge)
	}
}

// TestFetchFileNotFound covers the 404 hard failure mapped to a typed
// upstream error (§4.3 step 2; §7 has no dedicated not-found code).
func TestFetchFileNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	pool := testPool(t)
	_, _, err := pool.fetchFile(t.Context(), srv.URL)
	if err == nil {
		t.Fatalf("expected an error for 404")
	}
	if code := apiErrCode(t, err); code != apierr.CodeExtractorFailed {
		t.Fatalf("code = %v, want %v", code, apierr.CodeExtractorFailed)
	}
}

func statusesMatch(got, want []domain.ExtractionStatus) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
