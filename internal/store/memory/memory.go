// Package memory is an in-process Storer backend: sync.RWMutex-guarded
// maps with ULID ids, suitable for tests and single-instance development.
// Grounded on the teacher's internal/store/memory/memory.go CRUD pattern.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/worldline-go/types"

	"github.com/rakunlabs/aiservice/internal/domain"
)

type Store struct {
	mu sync.RWMutex

	tenants map[string]domain.Tenant
	plugins map[string]domain.Plugin
	tasks   map[string]domain.ExtractionTask
	// ctx[companyID][recordType] -> ordered records
	ctx map[string]map[string][]map[string]any
}

func New() *Store {
	return &Store{
		tenants: make(map[string]domain.Tenant),
		plugins: make(map[string]domain.Plugin),
		tasks:   make(map[string]domain.ExtractionTask),
		ctx:     make(map[string]map[string][]map[string]any),
	}
}

func (s *Store) Close() error { return nil }

// ─── Tenants ───

func (s *Store) CreateTenant(ctx context.Context, t domain.Tenant) (*domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.tenants[t.CompanyID] = t

	out := t
	return &out, nil
}

func (s *Store) GetTenant(ctx context.Context, companyID string) (*domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tenants[companyID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *Store) DeleteTenant(ctx context.Context, companyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tenants, companyID)
	delete(s.ctx, companyID)

	for id, task := range s.tasks {
		if task.CompanyID == companyID {
			delete(s.tasks, id)
		}
	}
	for id, p := range s.plugins {
		if p.CompanyID == companyID {
			delete(s.plugins, id)
		}
	}

	return nil
}

// ─── Plugins ───

func (s *Store) UpsertPlugin(ctx context.Context, p domain.Plugin) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.FetchedAt.IsZero() {
		p.FetchedAt = time.Now().UTC()
	}
	s.plugins[p.PluginID] = p
	return nil
}

func (s *Store) GetPlugin(ctx context.Context, pluginID string) (*domain.Plugin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.plugins[pluginID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// ─── Extraction tasks ───

func (s *Store) EnqueueTask(ctx context.Context, t domain.ExtractionTask) (*domain.ExtractionTask, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Dedup at enqueue (§5): a non-terminal task for the same
	// (company_id, file_id) returns the first task_id.
	for _, existing := range s.tasks {
		if existing.CompanyID == t.CompanyID && existing.FileID == t.FileID &&
			existing.Status != domain.StatusCompleted && existing.Status != domain.StatusFailed {
			out := existing
			return &out, false, nil
		}
	}

	if t.TaskID == "" {
		t.TaskID = ulid.Make().String()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = domain.StatusPending
	}

	s.tasks[t.TaskID] = t

	out := t
	return &out, true, nil
}

func (s *Store) ClaimNextTask(ctx context.Context) (*domain.ExtractionTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, t := range s.tasks {
		if t.Status == domain.StatusPending {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	slices.SortFunc(ids, func(a, b string) int {
		ta, tb := s.tasks[a], s.tasks[b]
		return ta.CreatedAt.Compare(tb.CreatedAt)
	})

	id := ids[0]
	t := s.tasks[id]
	t.Status = domain.StatusProcessing
	t.UpdatedAt = time.Now().UTC()
	s.tasks[id] = t

	out := t
	return &out, nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status domain.ExtractionStatus, chunksCreated int, taskErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %q not found", taskID)
	}

	t.Status = status
	t.ChunksCreated = chunksCreated
	if taskErr != "" {
		t.Error = types.NewNull(taskErr)
	}
	t.UpdatedAt = time.Now().UTC()
	s.tasks[taskID] = t

	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*domain.ExtractionTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// GCTerminalTasks drops terminal tasks older than the retention window
// (§3: "terminal tasks are retained for a status-query window then GC'd").
func (s *Store) GCTerminalTasks(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const retention = 24 * time.Hour
	cutoff := time.Now().UTC().Add(-retention)

	n := 0
	for id, t := range s.tasks {
		terminal := t.Status == domain.StatusCompleted || t.Status == domain.StatusFailed
		if terminal && t.UpdatedAt.Before(cutoff) {
			delete(s.tasks, id)
			n++
		}
	}

	return n, nil
}

// ─── Company context write-through (§4.8) ───

func (s *Store) SetContext(ctx context.Context, companyID, recordType string, records []map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureCompany(companyID)
	s.ctx[companyID][recordType] = records
	return nil
}

func (s *Store) GetContext(ctx context.Context, companyID, recordType string) ([]map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byType, ok := s.ctx[companyID]
	if !ok {
		return nil, nil
	}
	return byType[recordType], nil
}

func (s *Store) AddContextItem(ctx context.Context, companyID, recordType string, record map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureCompany(companyID)
	s.ctx[companyID][recordType] = append(s.ctx[companyID][recordType], record)
	return nil
}

func (s *Store) DeleteContext(ctx context.Context, companyID, recordType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if byType, ok := s.ctx[companyID]; ok {
		delete(byType, recordType)
	}
	return nil
}

func (s *Store) ensureCompany(companyID string) {
	if _, ok := s.ctx[companyID]; !ok {
		s.ctx[companyID] = make(map[string][]map[string]any)
	}
}
