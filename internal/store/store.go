// Package store defines the persistence contract for tenants, plugins,
// extraction tasks, and company-context vector-backed records, and
// selects a concrete backend (postgres, sqlite3, or in-memory) from
// config. Grounded on the teacher's internal/store/store.go factory
// pattern (select Postgres when configured, fall back otherwise).
package store

import (
	"context"
	"fmt"

	"github.com/rakunlabs/aiservice/internal/config"
	atcrypto "github.com/rakunlabs/aiservice/internal/crypto"
	"github.com/rakunlabs/aiservice/internal/domain"
	"github.com/rakunlabs/aiservice/internal/store/memory"
	"github.com/rakunlabs/aiservice/internal/store/postgres"
	"github.com/rakunlabs/aiservice/internal/store/sqlite3"
)

// TenantStorer manages the Tenant (Company) lifecycle (§3).
type TenantStorer interface {
	CreateTenant(ctx context.Context, t domain.Tenant) (*domain.Tenant, error)
	GetTenant(ctx context.Context, companyID string) (*domain.Tenant, error)
	DeleteTenant(ctx context.Context, companyID string) error
}

// PluginStorer manages durable plugin registrations; the in-process CORS
// cache (internal/corsstore) sits in front of this for request-time reads.
type PluginStorer interface {
	UpsertPlugin(ctx context.Context, p domain.Plugin) error
	GetPlugin(ctx context.Context, pluginID string) (*domain.Plugin, error)
}

// ExtractionTaskStorer manages the ingestion task queue with single-claimant
// semantics (§4.3).
type ExtractionTaskStorer interface {
	EnqueueTask(ctx context.Context, t domain.ExtractionTask) (*domain.ExtractionTask, bool, error)
	ClaimNextTask(ctx context.Context) (*domain.ExtractionTask, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status domain.ExtractionStatus, chunksCreated int, taskErr string) error
	GetTask(ctx context.Context, taskID string) (*domain.ExtractionTask, error)
	GCTerminalTasks(ctx context.Context) (int, error)
}

// CompanyContextStorer manages the admin write-through records (§4.8):
// basic_info, faqs, scenarios, each stored both as a structured record
// (for the backend) and as vector entries (handled by the caller via
// internal/vectorstore).
type CompanyContextStorer interface {
	SetContext(ctx context.Context, companyID, recordType string, records []map[string]any) error
	GetContext(ctx context.Context, companyID, recordType string) ([]map[string]any, error)
	AddContextItem(ctx context.Context, companyID, recordType string, record map[string]any) error
	DeleteContext(ctx context.Context, companyID, recordType string) error
}

// Storer is the full persistence surface used by the server.
type Storer interface {
	TenantStorer
	PluginStorer
	ExtractionTaskStorer
	CompanyContextStorer
	Close() error
}

// New selects a backend per config: Postgres when configured, else
// SQLite when configured, else an in-memory store (suitable for tests
// and single-instance development, per the teacher's memory backend).
func New(ctx context.Context, cfg *config.Store) (Storer, error) {
	if cfg == nil {
		return memory.New(), nil
	}

	var encKey []byte
	if cfg.EncryptionKey != "" {
		k, err := atcrypto.DeriveKey(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("derive store encryption key: %w", err)
		}
		encKey = k
	}

	switch {
	case cfg.Postgres != nil:
		pg, err := postgres.New(ctx, cfg.Postgres, encKey)
		if err != nil {
			return nil, fmt.Errorf("create postgres store: %w", err)
		}
		return pg, nil
	case cfg.SQLite != nil:
		sl, err := sqlite3.New(ctx, cfg.SQLite, encKey)
		if err != nil {
			return nil, fmt.Errorf("create sqlite store: %w", err)
		}
		return sl, nil
	default:
		return memory.New(), nil
	}
}
