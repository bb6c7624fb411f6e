// Package config loads the service configuration via rakunlabs/chu, the
// same loader chain the teacher repo uses (env + optional consul/vault
// backends), adapted to this service's own surface (§6.4).
package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

var Service = ""

type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	// Providers is a map of named LLM provider configurations, same shape
	// as the teacher's: type ∈ {anthropic, openai, vertex, gemini}.
	Providers map[string]LLMConfig `cfg:"providers"`

	// Embedding selects the embedding model/dimension used for every
	// vector entry written by this service. Dimension is fixed once the
	// vector store collection is created (§3 Vector Entry).
	Embedding EmbeddingConfig `cfg:"embedding"`

	Server    Server      `cfg:"server"`
	Store     Store       `cfg:"store"`
	VectorDB  VectorDB    `cfg:"vector_db"`
	Webhook   Webhook     `cfg:"webhook"`
	CORS      CORS        `cfg:"cors"`
	Ingestion Ingestion   `cfg:"ingestion"`
	Orders    Orders      `cfg:"orders"`
	RAG       RAG         `cfg:"rag"`
	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

type Server struct {
	BasePath string `cfg:"base_path"`
	Port     string `cfg:"port" default:"8080"`
	Host     string `cfg:"host"`

	// InternalAPIKey authenticates the four backend channels and every
	// /api/admin/... and /api/extract/... endpoint (§6.1).
	InternalAPIKey string `cfg:"internal_api_key" log:"-"`

	// InternalKey authenticates the /api/internal/cors/... endpoints
	// (distinct shared secret from InternalAPIKey, §4.6).
	InternalKey string `cfg:"internal_key" log:"-"`

	// BackendWebhookURL is the base URL of the tenant backend that
	// receives all outbound webhooks and serves the CORS plugin-domains
	// lookup.
	BackendWebhookURL string `cfg:"backend_webhook_url"`
}

type EmbeddingConfig struct {
	Provider  string `cfg:"provider" default:"openai"`
	Model     string `cfg:"model" default:"text-embedding-3-small"`
	APIKey    string `cfg:"api_key" log:"-"`
	BaseURL   string `cfg:"base_url"`
	Dimension int    `cfg:"dimension" default:"1536"`
}

type Store struct {
	Postgres *StorePostgres `cfg:"postgres"`
	SQLite   *StoreSQLite   `cfg:"sqlite"`

	// EncryptionKey, if set, is turned into an AES-256 key with
	// crypto.DeriveKey and handed to the Postgres/SQLite backends, which
	// keep it; no stored field is encrypted with it.
	EncryptionKey string `cfg:"encryption_key" log:"-"`
}

type StorePostgres struct {
	TablePrefix     *string        `cfg:"table_prefix"`
	Datasource      string         `cfg:"datasource" log:"-"`
	Schema          string         `cfg:"schema"`
	ConnMaxLifetime *time.Duration `cfg:"conn_max_lifetime"`
	MaxIdleConns    *int           `cfg:"max_idle_conns"`
	MaxOpenConns    *int           `cfg:"max_open_conns"`

	Migrate Migrate `cfg:"migrate"`
}

type StoreSQLite struct {
	TablePrefix *string `cfg:"table_prefix"`
	Datasource  string  `cfg:"datasource"`

	Migrate Migrate `cfg:"migrate"`
}

type Migrate struct {
	Datasource string            `cfg:"datasource" log:"-"`
	Schema     string            `cfg:"schema"`
	Table      string            `cfg:"table"`
	Values     map[string]string `cfg:"values"`
}

// VectorDB configures the Milvus connection used for hybrid search.
type VectorDB struct {
	URL            string `cfg:"url"`
	APIKey         string `cfg:"api_key" log:"-"`
	CollectionName string `cfg:"collection_name" default:"ai_service_entries"`
}

// Webhook configures the fan-out retry policy (§4.5).
type Webhook struct {
	Secret      string        `cfg:"secret" log:"-"`
	TimeoutSec  int           `cfg:"timeout_seconds" default:"30"`
	MaxAttempts int           `cfg:"max_attempts" default:"3"`
	Backoff     time.Duration `cfg:"backoff" default:"1s"`
}

// CORS configures the dynamic per-plugin CORS cache (§4.6).
type CORS struct {
	CacheTTLSeconds int `cfg:"cache_ttl_seconds" default:"300"`
}

// Ingestion configures the document ingestion worker pool (§4.3, §5).
type Ingestion struct {
	WorkerCount  int `cfg:"worker_count" default:"4"`
	MaxFileSizeMB int `cfg:"max_file_size_mb" default:"50"`
	MinChunkItems int `cfg:"min_chunk_items" default:"20"`
}

// Orders configures the tax rate used for PLACE_ORDER financial
// computation. It is one service-wide rate applied to every tenant.
type Orders struct {
	TaxRate float64 `cfg:"tax_rate" default:"0.10"`
}

// RAG configures hybrid search defaults (§4.2).
type RAG struct {
	TopK           int     `cfg:"top_k" default:"5"`
	ScoreThreshold float64 `cfg:"score_threshold" default:"0.7"`
	MaxContextBytes int    `cfg:"max_context_bytes" default:"8192"`
}

// LLMConfig describes a single LLM provider configuration, same shape as
// the teacher's internal/config/config.go.
type LLMConfig struct {
	Type               string            `cfg:"type" json:"type"`
	APIKey             string            `cfg:"api_key" json:"api_key" log:"-"`
	BaseURL            string            `cfg:"base_url" json:"base_url"`
	Model              string            `cfg:"model" json:"model"`
	ExtraHeaders       map[string]string `cfg:"extra_headers" json:"extra_headers"`
	Proxy              string            `cfg:"proxy" json:"proxy"`
	InsecureSkipVerify bool              `cfg:"insecure_skip_verify" json:"insecure_skip_verify"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("AISERVICE_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
