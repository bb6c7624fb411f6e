package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/aiservice/internal/chatengine"
	"github.com/rakunlabs/aiservice/internal/config"
	"github.com/rakunlabs/aiservice/internal/corsstore"
	"github.com/rakunlabs/aiservice/internal/ingest"
	"github.com/rakunlabs/aiservice/internal/llm"
	"github.com/rakunlabs/aiservice/internal/llm/anthropic"
	"github.com/rakunlabs/aiservice/internal/llm/embedding"
	"github.com/rakunlabs/aiservice/internal/llm/gemini"
	"github.com/rakunlabs/aiservice/internal/llm/openai"
	"github.com/rakunlabs/aiservice/internal/llm/vertex"
	"github.com/rakunlabs/aiservice/internal/orders"
	"github.com/rakunlabs/aiservice/internal/scratch"
	"github.com/rakunlabs/aiservice/internal/server"
	"github.com/rakunlabs/aiservice/internal/store"
	"github.com/rakunlabs/aiservice/internal/vectorstore"
	"github.com/rakunlabs/aiservice/internal/webhook"
)

var (
	name    = "aiservice"
	version = "v0.0.0"
)

// defaultProviderKey and visionProviderKey name the two conventional slots
// in config.Config.Providers: "default" backs chat completion and order
// extraction, "vision" (optional) backs image ingestion (§4.3 step 3).
const (
	defaultProviderKey = "default"
	visionProviderKey  = "vision"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.New(ctx, &cfg.Store)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}

	embedder, err := embedding.New(cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.BaseURL, cfg.Embedding.Dimension)
	if err != nil {
		return fmt.Errorf("create embedding provider: %w", err)
	}

	vectors, err := vectorstore.New(ctx, &cfg.VectorDB, cfg.Embedding.Dimension)
	if err != nil {
		return fmt.Errorf("connect vector store: %w", err)
	}

	defaultProvider, defaultModel, err := newProvider(ctx, cfg.Providers, defaultProviderKey)
	if err != nil {
		return fmt.Errorf("create default provider: %w", err)
	}

	ingestProviders := ingest.Providers{Text: defaultProvider}
	if visionProvider, _, err := newProvider(ctx, cfg.Providers, visionProviderKey); err == nil {
		ingestProviders.Vision = visionProvider
	} else {
		slog.Info("no vision provider configured, ingestion falls back to text model for images", "error", err)
	}

	dispatcher, err := webhook.New(cfg.Webhook, version)
	if err != nil {
		return fmt.Errorf("create webhook dispatcher: %w", err)
	}

	cors, err := corsstore.New(cfg.Server.BackendWebhookURL, time.Duration(cfg.CORS.CacheTTLSeconds)*time.Second)
	if err != nil {
		return fmt.Errorf("create cors store: %w", err)
	}

	ingestPool, err := ingest.NewPool(st, vectors, embedder, ingestProviders, dispatcher, defaultModel, cfg.Ingestion)
	if err != nil {
		return fmt.Errorf("create ingestion pool: %w", err)
	}
	go ingestPool.Run(ctx)

	scratchStore := scratch.New(ctx)
	ordersEngine := orders.New(defaultProvider, defaultModel, dispatcher, cfg.Server.BackendWebhookURL, cfg.Orders.TaxRate)

	rag := chatengine.NewAssembler(vectors, embedder, chatengine.RAGConfig{
		TopK:            cfg.RAG.TopK,
		ScoreThreshold:  cfg.RAG.ScoreThreshold,
		MaxContextBytes: cfg.RAG.MaxContextBytes,
	})

	engine := chatengine.New(scratchStore, rag, st, cors, defaultProvider, defaultModel, dispatcher, cfg.Server.BackendWebhookURL, ordersEngine)

	srv := server.New(cfg.Server, st, vectors, embedder, cors, engine, ingestPool)

	slog.Info("starting server", "host", cfg.Server.Host, "port", cfg.Server.Port)
	return srv.Start(ctx)
}

// newProvider instantiates one of the four supported LLM providers by
// config name (§6.4's providers map), same type-switch the teacher uses
// to pick among anthropic/openai/gemini/vertex.
func newProvider(ctx context.Context, providers map[string]config.LLMConfig, key string) (llm.Provider, string, error) {
	cfg, ok := providers[key]
	if !ok {
		return nil, "", fmt.Errorf("provider %q not configured", key)
	}

	switch cfg.Type {
	case "anthropic":
		p, err := anthropic.New(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Proxy, cfg.InsecureSkipVerify)
		return p, cfg.Model, err
	case "openai":
		p, err := openai.New(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Proxy, cfg.InsecureSkipVerify, cfg.ExtraHeaders)
		return p, cfg.Model, err
	case "gemini":
		p, err := gemini.New(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Proxy, cfg.InsecureSkipVerify)
		return p, cfg.Model, err
	case "vertex":
		p, err := vertex.New(ctx, cfg.Model, cfg.BaseURL, cfg.Proxy, cfg.InsecureSkipVerify)
		return p, cfg.Model, err
	default:
		return nil, "", fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}
