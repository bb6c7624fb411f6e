// Package server wires the HTTP surface of §6.1: the unified chat-stream
// endpoint, the ingestion and admin-context admin API, the internal CORS
// cache API, and liveness.
//
// Grounded directly on the teacher's internal/server/server.go: ada.New()
// plus the same middleware chain (mrecover/mserver/mcors/mrequestid/mlog/
// mtelemetry), nested route groups, and Start(ctx) via
// s.server.StartWithContext. The teacher's forward-auth middleware and
// embedded UI are dropped (see DESIGN.md) since this service has its own
// X-API-Key/X-Internal-Key auth scheme and no UI surface.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/rakunlabs/ada"
	mcors "github.com/rakunlabs/ada/middleware/cors"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/rakunlabs/aiservice/internal/apierr"
	"github.com/rakunlabs/aiservice/internal/chatengine"
	"github.com/rakunlabs/aiservice/internal/config"
	"github.com/rakunlabs/aiservice/internal/corsstore"
	"github.com/rakunlabs/aiservice/internal/domain"
	"github.com/rakunlabs/aiservice/internal/ingest"
	"github.com/rakunlabs/aiservice/internal/llm"
	"github.com/rakunlabs/aiservice/internal/store"
)

// vectorWriter is the slice of *vectorstore.Store the admin surface needs,
// narrowed to an interface so the server can be exercised without a live
// Milvus connection (same pattern as chatengine.Searcher/ingest.VectorUpserter).
type vectorWriter interface {
	Upsert(ctx context.Context, entries []domain.VectorEntry) error
	DeleteByFileID(ctx context.Context, companyID, fileID string) error
	DeleteByDataType(ctx context.Context, companyID string, dataType domain.DataType) error
	DeleteByProductID(ctx context.Context, companyID, productID string) error
	DeleteByServiceID(ctx context.Context, companyID, serviceID string) error
}

type Server struct {
	config config.Server

	mux *ada.Server

	store    store.Storer
	vectors  vectorWriter
	embedder llm.EmbeddingProvider
	cors     *corsstore.Store
	chat     *chatengine.Engine
	ingest   *ingest.Pool
}

func New(
	cfg config.Server,
	st store.Storer,
	vectors vectorWriter,
	embedder llm.EmbeddingProvider,
	cors *corsstore.Store,
	chat *chatengine.Engine,
	ingestPool *ingest.Pool,
) *Server {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		config:   cfg,
		mux:      mux,
		store:    st,
		vectors:  vectors,
		embedder: embedder,
		cors:     cors,
		chat:     chat,
		ingest:   ingestPool,
	}

	if cfg.BasePath != "" {
		slog.Info("configuring server with base path", "base_path", cfg.BasePath)
	}

	baseGroup := mux.Group(cfg.BasePath)
	baseGroup.GET("/health", s.handleHealth)

	apiGroup := baseGroup.Group("/api")

	chatHandler := optionalAPIKeyMiddleware(cfg.InternalAPIKey)(http.HandlerFunc(s.chat.HandleChatStream))
	apiGroup.Handle("/unified/chat-stream", chatHandler)

	extractGroup := apiGroup.Group("/extract")
	extractGroup.Use(requireAPIKey(cfg.InternalAPIKey))
	extractGroup.POST("/process", s.handleExtractSync)
	extractGroup.POST("/process-async", s.handleExtractAsync)

	adminGroup := apiGroup.Group("/admin")
	adminGroup.Use(requireAPIKey(cfg.InternalAPIKey))
	adminGroup.GET("/tasks/document/*", s.adminTaskStatusDispatch)
	adminGroup.GET("/companies/*", s.adminCompanyDispatch(http.MethodGet))
	adminGroup.POST("/companies/*", s.adminCompanyDispatch(http.MethodPost))
	adminGroup.PUT("/companies/*", s.adminCompanyDispatch(http.MethodPut))
	adminGroup.DELETE("/companies/*", s.adminCompanyDispatch(http.MethodDelete))

	internalGroup := apiGroup.Group("/internal/cors")
	internalGroup.Use(requireInternalKey(cfg.InternalKey))
	internalGroup.POST("/update-domains", s.handleCORSUpdateDomains)
	internalGroup.GET("/status", s.handleCORSStatus)
	internalGroup.DELETE("/clear-cache", func(w http.ResponseWriter, r *http.Request) { s.handleCORSClearCache(w, r, "") })
	internalGroup.DELETE("/clear-cache/*", s.corsClearCacheDispatch)

	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok"}, http.StatusOK)
}

// Start blocks serving HTTP on cfg.Host:cfg.Port until ctx is canceled,
// mirroring the teacher's Server.Start.
func (s *Server) Start(ctx context.Context) error {
	return s.mux.StartWithContext(ctx, net.JoinHostPort(s.config.Host, s.config.Port))
}

// optionalAPIKeyMiddleware enforces X-API-Key only when the header is
// present: backend channels send it (§6.1), frontend channels rely on the
// dynamic CORS check performed inside chatengine.Engine itself.
func optionalAPIKeyMiddleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != "" && !constantTimeEqual(r.Header.Get("X-API-Key"), key) {
				writeErr(w, apierr.New(apierr.CodeInvalidAPIKey, "invalid X-API-Key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// adminTaskStatusDispatch parses {taskId} off the /tasks/document/*
// wildcard tail and serves the status lookup (§6.1).
func (s *Server) adminTaskStatusDispatch(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSuffix(r.PathValue("*"), "/status")
	if taskID == "" {
		writeErr(w, apierr.New(apierr.CodeMissingRequiredField, "taskId is required"))
		return
	}
	s.handleTaskStatus(w, r, taskID)
}

func (s *Server) corsClearCacheDispatch(w http.ResponseWriter, r *http.Request) {
	s.handleCORSClearCache(w, r, r.PathValue("*"))
}

// adminCompanyDispatch parses the /admin/companies/* wildcard tail
// "{company_id}/{resource}/{rest...}" and routes to the matching handler,
// since ada's wildcard only captures a single trailing segment (grounded
// on the teacher's native-proxy.go wildcard+manual-parse idiom).
func (s *Server) adminCompanyDispatch(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		segs := strings.Split(strings.Trim(r.PathValue("*"), "/"), "/")
		if len(segs) < 2 || segs[0] == "" {
			writeErr(w, apierr.New(apierr.CodeMissingRequiredField, "company_id and resource are required"))
			return
		}
		companyID, resource := segs[0], segs[1]
		rest := segs[2:]

		switch resource {
		case "context":
			if len(rest) == 0 {
				writeErr(w, apierr.New(apierr.CodeMissingRequiredField, "context record type is required"))
				return
			}
			recordType := rest[0]
			switch {
			case method == http.MethodGet:
				s.handleContextGet(w, r, companyID, recordType)
			case method == http.MethodPut || method == http.MethodPost && len(rest) == 1:
				s.handleContextSet(w, r, companyID, recordType)
			case method == http.MethodPost && len(rest) >= 2 && rest[1] == "item":
				s.handleContextAdd(w, r, companyID, recordType)
			case method == http.MethodDelete:
				s.handleContextDelete(w, r, companyID, recordType)
			default:
				writeErr(w, apierr.New(apierr.CodeMissingRequiredField, "unsupported method for context resource"))
			}

		case "files":
			switch {
			case method == http.MethodPost:
				s.handleFilesRegister(w, r, companyID)
			case method == http.MethodDelete && len(rest) >= 1:
				s.handleFileDelete(w, r, companyID, rest[0])
			default:
				writeErr(w, apierr.New(apierr.CodeMissingRequiredField, "unsupported method for files resource"))
			}

		case "extractions":
			if method == http.MethodDelete && len(rest) >= 1 {
				s.handleFileDelete(w, r, companyID, rest[0])
				return
			}
			writeErr(w, apierr.New(apierr.CodeMissingRequiredField, "unsupported method for extractions resource"))

		case "products":
			if method == http.MethodDelete && len(rest) >= 1 {
				s.handleProductDelete(w, r, companyID, rest[0])
				return
			}
			writeErr(w, apierr.New(apierr.CodeMissingRequiredField, "unsupported method for products resource"))

		case "services":
			if method == http.MethodDelete && len(rest) >= 1 {
				s.handleServiceDelete(w, r, companyID, rest[0])
				return
			}
			writeErr(w, apierr.New(apierr.CodeMissingRequiredField, "unsupported method for services resource"))

		default:
			writeErr(w, apierr.New(apierr.CodeMissingRequiredField, "unknown company resource"))
		}
	}
}
