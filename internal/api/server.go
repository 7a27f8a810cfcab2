// Package api exposes the HTTP surface: chat (sync and SSE), conversations,
// collections with ingestion and search, tool servers, model keys, and
// embedding specs. Authentication is delegated to a fronting gateway that
// sets trusted identity headers; authorization stays in the domain packages.
package api

import (
	"net/http"
	"time"

	"github.com/loomhq/loom/internal/authz"
	"github.com/loomhq/loom/internal/knowledge"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/internal/mcp"
	"github.com/loomhq/loom/internal/transcript"
)

// Server assembles handlers, routes, and middleware.
type Server struct {
	chat          *chatHandler
	conversations *conversationHandler
	collections   *collectionHandler
	toolServers   *toolServerHandler
	modelKeys     *modelKeyHandler
	specs         *specHandler
	healthz       *healthHandler
	logger        log.Logger
}

// Deps are the wired components the server exposes.
type Deps struct {
	Chat         ChatService
	Transcripts  *transcript.Store
	Knowledge    *knowledge.Store
	Guard        *authz.Guard
	Registry     *llm.Registry
	Bridge       *mcp.Bridge
	DB           Pinger
	ProbeTimeout time.Duration
}

// NewServer creates the HTTP server surface.
func NewServer(deps Deps, logger log.Logger) *Server {
	return &Server{
		chat: &chatHandler{svc: deps.Chat, logger: logger},
		conversations: &conversationHandler{
			store: deps.Transcripts, guard: deps.Guard, logger: logger,
		},
		collections: &collectionHandler{
			store: deps.Knowledge, guard: deps.Guard, registry: deps.Registry, logger: logger,
		},
		toolServers: &toolServerHandler{
			guard: deps.Guard, bridge: deps.Bridge,
			probeTimeout: deps.ProbeTimeout, logger: logger,
		},
		modelKeys: &modelKeyHandler{guard: deps.Guard, logger: logger},
		specs:     &specHandler{store: deps.Knowledge, logger: logger},
		healthz:   &healthHandler{db: deps.DB, logger: logger},
		logger:    logger,
	}
}

// Handler returns the routed handler with the middleware chain applied.
// Health endpoints skip authentication; everything under /api requires an
// identity.
func (s *Server) Handler() http.Handler {
	apiMux := http.NewServeMux()

	apiMux.HandleFunc("POST /api/chat", s.chat.invoke)
	apiMux.HandleFunc("POST /api/chat/stream", s.chat.stream)

	apiMux.HandleFunc("POST /api/conversations", s.conversations.create)
	apiMux.HandleFunc("GET /api/conversations", s.conversations.list)
	apiMux.HandleFunc("GET /api/conversations/{id}", s.conversations.get)
	apiMux.HandleFunc("GET /api/conversations/{id}/messages", s.conversations.messages)
	apiMux.HandleFunc("DELETE /api/conversations/{id}", s.conversations.delete)

	apiMux.HandleFunc("POST /api/collections", s.collections.create)
	apiMux.HandleFunc("GET /api/collections", s.collections.list)
	apiMux.HandleFunc("GET /api/collections/{id}", s.collections.get)
	apiMux.HandleFunc("DELETE /api/collections/{id}", s.collections.delete)
	apiMux.HandleFunc("POST /api/collections/{id}/documents", s.collections.ingest)
	apiMux.HandleFunc("GET /api/collections/{id}/documents", s.collections.documents)
	apiMux.HandleFunc("DELETE /api/collections/{id}/documents", s.collections.clearDocuments)
	apiMux.HandleFunc("DELETE /api/collections/{id}/documents/{file_id}", s.collections.deleteDocument)
	apiMux.HandleFunc("DELETE /api/collections/{id}/chunks/{chunk_id}", s.collections.deleteChunk)
	apiMux.HandleFunc("POST /api/collections/{id}/search", s.collections.search)

	apiMux.HandleFunc("POST /api/tool-servers", s.toolServers.create)
	apiMux.HandleFunc("GET /api/tool-servers", s.toolServers.list)
	apiMux.HandleFunc("GET /api/tool-servers/{id}", s.toolServers.get)
	apiMux.HandleFunc("PATCH /api/tool-servers/{id}", s.toolServers.update)
	apiMux.HandleFunc("DELETE /api/tool-servers/{id}", s.toolServers.delete)
	apiMux.HandleFunc("POST /api/tool-servers/{id}/probe", s.toolServers.probe)

	apiMux.HandleFunc("POST /api/model-keys", s.modelKeys.create)
	apiMux.HandleFunc("GET /api/model-keys", s.modelKeys.list)
	apiMux.HandleFunc("DELETE /api/model-keys/{id}", s.modelKeys.delete)

	apiMux.HandleFunc("POST /api/embedding-specs", s.specs.create)
	apiMux.HandleFunc("GET /api/embedding-specs", s.specs.list)

	root := http.NewServeMux()
	root.HandleFunc("GET /health", s.healthz.health)
	root.HandleFunc("GET /ready", s.healthz.ready)
	root.Handle("/api/", authenticate(s.logger, apiMux))

	var handler http.Handler = root
	handler = accessLog(s.logger, handler)
	handler = requestID(handler)
	handler = recovery(s.logger, handler)
	return handler
}
