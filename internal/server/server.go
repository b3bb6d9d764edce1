// Package server is the HTTP boundary: an OpenAI-compatible REST
// surface over the dispatcher, session pool, response cache,
// conversation registry, and memory store.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"nexus/internal/cache"
	"nexus/internal/config"
	"nexus/internal/conversation"
	"nexus/internal/dispatch"
	"nexus/internal/memory"
	"nexus/internal/pool"
)

// MemoryBackend is the slice of the memory store the HTTP layer
// touches. A nil backend means memory is disabled and the endpoints
// that use it degrade quietly.
type MemoryBackend interface {
	ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]memory.MessageDocument, int64, error)
	PurgeConversation(ctx context.Context, id string) error
	Stats(ctx context.Context) (memory.StoreStats, error)
}

// Options configures the HTTP server.
type Options struct {
	Addr    string
	Auth    config.AuthConfig
	Version string
}

// Server ties the handler surface to its dependencies.
type Server struct {
	http       *http.Server
	dispatcher *dispatch.Dispatcher
	pool       *pool.Pool
	cache      *cache.Cache
	registry   *conversation.Registry
	memory     MemoryBackend
	auth       config.AuthConfig
	version    string
	started    time.Time
	logger     *zap.Logger
}

// New wires routes and middleware. mem may be nil when the memory
// layer is disabled.
func New(d *dispatch.Dispatcher, p *pool.Pool, c *cache.Cache, reg *conversation.Registry, mem MemoryBackend, opts Options, logger *zap.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		dispatcher: d,
		pool:       p,
		cache:      c,
		registry:   reg,
		memory:     mem,
		auth:       opts.Auth,
		version:    opts.Version,
		started:    time.Now(),
		logger:     logger,
	}
	if s.auth.Enabled && len(s.auth.APIKeys) == 0 {
		logger.Warn("auth enabled with no api keys; all requests will be rejected")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("POST /v1/conversations", s.handleCreateConversation)
	mux.HandleFunc("GET /v1/conversations", s.handleListConversations)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.handleDeleteConversation)
	mux.HandleFunc("POST /v1/sessions/{conversation_id}/interrupt", s.handleInterrupt)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("/", s.handleNotFound)

	var handler http.Handler = mux
	handler = s.withRecovery(handler)
	handler = s.withAuth(handler)
	handler = s.withCORS(handler)
	handler = s.withAccessLog(handler)
	handler = s.withRequestID(handler)

	s.http = &http.Server{
		Addr:    opts.Addr,
		Handler: handler,
		// Write covers long streaming turns; read only the request body.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start serves requests until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.http.Shutdown(ctx)
}

// ServeHTTP exposes the full middleware chain, mostly for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.http.Handler.ServeHTTP(w, r)
}
