// Package server exposes the HTTP/JSON API and the websocket chat
// stream. All identity comes from the X-User-ID header; the server mints
// an anonymous ID when the client sends none.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mizanlabs/mizan/pkg/config"
	"github.com/mizanlabs/mizan/pkg/orchestrator"
	"github.com/mizanlabs/mizan/pkg/store"
)

// Server is the HTTP front of the engine.
type Server struct {
	cfg    *config.Config
	orch   *orchestrator.Orchestrator
	store  *store.Store
	http   *http.Server
	logger *slog.Logger
}

func New(cfg *config.Config, orch *orchestrator.Orchestrator, st *store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{cfg: cfg, orch: orch, store: st, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/api/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.userIdentity)

		r.Post("/api/upload", s.handleUpload)
		r.Get("/api/uploads", s.handleListUploads)
		r.Get("/api/upload", s.handleListUploads)
		r.Get("/api/upload/{uploadID}/status", s.handleGetUpload)
		r.Delete("/api/upload/{uploadID}", s.handleDeleteUpload)
		r.Get("/api/transactions", s.handleListTransactions)
		r.Get("/api/financial/statements", s.handleGetStatement)
		r.Post("/api/analysis/full", s.handleRunInsights)
		r.Get("/api/analysis/results", s.handleGetInsights)
		r.Post("/api/chat", s.handleChat)
		r.Get("/api/chat/history", s.handleChatHistory)
		r.Get("/api/uploads/{uploadID}", s.handleGetUpload)
		r.Delete("/api/uploads/{uploadID}", s.handleDeleteUpload)
		r.Get("/api/uploads/{uploadID}/data", s.handleGetData)
		r.Get("/api/uploads/{uploadID}/transactions", s.handleListTransactions)
		r.Get("/api/uploads/{uploadID}/statement", s.handleGetStatement)
		r.Post("/api/uploads/{uploadID}/insights", s.handleRunInsights)
		r.Get("/api/uploads/{uploadID}/insights", s.handleGetInsights)
		r.Post("/api/chat/{uploadID}", s.handleChat)
		r.Get("/api/chat/{uploadID}/history", s.handleChatHistory)
		r.Get("/ws/chat/{uploadID}", s.handleChatWS)
	})

	s.http = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: a full insights run holds the connection for
		// one bounded model call per agent, and websocket chats are
		// long-lived. Deadlines live on the calls themselves.
	}
	return s
}

// Start serves until the context is cancelled, then drains.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.logger.Info("http server draining")
	return s.http.Shutdown(shutdownCtx)
}
