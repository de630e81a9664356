package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/larderhq/larder/internal/agent"
	"github.com/larderhq/larder/internal/auth"
	"github.com/larderhq/larder/internal/records"
	"github.com/larderhq/larder/internal/storage"
)

type Config struct {
	Host       string
	Port       int
	RunTimeout time.Duration
}

// Server hosts the agent stream plus the thread endpoints the chat panel
// needs. Page rendering and the rest of the application's CRUD surface
// live elsewhere.
type Server struct {
	cfg     Config
	store   storage.Storage
	records *records.Service
	loop    *agent.Loop
	cancels *agent.CancelController
	gate    auth.Gate
	logger  *zap.Logger

	httpServer *http.Server
	runs       sync.WaitGroup
}

func New(cfg Config, store storage.Storage, recordSvc *records.Service, loop *agent.Loop, gate auth.Gate, logger *zap.Logger) *Server {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 2 * time.Minute
	}

	s := &Server{
		cfg:     cfg,
		store:   store,
		records: recordSvc,
		loop:    loop,
		cancels: agent.NewCancelController(),
		gate:    gate,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/agent/stream", s.handleAgentStream)
	mux.HandleFunc("POST /api/v1/agent/cancel", s.handleAgentCancel)
	mux.HandleFunc("POST /api/v1/threads", s.handleCreateThread)
	mux.HandleFunc("GET /api/v1/threads", s.handleListThreads)
	mux.HandleFunc("PATCH /api/v1/threads/{id}", s.handleRenameThread)
	mux.HandleFunc("DELETE /api/v1/threads/{id}", s.handleDeleteThread)
	mux.HandleFunc("GET /api/v1/threads/{id}/messages", s.handleThreadMessages)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: mux,
	}

	return s
}

// Handler exposes the route table for tests and embedding hosts.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight agent runs
// to finish persisting.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	return err
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
