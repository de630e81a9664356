package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/larderhq/larder/internal/agent"
	"github.com/larderhq/larder/internal/storage"
)

type sendRequest struct {
	Message     string              `json:"message"`
	Attachments []string            `json:"attachments,omitempty"`
	History     []agent.HistoryTurn `json:"history,omitempty"`
	ThreadID    string              `json:"threadId,omitempty"`
	Mode        agent.Mode          `json:"mode,omitempty"`
}

// handleAgentStream turns one chat message into an agent run and relays
// its events as NDJSON frames. Authorization and validation failures are
// rejected before the run starts; everything after the first frame is
// communicated in-stream.
func (s *Server) handleAgentStream(w http.ResponseWriter, r *http.Request) {
	user := s.gate.CurrentUser(r)
	if user == nil {
		s.respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.respondError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.ThreadID == "" {
		s.respondError(w, http.StatusBadRequest, "threadId is required; create a thread first")
		return
	}
	if req.Mode == "" {
		req.Mode = agent.ModeFast
	}
	if !agent.ValidMode(req.Mode) {
		s.respondError(w, http.StatusBadRequest, "mode must be \"fast\" or \"smarter\"")
		return
	}

	if _, err := s.store.GetThread(r.Context(), req.ThreadID, user.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "thread not found")
			return
		}
		s.logger.Error("Failed to load thread",
			zap.Error(err),
			zap.String("thread_id", req.ThreadID))
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	runID := uuid.New().String()
	emitter := agent.NewEmitter(64)

	// The run outlives the connection: a client disconnect drops events
	// but does not cancel the run. Only the cancel endpoint and the
	// wall-clock ceiling do.
	runCtx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
	s.cancels.Register(req.ThreadID, runID, cancel)

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer cancel()
		defer s.cancels.Release(req.ThreadID, runID)

		state := s.loop.Run(runCtx, agent.RunRequest{
			RunID:       runID,
			ThreadID:    req.ThreadID,
			Message:     req.Message,
			Attachments: req.Attachments,
			Mode:        req.Mode,
			History:     req.History,
			Registry:    agent.NewRegistry(user, s.records, s.logger),
			Emitter:     emitter,
		})
		s.logger.Info("Agent run finished",
			zap.String("run_id", runID),
			zap.String("thread_id", req.ThreadID),
			zap.String("state", string(state)))
	}()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	stream := newNDJSONStream(w)
	for ev := range emitter.Events() {
		if err := stream.send(ev); err != nil {
			s.logger.Info("Client disconnected mid-run",
				zap.String("run_id", runID),
				zap.Error(err))
			emitter.Detach()
			return
		}
	}
}

func (s *Server) handleAgentCancel(w http.ResponseWriter, r *http.Request) {
	user := s.gate.CurrentUser(r)
	if user == nil {
		s.respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req struct {
		ThreadID string `json:"threadId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ThreadID == "" {
		s.respondError(w, http.StatusBadRequest, "threadId is required")
		return
	}

	// Ownership check before touching the controller.
	if _, err := s.store.GetThread(r.Context(), req.ThreadID, user.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "thread not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	cancelled := s.cancels.Cancel(req.ThreadID)
	s.respondJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	user := s.gate.CurrentUser(r)
	if user == nil {
		s.respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req struct {
		Title string `json:"title"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	thread, err := s.store.CreateThread(r.Context(), user.ID, req.Title)
	if err != nil {
		s.logger.Error("Failed to create thread",
			zap.Error(err),
			zap.String("user_id", user.ID))
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.respondJSON(w, http.StatusCreated, thread)
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	user := s.gate.CurrentUser(r)
	if user == nil {
		s.respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	threads, err := s.store.ListThreads(r.Context(), user.ID)
	if err != nil {
		s.logger.Error("Failed to list threads",
			zap.Error(err),
			zap.String("user_id", user.ID))
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.respondJSON(w, http.StatusOK, threads)
}

func (s *Server) handleRenameThread(w http.ResponseWriter, r *http.Request) {
	user := s.gate.CurrentUser(r)
	if user == nil {
		s.respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		s.respondError(w, http.StatusBadRequest, "title is required")
		return
	}

	err := s.store.RenameThread(r.Context(), r.PathValue("id"), user.ID, req.Title)
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "thread not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to rename thread", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	user := s.gate.CurrentUser(r)
	if user == nil {
		s.respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	err := s.store.DeleteThread(r.Context(), r.PathValue("id"), user.ID)
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "thread not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to delete thread", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleThreadMessages(w http.ResponseWriter, r *http.Request) {
	user := s.gate.CurrentUser(r)
	if user == nil {
		s.respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	threadID := r.PathValue("id")
	if _, err := s.store.GetThread(r.Context(), threadID, user.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "thread not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	messages, err := s.store.GetRecentMessages(r.Context(), threadID, 200)
	if err != nil {
		s.logger.Error("Failed to load messages",
			zap.Error(err),
			zap.String("thread_id", threadID))
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.respondJSON(w, http.StatusOK, messages)
}
