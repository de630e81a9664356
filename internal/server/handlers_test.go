package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/larderhq/larder/internal/agent"
	"github.com/larderhq/larder/internal/auth"
	"github.com/larderhq/larder/internal/models"
	"github.com/larderhq/larder/internal/records"
	"github.com/larderhq/larder/internal/storage"
)

type scriptedGateway struct {
	toolCalls []agent.ToolCall
	chunks    []string
}

func (g *scriptedGateway) Complete(ctx context.Context, messages []openai.ChatCompletionMessage, tools []openai.Tool, mode agent.Mode) (*agent.Completion, error) {
	calls := g.toolCalls
	g.toolCalls = nil
	return &agent.Completion{ToolCalls: calls}, nil
}

func (g *scriptedGateway) StreamText(ctx context.Context, messages []openai.ChatCompletionMessage, mode agent.Mode) (agent.TextStream, error) {
	return &sliceStream{chunks: g.chunks}, nil
}

type sliceStream struct {
	chunks []string
}

func (s *sliceStream) Recv() (string, error) {
	if len(s.chunks) == 0 {
		return "", io.EOF
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return chunk, nil
}

func (s *sliceStream) Close() error { return nil }

func newTestServer(t *testing.T, gateway agent.ModelGateway) (*Server, *storage.MemoryStorage) {
	t.Helper()
	logger := zap.NewNop()
	store := storage.NewMemoryStorage()

	recordSvc := records.NewService(store, logger)
	loop := agent.NewLoop(gateway, agent.NewConversationSync(store, logger), agent.LoopConfig{}, logger)
	gate := auth.NewStaticTokenGate(map[string]models.UserIdentity{
		"tok-1": {ID: "u1", Name: "Tester"},
	})

	return New(Config{Host: "127.0.0.1", Port: 0, RunTimeout: 5 * time.Second},
		store, recordSvc, loop, gate, logger), store
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestStreamRejectsUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t, &scriptedGateway{})

	rec := doJSON(t, srv.Handler(), "POST", "/api/v1/agent/stream", "",
		map[string]string{"message": "hi", "threadId": "t1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, srv.Handler(), "POST", "/api/v1/agent/stream", "wrong-token",
		map[string]string{"message": "hi", "threadId": "t1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStreamValidation(t *testing.T) {
	srv, store := newTestServer(t, &scriptedGateway{})

	thread, err := store.CreateThread(context.Background(), "u1", "t")
	require.NoError(t, err)

	rec := doJSON(t, srv.Handler(), "POST", "/api/v1/agent/stream", "tok-1",
		map[string]string{"threadId": thread.ID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv.Handler(), "POST", "/api/v1/agent/stream", "tok-1",
		map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv.Handler(), "POST", "/api/v1/agent/stream", "tok-1",
		map[string]string{"message": "hi", "threadId": thread.ID, "mode": "turbo"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv.Handler(), "POST", "/api/v1/agent/stream", "tok-1",
		map[string]string{"message": "hi", "threadId": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamHappyPath(t *testing.T) {
	srv, store := newTestServer(t, &scriptedGateway{chunks: []string{"Hello", " there"}})

	thread, err := store.CreateThread(context.Background(), "u1", "t")
	require.NoError(t, err)

	rec := doJSON(t, srv.Handler(), "POST", "/api/v1/agent/stream", "tok-1",
		map[string]string{"message": "hi", "threadId": thread.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	var types []string
	var text strings.Builder
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		var frame map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &frame))
		types = append(types, frame["type"].(string))
		if frame["type"] == "content" {
			text.WriteString(frame["text"].(string))
		}
	}
	assert.Equal(t, []string{"content", "content", "done"}, types)
	assert.Equal(t, "Hello there", text.String())

	// Wait out the background run bookkeeping, then check persistence.
	require.NoError(t, srv.Shutdown(context.Background()))
	msgs, err := store.GetRecentMessages(context.Background(), thread.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello there", msgs[1].Content)
}

func TestCancelEndpoint(t *testing.T) {
	srv, store := newTestServer(t, &scriptedGateway{})

	thread, err := store.CreateThread(context.Background(), "u1", "t")
	require.NoError(t, err)

	// No run in flight: cancelled=false, still a clean 200.
	rec := doJSON(t, srv.Handler(), "POST", "/api/v1/agent/cancel", "tok-1",
		map[string]string{"threadId": thread.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp["cancelled"])

	rec = doJSON(t, srv.Handler(), "POST", "/api/v1/agent/cancel", "tok-1",
		map[string]string{"threadId": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestThreadEndpoints(t *testing.T) {
	srv, store := newTestServer(t, &scriptedGateway{})
	handler := srv.Handler()

	rec := doJSON(t, handler, "POST", "/api/v1/threads", "tok-1",
		map[string]string{"title": "dinner plans"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var thread models.Thread
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &thread))
	assert.Equal(t, "dinner plans", thread.Title)

	// Empty threads are hidden from the listing.
	rec = doJSON(t, handler, "GET", "/api/v1/threads", "tok-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null\n", rec.Body.String())

	require.NoError(t, store.AppendMessage(context.Background(), &models.Message{
		ThreadID: thread.ID, Role: models.RoleUser, Content: "hi",
	}))

	rec = doJSON(t, handler, "GET", "/api/v1/threads", "tok-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var threads []models.Thread
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &threads))
	require.Len(t, threads, 1)

	rec = doJSON(t, handler, "PATCH", "/api/v1/threads/"+thread.ID, "tok-1",
		map[string]string{"title": "renamed"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, handler, "GET", "/api/v1/threads/"+thread.ID+"/messages", "tok-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs []models.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs, 1)

	rec = doJSON(t, handler, "DELETE", "/api/v1/threads/"+thread.ID, "tok-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, handler, "GET", "/api/v1/threads/"+thread.ID+"/messages", "tok-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
