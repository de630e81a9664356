package agent

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/larderhq/larder/internal/models"
	"github.com/larderhq/larder/internal/records"
	"github.com/larderhq/larder/internal/storage"
)

type gatewayStep struct {
	completion *Completion
	err        error
}

// fakeGateway plays back scripted completions. With loopForever set it
// requests the same tool call on every blocking completion.
type fakeGateway struct {
	mu            sync.Mutex
	steps         []gatewayStep
	chunks        []string
	streamErr     error
	midStreamErr  error
	loopForever   bool
	completeCalls int
}

func (g *fakeGateway) Complete(ctx context.Context, messages []openai.ChatCompletionMessage, tools []openai.Tool, mode Mode) (*Completion, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, &GatewayError{Op: "complete", Err: err}
	}
	g.completeCalls++

	if g.loopForever {
		return &Completion{ToolCalls: []ToolCall{{
			ID:        fmt.Sprintf("call-%d", g.completeCalls),
			Name:      "list_recipes",
			Arguments: "{}",
		}}}, nil
	}

	if len(g.steps) == 0 {
		return &Completion{}, nil
	}
	step := g.steps[0]
	g.steps = g.steps[1:]
	return step.completion, step.err
}

func (g *fakeGateway) StreamText(ctx context.Context, messages []openai.ChatCompletionMessage, mode Mode) (TextStream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.streamErr != nil {
		return nil, g.streamErr
	}
	return &fakeStream{chunks: append([]string(nil), g.chunks...), failErr: g.midStreamErr}, nil
}

type fakeStream struct {
	chunks  []string
	failErr error
}

func (s *fakeStream) Recv() (string, error) {
	if len(s.chunks) == 0 {
		if s.failErr != nil {
			return "", s.failErr
		}
		return "", io.EOF
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return chunk, nil
}

func (s *fakeStream) Close() error { return nil }

// opLogStore records the order of persistence operations on top of the
// in-memory store.
type opLogStore struct {
	*storage.MemoryStorage
	mu  sync.Mutex
	ops []string
}

func (s *opLogStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	s.ops = append(s.ops, "append:"+string(msg.Role)+":"+msg.ToolName)
	s.mu.Unlock()
	return s.MemoryStorage.AppendMessage(ctx, msg)
}

func (s *opLogStore) UpdateToolMessage(ctx context.Context, messageID string, status models.ToolStatus, content string) error {
	s.mu.Lock()
	s.ops = append(s.ops, "update:"+string(status))
	s.mu.Unlock()
	return s.MemoryStorage.UpdateToolMessage(ctx, messageID, status, content)
}

type loopEnv struct {
	store    *opLogStore
	loop     *Loop
	registry *Registry
	threadID string
	user     *models.UserIdentity
}

func newLoopEnv(t *testing.T, gateway ModelGateway, cfg LoopConfig) *loopEnv {
	t.Helper()
	logger := zap.NewNop()
	store := &opLogStore{MemoryStorage: storage.NewMemoryStorage()}

	thread, err := store.CreateThread(context.Background(), "u1", "test thread")
	require.NoError(t, err)

	user := &models.UserIdentity{ID: "u1", Name: "Tester"}
	svc := records.NewService(store.MemoryStorage, logger)

	return &loopEnv{
		store:    store,
		loop:     NewLoop(gateway, NewConversationSync(store, logger), cfg, logger),
		registry: NewRegistry(user, svc, logger),
		threadID: thread.ID,
		user:     user,
	}
}

func (e *loopEnv) run(ctx context.Context, req RunRequest) (State, []Event) {
	emitter := NewEmitter(256)
	req.Emitter = emitter
	if req.Registry == nil {
		req.Registry = e.registry
	}
	if req.ThreadID == "" {
		req.ThreadID = e.threadID
	}
	if req.RunID == "" {
		req.RunID = "run-1"
	}

	state := e.loop.Run(ctx, req)

	var events []Event
	for ev := range emitter.Events() {
		events = append(events, ev)
	}
	return state, events
}

func contentOf(events []Event) string {
	var b strings.Builder
	for _, ev := range events {
		if c, ok := ev.(ContentEvent); ok {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

func TestRunPlainAnswerContentOrdering(t *testing.T) {
	gateway := &fakeGateway{
		steps:  []gatewayStep{{completion: &Completion{}}},
		chunks: []string{"Hel", "lo ", "world"},
	}
	env := newLoopEnv(t, gateway, LoopConfig{})

	state, events := env.run(context.Background(), RunRequest{Message: "hi"})
	require.Equal(t, StateDone, state)

	// Concatenated content events reconstruct the full answer, and the
	// stream ends with the sentinel.
	assert.Equal(t, "Hello world", contentOf(events))
	require.NotEmpty(t, events)
	assert.IsType(t, DoneEvent{}, events[len(events)-1])

	msgs, err := env.store.GetRecentMessages(context.Background(), env.threadID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello world", msgs[1].Content)
}

func TestRunToolPairingAndPersistenceOrdering(t *testing.T) {
	gateway := &fakeGateway{
		steps: []gatewayStep{
			{completion: &Completion{ToolCalls: []ToolCall{
				{ID: "call-1", Name: "list_recipes", Arguments: "{}"},
				{ID: "call-2", Name: "list_groups", Arguments: "{}"},
			}}},
			{completion: &Completion{}},
		},
		chunks: []string{"done"},
	}
	env := newLoopEnv(t, gateway, LoopConfig{})

	state, events := env.run(context.Background(), RunRequest{Message: "list everything"})
	require.Equal(t, StateDone, state)

	// Every tool_start pairs 1:1 with a later tool_end of the same id.
	starts := make(map[string]string)
	ends := make(map[string]string)
	for _, ev := range events {
		switch e := ev.(type) {
		case ToolStartEvent:
			_, dup := starts[e.ID]
			require.False(t, dup, "duplicate tool_start %s", e.ID)
			starts[e.ID] = e.Name
		case ToolEndEvent:
			_, started := starts[e.ID]
			require.True(t, started, "tool_end %s before its tool_start", e.ID)
			_, dup := ends[e.ID]
			require.False(t, dup, "duplicate tool_end %s", e.ID)
			ends[e.ID] = e.Name
			assert.True(t, e.OK)
		}
	}
	assert.Len(t, starts, 2)
	assert.Len(t, ends, 2)

	// The first tool's message reaches a terminal state strictly before
	// the second tool's message is created.
	assert.Equal(t, []string{
		"append:user:",
		"append:tool:list_recipes",
		"update:success",
		"append:tool:list_groups",
		"update:success",
		"append:assistant:",
	}, env.store.ops)
}

func TestRunToolFailureIsNotFatal(t *testing.T) {
	gateway := &fakeGateway{
		steps: []gatewayStep{
			{completion: &Completion{ToolCalls: []ToolCall{
				{ID: "call-1", Name: "broken_tool", Arguments: "{}"},
			}}},
			{completion: &Completion{}},
		},
		chunks: []string{"recovered"},
	}
	env := newLoopEnv(t, gateway, LoopConfig{})
	env.registry.Register(&Tool{
		Name:        "broken_tool",
		Description: "always fails",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "", fmt.Errorf("internal fault")
		},
	})

	state, events := env.run(context.Background(), RunRequest{Message: "try it"})

	// The run continues to a normal answer despite the tool fault.
	require.Equal(t, StateDone, state)
	assert.Equal(t, "recovered", contentOf(events))

	var end ToolEndEvent
	for _, ev := range events {
		if e, ok := ev.(ToolEndEvent); ok {
			end = e
		}
	}
	assert.False(t, end.OK)
	assert.True(t, strings.HasPrefix(end.Result, FailurePrefix))

	msgs, err := env.store.GetRecentMessages(context.Background(), env.threadID, 10)
	require.NoError(t, err)
	var toolMsg *models.Message
	for _, m := range msgs {
		if m.Role == models.RoleTool {
			toolMsg = m
		}
	}
	require.NotNil(t, toolMsg)
	assert.Equal(t, models.StatusError, toolMsg.ToolStatus)
	assert.True(t, strings.HasPrefix(toolMsg.Content, FailurePrefix))
}

func TestRunIterationCap(t *testing.T) {
	gateway := &fakeGateway{loopForever: true}
	env := newLoopEnv(t, gateway, LoopConfig{MaxIterations: 3})

	state, events := env.run(context.Background(), RunRequest{Message: "never stop"})

	require.Equal(t, StateTruncated, state)
	// The cap bounds blocking completions exactly.
	assert.Equal(t, 3, gateway.completeCalls)
	require.NotEmpty(t, events)
	assert.IsType(t, DoneEvent{}, events[len(events)-1])

	doneCount := 0
	for _, ev := range events {
		if _, ok := ev.(DoneEvent); ok {
			doneCount++
		}
	}
	assert.Equal(t, 1, doneCount)
}

func TestRunGatewayFailureIsFatal(t *testing.T) {
	gateway := &fakeGateway{
		steps: []gatewayStep{{err: &GatewayError{Op: "complete", Err: fmt.Errorf("quota exceeded")}}},
	}
	env := newLoopEnv(t, gateway, LoopConfig{})

	state, events := env.run(context.Background(), RunRequest{Message: "hi"})

	require.Equal(t, StateFailed, state)
	require.Len(t, events, 2)
	assert.IsType(t, ErrorEvent{}, events[0])
	assert.IsType(t, DoneEvent{}, events[1])

	// No assistant message is persisted when the run failed before the
	// final-answer stream began.
	msgs, err := env.store.GetRecentMessages(context.Background(), env.threadID, 10)
	require.NoError(t, err)
	for _, m := range msgs {
		assert.NotEqual(t, models.RoleAssistant, m.Role)
	}
}

func TestRunMidStreamFailureKeepsPartialAnswer(t *testing.T) {
	gateway := &fakeGateway{
		steps:        []gatewayStep{{completion: &Completion{}}},
		chunks:       []string{"partial "},
		midStreamErr: &GatewayError{Op: "stream recv", Err: fmt.Errorf("connection reset")},
	}
	env := newLoopEnv(t, gateway, LoopConfig{})

	state, events := env.run(context.Background(), RunRequest{Message: "hi"})

	require.Equal(t, StateFailed, state)
	assert.Equal(t, "partial ", contentOf(events))

	msgs, err := env.store.GetRecentMessages(context.Background(), env.threadID, 10)
	require.NoError(t, err)
	var assistant *models.Message
	for _, m := range msgs {
		if m.Role == models.RoleAssistant {
			assistant = m
		}
	}
	require.NotNil(t, assistant)
	assert.Equal(t, "partial ", assistant.Content)
}

func TestRunCancellationStopsPromptly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	gateway := &fakeGateway{
		steps: []gatewayStep{
			{completion: &Completion{ToolCalls: []ToolCall{
				{ID: "call-1", Name: "cancel_me", Arguments: "{}"},
			}}},
		},
	}
	env := newLoopEnv(t, gateway, LoopConfig{})
	env.registry.Register(&Tool{
		Name:        "cancel_me",
		Description: "cancels the run while executing",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			cancel()
			return "ok", nil
		},
	})

	state, events := env.run(ctx, RunRequest{Message: "go"})

	// Cancellation takes effect at the next checkpoint; no further model
	// calls are made and the run is not a failure.
	require.Equal(t, StateCancelled, state)
	assert.Equal(t, 1, gateway.completeCalls)

	doneCount, errCount := 0, 0
	for _, ev := range events {
		switch ev.(type) {
		case DoneEvent:
			doneCount++
		case ErrorEvent:
			errCount++
		}
	}
	assert.Equal(t, 1, doneCount)
	assert.Equal(t, 0, errCount)

	// The committed tool message stays committed.
	msgs, err := env.store.GetRecentMessages(context.Background(), env.threadID, 10)
	require.NoError(t, err)
	var toolMsg *models.Message
	for _, m := range msgs {
		if m.Role == models.RoleTool {
			toolMsg = m
		}
	}
	require.NotNil(t, toolMsg)
	assert.Equal(t, models.StatusSuccess, toolMsg.ToolStatus)
}

func TestCancelAfterDoneHasNoEffect(t *testing.T) {
	gateway := &fakeGateway{
		steps:  []gatewayStep{{completion: &Completion{}}},
		chunks: []string{"hi"},
	}
	env := newLoopEnv(t, gateway, LoopConfig{})

	controller := NewCancelController()
	ctx, cancel := context.WithCancel(context.Background())
	controller.Register(env.threadID, "run-1", cancel)

	state, events := env.run(ctx, RunRequest{Message: "hi"})
	require.Equal(t, StateDone, state)
	controller.Release(env.threadID, "run-1")

	msgsBefore, err := env.store.GetRecentMessages(context.Background(), env.threadID, 10)
	require.NoError(t, err)

	// Cancelling a finished run reports false and re-mutates nothing.
	assert.False(t, controller.Cancel(env.threadID))

	msgsAfter, err := env.store.GetRecentMessages(context.Background(), env.threadID, 10)
	require.NoError(t, err)
	require.Equal(t, len(msgsBefore), len(msgsAfter))
	for i := range msgsBefore {
		assert.Equal(t, msgsBefore[i].Content, msgsAfter[i].Content)
		assert.Equal(t, msgsBefore[i].ToolStatus, msgsAfter[i].ToolStatus)
	}

	doneCount := 0
	for _, ev := range events {
		if _, ok := ev.(DoneEvent); ok {
			doneCount++
		}
	}
	assert.Equal(t, 1, doneCount)
}

func TestRunBreadRecipeScenario(t *testing.T) {
	gateway := &fakeGateway{
		steps: []gatewayStep{
			{completion: &Completion{ToolCalls: []ToolCall{
				{ID: "call-1", Name: "search_similar_ingredients", Arguments: `{"query":"flour"}`},
			}}},
			{completion: &Completion{ToolCalls: []ToolCall{
				{ID: "call-2", Name: "create_recipe", Arguments: `{"name":"Bread","servings":4,"items":[{"ingredient_id":"ing-1","quantity":"2 cups"}]}`},
			}}},
			{completion: &Completion{}},
		},
		chunks: []string{"Created the Bread recipe ", "with 2 cups of flour."},
	}
	env := newLoopEnv(t, gateway, LoopConfig{})

	require.NoError(t, env.store.CreateIngredient(context.Background(), &models.Ingredient{
		ID:     "ing-1",
		UserID: "u1",
		Name:   "flour",
		Unit:   "cup",
	}))

	state, events := env.run(context.Background(), RunRequest{
		Message: "add 2 cups of flour to a new recipe called Bread, 4 servings",
	})
	require.Equal(t, StateDone, state)

	var kinds []string
	for _, ev := range events {
		switch e := ev.(type) {
		case ToolStartEvent:
			kinds = append(kinds, "tool_start:"+e.Name)
		case ToolEndEvent:
			kinds = append(kinds, "tool_end:"+e.Name)
			assert.True(t, e.OK)
		case ContentEvent:
			kinds = append(kinds, "content")
		case DoneEvent:
			kinds = append(kinds, "done")
		}
	}
	assert.Equal(t, []string{
		"tool_start:search_similar_ingredients",
		"tool_end:search_similar_ingredients",
		"tool_start:create_recipe",
		"tool_end:create_recipe",
		"content",
		"content",
		"done",
	}, kinds)

	recipes, err := env.store.ListRecipes(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, recipes, 1)
	assert.Equal(t, "Bread", recipes[0].Name)
	assert.Equal(t, 4, recipes[0].Servings)
	require.Len(t, recipes[0].Items, 1)
	assert.Equal(t, "ing-1", recipes[0].Items[0].IngredientID)
	assert.Equal(t, "2 cups", recipes[0].Items[0].Quantity)

	msgs, err := env.store.GetRecentMessages(context.Background(), env.threadID, 20)
	require.NoError(t, err)
	assistantCount := 0
	for _, m := range msgs {
		if m.Role == models.RoleAssistant {
			assistantCount++
			assert.Equal(t, "Created the Bread recipe with 2 cups of flour.", m.Content)
		}
	}
	assert.Equal(t, 1, assistantCount)
}
