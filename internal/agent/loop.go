package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/larderhq/larder/internal/models"
)

// State is the Agent Loop's position in its state machine.
type State string

const (
	StateAwaitingModel   State = "awaiting-model"
	StateExecutingTools  State = "executing-tools"
	StateStreamingAnswer State = "streaming-answer"
	StateDone            State = "done"
	StateFailed          State = "failed"
	StateCancelled       State = "cancelled"
	StateTruncated       State = "truncated"
)

const (
	defaultSystemPrompt = `You are the kitchen assistant of a recipe manager. You can list, create,
update and delete the user's recipes, ingredients and groups through the
available tools. Resolve ingredient names to ids with
search_similar_ingredients before referencing them. When you are done,
reply with a short confirmation of what you did.`

	// genericFailureMessage is what the user sees for provider failures.
	genericFailureMessage = "Sorry, I could not complete that request. Please try again."

	// maxToolResultDisplay bounds tool results on the stream; the full
	// result is in the persisted tool message.
	maxToolResultDisplay = 500
)

type LoopConfig struct {
	MaxIterations int
	HistoryLimit  int
	SystemPrompt  string
}

// Loop drives one inbound message through model completions and tool
// executions until the model produces a plain answer or a bound is hit.
// A Loop is stateless across runs and safe for concurrent use; all
// per-run state lives in the RunRequest and the local frame of Run.
type Loop struct {
	gateway ModelGateway
	sync    *ConversationSync
	cfg     LoopConfig
	logger  *zap.Logger
}

func NewLoop(gateway ModelGateway, sync *ConversationSync, cfg LoopConfig, logger *zap.Logger) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 8
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	return &Loop{
		gateway: gateway,
		sync:    sync,
		cfg:     cfg,
		logger:  logger,
	}
}

// HistoryTurn is a prior conversation turn supplied by the client in
// place of stored history.
type HistoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RunRequest carries everything one run owns: its registry is bound to
// the calling user, its emitter has exactly one consumer, and nothing
// here is shared with concurrent runs.
type RunRequest struct {
	RunID       string
	ThreadID    string
	Message     string
	Attachments []string
	Mode        Mode
	History     []HistoryTurn
	Registry    *Registry
	Emitter     *Emitter
}

// Run executes the state machine and returns the terminal state. It
// closes the emitter on exit; every run ends with a DoneEvent, including
// cancelled and truncated ones, so the client always sees the
// end-of-stream sentinel.
func (l *Loop) Run(ctx context.Context, req RunRequest) State {
	defer req.Emitter.Close()

	msgs := l.seedMessages(ctx, req)

	if _, err := l.sync.AppendUserMessage(ctx, req.ThreadID, req.Message, req.Attachments); err != nil {
		l.logger.Error("Failed to persist user message",
			zap.Error(err),
			zap.String("run_id", req.RunID),
			zap.String("thread_id", req.ThreadID))
		req.Emitter.Emit(ErrorEvent{Message: "failed to save your message"})
	}

	for iteration := 0; ; iteration++ {
		if iteration >= l.cfg.MaxIterations {
			// Loop protection: the partial work already streamed and
			// persisted is kept, but the run is over.
			l.logger.Warn("Run truncated at iteration cap",
				zap.String("run_id", req.RunID),
				zap.String("thread_id", req.ThreadID),
				zap.Int("max_iterations", l.cfg.MaxIterations))
			req.Emitter.Emit(DoneEvent{})
			return StateTruncated
		}
		if ctx.Err() != nil {
			req.Emitter.Emit(DoneEvent{})
			return StateCancelled
		}

		l.logger.Debug("Run state",
			zap.String("run_id", req.RunID),
			zap.String("state", string(StateAwaitingModel)),
			zap.Int("iteration", iteration))

		completion, err := l.gateway.Complete(ctx, msgs, req.Registry.Definitions(), req.Mode)
		if err != nil {
			if ctx.Err() != nil {
				req.Emitter.Emit(DoneEvent{})
				return StateCancelled
			}
			l.logger.Error("Model completion failed",
				zap.Error(err),
				zap.String("run_id", req.RunID))
			req.Emitter.Emit(ErrorEvent{Message: genericFailureMessage})
			req.Emitter.Emit(DoneEvent{})
			return StateFailed
		}

		if len(completion.ToolCalls) == 0 {
			return l.streamAnswer(ctx, req, msgs)
		}

		var cancelled bool
		msgs, cancelled = l.executeTools(ctx, req, msgs, completion)
		if cancelled {
			req.Emitter.Emit(DoneEvent{})
			return StateCancelled
		}
	}
}

// executeTools runs one model response's tool calls sequentially in the
// order returned. Each call persists a running tool message before its
// tool_start event and rewrites it to a terminal status before its
// tool_end event. A sentinel failure result is appended like any other
// result so the model can react to it.
func (l *Loop) executeTools(ctx context.Context, req RunRequest, msgs []openai.ChatCompletionMessage, completion *Completion) (out []openai.ChatCompletionMessage, cancelled bool) {
	l.logger.Debug("Run state",
		zap.String("run_id", req.RunID),
		zap.String("state", string(StateExecutingTools)),
		zap.Int("tool_calls", len(completion.ToolCalls)))

	assistant := openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: completion.Content,
	}
	for _, call := range completion.ToolCalls {
		assistant.ToolCalls = append(assistant.ToolCalls, openai.ToolCall{
			ID:   call.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      call.Name,
				Arguments: call.Arguments,
			},
		})
	}
	msgs = append(msgs, assistant)

	for _, call := range completion.ToolCalls {
		if ctx.Err() != nil {
			return msgs, true
		}

		toolMsg, err := l.sync.AppendToolMessage(ctx, req.ThreadID, call.Name)
		if err != nil {
			l.logger.Error("Failed to persist tool message",
				zap.Error(err),
				zap.String("run_id", req.RunID),
				zap.String("tool", call.Name))
			req.Emitter.Emit(ErrorEvent{Message: "failed to save tool status"})
		}
		req.Emitter.Emit(ToolStartEvent{
			ID:        call.ID,
			Name:      call.Name,
			Arguments: json.RawMessage(call.Arguments),
		})

		result, ok := req.Registry.Execute(ctx, call.Name, call.Arguments)

		status := models.StatusSuccess
		if !ok {
			status = models.StatusError
		}
		if toolMsg != nil {
			if err := l.sync.UpdateToolMessage(ctx, toolMsg.ID, status, result); err != nil {
				l.logger.Error("Failed to update tool message",
					zap.Error(err),
					zap.String("run_id", req.RunID),
					zap.String("message_id", toolMsg.ID))
				req.Emitter.Emit(ErrorEvent{Message: "failed to save tool status"})
			}
		}
		req.Emitter.Emit(ToolEndEvent{
			ID:     call.ID,
			Name:   call.Name,
			OK:     ok,
			Result: truncateResult(result, maxToolResultDisplay),
		})

		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    result,
			ToolCallID: call.ID,
		})
	}

	return msgs, false
}

// streamAnswer issues the token-incremental final answer once the model
// has stopped calling tools. If the stream fails midway, whatever was
// already streamed is persisted and kept.
func (l *Loop) streamAnswer(ctx context.Context, req RunRequest, msgs []openai.ChatCompletionMessage) State {
	l.logger.Debug("Run state",
		zap.String("run_id", req.RunID),
		zap.String("state", string(StateStreamingAnswer)))

	stream, err := l.gateway.StreamText(ctx, msgs, req.Mode)
	if err != nil {
		if ctx.Err() != nil {
			req.Emitter.Emit(DoneEvent{})
			return StateCancelled
		}
		l.logger.Error("Answer stream failed to start",
			zap.Error(err),
			zap.String("run_id", req.RunID))
		req.Emitter.Emit(ErrorEvent{Message: genericFailureMessage})
		req.Emitter.Emit(DoneEvent{})
		return StateFailed
	}
	defer stream.Close()

	var answer strings.Builder
	for {
		if ctx.Err() != nil {
			req.Emitter.Emit(DoneEvent{})
			return StateCancelled
		}

		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				req.Emitter.Emit(DoneEvent{})
				return StateCancelled
			}
			l.logger.Error("Answer stream failed",
				zap.Error(err),
				zap.String("run_id", req.RunID))
			if answer.Len() > 0 {
				l.persistAssistant(ctx, req, answer.String())
			}
			req.Emitter.Emit(ErrorEvent{Message: genericFailureMessage})
			req.Emitter.Emit(DoneEvent{})
			return StateFailed
		}

		answer.WriteString(delta)
		req.Emitter.Emit(ContentEvent{Text: delta})
	}

	l.persistAssistant(ctx, req, answer.String())
	req.Emitter.Emit(DoneEvent{})
	return StateDone
}

func (l *Loop) persistAssistant(ctx context.Context, req RunRequest, content string) {
	if _, err := l.sync.AppendAssistantMessage(ctx, req.ThreadID, content); err != nil {
		l.logger.Error("Failed to persist assistant message",
			zap.Error(err),
			zap.String("run_id", req.RunID),
			zap.String("thread_id", req.ThreadID))
		req.Emitter.Emit(ErrorEvent{Message: "failed to save the reply"})
	}
}

// seedMessages builds the initial turn list: system instruction, prior
// history (client-supplied if present, otherwise the stored recent
// turns), then the new user message. Stored tool transcripts are skipped;
// without their originating calls the provider rejects them.
func (l *Loop) seedMessages(ctx context.Context, req RunRequest) []openai.ChatCompletionMessage {
	msgs := []openai.ChatCompletionMessage{{
		Role:    openai.ChatMessageRoleSystem,
		Content: l.cfg.SystemPrompt,
	}}

	if len(req.History) > 0 {
		for _, turn := range req.History {
			role := openai.ChatMessageRoleUser
			if turn.Role == "assistant" {
				role = openai.ChatMessageRoleAssistant
			}
			msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
		}
	} else {
		history, err := l.sync.RecentHistory(ctx, req.ThreadID, l.cfg.HistoryLimit)
		if err != nil {
			l.logger.Error("Failed to load thread history",
				zap.Error(err),
				zap.String("run_id", req.RunID),
				zap.String("thread_id", req.ThreadID))
		}
		for _, m := range history {
			switch m.Role {
			case models.RoleUser:
				msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
			case models.RoleAssistant:
				msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content})
			}
		}
	}

	return append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Message,
	})
}
