package agent

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// Mode is the coarse quality/speed selector for a run.
type Mode string

const (
	ModeFast    Mode = "fast"
	ModeSmarter Mode = "smarter"
)

// ValidMode reports whether m is a known mode.
func ValidMode(m Mode) bool {
	return m == ModeFast || m == ModeSmarter
}

// ModelParams maps a mode to a concrete model and output-token budget.
type ModelParams struct {
	Model     string
	MaxTokens int
}

// GatewayError is a typed provider failure. The gateway never retries;
// retry policy belongs to the caller.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("model gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Completion is the result of a blocking structured call. When ToolCalls
// is non-empty the model wants tools executed before it will answer.
type Completion struct {
	Content   string
	ToolCalls []ToolCall
}

// TextStream yields final-answer fragments. Recv returns io.EOF when the
// stream completes.
type TextStream interface {
	Recv() (string, error)
	Close() error
}

// ModelGateway wraps the language-model provider. Complete is the blocking
// structured call used while tool calls are still possible; StreamText is
// the token-incremental call used once the model has committed to a
// plain-text answer.
type ModelGateway interface {
	Complete(ctx context.Context, messages []openai.ChatCompletionMessage, tools []openai.Tool, mode Mode) (*Completion, error)
	StreamText(ctx context.Context, messages []openai.ChatCompletionMessage, mode Mode) (TextStream, error)
}

// OpenAIGateway is the production ModelGateway. It is constructed once at
// startup and shared by reference across concurrent runs; it holds no
// per-run state.
type OpenAIGateway struct {
	client *openai.Client
	modes  map[Mode]ModelParams
	logger *zap.Logger
}

func NewOpenAIGateway(apiKey string, modes map[Mode]ModelParams, logger *zap.Logger) *OpenAIGateway {
	return &OpenAIGateway{
		client: openai.NewClient(apiKey),
		modes:  modes,
		logger: logger,
	}
}

func (g *OpenAIGateway) params(mode Mode) ModelParams {
	if p, ok := g.modes[mode]; ok {
		return p
	}
	return g.modes[ModeFast]
}

func (g *OpenAIGateway) Complete(ctx context.Context, messages []openai.ChatCompletionMessage, tools []openai.Tool, mode Mode) (*Completion, error) {
	p := g.params(mode)

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     p.Model,
		Messages:  messages,
		Tools:     tools,
		MaxTokens: p.MaxTokens,
	})
	if err != nil {
		return nil, &GatewayError{Op: "complete", Err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &GatewayError{Op: "complete", Err: fmt.Errorf("response has no choices")}
	}

	msg := resp.Choices[0].Message
	completion := &Completion{Content: msg.Content}
	for _, call := range msg.ToolCalls {
		if call.Type != openai.ToolTypeFunction {
			continue
		}
		completion.ToolCalls = append(completion.ToolCalls, ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}

	return completion, nil
}

func (g *OpenAIGateway) StreamText(ctx context.Context, messages []openai.ChatCompletionMessage, mode Mode) (TextStream, error) {
	p := g.params(mode)

	stream, err := g.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:     p.Model,
		Messages:  messages,
		MaxTokens: p.MaxTokens,
	})
	if err != nil {
		return nil, &GatewayError{Op: "stream", Err: err}
	}

	return &openaiTextStream{stream: stream}, nil
}

type openaiTextStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openaiTextStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", &GatewayError{Op: "stream recv", Err: err}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
	}
}

func (s *openaiTextStream) Close() error {
	return s.stream.Close()
}
