package agent

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Event is the closed set of stream events a run emits. Each concrete
// type below is one frame kind on the wire; EncodeEvent matches them
// exhaustively.
type Event interface {
	isEvent()
}

// ContentEvent is one fragment of the final answer. Concatenating all
// content events in delivery order reconstructs the full answer text.
type ContentEvent struct {
	Text string
}

// ToolStartEvent is emitted the instant a tool call is accepted, before
// execution begins.
type ToolStartEvent struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolEndEvent pairs 1:1 with a prior ToolStartEvent of the same ID.
// Result is truncated for display; the full result lives in the persisted
// tool message.
type ToolEndEvent struct {
	ID     string
	Name   string
	OK     bool
	Result string
}

// ErrorEvent carries a terminal failure message.
type ErrorEvent struct {
	Message string
}

// DoneEvent is the end-of-stream sentinel.
type DoneEvent struct{}

func (ContentEvent) isEvent()   {}
func (ToolStartEvent) isEvent() {}
func (ToolEndEvent) isEvent()   {}
func (ErrorEvent) isEvent()     {}
func (DoneEvent) isEvent()      {}

// EncodeEvent renders one event as the tagged JSON object carried in one
// stream frame.
func EncodeEvent(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case ContentEvent:
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{"content", e.Text})
	case ToolStartEvent:
		return json.Marshal(struct {
			Type      string          `json:"type"`
			ID        string          `json:"id"`
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments,omitempty"`
		}{"tool_start", e.ID, e.Name, e.Arguments})
	case ToolEndEvent:
		return json.Marshal(struct {
			Type   string `json:"type"`
			ID     string `json:"id"`
			Name   string `json:"name"`
			OK     bool   `json:"ok"`
			Result string `json:"result"`
		}{"tool_end", e.ID, e.Name, e.OK, e.Result})
	case ErrorEvent:
		return json.Marshal(struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}{"error", e.Message})
	case DoneEvent:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{"done"})
	default:
		return nil, fmt.Errorf("unknown event type %T", ev)
	}
}

// truncateResult bounds a tool result for stream display, cutting on a
// rune boundary so the frame stays valid UTF-8.
func truncateResult(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "…"
}
