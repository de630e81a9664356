package models

import "time"

// Role identifies the author of a message within a thread.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolStatus tracks the lifecycle of a tool-status message. A tool message
// is created as StatusRunning and rewritten exactly once to a terminal state.
type ToolStatus string

const (
	StatusRunning ToolStatus = "running"
	StatusSuccess ToolStatus = "success"
	StatusError   ToolStatus = "error"
)

// Thread is a named conversation owned by one user. LastMessageAt is nil
// until the first message is appended; such threads are excluded from
// listings. DeletedAt marks a soft delete.
type Thread struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Title         string     `json:"title"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	DeletedAt     *time.Time `json:"-"`
}

// Message belongs to exactly one thread. ToolName and ToolStatus are set
// only when Role is RoleTool. User and assistant messages are immutable
// once created; messages are totally ordered by CreatedAt within a thread.
type Message struct {
	ID          string     `json:"id"`
	ThreadID    string     `json:"thread_id"`
	Role        Role       `json:"role"`
	Content     string     `json:"content"`
	ToolName    string     `json:"tool_name,omitempty"`
	ToolStatus  ToolStatus `json:"tool_status,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	Attachments []string   `json:"attachments,omitempty"`
}

// UserIdentity is the authenticated caller, supplied by the auth gate.
type UserIdentity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
