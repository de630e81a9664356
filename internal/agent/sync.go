package agent

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/larderhq/larder/internal/models"
	"github.com/larderhq/larder/internal/storage"
)

// ConversationSync records the messages of a run as it unfolds: the user
// message up front, a running tool message before each tool executes
// (rewritten exactly once to a terminal status afterwards), and the final
// assistant message. Each append is its own durable unit; there is no
// cross-step transaction, and the storage layer bumps the owning thread's
// timestamps on every append and tool-status rewrite.
type ConversationSync struct {
	store  storage.ThreadStorage
	logger *zap.Logger
}

func NewConversationSync(store storage.ThreadStorage, logger *zap.Logger) *ConversationSync {
	return &ConversationSync{
		store:  store,
		logger: logger,
	}
}

func (s *ConversationSync) AppendUserMessage(ctx context.Context, threadID, content string, attachments []string) (*models.Message, error) {
	msg := &models.Message{
		ID:          uuid.New().String(),
		ThreadID:    threadID,
		Role:        models.RoleUser,
		Content:     content,
		Attachments: attachments,
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// AppendToolMessage creates the tool-status message in its running state.
func (s *ConversationSync) AppendToolMessage(ctx context.Context, threadID, toolName string) (*models.Message, error) {
	msg := &models.Message{
		ID:         uuid.New().String(),
		ThreadID:   threadID,
		Role:       models.RoleTool,
		ToolName:   toolName,
		ToolStatus: models.StatusRunning,
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// UpdateToolMessage rewrites a running tool message to its terminal
// status and result content.
func (s *ConversationSync) UpdateToolMessage(ctx context.Context, messageID string, status models.ToolStatus, content string) error {
	return s.store.UpdateToolMessage(ctx, messageID, status, content)
}

func (s *ConversationSync) AppendAssistantMessage(ctx context.Context, threadID, content string) (*models.Message, error) {
	msg := &models.Message{
		ID:       uuid.New().String(),
		ThreadID: threadID,
		Role:     models.RoleAssistant,
		Content:  content,
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// RecentHistory loads the thread's most recent turns in canonical append
// order for seeding a run.
func (s *ConversationSync) RecentHistory(ctx context.Context, threadID string, limit int) ([]*models.Message, error) {
	return s.store.GetRecentMessages(ctx, threadID, limit)
}
