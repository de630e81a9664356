package storage

import (
	"context"
	"errors"

	"github.com/larderhq/larder/internal/models"
)

// ErrNotFound is returned when a record does not exist, is soft-deleted,
// or is not owned by the given user.
var ErrNotFound = errors.New("not found")

type Storage interface {
	ThreadStorage
	RecordStorage
	Close() error
}

// ThreadStorage persists conversation threads and their messages. Every
// message append also bumps the owning thread's updated_at and
// last_message_at timestamps.
type ThreadStorage interface {
	CreateThread(ctx context.Context, userID, title string) (*models.Thread, error)
	GetThread(ctx context.Context, threadID, userID string) (*models.Thread, error)
	ListThreads(ctx context.Context, userID string) ([]*models.Thread, error)
	RenameThread(ctx context.Context, threadID, userID, title string) error
	DeleteThread(ctx context.Context, threadID, userID string) error

	AppendMessage(ctx context.Context, msg *models.Message) error
	UpdateToolMessage(ctx context.Context, messageID string, status models.ToolStatus, content string) error
	GetRecentMessages(ctx context.Context, threadID string, limit int) ([]*models.Message, error)
}

// RecordStorage persists the domain records the agent's tools operate on.
// All reads and writes are scoped to a user; deletes are soft.
type RecordStorage interface {
	ListRecipes(ctx context.Context, userID string) ([]*models.Recipe, error)
	GetRecipe(ctx context.Context, userID, id string) (*models.Recipe, error)
	CreateRecipe(ctx context.Context, recipe *models.Recipe) error
	UpdateRecipe(ctx context.Context, recipe *models.Recipe) error
	DeleteRecipe(ctx context.Context, userID, id string) error

	ListIngredients(ctx context.Context, userID string) ([]*models.Ingredient, error)
	GetIngredient(ctx context.Context, userID, id string) (*models.Ingredient, error)
	CreateIngredient(ctx context.Context, ingredient *models.Ingredient) error
	UpdateIngredient(ctx context.Context, ingredient *models.Ingredient) error
	DeleteIngredient(ctx context.Context, userID, id string) error
	SearchIngredients(ctx context.Context, userID, query string, limit int) ([]*models.Ingredient, error)

	ListGroups(ctx context.Context, userID string) ([]*models.Group, error)
	CreateGroup(ctx context.Context, group *models.Group) error
	DeleteGroup(ctx context.Context, userID, id string) error
}
