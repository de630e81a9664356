package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/larderhq/larder/internal/models"
)

// MemoryStorage is an in-memory Storage used for tests and the
// use_in_memory configuration. It mirrors the Postgres semantics,
// including soft deletes and thread-timestamp bumping on message writes.
type MemoryStorage struct {
	mu          sync.RWMutex
	threads     map[string]*models.Thread
	messages    map[string]*models.Message
	recipes     map[string]*models.Recipe
	ingredients map[string]*models.Ingredient
	groups      map[string]*models.Group
	seq         int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		threads:     make(map[string]*models.Thread),
		messages:    make(map[string]*models.Message),
		recipes:     make(map[string]*models.Recipe),
		ingredients: make(map[string]*models.Ingredient),
		groups:      make(map[string]*models.Group),
	}
}

// now returns a strictly increasing timestamp so message ordering stays
// total even when appends land within one clock tick.
func (s *MemoryStorage) now() time.Time {
	s.seq++
	return time.Now().Add(time.Duration(s.seq) * time.Microsecond)
}

// Thread methods

func (s *MemoryStorage) CreateThread(ctx context.Context, userID, title string) (*models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	thread := &models.Thread{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.threads[thread.ID] = thread

	copied := *thread
	return &copied, nil
}

func (s *MemoryStorage) GetThread(ctx context.Context, threadID, userID string) (*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	thread, exists := s.threads[threadID]
	if !exists || thread.UserID != userID || thread.DeletedAt != nil {
		return nil, ErrNotFound
	}

	copied := *thread
	return &copied, nil
}

func (s *MemoryStorage) ListThreads(ctx context.Context, userID string) ([]*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var threads []*models.Thread
	for _, thread := range s.threads {
		if thread.UserID != userID || thread.DeletedAt != nil || thread.LastMessageAt == nil {
			continue
		}
		copied := *thread
		threads = append(threads, &copied)
	}

	sort.Slice(threads, func(i, j int) bool {
		return threads[i].LastMessageAt.After(*threads[j].LastMessageAt)
	})

	return threads, nil
}

func (s *MemoryStorage) RenameThread(ctx context.Context, threadID, userID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, exists := s.threads[threadID]
	if !exists || thread.UserID != userID || thread.DeletedAt != nil {
		return ErrNotFound
	}

	thread.Title = title
	thread.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStorage) DeleteThread(ctx context.Context, threadID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, exists := s.threads[threadID]
	if !exists || thread.UserID != userID || thread.DeletedAt != nil {
		return ErrNotFound
	}

	now := s.now()
	thread.DeletedAt = &now
	thread.UpdatedAt = now
	return nil
}

// Message methods

func (s *MemoryStorage) AppendMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.CreatedAt = s.now()

	copied := *msg
	s.messages[msg.ID] = &copied

	s.bumpThread(msg.ThreadID, msg.CreatedAt)

	return nil
}

func (s *MemoryStorage) UpdateToolMessage(ctx context.Context, messageID string, status models.ToolStatus, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, exists := s.messages[messageID]
	if !exists || msg.Role != models.RoleTool {
		return ErrNotFound
	}

	msg.ToolStatus = status
	msg.Content = content

	s.bumpThread(msg.ThreadID, s.now())

	return nil
}

// bumpThread refreshes the owning thread's timestamps. Soft-deleted
// threads are left alone so a late write cannot resurrect them into
// thread listings. Caller holds the lock.
func (s *MemoryStorage) bumpThread(threadID string, at time.Time) {
	thread, exists := s.threads[threadID]
	if !exists || thread.DeletedAt != nil {
		return
	}
	thread.UpdatedAt = at
	thread.LastMessageAt = &at
}

func (s *MemoryStorage) GetRecentMessages(ctx context.Context, threadID string, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var messages []*models.Message
	for _, msg := range s.messages {
		if msg.ThreadID != threadID {
			continue
		}
		copied := *msg
		messages = append(messages, &copied)
	}

	sort.Slice(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})

	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}

	return messages, nil
}

// Recipe methods

func (s *MemoryStorage) ListRecipes(ctx context.Context, userID string) ([]*models.Recipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var recipes []*models.Recipe
	for _, recipe := range s.recipes {
		if recipe.UserID != userID || recipe.DeletedAt != nil {
			continue
		}
		copied := *recipe
		recipes = append(recipes, &copied)
	}

	sort.Slice(recipes, func(i, j int) bool {
		return recipes[i].CreatedAt.After(recipes[j].CreatedAt)
	})

	return recipes, nil
}

func (s *MemoryStorage) GetRecipe(ctx context.Context, userID, id string) (*models.Recipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recipe, exists := s.recipes[id]
	if !exists || recipe.UserID != userID || recipe.DeletedAt != nil {
		return nil, ErrNotFound
	}

	copied := *recipe
	return &copied, nil
}

func (s *MemoryStorage) CreateRecipe(ctx context.Context, recipe *models.Recipe) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if recipe.ID == "" {
		recipe.ID = uuid.New().String()
	}
	now := s.now()
	recipe.CreatedAt = now
	recipe.UpdatedAt = now

	copied := *recipe
	s.recipes[recipe.ID] = &copied
	return nil
}

func (s *MemoryStorage) UpdateRecipe(ctx context.Context, recipe *models.Recipe) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.recipes[recipe.ID]
	if !exists || existing.UserID != recipe.UserID || existing.DeletedAt != nil {
		return ErrNotFound
	}

	recipe.CreatedAt = existing.CreatedAt
	recipe.UpdatedAt = s.now()
	copied := *recipe
	s.recipes[recipe.ID] = &copied
	return nil
}

func (s *MemoryStorage) DeleteRecipe(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recipe, exists := s.recipes[id]
	if !exists || recipe.UserID != userID || recipe.DeletedAt != nil {
		return ErrNotFound
	}

	now := s.now()
	recipe.DeletedAt = &now
	recipe.UpdatedAt = now
	return nil
}

// Ingredient methods

func (s *MemoryStorage) ListIngredients(ctx context.Context, userID string) ([]*models.Ingredient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ingredients []*models.Ingredient
	for _, ingredient := range s.ingredients {
		if ingredient.UserID != userID || ingredient.DeletedAt != nil {
			continue
		}
		copied := *ingredient
		ingredients = append(ingredients, &copied)
	}

	sort.Slice(ingredients, func(i, j int) bool {
		return ingredients[i].Name < ingredients[j].Name
	})

	return ingredients, nil
}

func (s *MemoryStorage) GetIngredient(ctx context.Context, userID, id string) (*models.Ingredient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ingredient, exists := s.ingredients[id]
	if !exists || ingredient.UserID != userID || ingredient.DeletedAt != nil {
		return nil, ErrNotFound
	}

	copied := *ingredient
	return &copied, nil
}

func (s *MemoryStorage) CreateIngredient(ctx context.Context, ingredient *models.Ingredient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ingredient.ID == "" {
		ingredient.ID = uuid.New().String()
	}
	now := s.now()
	ingredient.CreatedAt = now
	ingredient.UpdatedAt = now

	copied := *ingredient
	s.ingredients[ingredient.ID] = &copied
	return nil
}

func (s *MemoryStorage) UpdateIngredient(ctx context.Context, ingredient *models.Ingredient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.ingredients[ingredient.ID]
	if !exists || existing.UserID != ingredient.UserID || existing.DeletedAt != nil {
		return ErrNotFound
	}

	ingredient.CreatedAt = existing.CreatedAt
	ingredient.UpdatedAt = s.now()
	copied := *ingredient
	s.ingredients[ingredient.ID] = &copied
	return nil
}

func (s *MemoryStorage) DeleteIngredient(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ingredient, exists := s.ingredients[id]
	if !exists || ingredient.UserID != userID || ingredient.DeletedAt != nil {
		return ErrNotFound
	}

	now := s.now()
	ingredient.DeletedAt = &now
	ingredient.UpdatedAt = now
	return nil
}

func (s *MemoryStorage) SearchIngredients(ctx context.Context, userID, query string, limit int) ([]*models.Ingredient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Substring rank approximates the trigram search Postgres does.
	needle := strings.ToLower(strings.TrimSpace(query))

	type match struct {
		ingredient *models.Ingredient
		rank       int
	}
	var matches []match
	for _, ingredient := range s.ingredients {
		if ingredient.UserID != userID || ingredient.DeletedAt != nil {
			continue
		}
		name := strings.ToLower(ingredient.Name)
		rank := -1
		switch {
		case name == needle:
			rank = 0
		case strings.HasPrefix(name, needle):
			rank = 1
		case strings.Contains(name, needle):
			rank = 2
		case strings.Contains(needle, name):
			rank = 3
		}
		if rank < 0 {
			continue
		}
		copied := *ingredient
		matches = append(matches, match{ingredient: &copied, rank: rank})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].rank != matches[j].rank {
			return matches[i].rank < matches[j].rank
		}
		return matches[i].ingredient.Name < matches[j].ingredient.Name
	})

	var ingredients []*models.Ingredient
	for _, m := range matches {
		ingredients = append(ingredients, m.ingredient)
		if limit > 0 && len(ingredients) >= limit {
			break
		}
	}

	return ingredients, nil
}

// Group methods

func (s *MemoryStorage) ListGroups(ctx context.Context, userID string) ([]*models.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var groups []*models.Group
	for _, group := range s.groups {
		if group.UserID != userID || group.DeletedAt != nil {
			continue
		}
		copied := *group
		groups = append(groups, &copied)
	}

	sort.Slice(groups, func(i, j int) bool {
		return groups[i].Name < groups[j].Name
	})

	return groups, nil
}

func (s *MemoryStorage) CreateGroup(ctx context.Context, group *models.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if group.ID == "" {
		group.ID = uuid.New().String()
	}
	now := s.now()
	group.CreatedAt = now
	group.UpdatedAt = now

	copied := *group
	s.groups[group.ID] = &copied
	return nil
}

func (s *MemoryStorage) DeleteGroup(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	group, exists := s.groups[id]
	if !exists || group.UserID != userID || group.DeletedAt != nil {
		return ErrNotFound
	}

	now := s.now()
	group.DeletedAt = &now
	group.UpdatedAt = now
	return nil
}

func (s *MemoryStorage) Close() error {
	return nil
}
