// Package records is the user-scoped façade over record storage that the
// agent's tools call into. Ownership checks live in the storage layer
// (queries are keyed by user), not here.
package records

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/larderhq/larder/internal/models"
	"github.com/larderhq/larder/internal/storage"
)

type Service struct {
	store  storage.RecordStorage
	logger *zap.Logger
}

func NewService(store storage.RecordStorage, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
	}
}

// Recipes

func (s *Service) ListRecipes(ctx context.Context, userID string) ([]*models.Recipe, error) {
	return s.store.ListRecipes(ctx, userID)
}

func (s *Service) GetRecipe(ctx context.Context, userID, id string) (*models.Recipe, error) {
	return s.store.GetRecipe(ctx, userID, id)
}

func (s *Service) CreateRecipe(ctx context.Context, userID, name string, servings int, instructions, groupID string, items []models.RecipeItem) (*models.Recipe, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("recipe name is required")
	}

	recipe := &models.Recipe{
		UserID:       userID,
		Name:         name,
		Servings:     servings,
		Instructions: instructions,
		GroupID:      groupID,
		Items:        items,
	}
	if err := s.store.CreateRecipe(ctx, recipe); err != nil {
		return nil, err
	}

	s.logger.Info("Recipe created",
		zap.String("recipe_id", recipe.ID),
		zap.String("user_id", userID))
	return recipe, nil
}

func (s *Service) UpdateRecipe(ctx context.Context, recipe *models.Recipe) error {
	if strings.TrimSpace(recipe.Name) == "" {
		return fmt.Errorf("recipe name is required")
	}
	return s.store.UpdateRecipe(ctx, recipe)
}

func (s *Service) DeleteRecipe(ctx context.Context, userID, id string) error {
	return s.store.DeleteRecipe(ctx, userID, id)
}

// Ingredients

func (s *Service) ListIngredients(ctx context.Context, userID string) ([]*models.Ingredient, error) {
	return s.store.ListIngredients(ctx, userID)
}

func (s *Service) GetIngredient(ctx context.Context, userID, id string) (*models.Ingredient, error) {
	return s.store.GetIngredient(ctx, userID, id)
}

func (s *Service) CreateIngredient(ctx context.Context, userID, name, unit string) (*models.Ingredient, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("ingredient name is required")
	}

	ingredient := &models.Ingredient{
		UserID: userID,
		Name:   name,
		Unit:   unit,
	}
	if err := s.store.CreateIngredient(ctx, ingredient); err != nil {
		return nil, err
	}
	return ingredient, nil
}

func (s *Service) UpdateIngredient(ctx context.Context, ingredient *models.Ingredient) error {
	if strings.TrimSpace(ingredient.Name) == "" {
		return fmt.Errorf("ingredient name is required")
	}
	return s.store.UpdateIngredient(ctx, ingredient)
}

func (s *Service) DeleteIngredient(ctx context.Context, userID, id string) error {
	return s.store.DeleteIngredient(ctx, userID, id)
}

func (s *Service) SearchIngredients(ctx context.Context, userID, query string, limit int) ([]*models.Ingredient, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("search query is required")
	}
	if limit <= 0 {
		limit = 5
	}
	return s.store.SearchIngredients(ctx, userID, query, limit)
}

// Groups

func (s *Service) ListGroups(ctx context.Context, userID string) ([]*models.Group, error) {
	return s.store.ListGroups(ctx, userID)
}

func (s *Service) CreateGroup(ctx context.Context, userID, name string) (*models.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("group name is required")
	}

	group := &models.Group{
		UserID: userID,
		Name:   name,
	}
	if err := s.store.CreateGroup(ctx, group); err != nil {
		return nil, err
	}
	return group, nil
}

func (s *Service) DeleteGroup(ctx context.Context, userID, id string) error {
	return s.store.DeleteGroup(ctx, userID, id)
}
