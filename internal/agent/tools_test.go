package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/larderhq/larder/internal/models"
	"github.com/larderhq/larder/internal/records"
	"github.com/larderhq/larder/internal/storage"
)

func newTestRegistry(t *testing.T) (*Registry, *storage.MemoryStorage) {
	t.Helper()
	logger := zap.NewNop()
	store := storage.NewMemoryStorage()
	svc := records.NewService(store, logger)
	user := &models.UserIdentity{ID: "u1", Name: "Tester"}
	return NewRegistry(user, svc, logger), store
}

func TestRegistryDefinitions(t *testing.T) {
	registry, _ := newTestRegistry(t)

	defs := registry.Definitions()
	require.NotEmpty(t, defs)

	names := make(map[string]bool)
	for _, def := range defs {
		require.NotNil(t, def.Function)
		assert.NotEmpty(t, def.Function.Description)
		names[def.Function.Name] = true
	}
	for _, expected := range []string{
		"list_recipes", "get_recipe", "create_recipe", "update_recipe", "delete_recipe",
		"list_ingredients", "create_ingredient", "update_ingredient", "delete_ingredient",
		"search_similar_ingredients",
		"list_groups", "create_group", "delete_group",
	} {
		assert.True(t, names[expected], "missing tool %s", expected)
	}
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	registry, _ := newTestRegistry(t)

	result, ok := registry.Execute(context.Background(), "no_such_tool", "{}")
	assert.False(t, ok)
	assert.True(t, strings.HasPrefix(result, FailurePrefix))
}

func TestRegistryExecuteInvalidArguments(t *testing.T) {
	registry, _ := newTestRegistry(t)

	result, ok := registry.Execute(context.Background(), "create_recipe", "{not json")
	assert.False(t, ok)
	assert.True(t, strings.HasPrefix(result, FailurePrefix))
}

func TestRegistryCreateAndSearch(t *testing.T) {
	registry, store := newTestRegistry(t)
	ctx := context.Background()

	result, ok := registry.Execute(ctx, "create_ingredient", `{"name":"bread flour","unit":"cup"}`)
	require.True(t, ok, result)

	var created models.Ingredient
	require.NoError(t, json.Unmarshal([]byte(result), &created))
	assert.NotEmpty(t, created.ID)

	result, ok = registry.Execute(ctx, "search_similar_ingredients", `{"query":"flour"}`)
	require.True(t, ok, result)
	var found []models.Ingredient
	require.NoError(t, json.Unmarshal([]byte(result), &found))
	require.Len(t, found, 1)
	assert.Equal(t, created.ID, found[0].ID)

	// A fresh search with no match reports that instead of failing.
	result, ok = registry.Execute(ctx, "search_similar_ingredients", `{"query":"saffron"}`)
	require.True(t, ok)
	assert.Equal(t, "no matching ingredients", result)

	ingredients, err := store.ListIngredients(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, ingredients, 1)
}

func TestRegistryScopedToBoundUser(t *testing.T) {
	registry, store := newTestRegistry(t)
	ctx := context.Background()

	// A recipe owned by someone else is invisible to this registry.
	other := &models.Recipe{UserID: "u2", Name: "Secret Cake", Servings: 8}
	require.NoError(t, store.CreateRecipe(ctx, other))

	result, ok := registry.Execute(ctx, "get_recipe", `{"id":"`+other.ID+`"}`)
	assert.False(t, ok)
	assert.True(t, strings.HasPrefix(result, FailurePrefix))

	result, ok = registry.Execute(ctx, "delete_recipe", `{"id":"`+other.ID+`"}`)
	assert.False(t, ok)
	assert.True(t, strings.HasPrefix(result, FailurePrefix))

	// Still there for its owner.
	kept, err := store.GetRecipe(ctx, "u2", other.ID)
	require.NoError(t, err)
	assert.Equal(t, "Secret Cake", kept.Name)
}

func TestRegistryUpdateRecipePartialFields(t *testing.T) {
	registry, store := newTestRegistry(t)
	ctx := context.Background()

	recipe := &models.Recipe{
		UserID:   "u1",
		Name:     "Soup",
		Servings: 2,
		Items:    []models.RecipeItem{{IngredientID: "ing-9", Quantity: "1 l"}},
	}
	require.NoError(t, store.CreateRecipe(ctx, recipe))

	result, ok := registry.Execute(ctx, "update_recipe", `{"id":"`+recipe.ID+`","servings":6}`)
	require.True(t, ok, result)

	updated, err := store.GetRecipe(ctx, "u1", recipe.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, updated.Servings)
	assert.Equal(t, "Soup", updated.Name)
	require.Len(t, updated.Items, 1)
}
