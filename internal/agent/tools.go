package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/larderhq/larder/internal/models"
	"github.com/larderhq/larder/internal/records"
)

// FailurePrefix marks a tool result that represents a caught execution
// failure. The loop treats such results as non-fatal and hands them back
// to the model.
const FailurePrefix = "ERROR: "

// Tool is a named, schema-validated operation the model may invoke.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     func(ctx context.Context, args map[string]any) (string, error)
}

// Registry is the fixed set of tools bound to one user. Every handler is
// scoped to that user; ownership enforcement is delegated to the record
// storage layer.
type Registry struct {
	tools  map[string]*Tool
	order  []string
	logger *zap.Logger
}

func NewRegistry(user *models.UserIdentity, svc *records.Service, logger *zap.Logger) *Registry {
	r := &Registry{
		tools:  make(map[string]*Tool),
		logger: logger,
	}
	r.registerRecipeTools(user.ID, svc)
	r.registerIngredientTools(user.ID, svc)
	r.registerGroupTools(user.ID, svc)
	return r
}

func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Definitions returns the tool set in the provider's wire format, in
// registration order.
func (r *Registry) Definitions() []openai.Tool {
	defs := make([]openai.Tool, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return defs
}

// Execute runs one tool call. Failures of any kind (unknown tool, bad
// arguments, handler error) are converted to a FailurePrefix result
// instead of an error, so the caller can classify outcomes uniformly.
// ok is false exactly when the result carries the failure sentinel.
func (r *Registry) Execute(ctx context.Context, name, rawArgs string) (result string, ok bool) {
	t, exists := r.tools[name]
	if !exists {
		return FailurePrefix + fmt.Sprintf("unknown tool %q", name), false
	}

	args := make(map[string]any)
	if strings.TrimSpace(rawArgs) != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return FailurePrefix + fmt.Sprintf("invalid arguments for %s: %v", name, err), false
		}
	}

	out, err := t.Handler(ctx, args)
	if err != nil {
		r.logger.Warn("Tool execution failed",
			zap.String("tool", name),
			zap.Error(err))
		return FailurePrefix + err.Error(), false
	}

	return out, true
}

func (r *Registry) registerRecipeTools(userID string, svc *records.Service) {
	r.Register(&Tool{
		Name:        "list_recipes",
		Description: "List all of the user's recipes with their ids, names and servings.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			recipes, err := svc.ListRecipes(ctx, userID)
			if err != nil {
				return "", err
			}
			return encodeResult(recipes)
		},
	})

	r.Register(&Tool{
		Name:        "get_recipe",
		Description: "Get one recipe by id, including its ingredient lines.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "The recipe id",
				},
			},
			"required": []string{"id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			recipe, err := svc.GetRecipe(ctx, userID, stringArg(args, "id"))
			if err != nil {
				return "", err
			}
			return encodeResult(recipe)
		},
	})

	r.Register(&Tool{
		Name:        "create_recipe",
		Description: "Create a new recipe. Resolve ingredient names to ids with search_similar_ingredients first, creating missing ingredients with create_ingredient.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Recipe name",
				},
				"servings": map[string]any{
					"type":        "integer",
					"description": "Number of servings",
				},
				"instructions": map[string]any{
					"type":        "string",
					"description": "Preparation instructions",
				},
				"group_id": map[string]any{
					"type":        "string",
					"description": "Optional id of the group to file the recipe under",
				},
				"items": map[string]any{
					"type":        "array",
					"description": "Ingredient lines",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"ingredient_id": map[string]any{"type": "string"},
							"quantity":      map[string]any{"type": "string", "description": "e.g. '2 cups'"},
						},
						"required": []string{"ingredient_id", "quantity"},
					},
				},
			},
			"required": []string{"name"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			recipe, err := svc.CreateRecipe(ctx, userID,
				stringArg(args, "name"),
				intArg(args, "servings"),
				stringArg(args, "instructions"),
				stringArg(args, "group_id"),
				itemsArg(args, "items"))
			if err != nil {
				return "", err
			}
			return encodeResult(recipe)
		},
	})

	r.Register(&Tool{
		Name:        "update_recipe",
		Description: "Update an existing recipe. Omitted fields keep their current values.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id":           map[string]any{"type": "string"},
				"name":         map[string]any{"type": "string"},
				"servings":     map[string]any{"type": "integer"},
				"instructions": map[string]any{"type": "string"},
				"group_id":     map[string]any{"type": "string"},
				"items": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"ingredient_id": map[string]any{"type": "string"},
							"quantity":      map[string]any{"type": "string"},
						},
						"required": []string{"ingredient_id", "quantity"},
					},
				},
			},
			"required": []string{"id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			recipe, err := svc.GetRecipe(ctx, userID, stringArg(args, "id"))
			if err != nil {
				return "", err
			}
			if v, ok := args["name"]; ok {
				recipe.Name, _ = v.(string)
			}
			if _, ok := args["servings"]; ok {
				recipe.Servings = intArg(args, "servings")
			}
			if v, ok := args["instructions"]; ok {
				recipe.Instructions, _ = v.(string)
			}
			if v, ok := args["group_id"]; ok {
				recipe.GroupID, _ = v.(string)
			}
			if _, ok := args["items"]; ok {
				recipe.Items = itemsArg(args, "items")
			}
			if err := svc.UpdateRecipe(ctx, recipe); err != nil {
				return "", err
			}
			return encodeResult(recipe)
		},
	})

	r.Register(&Tool{
		Name:        "delete_recipe",
		Description: "Delete a recipe by id.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{"type": "string"},
			},
			"required": []string{"id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id := stringArg(args, "id")
			if err := svc.DeleteRecipe(ctx, userID, id); err != nil {
				return "", err
			}
			return fmt.Sprintf("deleted recipe %s", id), nil
		},
	})
}

func (r *Registry) registerIngredientTools(userID string, svc *records.Service) {
	r.Register(&Tool{
		Name:        "list_ingredients",
		Description: "List all of the user's ingredients with their ids, names and units.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			ingredients, err := svc.ListIngredients(ctx, userID)
			if err != nil {
				return "", err
			}
			return encodeResult(ingredients)
		},
	})

	r.Register(&Tool{
		Name:        "create_ingredient",
		Description: "Create a new ingredient. Check search_similar_ingredients first to avoid duplicates.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{"type": "string"},
				"unit": map[string]any{
					"type":        "string",
					"description": "Default unit of measure, e.g. 'cup' or 'g'",
				},
			},
			"required": []string{"name"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			ingredient, err := svc.CreateIngredient(ctx, userID,
				stringArg(args, "name"), stringArg(args, "unit"))
			if err != nil {
				return "", err
			}
			return encodeResult(ingredient)
		},
	})

	r.Register(&Tool{
		Name:        "update_ingredient",
		Description: "Rename an ingredient or change its unit.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id":   map[string]any{"type": "string"},
				"name": map[string]any{"type": "string"},
				"unit": map[string]any{"type": "string"},
			},
			"required": []string{"id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			ingredient, err := svc.GetIngredient(ctx, userID, stringArg(args, "id"))
			if err != nil {
				return "", err
			}
			if v, ok := args["name"]; ok {
				ingredient.Name, _ = v.(string)
			}
			if v, ok := args["unit"]; ok {
				ingredient.Unit, _ = v.(string)
			}
			if err := svc.UpdateIngredient(ctx, ingredient); err != nil {
				return "", err
			}
			return encodeResult(ingredient)
		},
	})

	r.Register(&Tool{
		Name:        "delete_ingredient",
		Description: "Delete an ingredient by id.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{"type": "string"},
			},
			"required": []string{"id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id := stringArg(args, "id")
			if err := svc.DeleteIngredient(ctx, userID, id); err != nil {
				return "", err
			}
			return fmt.Sprintf("deleted ingredient %s", id), nil
		},
	})

	r.Register(&Tool{
		Name:        "search_similar_ingredients",
		Description: "Search the user's ingredients by approximate name match. Use this to resolve an ingredient name to an id before adding it to a recipe.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Ingredient name to look for, e.g. 'flour'",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of matches (default 5)",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			ingredients, err := svc.SearchIngredients(ctx, userID,
				stringArg(args, "query"), intArg(args, "limit"))
			if err != nil {
				return "", err
			}
			if len(ingredients) == 0 {
				return "no matching ingredients", nil
			}
			return encodeResult(ingredients)
		},
	})
}

func (r *Registry) registerGroupTools(userID string, svc *records.Service) {
	r.Register(&Tool{
		Name:        "list_groups",
		Description: "List the user's recipe groups.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			groups, err := svc.ListGroups(ctx, userID)
			if err != nil {
				return "", err
			}
			return encodeResult(groups)
		},
	})

	r.Register(&Tool{
		Name:        "create_group",
		Description: "Create a recipe group.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{"type": "string"},
			},
			"required": []string{"name"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			group, err := svc.CreateGroup(ctx, userID, stringArg(args, "name"))
			if err != nil {
				return "", err
			}
			return encodeResult(group)
		},
	})

	r.Register(&Tool{
		Name:        "delete_group",
		Description: "Delete a recipe group by id. Recipes in the group are kept.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{"type": "string"},
			},
			"required": []string{"id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id := stringArg(args, "id")
			if err := svc.DeleteGroup(ctx, userID, id); err != nil {
				return "", err
			}
			return fmt.Sprintf("deleted group %s", id), nil
		},
	})
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func itemsArg(args map[string]any, key string) []models.RecipeItem {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	var items []models.RecipeItem
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		item := models.RecipeItem{
			IngredientID: stringArg(m, "ingredient_id"),
			Quantity:     stringArg(m, "quantity"),
		}
		if item.IngredientID != "" {
			items = append(items, item)
		}
	}
	return items
}

func encodeResult(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("error encoding result: %v", err)
	}
	return string(b), nil
}
