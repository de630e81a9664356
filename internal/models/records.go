package models

import "time"

// RecipeItem is one ingredient line of a recipe.
type RecipeItem struct {
	IngredientID string `json:"ingredient_id"`
	Quantity     string `json:"quantity"`
}

// Recipe is a user-owned recipe record.
type Recipe struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id"`
	Name         string       `json:"name"`
	Servings     int          `json:"servings"`
	Instructions string       `json:"instructions,omitempty"`
	GroupID      string       `json:"group_id,omitempty"`
	Items        []RecipeItem `json:"items"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	DeletedAt    *time.Time   `json:"-"`
}

// Ingredient is a user-owned pantry ingredient.
type Ingredient struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Name      string     `json:"name"`
	Unit      string     `json:"unit,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"-"`
}

// Group is a user-defined recipe collection (e.g. "weeknight dinners").
type Group struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"-"`
}
