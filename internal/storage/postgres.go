package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/larderhq/larder/internal/models"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	UseInMemory bool
}

type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(config DatabaseConfig) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %v", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %v", err)
	}

	storage := &PostgresStorage{db: db}

	// Initialize database schema
	if err := storage.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %v", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %v", err)
	}

	_, err = s.db.Exec(string(migrationSQL))
	if err != nil {
		return fmt.Errorf("error executing migrations: %v", err)
	}

	return nil
}

// Thread methods

func (s *PostgresStorage) CreateThread(ctx context.Context, userID, title string) (*models.Thread, error) {
	thread := &models.Thread{
		ID:     uuid.New().String(),
		UserID: userID,
		Title:  title,
	}

	query := `
		INSERT INTO threads (id, user_id, title)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at`

	err := s.db.QueryRowContext(ctx, query, thread.ID, userID, title).
		Scan(&thread.CreatedAt, &thread.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("error creating thread: %v", err)
	}

	return thread, nil
}

func (s *PostgresStorage) GetThread(ctx context.Context, threadID, userID string) (*models.Thread, error) {
	query := `
		SELECT id, user_id, title, created_at, updated_at, last_message_at
		FROM threads
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`

	thread := &models.Thread{}
	err := s.db.QueryRowContext(ctx, query, threadID, userID).Scan(
		&thread.ID,
		&thread.UserID,
		&thread.Title,
		&thread.CreatedAt,
		&thread.UpdatedAt,
		&thread.LastMessageAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying thread: %v", err)
	}

	return thread, nil
}

func (s *PostgresStorage) ListThreads(ctx context.Context, userID string) ([]*models.Thread, error) {
	// Threads without messages are excluded from listings.
	query := `
		SELECT id, user_id, title, created_at, updated_at, last_message_at
		FROM threads
		WHERE user_id = $1 AND deleted_at IS NULL AND last_message_at IS NOT NULL
		ORDER BY last_message_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("error querying threads: %v", err)
	}
	defer rows.Close()

	var threads []*models.Thread
	for rows.Next() {
		thread := &models.Thread{}
		err := rows.Scan(
			&thread.ID,
			&thread.UserID,
			&thread.Title,
			&thread.CreatedAt,
			&thread.UpdatedAt,
			&thread.LastMessageAt,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning thread: %v", err)
		}
		threads = append(threads, thread)
	}

	return threads, rows.Err()
}

func (s *PostgresStorage) RenameThread(ctx context.Context, threadID, userID, title string) error {
	query := `
		UPDATE threads
		SET title = $1, updated_at = now()
		WHERE id = $2 AND user_id = $3 AND deleted_at IS NULL`

	return s.execOwned(ctx, query, title, threadID, userID)
}

func (s *PostgresStorage) DeleteThread(ctx context.Context, threadID, userID string) error {
	query := `
		UPDATE threads
		SET deleted_at = now(), updated_at = now()
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`

	return s.execOwned(ctx, query, threadID, userID)
}

// Message methods

func (s *PostgresStorage) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %v", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO messages (id, thread_id, role, content, tool_name, tool_status, attachments)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`

	err = tx.QueryRowContext(
		ctx,
		query,
		msg.ID,
		msg.ThreadID,
		msg.Role,
		msg.Content,
		msg.ToolName,
		msg.ToolStatus,
		pq.Array(msg.Attachments),
	).Scan(&msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("error appending message: %v", err)
	}

	if err := s.bumpThread(ctx, tx, msg.ThreadID); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresStorage) UpdateToolMessage(ctx context.Context, messageID string, status models.ToolStatus, content string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %v", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE messages
		SET tool_status = $1, content = $2
		WHERE id = $3 AND role = $4
		RETURNING thread_id`

	var threadID string
	err = tx.QueryRowContext(ctx, query, status, content, messageID, models.RoleTool).Scan(&threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("error updating tool message: %v", err)
	}

	if err := s.bumpThread(ctx, tx, threadID); err != nil {
		return err
	}

	return tx.Commit()
}

// bumpThread refreshes the owning thread's timestamps. Soft-deleted
// threads are left alone so a late write cannot resurrect them into
// thread listings.
func (s *PostgresStorage) bumpThread(ctx context.Context, tx *sql.Tx, threadID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE threads
		SET updated_at = now(), last_message_at = now()
		WHERE id = $1 AND deleted_at IS NULL`, threadID)
	if err != nil {
		return fmt.Errorf("error bumping thread timestamps: %v", err)
	}
	return nil
}

func (s *PostgresStorage) GetRecentMessages(ctx context.Context, threadID string, limit int) ([]*models.Message, error) {
	// Most recent N, returned in canonical append order.
	query := `
		SELECT id, thread_id, role, content, tool_name, tool_status, attachments, created_at
		FROM (
			SELECT id, thread_id, role, content, tool_name, tool_status, attachments, created_at
			FROM messages
			WHERE thread_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %v", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		err := rows.Scan(
			&msg.ID,
			&msg.ThreadID,
			&msg.Role,
			&msg.Content,
			&msg.ToolName,
			&msg.ToolStatus,
			pq.Array(&msg.Attachments),
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning message: %v", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// Recipe methods

func (s *PostgresStorage) ListRecipes(ctx context.Context, userID string) ([]*models.Recipe, error) {
	query := `
		SELECT id, user_id, name, servings, instructions, group_id, items, created_at, updated_at
		FROM recipes
		WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("error querying recipes: %v", err)
	}
	defer rows.Close()

	var recipes []*models.Recipe
	for rows.Next() {
		recipe, err := scanRecipe(rows)
		if err != nil {
			return nil, err
		}
		recipes = append(recipes, recipe)
	}

	return recipes, rows.Err()
}

func (s *PostgresStorage) GetRecipe(ctx context.Context, userID, id string) (*models.Recipe, error) {
	query := `
		SELECT id, user_id, name, servings, instructions, group_id, items, created_at, updated_at
		FROM recipes
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`

	row := s.db.QueryRowContext(ctx, query, id, userID)
	recipe, err := scanRecipe(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return recipe, nil
}

func (s *PostgresStorage) CreateRecipe(ctx context.Context, recipe *models.Recipe) error {
	if recipe.ID == "" {
		recipe.ID = uuid.New().String()
	}

	items, err := json.Marshal(recipe.Items)
	if err != nil {
		return fmt.Errorf("error encoding recipe items: %v", err)
	}

	query := `
		INSERT INTO recipes (id, user_id, name, servings, instructions, group_id, items)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`

	err = s.db.QueryRowContext(
		ctx,
		query,
		recipe.ID,
		recipe.UserID,
		recipe.Name,
		recipe.Servings,
		recipe.Instructions,
		recipe.GroupID,
		items,
	).Scan(&recipe.CreatedAt, &recipe.UpdatedAt)
	if err != nil {
		return fmt.Errorf("error creating recipe: %v", err)
	}

	return nil
}

func (s *PostgresStorage) UpdateRecipe(ctx context.Context, recipe *models.Recipe) error {
	items, err := json.Marshal(recipe.Items)
	if err != nil {
		return fmt.Errorf("error encoding recipe items: %v", err)
	}

	query := `
		UPDATE recipes
		SET name = $1, servings = $2, instructions = $3, group_id = $4, items = $5, updated_at = now()
		WHERE id = $6 AND user_id = $7 AND deleted_at IS NULL`

	return s.execOwned(ctx, query,
		recipe.Name, recipe.Servings, recipe.Instructions, recipe.GroupID, items,
		recipe.ID, recipe.UserID)
}

func (s *PostgresStorage) DeleteRecipe(ctx context.Context, userID, id string) error {
	query := `
		UPDATE recipes
		SET deleted_at = now(), updated_at = now()
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`

	return s.execOwned(ctx, query, id, userID)
}

// Ingredient methods

func (s *PostgresStorage) ListIngredients(ctx context.Context, userID string) ([]*models.Ingredient, error) {
	query := `
		SELECT id, user_id, name, unit, created_at, updated_at
		FROM ingredients
		WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY name ASC`

	return s.queryIngredients(ctx, query, userID)
}

func (s *PostgresStorage) GetIngredient(ctx context.Context, userID, id string) (*models.Ingredient, error) {
	query := `
		SELECT id, user_id, name, unit, created_at, updated_at
		FROM ingredients
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`

	ingredient := &models.Ingredient{}
	err := s.db.QueryRowContext(ctx, query, id, userID).Scan(
		&ingredient.ID,
		&ingredient.UserID,
		&ingredient.Name,
		&ingredient.Unit,
		&ingredient.CreatedAt,
		&ingredient.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying ingredient: %v", err)
	}

	return ingredient, nil
}

func (s *PostgresStorage) CreateIngredient(ctx context.Context, ingredient *models.Ingredient) error {
	if ingredient.ID == "" {
		ingredient.ID = uuid.New().String()
	}

	query := `
		INSERT INTO ingredients (id, user_id, name, unit)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`

	err := s.db.QueryRowContext(ctx, query, ingredient.ID, ingredient.UserID, ingredient.Name, ingredient.Unit).
		Scan(&ingredient.CreatedAt, &ingredient.UpdatedAt)
	if err != nil {
		return fmt.Errorf("error creating ingredient: %v", err)
	}

	return nil
}

func (s *PostgresStorage) UpdateIngredient(ctx context.Context, ingredient *models.Ingredient) error {
	query := `
		UPDATE ingredients
		SET name = $1, unit = $2, updated_at = now()
		WHERE id = $3 AND user_id = $4 AND deleted_at IS NULL`

	return s.execOwned(ctx, query, ingredient.Name, ingredient.Unit, ingredient.ID, ingredient.UserID)
}

func (s *PostgresStorage) DeleteIngredient(ctx context.Context, userID, id string) error {
	query := `
		UPDATE ingredients
		SET deleted_at = now(), updated_at = now()
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`

	return s.execOwned(ctx, query, id, userID)
}

func (s *PostgresStorage) SearchIngredients(ctx context.Context, userID, query string, limit int) ([]*models.Ingredient, error) {
	// Trigram similarity with a substring fallback, best match first.
	sqlQuery := `
		SELECT id, user_id, name, unit, created_at, updated_at
		FROM ingredients
		WHERE user_id = $1 AND deleted_at IS NULL
		  AND (name % $2 OR name ILIKE '%' || $2 || '%')
		ORDER BY similarity(name, $2) DESC
		LIMIT $3`

	return s.queryIngredients(ctx, sqlQuery, userID, query, limit)
}

// Group methods

func (s *PostgresStorage) ListGroups(ctx context.Context, userID string) ([]*models.Group, error) {
	query := `
		SELECT id, user_id, name, created_at, updated_at
		FROM groups
		WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY name ASC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("error querying groups: %v", err)
	}
	defer rows.Close()

	var groups []*models.Group
	for rows.Next() {
		group := &models.Group{}
		err := rows.Scan(&group.ID, &group.UserID, &group.Name, &group.CreatedAt, &group.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("error scanning group: %v", err)
		}
		groups = append(groups, group)
	}

	return groups, rows.Err()
}

func (s *PostgresStorage) CreateGroup(ctx context.Context, group *models.Group) error {
	if group.ID == "" {
		group.ID = uuid.New().String()
	}

	query := `
		INSERT INTO groups (id, user_id, name)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at`

	err := s.db.QueryRowContext(ctx, query, group.ID, group.UserID, group.Name).
		Scan(&group.CreatedAt, &group.UpdatedAt)
	if err != nil {
		return fmt.Errorf("error creating group: %v", err)
	}

	return nil
}

func (s *PostgresStorage) DeleteGroup(ctx context.Context, userID, id string) error {
	query := `
		UPDATE groups
		SET deleted_at = now(), updated_at = now()
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`

	return s.execOwned(ctx, query, id, userID)
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

// execOwned runs an UPDATE scoped to an owner and maps zero affected rows
// to ErrNotFound.
func (s *PostgresStorage) execOwned(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("error executing update: %v", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %v", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *PostgresStorage) queryIngredients(ctx context.Context, query string, args ...any) ([]*models.Ingredient, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying ingredients: %v", err)
	}
	defer rows.Close()

	var ingredients []*models.Ingredient
	for rows.Next() {
		ingredient := &models.Ingredient{}
		err := rows.Scan(
			&ingredient.ID,
			&ingredient.UserID,
			&ingredient.Name,
			&ingredient.Unit,
			&ingredient.CreatedAt,
			&ingredient.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning ingredient: %v", err)
		}
		ingredients = append(ingredients, ingredient)
	}

	return ingredients, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecipe(row rowScanner) (*models.Recipe, error) {
	recipe := &models.Recipe{}
	var items []byte
	err := row.Scan(
		&recipe.ID,
		&recipe.UserID,
		&recipe.Name,
		&recipe.Servings,
		&recipe.Instructions,
		&recipe.GroupID,
		&items,
		&recipe.CreatedAt,
		&recipe.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("error scanning recipe: %v", err)
	}

	if err := json.Unmarshal(items, &recipe.Items); err != nil {
		return nil, fmt.Errorf("error decoding recipe items: %v", err)
	}

	return recipe, nil
}
