// Package conversation keeps the durable registry behind the
// conversations API: one SQLite row per conversation with its model,
// project path, and running counters. Message text lives in the memory
// store; this is the small authoritative ledger.
package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Conversation is one registry row.
type Conversation struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	ProjectPath  string    `json:"project_path,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	TotalTokens  int       `json:"total_tokens"`
}

// Registry stores conversations in SQLite.
type Registry struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// NewRegistry creates or opens the registry database at dbPath.
func NewRegistry(dbPath string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer connection keeps SQLite happy under request
	// concurrency.
	db.SetMaxOpenConns(1)

	r := &Registry{
		db:     db,
		dbPath: dbPath,
	}

	if err := r.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return r, nil
}

// Close closes the database connection.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Path returns the database file path.
func (r *Registry) Path() string {
	return r.dbPath
}

func (r *Registry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		model TEXT NOT NULL,
		project_path TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
	`

	_, err := r.db.Exec(schema)
	return err
}

// Create registers a conversation. An empty id gets a fresh UUID. The
// created row is returned.
func (r *Registry) Create(ctx context.Context, id, model, projectPath string) (*Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	conv := &Conversation{
		ID:          id,
		Model:       model,
		ProjectPath: projectPath,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO conversations (id, model, project_path, created_at, updated_at, message_count, total_tokens)
		VALUES (?, ?, ?, ?, ?, 0, 0)
	`, conv.ID, conv.Model, conv.ProjectPath, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// Get returns one conversation, or nil when the id is unknown.
func (r *Registry) Get(ctx context.Context, id string) (*Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conv Conversation
	var projectPath sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, model, project_path, created_at, updated_at, message_count, total_tokens
		FROM conversations WHERE id = ?
	`, id).Scan(&conv.ID, &conv.Model, &projectPath, &conv.CreatedAt, &conv.UpdatedAt,
		&conv.MessageCount, &conv.TotalTokens)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	conv.ProjectPath = projectPath.String
	return &conv, nil
}

// List returns the most recently active conversations, newest first.
func (r *Registry) List(ctx context.Context, limit int) ([]*Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, model, project_path, created_at, updated_at, message_count, total_tokens
		FROM conversations ORDER BY updated_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		var conv Conversation
		var projectPath sql.NullString
		if err := rows.Scan(&conv.ID, &conv.Model, &projectPath, &conv.CreatedAt,
			&conv.UpdatedAt, &conv.MessageCount, &conv.TotalTokens); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conv.ProjectPath = projectPath.String
		out = append(out, &conv)
	}
	return out, rows.Err()
}

// Touch bumps the message and token counters after a completed turn
// and moves the conversation to the top of the recency order.
func (r *Registry) Touch(ctx context.Context, id string, messages, tokens int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `
		UPDATE conversations
		SET message_count = message_count + ?,
		    total_tokens = total_tokens + ?,
		    updated_at = ?
		WHERE id = ?
	`, messages, tokens, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}

// Delete removes a conversation row. Reports whether a row existed.
func (r *Registry) Delete(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Count returns the number of registered conversations.
func (r *Registry) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count conversations: %w", err)
	}
	return n, nil
}
