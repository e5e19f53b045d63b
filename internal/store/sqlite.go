package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// schema keeps turns ordered by an explicit index per conversation. The
// UNIQUE constraint on (conversation_id, turn_idx) backstops append
// serialization at the storage level.
const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS turns (
	conversation_id TEXT NOT NULL,
	turn_idx INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	timestamp DATETIME NOT NULL,
	UNIQUE(conversation_id, turn_idx),
	FOREIGN KEY(conversation_id) REFERENCES conversations(id)
);

CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, turn_idx);
`

// SQLiteStore is the SQLite-backed conversation store.
type SQLiteStore struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at dsn. Use ":memory:" for
// an ephemeral store.
func NewSQLiteStore(dsn string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", ErrUnavailable, err)
	}

	// sqlite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to create schema: %v", ErrUnavailable, err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Append adds the turn at the end of the conversation, creating the
// conversation row on first use. The whole operation runs in one
// transaction so the computed turn index and the insert are atomic.
func (s *SQLiteStore) Append(ctx context.Context, conversationID string, turn Turn) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to begin transaction: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO conversations (id, created_at) VALUES (?, ?)",
		conversationID, time.Now().UTC(),
	); err != nil {
		return nil, fmt.Errorf("%w: failed to create conversation: %v", ErrUnavailable, err)
	}

	var nextIdx int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(turn_idx)+1, 0) FROM turns WHERE conversation_id = ?",
		conversationID,
	).Scan(&nextIdx); err != nil {
		return nil, fmt.Errorf("%w: failed to compute turn index: %v", ErrUnavailable, err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO turns (conversation_id, turn_idx, role, content, timestamp) VALUES (?, ?, ?, ?, ?)",
		conversationID, nextIdx, turn.Role, turn.Content, turn.Timestamp,
	); err != nil {
		return nil, fmt.Errorf("%w: failed to append turn: %v", ErrUnavailable, err)
	}

	conv, err := loadConversation(ctx, tx, conversationID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: failed to commit transaction: %v", ErrUnavailable, err)
	}

	s.logger.Debug("appended turn",
		"conversation_id", conversationID,
		"turn_idx", nextIdx,
		"role", turn.Role,
	)
	return conv, nil
}

// Get returns the full ordered turn sequence for the conversation.
func (s *SQLiteStore) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return loadConversation(ctx, s.db, conversationID)
}

// List returns the ids of all stored conversations, oldest first.
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id FROM conversations ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list conversations: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: failed to scan conversation id: %v", ErrUnavailable, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadConversation(ctx context.Context, q querier, conversationID string) (*Conversation, error) {
	var createdAt time.Time
	err := q.QueryRowContext(ctx,
		"SELECT created_at FROM conversations WHERE id = ?", conversationID,
	).Scan(&createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load conversation: %v", ErrUnavailable, err)
	}

	rows, err := q.QueryContext(ctx,
		"SELECT role, content, timestamp FROM turns WHERE conversation_id = ? ORDER BY turn_idx",
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load turns: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	conv := &Conversation{ID: conversationID, CreatedAt: createdAt}
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.Role, &t.Content, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("%w: failed to scan turn: %v", ErrUnavailable, err)
		}
		conv.Turns = append(conv.Turns, t)
	}
	return conv, rows.Err()
}
