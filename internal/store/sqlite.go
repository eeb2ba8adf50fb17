// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides chat persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. Pass nil logger for default.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection serializes all writers. SQLite returns SQLITE_BUSY
	// immediately when a deferred transaction tries to upgrade to a write
	// lock held by another connection, so pooled connections would make
	// concurrent session writes fail instead of wait.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Wait for locks held by other processes instead of failing
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS chats (
			uid                  TEXT PRIMARY KEY,
			title                TEXT NOT NULL,
			provider             TEXT NOT NULL,
			model                TEXT NOT NULL,
			status               TEXT NOT NULL DEFAULT 'active',
			pinned               INTEGER NOT NULL DEFAULT 0,
			archived             INTEGER NOT NULL DEFAULT 0,
			last_seq             INTEGER NOT NULL DEFAULT 0,
			last_message_preview TEXT,
			created_at           TEXT NOT NULL,
			updated_at           TEXT NOT NULL,

			CHECK (status IN ('active', 'archived', 'error'))
		);

		CREATE INDEX IF NOT EXISTS idx_chats_updated ON chats(updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			uid        TEXT PRIMARY KEY,
			chat_uid   TEXT NOT NULL REFERENCES chats(uid) ON DELETE CASCADE,
			seq        INTEGER NOT NULL,
			role       TEXT NOT NULL,
			kind       TEXT NOT NULL DEFAULT 'message',
			status     TEXT NOT NULL DEFAULT 'done',
			content    TEXT,
			draft      TEXT,
			model      TEXT,
			searchable INTEGER NOT NULL DEFAULT 1,
			request_id TEXT,
			stream_id  TEXT,
			error      TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (role IN ('user', 'assistant', 'system', 'tool')),
			CHECK (status IN ('pending', 'streaming', 'done', 'aborted', 'error')),
			UNIQUE (chat_uid, seq)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_uid);
		CREATE INDEX IF NOT EXISTS idx_messages_chat_seq ON messages(chat_uid, seq);
		CREATE INDEX IF NOT EXISTS idx_messages_stream ON messages(stream_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateChat inserts a new chat. Returns ErrDuplicateChat if the UID is taken.
func (s *SQLiteStore) CreateChat(ctx context.Context, chat *Chat) error {
	if chat.Status == "" {
		chat.Status = ChatStatusActive
	}
	now := time.Now().UTC()
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = now
	}
	if chat.UpdatedAt.IsZero() {
		chat.UpdatedAt = now
	}

	query := `
		INSERT INTO chats (uid, title, provider, model, status, pinned, archived, last_seq, last_message_preview, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		chat.UID,
		chat.Title,
		chat.Provider,
		chat.Model,
		string(chat.Status),
		chat.Pinned,
		chat.Archived,
		chat.LastSeq,
		nullString(chat.LastMessagePreview),
		chat.CreatedAt.Format(time.RFC3339Nano),
		chat.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateChat
		}
		return fmt.Errorf("inserting chat: %w", err)
	}

	s.logger.Debug("chat created", "chat_uid", chat.UID, "provider", chat.Provider, "model", chat.Model)
	return nil
}

// GetChat retrieves a chat by UID
func (s *SQLiteStore) GetChat(ctx context.Context, uid string) (*Chat, error) {
	query := `
		SELECT uid, title, provider, model, status, pinned, archived, last_seq, last_message_preview, created_at, updated_at
		FROM chats
		WHERE uid = ?
	`
	return scanChat(s.db.QueryRowContext(ctx, query, uid))
}

// ListChats returns chats ordered by most recently updated
func (s *SQLiteStore) ListChats(ctx context.Context, limit int) ([]*Chat, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT uid, title, provider, model, status, pinned, archived, last_seq, last_message_preview, created_at, updated_at
		FROM chats
		ORDER BY pinned DESC, updated_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying chats: %w", err)
	}
	defer rows.Close()

	var chats []*Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chat rows: %w", err)
	}
	return chats, nil
}

// UpdateChatTitle renames a chat
func (s *SQLiteStore) UpdateChatTitle(ctx context.Context, uid, title string) error {
	return s.updateChatField(ctx, uid, "title", title)
}

// UpdateChatModel switches the provider/model pair used for new sessions
func (s *SQLiteStore) UpdateChatModel(ctx context.Context, uid, provider, model string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET provider = ?, model = ?, updated_at = ? WHERE uid = ?`,
		provider, model, time.Now().UTC().Format(time.RFC3339Nano), uid)
	if err != nil {
		return fmt.Errorf("updating chat model: %w", err)
	}
	return checkAffected(res)
}

// UpdateChatPinned pins or unpins a chat
func (s *SQLiteStore) UpdateChatPinned(ctx context.Context, uid string, pinned bool) error {
	return s.updateChatField(ctx, uid, "pinned", pinned)
}

// UpdateChatArchived archives or unarchives a chat
func (s *SQLiteStore) UpdateChatArchived(ctx context.Context, uid string, archived bool) error {
	return s.updateChatField(ctx, uid, "archived", archived)
}

// UpdateLastMessagePreview updates the sidebar preview text for a chat
func (s *SQLiteStore) UpdateLastMessagePreview(ctx context.Context, uid, preview string) error {
	return s.updateChatField(ctx, uid, "last_message_preview", preview)
}

// DeleteChat removes a chat and, via foreign key cascade, all of its messages
func (s *SQLiteStore) DeleteChat(ctx context.Context, uid string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE uid = ?`, uid)
	if err != nil {
		return fmt.Errorf("deleting chat: %w", err)
	}
	return checkAffected(res)
}

// updateChatField updates a single column and bumps updated_at
func (s *SQLiteStore) updateChatField(ctx context.Context, uid, column string, value any) error {
	query := fmt.Sprintf(`UPDATE chats SET %s = ?, updated_at = ? WHERE uid = ?`, column)
	res, err := s.db.ExecContext(ctx, query, value, time.Now().UTC().Format(time.RFC3339Nano), uid)
	if err != nil {
		return fmt.Errorf("updating chat %s: %w", column, err)
	}
	return checkAffected(res)
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan helpers
type scanner interface {
	Scan(dest ...any) error
}

func scanChat(row scanner) (*Chat, error) {
	chat := &Chat{}
	var status string
	var preview sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&chat.UID,
		&chat.Title,
		&chat.Provider,
		&chat.Model,
		&status,
		&chat.Pinned,
		&chat.Archived,
		&chat.LastSeq,
		&preview,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning chat row: %w", err)
	}

	chat.Status = ChatStatus(status)
	chat.LastMessagePreview = preview.String
	if chat.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if chat.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return chat, nil
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint failures in the error text
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
