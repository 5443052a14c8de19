package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// GroupStore tracks who is active in group chats, used to pick small-group
// versus large-group behavior.
type GroupStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewGroupStore opens or creates groups.db in dataDir.
func NewGroupStore(dataDir string, logger *slog.Logger) (*GroupStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := OpenDB(dataDir, "groups.db")
	if err != nil {
		return nil, err
	}
	s := &GroupStore{db: db, logger: logger.With("component", "group_store"), now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init groups schema: %w", err)
	}
	return s, nil
}

func (s *GroupStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS chat_authors (
			chat_id      TEXT NOT NULL,
			author_id    TEXT NOT NULL,
			last_seen_ms INTEGER NOT NULL,
			PRIMARY KEY (chat_id, author_id)
		);
		CREATE INDEX IF NOT EXISTS idx_chat_authors_seen ON chat_authors(chat_id, last_seen_ms);
	`)
	return err
}

// Close closes the underlying database.
func (s *GroupStore) Close() error { return s.db.Close() }

// RecordAuthor marks an author as active in a chat.
func (s *GroupStore) RecordAuthor(ctx context.Context, chatID, authorID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_authors (chat_id, author_id, last_seen_ms) VALUES (?, ?, ?)
		ON CONFLICT(chat_id, author_id) DO UPDATE SET last_seen_ms = excluded.last_seen_ms`,
		chatID, authorID, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record author: %w", err)
	}
	return nil
}

// RecentUniqueAuthors counts distinct authors seen in a chat within window.
func (s *GroupStore) RecentUniqueAuthors(ctx context.Context, chatID string, window time.Duration) (int, error) {
	since := s.now().Add(-window).UnixMilli()
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_authors WHERE chat_id = ? AND last_seen_ms >= ?`,
		chatID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("recent unique authors: %w", err)
	}
	return n, nil
}
