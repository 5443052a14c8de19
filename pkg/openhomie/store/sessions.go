package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/openhomie/pkg/openhomie/prompt"
)

// SessionMessage is one message in a chat transcript.
type SessionMessage struct {
	ID          int64  `json:"id"`
	ChatID      string `json:"chatId"`
	Role        string `json:"role"`
	Content     string `json:"content"`
	AuthorID    string `json:"authorId,omitempty"`
	CreatedAtMs int64  `json:"createdAtMs"`
}

// Note is one scratchpad entry for a chat.
type Note struct {
	ChatID      string `json:"chatId"`
	Key         string `json:"key"`
	Content     string `json:"content"`
	UpdatedAtMs int64  `json:"updatedAtMs"`
}

// CompactedHook receives the summarized slice after a compaction pass.
type CompactedHook func(chatID string, summarized []SessionMessage)

// SessionStore persists chat transcripts and scratchpad notes.
type SessionStore struct {
	db     *sql.DB
	logger *slog.Logger

	// keepRecent is how many trailing messages survive compaction untouched.
	keepRecent int

	// OnCompacted, when set, fires after each compaction with the slice that
	// was folded into the summary.
	OnCompacted CompactedHook

	now func() time.Time
}

// NewSessionStore opens or creates sessions.db in dataDir.
func NewSessionStore(dataDir string, logger *slog.Logger) (*SessionStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := OpenDB(dataDir, "sessions.db")
	if err != nil {
		return nil, err
	}
	s := &SessionStore{
		db:         db,
		logger:     logger.With("component", "session_store"),
		keepRecent: 10,
		now:        time.Now,
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sessions schema: %w", err)
	}
	return s, nil
}

func (s *SessionStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id       TEXT NOT NULL,
			role          TEXT NOT NULL,
			content       TEXT NOT NULL,
			author_id     TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at_ms, id);

		CREATE TABLE IF NOT EXISTS notes (
			chat_id       TEXT NOT NULL,
			key           TEXT NOT NULL,
			content       TEXT NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			PRIMARY KEY (chat_id, key)
		);
	`)
	return err
}

// Close closes the underlying database.
func (s *SessionStore) Close() error { return s.db.Close() }

// AppendMessage appends one message to a chat transcript. Ordering follows
// arrival into the store, with the row id breaking same-millisecond ties.
func (s *SessionStore) AppendMessage(ctx context.Context, msg SessionMessage) error {
	ts := msg.CreatedAtMs
	if ts == 0 {
		ts = s.now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (chat_id, role, content, author_id, created_at_ms) VALUES (?, ?, ?, ?, ?)`,
		msg.ChatID, msg.Role, msg.Content, msg.AuthorID, ts)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// GetMessages returns the most recent limit messages in chronological order.
func (s *SessionStore) GetMessages(ctx context.Context, chatID string, limit int) ([]SessionMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, content, author_id, created_at_ms FROM (
			SELECT * FROM messages WHERE chat_id = ?
			ORDER BY created_at_ms DESC, id DESC LIMIT ?
		) ORDER BY created_at_ms ASC, id ASC`,
		chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var out []SessionMessage
	for rows.Next() {
		var m SessionMessage
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.AuthorID, &m.CreatedAtMs); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// EstimateTokens approximates the token weight of a full chat transcript.
func (s *SessionStore) EstimateTokens(ctx context.Context, chatID string) (int, error) {
	var chars sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(LENGTH(content)) FROM messages WHERE chat_id = ?`, chatID).Scan(&chars)
	if err != nil {
		return 0, fmt.Errorf("estimate tokens: %w", err)
	}
	if !chars.Valid {
		return 0, nil
	}
	return prompt.EstimateTokensLen(int(chars.Int64)), nil
}

// SummarizeFunc condenses a transcript into a short summary. The engine wires
// this to the LLM backend.
type SummarizeFunc func(ctx context.Context, transcript string) (string, error)

// CompactParams controls one compaction pass.
type CompactParams struct {
	ChatID          string
	MaxTokens       int
	PersonaReminder string
	Summarize       SummarizeFunc
	Force           bool
}

// CompactIfNeeded folds older messages into a single summary message when the
// transcript exceeds the token budget (or Force is set). The most recent
// messages are kept verbatim. Compacting an already-compact session is a
// no-op. Returns whether a compaction happened.
func (s *SessionStore) CompactIfNeeded(ctx context.Context, p CompactParams) (bool, error) {
	if p.Summarize == nil {
		return false, fmt.Errorf("compact: nil summarize callback")
	}
	tokens, err := s.EstimateTokens(ctx, p.ChatID)
	if err != nil {
		return false, err
	}
	if !p.Force && tokens <= p.MaxTokens {
		return false, nil
	}

	all, err := s.GetMessages(ctx, p.ChatID, 1<<20)
	if err != nil {
		return false, err
	}
	if len(all) <= s.keepRecent {
		return false, nil
	}
	old := all[:len(all)-s.keepRecent]

	var transcript strings.Builder
	for _, m := range old {
		transcript.WriteString(m.Role)
		transcript.WriteString(": ")
		transcript.WriteString(m.Content)
		transcript.WriteString("\n")
	}

	summary, err := p.Summarize(ctx, transcript.String())
	if err != nil {
		return false, fmt.Errorf("compact summarize: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	lastOld := old[len(old)-1]
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE chat_id = ? AND (created_at_ms < ? OR (created_at_ms = ? AND id <= ?))`,
		p.ChatID, lastOld.CreatedAtMs, lastOld.CreatedAtMs, lastOld.ID); err != nil {
		return false, fmt.Errorf("compact delete: %w", err)
	}
	content := p.PersonaReminder + "\n\n[SUMMARY OF EARLIER CONVERSATION]\n" + summary
	// The summary takes the earliest removed slot so ordering is preserved.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (chat_id, role, content, author_id, created_at_ms) VALUES (?, 'system', ?, '', ?)`,
		p.ChatID, content, old[0].CreatedAtMs); err != nil {
		return false, fmt.Errorf("compact insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	s.logger.Info("session compacted", "chat_id", p.ChatID, "summarized", len(old), "kept", s.keepRecent)
	if s.OnCompacted != nil {
		s.OnCompacted(p.ChatID, old)
	}
	return true, nil
}

// UpsertNote writes or replaces a scratchpad note.
func (s *SessionStore) UpsertNote(ctx context.Context, chatID, key, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (chat_id, key, content, updated_at_ms) VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id, key) DO UPDATE SET content = excluded.content, updated_at_ms = excluded.updated_at_ms`,
		chatID, key, content, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert note: %w", err)
	}
	return nil
}

// ListNotes returns up to limit notes, most recently updated first.
func (s *SessionStore) ListNotes(ctx context.Context, chatID string, limit int) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, key, content, updated_at_ms FROM notes WHERE chat_id = ? ORDER BY updated_at_ms DESC LIMIT ?`,
		chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var out []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ChatID, &n.Key, &n.Content, &n.UpdatedAtMs); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
