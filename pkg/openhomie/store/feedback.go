package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// MakeRefKey derives the deterministic key linking reactions and replies to
// an outgoing message across transports.
func MakeRefKey(channel, chatID, messageID string) string {
	sum := sha256.Sum256([]byte(channel + "\x00" + chatID + "\x00" + messageID))
	return hex.EncodeToString(sum[:16])
}

// Outgoing is one registered assistant send.
type Outgoing struct {
	RefKey                string   `json:"refKey"`
	Channel               string   `json:"channel"`
	ChatID                string   `json:"chatId"`
	MessageID             string   `json:"messageId"`
	Text                  string   `json:"text"`
	SentAtMs              int64    `json:"sentAtMs"`
	IsGroup               bool     `json:"isGroup"`
	EndsWithQuestion      bool     `json:"endsWithQuestion"`
	ResponseCount         int      `json:"responseCount"`
	ReactionCount         int      `json:"reactionCount"`
	NegativeReactionCount int      `json:"negativeReactionCount"`
	ReactionNetScore      int      `json:"reactionNetScore"`
	TimeToFirstResponseMs int64    `json:"timeToFirstResponseMs"` // 0 = none yet
	SampleReactions       []string `json:"sampleReactions,omitempty"`
	Refinement            bool     `json:"refinement"`
	Finalized             bool     `json:"finalized"`
	Score                 float64  `json:"score"`
}

// Reaction is an emoji reaction referencing an outgoing message.
type Reaction struct {
	RefKey      string
	AuthorID    string
	Emoji       string
	TimestampMs int64
	Negative    bool
}

// Reply is a textual reply referencing an outgoing message.
type Reply struct {
	RefKey      string
	AuthorID    string
	Text        string
	TimestampMs int64
	Refinement  bool
}

// FeedbackStore tracks how people respond to what the bot sends. Reactions
// and replies can arrive before the outgoing row is registered (transports
// deliver out of order); both paths are idempotent and reconcile forward.
type FeedbackStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewFeedbackStore opens or creates feedback.db in dataDir.
func NewFeedbackStore(dataDir string, logger *slog.Logger) (*FeedbackStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := OpenDB(dataDir, "feedback.db")
	if err != nil {
		return nil, err
	}
	s := &FeedbackStore{db: db, logger: logger.With("component", "feedback_store"), now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init feedback schema: %w", err)
	}
	return s, nil
}

func (s *FeedbackStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS outgoing (
			ref_key                    TEXT PRIMARY KEY,
			channel                    TEXT NOT NULL,
			chat_id                    TEXT NOT NULL,
			message_id                 TEXT NOT NULL,
			text                       TEXT NOT NULL,
			sent_at_ms                 INTEGER NOT NULL,
			is_group                   INTEGER NOT NULL DEFAULT 0,
			ends_with_question         INTEGER NOT NULL DEFAULT 0,
			response_count             INTEGER NOT NULL DEFAULT 0,
			reaction_count             INTEGER NOT NULL DEFAULT 0,
			negative_reaction_count    INTEGER NOT NULL DEFAULT 0,
			reaction_net_score         INTEGER NOT NULL DEFAULT 0,
			time_to_first_response_ms  INTEGER NOT NULL DEFAULT 0,
			sample_reactions_json      TEXT NOT NULL DEFAULT '[]',
			refinement                 INTEGER NOT NULL DEFAULT 0,
			finalized                  INTEGER NOT NULL DEFAULT 0,
			score                      REAL NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_outgoing_finalize ON outgoing(finalized, sent_at_ms);

		CREATE TABLE IF NOT EXISTS reaction_events (
			ref_key      TEXT NOT NULL,
			author_id    TEXT NOT NULL,
			emoji        TEXT NOT NULL,
			timestamp_ms INTEGER NOT NULL,
			negative     INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (ref_key, author_id, emoji, timestamp_ms)
		);

		CREATE TABLE IF NOT EXISTS reply_events (
			ref_key      TEXT NOT NULL,
			author_id    TEXT NOT NULL,
			text         TEXT NOT NULL,
			timestamp_ms INTEGER NOT NULL,
			refinement   INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (ref_key, author_id, text, timestamp_ms)
		);

		CREATE TABLE IF NOT EXISTS pending_reactions (
			ref_key      TEXT NOT NULL,
			author_id    TEXT NOT NULL,
			emoji        TEXT NOT NULL,
			timestamp_ms INTEGER NOT NULL,
			negative     INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (ref_key, author_id, emoji, timestamp_ms)
		);

		CREATE TABLE IF NOT EXISTS pending_replies (
			ref_key      TEXT NOT NULL,
			author_id    TEXT NOT NULL,
			text         TEXT NOT NULL,
			timestamp_ms INTEGER NOT NULL,
			refinement   INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (ref_key, author_id, text, timestamp_ms)
		);
	`)
	return err
}

// Close closes the underlying database.
func (s *FeedbackStore) Close() error { return s.db.Close() }

// RegisterOutgoing records an assistant send and folds in any reactions or
// replies that arrived before registration.
func (s *FeedbackStore) RegisterOutgoing(ctx context.Context, o Outgoing) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO outgoing (ref_key, channel, chat_id, message_id, text, sent_at_ms, is_group, ends_with_question)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.RefKey, o.Channel, o.ChatID, o.MessageID, o.Text, o.SentAtMs, boolToInt(o.IsGroup), boolToInt(o.EndsWithQuestion))
	if err != nil {
		return fmt.Errorf("register outgoing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already registered; registration is idempotent.
		return tx.Commit()
	}

	// Fold pending reactions.
	rows, err := tx.QueryContext(ctx,
		`SELECT author_id, emoji, timestamp_ms, negative FROM pending_reactions WHERE ref_key = ?`, o.RefKey)
	if err != nil {
		return err
	}
	var pendingReacts []Reaction
	for rows.Next() {
		var r Reaction
		var neg int
		if err := rows.Scan(&r.AuthorID, &r.Emoji, &r.TimestampMs, &neg); err != nil {
			rows.Close()
			return err
		}
		r.RefKey = o.RefKey
		r.Negative = neg != 0
		pendingReacts = append(pendingReacts, r)
	}
	rows.Close()
	for _, r := range pendingReacts {
		if err := applyReaction(ctx, tx, r); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_reactions WHERE ref_key = ?`, o.RefKey); err != nil {
		return err
	}

	// Fold pending replies.
	rows, err = tx.QueryContext(ctx,
		`SELECT author_id, text, timestamp_ms, refinement FROM pending_replies WHERE ref_key = ?`, o.RefKey)
	if err != nil {
		return err
	}
	var pendingReplies []Reply
	for rows.Next() {
		var r Reply
		var ref int
		if err := rows.Scan(&r.AuthorID, &r.Text, &r.TimestampMs, &ref); err != nil {
			rows.Close()
			return err
		}
		r.RefKey = o.RefKey
		r.Refinement = ref != 0
		pendingReplies = append(pendingReplies, r)
	}
	rows.Close()
	for _, r := range pendingReplies {
		if err := applyReply(ctx, tx, r, o.SentAtMs); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_replies WHERE ref_key = ?`, o.RefKey); err != nil {
		return err
	}

	return tx.Commit()
}

// RecordReaction applies a reaction to its outgoing row, or parks it in
// pending_reactions when the outgoing row is not registered yet. Duplicate
// events (same identity key) are no-ops.
func (s *FeedbackStore) RecordReaction(ctx context.Context, r Reaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outgoing WHERE ref_key = ?`, r.RefKey).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO pending_reactions (ref_key, author_id, emoji, timestamp_ms, negative)
			VALUES (?, ?, ?, ?, ?)`,
			r.RefKey, r.AuthorID, r.Emoji, r.TimestampMs, boolToInt(r.Negative)); err != nil {
			return fmt.Errorf("pend reaction: %w", err)
		}
		return tx.Commit()
	}
	if err := applyReaction(ctx, tx, r); err != nil {
		return err
	}
	return tx.Commit()
}

// applyReaction inserts the identity event and, when new, bumps counters.
func applyReaction(ctx context.Context, tx *sql.Tx, r Reaction) error {
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO reaction_events (ref_key, author_id, emoji, timestamp_ms, negative)
		VALUES (?, ?, ?, ?, ?)`,
		r.RefKey, r.AuthorID, r.Emoji, r.TimestampMs, boolToInt(r.Negative))
	if err != nil {
		return fmt.Errorf("reaction event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil // duplicate
	}

	net := 1
	negInc := 0
	if r.Negative {
		net = -1
		negInc = 1
	}

	var samples string
	if err := tx.QueryRowContext(ctx,
		`SELECT sample_reactions_json FROM outgoing WHERE ref_key = ?`, r.RefKey).Scan(&samples); err != nil {
		return err
	}
	var list []string
	_ = json.Unmarshal([]byte(samples), &list)
	if len(list) < 16 {
		list = append(list, r.Emoji)
	}
	data, _ := json.Marshal(list)

	_, err = tx.ExecContext(ctx, `
		UPDATE outgoing SET
			reaction_count = reaction_count + 1,
			negative_reaction_count = negative_reaction_count + ?,
			reaction_net_score = reaction_net_score + ?,
			sample_reactions_json = ?
		WHERE ref_key = ?`,
		negInc, net, string(data), r.RefKey)
	return err
}

// RecordReply applies a reply to its outgoing row, or parks it in
// pending_replies. Duplicate events are no-ops.
func (s *FeedbackStore) RecordReply(ctx context.Context, r Reply) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var sentAt sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT sent_at_ms FROM outgoing WHERE ref_key = ?`, r.RefKey).Scan(&sentAt)
	if err == sql.ErrNoRows {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO pending_replies (ref_key, author_id, text, timestamp_ms, refinement)
			VALUES (?, ?, ?, ?, ?)`,
			r.RefKey, r.AuthorID, r.Text, r.TimestampMs, boolToInt(r.Refinement)); err != nil {
			return fmt.Errorf("pend reply: %w", err)
		}
		return tx.Commit()
	}
	if err != nil {
		return err
	}
	if err := applyReply(ctx, tx, r, sentAt.Int64); err != nil {
		return err
	}
	return tx.Commit()
}

func applyReply(ctx context.Context, tx *sql.Tx, r Reply, sentAtMs int64) error {
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO reply_events (ref_key, author_id, text, timestamp_ms, refinement)
		VALUES (?, ?, ?, ?, ?)`,
		r.RefKey, r.AuthorID, r.Text, r.TimestampMs, boolToInt(r.Refinement))
	if err != nil {
		return fmt.Errorf("reply event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil // duplicate
	}

	ttfr := r.TimestampMs - sentAtMs
	if ttfr < 0 {
		ttfr = 0
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE outgoing SET
			response_count = response_count + 1,
			refinement = MAX(refinement, ?),
			time_to_first_response_ms = CASE
				WHEN time_to_first_response_ms = 0 THEN ?
				ELSE time_to_first_response_ms
			END
		WHERE ref_key = ?`,
		boolToInt(r.Refinement), ttfr, r.RefKey)
	return err
}

// GetOutgoing fetches one outgoing row by refKey.
func (s *FeedbackStore) GetOutgoing(ctx context.Context, refKey string) (Outgoing, error) {
	var o Outgoing
	var isGroup, endsQ, refinement, finalized int
	var samples string
	err := s.db.QueryRowContext(ctx, `
		SELECT ref_key, channel, chat_id, message_id, text, sent_at_ms, is_group, ends_with_question,
		       response_count, reaction_count, negative_reaction_count, reaction_net_score,
		       time_to_first_response_ms, sample_reactions_json, refinement, finalized, score
		FROM outgoing WHERE ref_key = ?`, refKey).
		Scan(&o.RefKey, &o.Channel, &o.ChatID, &o.MessageID, &o.Text, &o.SentAtMs, &isGroup, &endsQ,
			&o.ResponseCount, &o.ReactionCount, &o.NegativeReactionCount, &o.ReactionNetScore,
			&o.TimeToFirstResponseMs, &samples, &refinement, &finalized, &o.Score)
	if err != nil {
		return Outgoing{}, fmt.Errorf("get outgoing: %w", err)
	}
	o.IsGroup = isGroup != 0
	o.EndsWithQuestion = endsQ != 0
	o.Refinement = refinement != 0
	o.Finalized = finalized != 0
	_ = json.Unmarshal([]byte(samples), &o.SampleReactions)
	return o, nil
}

// CountOutgoingSince reports how many messages the bot sent to a chat since
// sinceMs. The proactive dispatcher uses this for warming throttles.
func (s *FeedbackStore) CountOutgoingSince(ctx context.Context, chatID string, sinceMs int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outgoing WHERE chat_id = ? AND sent_at_ms >= ?`, chatID, sinceMs).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outgoing: %w", err)
	}
	return n, nil
}

// LastOutgoingMs reports when the bot last sent anything to a chat, in unix
// milliseconds. Zero means never.
func (s *FeedbackStore) LastOutgoingMs(ctx context.Context, chatID string) (int64, error) {
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sent_at_ms) FROM outgoing WHERE chat_id = ?`, chatID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("last outgoing: %w", err)
	}
	return last.Int64, nil
}

// ScoreFunc computes a feedback score for a matured outgoing row.
type ScoreFunc func(o Outgoing) float64

// FinalizeDue scores every unfinalized row older than finalizeAfter and marks
// it finalized. Returns the scored rows so the caller can mint lessons.
func (s *FeedbackStore) FinalizeDue(ctx context.Context, finalizeAfter time.Duration, score ScoreFunc) ([]Outgoing, error) {
	cutoff := s.now().UnixMilli() - finalizeAfter.Milliseconds()
	rows, err := s.db.QueryContext(ctx,
		`SELECT ref_key FROM outgoing WHERE finalized = 0 AND sent_at_ms <= ? LIMIT 200`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("finalize scan: %w", err)
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return nil, err
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []Outgoing
	for _, key := range keys {
		o, err := s.GetOutgoing(ctx, key)
		if err != nil {
			s.logger.Warn("finalize: row vanished", "ref_key", key, "error", err)
			continue
		}
		o.Score = score(o)
		o.Finalized = true
		if _, err := s.db.ExecContext(ctx,
			`UPDATE outgoing SET finalized = 1, score = ? WHERE ref_key = ?`, o.Score, key); err != nil {
			return out, fmt.Errorf("finalize update: %w", err)
		}
		out = append(out, o)
	}
	return out, nil
}
