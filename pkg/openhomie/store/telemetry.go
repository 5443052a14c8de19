package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// UsageRow is one model call's normalized usage.
type UsageRow struct {
	TurnID          string  `json:"turnId"`
	ChatID          string  `json:"chatId"`
	Model           string  `json:"model"`
	InputTokens     int64   `json:"inputTokens"`
	OutputTokens    int64   `json:"outputTokens"`
	ReasoningTokens int64   `json:"reasoningTokens"`
	CacheReadTokens int64   `json:"cacheReadTokens"`
	CostUSD         float64 `json:"costUsd"`
	TxHash          string  `json:"txHash,omitempty"`
	CreatedAtMs     int64   `json:"createdAtMs"`
}

// TelemetryStore persists per-call usage for cost tracking.
type TelemetryStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewTelemetryStore opens or creates telemetry.db in dataDir.
func NewTelemetryStore(dataDir string, logger *slog.Logger) (*TelemetryStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := OpenDB(dataDir, "telemetry.db")
	if err != nil {
		return nil, err
	}
	s := &TelemetryStore{db: db, logger: logger.With("component", "telemetry_store"), now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init telemetry schema: %w", err)
	}
	return s, nil
}

func (s *TelemetryStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS usage (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			turn_id           TEXT NOT NULL,
			chat_id           TEXT NOT NULL,
			model             TEXT NOT NULL,
			input_tokens      INTEGER NOT NULL DEFAULT 0,
			output_tokens     INTEGER NOT NULL DEFAULT 0,
			reasoning_tokens  INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd          REAL NOT NULL DEFAULT 0,
			tx_hash           TEXT NOT NULL DEFAULT '',
			created_at_ms     INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_usage_chat ON usage(chat_id, created_at_ms);
	`)
	return err
}

// Close closes the underlying database.
func (s *TelemetryStore) Close() error { return s.db.Close() }

// RecordUsage appends one usage row. Failures are the caller's to ignore;
// telemetry must never block a turn.
func (s *TelemetryStore) RecordUsage(ctx context.Context, u UsageRow) error {
	ts := u.CreatedAtMs
	if ts == 0 {
		ts = s.now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage (turn_id, chat_id, model, input_tokens, output_tokens, reasoning_tokens, cache_read_tokens, cost_usd, tx_hash, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.TurnID, u.ChatID, u.Model, u.InputTokens, u.OutputTokens, u.ReasoningTokens, u.CacheReadTokens, u.CostUSD, u.TxHash, ts)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// TotalCost sums cost over a trailing window.
func (s *TelemetryStore) TotalCost(ctx context.Context, window time.Duration) (float64, error) {
	since := s.now().Add(-window).UnixMilli()
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(cost_usd) FROM usage WHERE created_at_ms >= ?`, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total cost: %w", err)
	}
	return total.Float64, nil
}
