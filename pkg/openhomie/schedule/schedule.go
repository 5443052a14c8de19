// Package schedule persists proactive events and decides when they are due.
// One-shot events fire once; recurring events carry a cron expression and
// re-arm themselves after delivery.
package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/openhomie/pkg/openhomie/store"
)

// ProactiveEvent is one planned outreach.
type ProactiveEvent struct {
	ID        int64  `json:"id"`
	Kind      string `json:"kind"` // "check_in", "reminder", "birthday", ...
	ChatID    string `json:"chatId"`
	Note      string `json:"note,omitempty"`
	DueAtMs   int64  `json:"dueAtMs"`
	CronExpr  string `json:"cronExpr,omitempty"` // empty = one-shot
	Delivered bool   `json:"delivered"`
}

// EventScheduler stores events in events.db under dataDir.
type EventScheduler struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewEventScheduler opens or creates the events database.
func NewEventScheduler(dataDir string, logger *slog.Logger) (*EventScheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := store.OpenDB(dataDir, "events.db")
	if err != nil {
		return nil, err
	}
	s := &EventScheduler{db: db, logger: logger, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *EventScheduler) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			kind       TEXT NOT NULL,
			chat_id    TEXT NOT NULL,
			note       TEXT NOT NULL DEFAULT '',
			due_at_ms  INTEGER NOT NULL,
			cron_expr  TEXT NOT NULL DEFAULT '',
			delivered  INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_events_due ON events(delivered, due_at_ms);
	`)
	if err != nil {
		return fmt.Errorf("events schema: %w", err)
	}
	return nil
}

func (s *EventScheduler) Close() error { return s.db.Close() }

// Schedule registers an event. A cron expression, when present, must parse as
// standard five-field cron; DueAtMs is then derived from it.
func (s *EventScheduler) Schedule(ctx context.Context, ev ProactiveEvent) (int64, error) {
	if ev.CronExpr != "" {
		sched, err := cron.ParseStandard(ev.CronExpr)
		if err != nil {
			return 0, fmt.Errorf("bad cron expression %q: %w", ev.CronExpr, err)
		}
		ev.DueAtMs = sched.Next(s.now()).UnixMilli()
	}
	if ev.DueAtMs == 0 {
		return 0, fmt.Errorf("event needs a due time or cron expression")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (kind, chat_id, note, due_at_ms, cron_expr) VALUES (?, ?, ?, ?, ?)`,
		ev.Kind, ev.ChatID, ev.Note, ev.DueAtMs, ev.CronExpr)
	if err != nil {
		return 0, fmt.Errorf("schedule event: %w", err)
	}
	return res.LastInsertId()
}

// Due returns undelivered events whose due time has passed.
func (s *EventScheduler) Due(ctx context.Context) ([]ProactiveEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, chat_id, note, due_at_ms, cron_expr
		FROM events WHERE delivered = 0 AND due_at_ms <= ?
		ORDER BY due_at_ms LIMIT 50`, s.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("due events: %w", err)
	}
	defer rows.Close()

	var out []ProactiveEvent
	for rows.Next() {
		var ev ProactiveEvent
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.ChatID, &ev.Note, &ev.DueAtMs, &ev.CronExpr); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Pending returns every undelivered event, soonest first.
func (s *EventScheduler) Pending(ctx context.Context) ([]ProactiveEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, chat_id, note, due_at_ms, cron_expr
		FROM events WHERE delivered = 0
		ORDER BY due_at_ms`)
	if err != nil {
		return nil, fmt.Errorf("pending events: %w", err)
	}
	defer rows.Close()

	var out []ProactiveEvent
	for rows.Next() {
		var ev ProactiveEvent
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.ChatID, &ev.Note, &ev.DueAtMs, &ev.CronExpr); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkDelivered claims an event. It returns false when the event was already
// delivered, so two ticks racing on the same event deliver it at most once.
// Recurring events re-arm at their next cron occurrence instead.
func (s *EventScheduler) MarkDelivered(ctx context.Context, ev ProactiveEvent) (bool, error) {
	if ev.CronExpr != "" {
		sched, err := cron.ParseStandard(ev.CronExpr)
		if err != nil {
			return false, fmt.Errorf("bad cron expression %q: %w", ev.CronExpr, err)
		}
		next := sched.Next(s.now()).UnixMilli()
		res, err := s.db.ExecContext(ctx,
			`UPDATE events SET due_at_ms = ? WHERE id = ? AND delivered = 0 AND due_at_ms = ?`,
			next, ev.ID, ev.DueAtMs)
		if err != nil {
			return false, fmt.Errorf("re-arm event: %w", err)
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET delivered = 1 WHERE id = ? AND delivered = 0`, ev.ID)
	if err != nil {
		return false, fmt.Errorf("mark delivered: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Cancel deletes an undelivered event.
func (s *EventScheduler) Cancel(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ? AND delivered = 0`, id)
	if err != nil {
		return fmt.Errorf("cancel event: %w", err)
	}
	return nil
}
