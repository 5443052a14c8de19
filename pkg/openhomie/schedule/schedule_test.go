package schedule

import (
	"context"
	"testing"
	"time"
)

func newScheduler(t *testing.T) *EventScheduler {
	t.Helper()
	s, err := NewEventScheduler(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOneShotEventLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newScheduler(t)
	past := time.Now().Add(-time.Minute).UnixMilli()
	future := time.Now().Add(time.Hour).UnixMilli()

	if _, err := s.Schedule(ctx, ProactiveEvent{Kind: "check_in", ChatID: "cli:local", DueAtMs: past}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Schedule(ctx, ProactiveEvent{Kind: "reminder", ChatID: "cli:local", DueAtMs: future}); err != nil {
		t.Fatal(err)
	}

	due, err := s.Due(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].Kind != "check_in" {
		t.Fatalf("due = %+v", due)
	}

	ok, err := s.MarkDelivered(ctx, due[0])
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = s.MarkDelivered(ctx, due[0])
	if err != nil || ok {
		t.Fatalf("second claim must lose: ok=%v err=%v", ok, err)
	}

	due, _ = s.Due(ctx)
	if len(due) != 0 {
		t.Fatalf("delivered event still due: %+v", due)
	}
}

func TestRecurringEventReArms(t *testing.T) {
	ctx := context.Background()
	s := newScheduler(t)
	base := time.Now()
	s.now = func() time.Time { return base }

	id, err := s.Schedule(ctx, ProactiveEvent{Kind: "check_in", ChatID: "cli:local", CronExpr: "0 9 * * *"})
	if err != nil {
		t.Fatal(err)
	}

	// Jump past the first occurrence.
	s.now = func() time.Time { return base.Add(48 * time.Hour) }
	due, err := s.Due(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != id {
		t.Fatalf("due = %+v", due)
	}

	ok, err := s.MarkDelivered(ctx, due[0])
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	// Re-armed in the future, so nothing is due now.
	if due, _ = s.Due(ctx); len(due) != 0 {
		t.Fatalf("recurring event not re-armed: %+v", due)
	}
	if ok, _ := s.MarkDelivered(ctx, ProactiveEvent{ID: id, CronExpr: "0 9 * * *", DueAtMs: 1}); ok {
		t.Fatal("stale claim must lose")
	}
}

func TestBadCronRejected(t *testing.T) {
	s := newScheduler(t)
	if _, err := s.Schedule(context.Background(), ProactiveEvent{Kind: "check_in", ChatID: "c", CronExpr: "not cron"}); err == nil {
		t.Fatal("expected parse error")
	}
}
