package cron_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskpulse/internal/cron"
	"github.com/basket/taskpulse/internal/persistence"
)

type recordingWaker struct{ wakes int }

func (w *recordingWaker) Wake() { w.wakes++ }

func newTestScheduler(t *testing.T) (*cron.Scheduler, *persistence.Store, *recordingWaker) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "cron.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	waker := &recordingWaker{}
	sched := cron.NewScheduler(cron.Config{
		Store:  store,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Waker:  waker,
	})
	return sched, store, waker
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)

	tests := []struct {
		expr string
		want time.Time
	}{
		{"0 9 * * *", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		{"0 20 * * *", time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 3, 2, 8, 45, 0, 0, time.UTC)},
		{"0 9 * * 2", time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)}, // March 2 2026 is a Monday
	}
	for _, tc := range tests {
		got, err := cron.NextRunTime(tc.expr, after)
		if err != nil {
			t.Fatalf("NextRunTime(%q): %v", tc.expr, err)
		}
		if !got.Equal(tc.want) {
			t.Errorf("NextRunTime(%q) = %v, want %v", tc.expr, got, tc.want)
		}
	}

	if _, err := cron.NextRunTime("not a cron expr", after); err == nil {
		t.Error("malformed expression must fail to parse")
	}
	if _, err := cron.NextRunTime("0 9 * *", after); err == nil {
		t.Error("four-field expression must fail to parse")
	}
}

func TestScheduler_TickFiresDueSchedule(t *testing.T) {
	sched, store, waker := newTestScheduler(t)
	ctx := context.Background()

	if err := sched.Seed(ctx, "daily-motivation", "Daily Motivation",
		"0 9 * * *", "daily-motivation", "cron.daily_motivation"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Freshly seeded schedules point at the future and must not fire.
	sched.Tick(ctx)
	if waker.wakes != 0 {
		t.Fatal("scheduler fired a schedule that is not due")
	}

	// Rewind the cursor so the schedule is overdue.
	past := time.Now().Add(-time.Minute)
	if err := store.UpdateScheduleRun(ctx, "daily-motivation", past.Add(-24*time.Hour), past); err != nil {
		t.Fatalf("rewind cursor: %v", err)
	}

	sched.Tick(ctx)
	if waker.wakes != 1 {
		t.Fatalf("wakes = %d, want 1", waker.wakes)
	}

	d, err := store.ClaimNextDelivery(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if d == nil {
		t.Fatal("firing enqueued no delivery")
	}
	if d.Topic != "cron.daily_motivation" || d.Handler != "daily-motivation" {
		t.Fatalf("delivery = %s/%s, want cron.daily_motivation/daily-motivation", d.Topic, d.Handler)
	}

	// The cursor advanced, so the same tick window does not double-fire.
	sched.Tick(ctx)
	if waker.wakes != 1 {
		t.Fatalf("schedule double-fired, wakes = %d", waker.wakes)
	}
	due, err := store.DueSchedules(ctx, time.Now())
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("schedule still due after firing: %+v", due)
	}
}

func TestScheduler_SeedRejectsBadExpression(t *testing.T) {
	sched, _, _ := newTestScheduler(t)

	err := sched.Seed(context.Background(), "broken", "Broken", "whenever", "h", "cron.broken")
	if err == nil {
		t.Fatal("seed must reject an unparseable expression")
	}
}
