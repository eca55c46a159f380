package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskpulse/internal/bus"
	"github.com/basket/taskpulse/internal/engine"
	"github.com/basket/taskpulse/internal/persistence"
)

func newTestEngine(t *testing.T) (*engine.Engine, *persistence.Store, *bus.Bus) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	b := bus.New()
	eng := engine.New(engine.Config{
		Store:  store,
		Bus:    b,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return eng, store, b
}

// drain runs RunOnce until no due delivery remains.
func drain(t *testing.T, eng *engine.Engine) int {
	t.Helper()
	var n int
	for {
		worked, err := eng.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("run once: %v", err)
		}
		if !worked {
			return n
		}
		n++
	}
}

func TestEngine_PublishRoutesToSubscribedHandlers(t *testing.T) {
	eng, store, b := newTestEngine(t)
	ctx := context.Background()

	p, err := store.CreateProject(ctx, "Demo", "ship", "dev")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	var gotPayload string
	calls := 0
	if err := eng.Register(engine.Registration{
		Topic:   "project.created",
		Handler: "planner-agent",
		Fn: func(ctx context.Context, inv *engine.Invocation) error {
			calls++
			gotPayload = string(inv.Payload)
			if inv.Attempt != 1 {
				t.Errorf("attempt = %d, want 1", inv.Attempt)
			}
			return nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	sub := b.Subscribe("project.")
	defer b.Unsubscribe(sub)

	if err := eng.Publish(ctx, p.ID, "project.created", map[string]string{"projectId": p.ID}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if n := drain(t, eng); n != 1 {
		t.Fatalf("processed %d deliveries, want 1", n)
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times, want 1", calls)
	}
	if !json.Valid([]byte(gotPayload)) {
		t.Fatalf("handler payload not JSON: %q", gotPayload)
	}

	select {
	case evt := <-sub.Ch():
		if evt.Topic != "project.created" {
			t.Fatalf("bus topic = %q", evt.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("live bus never saw the published event")
	}
}

func TestEngine_RetryReplaysOnlyUnfinishedSteps(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	firstRuns, secondRuns := 0, 0
	if err := eng.Register(engine.Registration{
		Topic:   "cron.daily_report",
		Handler: "daily-report-agent",
		Fn: func(ctx context.Context, inv *engine.Invocation) error {
			n, err := engine.Step(ctx, inv, "fetch-projects", func(context.Context) (int, error) {
				firstRuns++
				return 7, nil
			})
			if err != nil {
				return err
			}
			if n != 7 {
				t.Errorf("memoized step returned %d, want 7", n)
			}
			return engine.Do(ctx, inv, "save-report", func(context.Context) error {
				secondRuns++
				if inv.Attempt == 1 {
					return errors.New("transient store outage")
				}
				return nil
			})
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	id, err := store.EnqueueTrigger(ctx, "cron.daily_report", "daily-report-agent", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if n := drain(t, eng); n != 1 {
		t.Fatalf("first pass processed %d, want 1", n)
	}
	if firstRuns != 1 || secondRuns != 1 {
		t.Fatalf("after attempt 1: firstRuns=%d secondRuns=%d", firstRuns, secondRuns)
	}

	// Attempt 1 failed after the first step committed. Wait out the
	// retry backoff, then the redelivery must replay the first step from
	// its memo and re-run only the failed one.
	time.Sleep(1100 * time.Millisecond)
	if n := drain(t, eng); n != 1 {
		t.Fatalf("retry pass processed %d, want 1", n)
	}
	if firstRuns != 1 {
		t.Fatalf("completed step re-ran: firstRuns=%d", firstRuns)
	}
	if secondRuns != 2 {
		t.Fatalf("failed step runs = %d, want 2", secondRuns)
	}

	d, err := store.GetDelivery(ctx, id)
	if err != nil {
		t.Fatalf("get delivery: %v", err)
	}
	if d.Status != persistence.DeliveryStatusSucceeded {
		t.Fatalf("status = %q, want SUCCEEDED", d.Status)
	}
}

func TestEngine_ExhaustedRetriesDeadLetter(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	runs := 0
	if err := eng.Register(engine.Registration{
		Topic:   "cron.daily_motivation",
		Handler: "daily-motivation",
		Fn: func(context.Context, *engine.Invocation) error {
			runs++
			return errors.New("permanent failure")
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	id, err := store.EnqueueTrigger(ctx, "cron.daily_motivation", "daily-motivation", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		drain(t, eng)
		d, err := store.GetDelivery(ctx, id)
		if err != nil {
			t.Fatalf("get delivery: %v", err)
		}
		if d.Status == persistence.DeliveryStatusDeadLetter {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivery never dead-lettered, status %q after %d runs", d.Status, runs)
		}
		time.Sleep(100 * time.Millisecond)
	}
	if runs != 3 {
		t.Fatalf("handler ran %d times, want 3", runs)
	}
}

func TestEngine_UnregisteredHandlerDeliveryFails(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := store.EnqueueTrigger(ctx, "cron.daily_report", "nobody-home", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	drain(t, eng)

	d, err := store.GetDelivery(ctx, id)
	if err != nil {
		t.Fatalf("get delivery: %v", err)
	}
	if d.Status == persistence.DeliveryStatusSucceeded {
		t.Fatal("delivery for unregistered handler must not succeed")
	}
	if d.LastError == "" {
		t.Fatal("expected recorded error")
	}
}

func TestEngine_RegisterRejectsDuplicates(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	noop := func(context.Context, *engine.Invocation) error { return nil }
	if err := eng.Register(
		engine.Registration{Topic: "task.updated", Handler: "risk-agent", Fn: noop},
		engine.Registration{Topic: "task.updated", Handler: "audit-agent", Fn: noop},
	); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := eng.Register(engine.Registration{Topic: "task.at_risk", Handler: "risk-agent", Fn: noop}); err == nil {
		t.Fatal("duplicate handler name must be rejected")
	}
	if err := eng.Register(engine.Registration{Topic: "task.updated", Handler: "", Fn: noop}); err == nil {
		t.Fatal("empty handler name must be rejected")
	}

	got := eng.Handlers("task.updated")
	if len(got) != 2 || got[0] != "risk-agent" || got[1] != "audit-agent" {
		t.Fatalf("handlers = %v, want registration order preserved", got)
	}
}
