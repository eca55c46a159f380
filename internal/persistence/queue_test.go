package persistence_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/basket/taskpulse/internal/persistence"
)

func TestPublishEvent_EnqueuesOneDeliveryPerHandler(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, store)

	eventID, err := store.PublishEvent(ctx, p.ID, "project.created",
		[]byte(`{"projectId":"x"}`), []string{"planner-agent", "audit-agent"})
	if err != nil {
		t.Fatalf("publish event: %v", err)
	}
	if eventID == 0 {
		t.Fatal("event id not assigned")
	}

	events, err := store.ListEvents(ctx, p.ID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Name != "project.created" {
		t.Fatalf("events = %#v, want one project.created", events)
	}

	first, err := store.ClaimNextDelivery(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("claim first: %v", err)
	}
	second, err := store.ClaimNextDelivery(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("claim second: %v", err)
	}
	if first == nil || second == nil {
		t.Fatal("expected two claimable deliveries")
	}
	if first.ID == second.ID {
		t.Fatal("deliveries must have distinct invocation ids")
	}
	handlers := map[string]bool{first.Handler: true, second.Handler: true}
	if !handlers["planner-agent"] || !handlers["audit-agent"] {
		t.Fatalf("handlers = %v", handlers)
	}

	third, err := store.ClaimNextDelivery(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("claim third: %v", err)
	}
	if third != nil {
		t.Fatalf("unexpected third delivery: %+v", third)
	}
}

func TestFailDelivery_RetriesWithBackoffThenDeadLetters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.EnqueueTrigger(ctx, "cron.daily_report", "daily-report-agent", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	now := time.Now().UTC()
	var lastBackoff time.Duration
	for attempt := 1; attempt <= 2; attempt++ {
		d, err := store.ClaimNextDelivery(ctx, now.Add(time.Minute))
		if err != nil {
			t.Fatalf("claim attempt %d: %v", attempt, err)
		}
		if d == nil || d.ID != id {
			t.Fatalf("claim attempt %d returned %+v", attempt, d)
		}
		if d.Attempt != attempt {
			t.Fatalf("attempt = %d, want %d", d.Attempt, attempt)
		}

		decision, err := store.FailDelivery(ctx, id, "boom")
		if err != nil {
			t.Fatalf("fail attempt %d: %v", attempt, err)
		}
		if decision.Outcome != persistence.FailureOutcomeRetried {
			t.Fatalf("attempt %d outcome = %q, want RETRIED", attempt, decision.Outcome)
		}
		if decision.BackoffUntil == nil {
			t.Fatal("retried decision missing backoff")
		}
		backoff := decision.BackoffUntil.Sub(time.Now().UTC())
		if attempt > 1 && backoff <= lastBackoff {
			t.Fatalf("backoff not growing: %v then %v", lastBackoff, backoff)
		}
		lastBackoff = backoff

		// Not yet due at the current time.
		due, err := store.ClaimNextDelivery(ctx, time.Now().UTC())
		if err != nil {
			t.Fatalf("premature claim: %v", err)
		}
		if due != nil {
			t.Fatalf("delivery claimable before backoff elapsed: %+v", due)
		}
		now = *decision.BackoffUntil
	}

	// Third failure exhausts max_attempts.
	d, err := store.ClaimNextDelivery(ctx, now.Add(time.Minute))
	if err != nil || d == nil {
		t.Fatalf("claim final: %v %v", d, err)
	}
	decision, err := store.FailDelivery(ctx, id, "boom")
	if err != nil {
		t.Fatalf("final fail: %v", err)
	}
	if decision.Outcome != persistence.FailureOutcomeDeadLetter {
		t.Fatalf("final outcome = %q, want DEAD_LETTER", decision.Outcome)
	}

	got, err := store.GetDelivery(ctx, id)
	if err != nil {
		t.Fatalf("get delivery: %v", err)
	}
	if got.Status != persistence.DeliveryStatusDeadLetter {
		t.Fatalf("status = %q, want DEAD_LETTER", got.Status)
	}
	if got.LastError != "boom" {
		t.Fatalf("last error = %q", got.LastError)
	}
}

func TestRequeueStuckDeliveries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.EnqueueTrigger(ctx, "cron.daily_motivation", "daily-motivation", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.ClaimNextDelivery(ctx, time.Now().UTC()); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Simulates a crash while RUNNING.
	n, err := store.RequeueStuckDeliveries(ctx)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued = %d, want 1", n)
	}

	d, err := store.ClaimNextDelivery(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if d == nil || d.ID != id {
		t.Fatalf("reclaim returned %+v, want %s", d, id)
	}
	if d.Attempt != 2 {
		t.Fatalf("attempt after requeue = %d, want 2", d.Attempt)
	}
}

func TestStepResults_MemoizeOncePerInvocation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, found, err := store.GetStepResult(ctx, "inv-1", "generate-task-plan")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if found {
		t.Fatal("found a result that was never saved")
	}

	want := json.RawMessage(`{"tasks":4}`)
	if err := store.SaveStepResult(ctx, "inv-1", "generate-task-plan", want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, found, err := store.GetStepResult(ctx, "inv-1", "generate-task-plan")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found || string(got) != string(want) {
		t.Fatalf("got %q found=%v", got, found)
	}

	// Same step under a different invocation is independent.
	if err := store.SaveStepResult(ctx, "inv-2", "generate-task-plan", want); err != nil {
		t.Fatalf("save other invocation: %v", err)
	}

	// Duplicate (invocation, step) write is a conflict.
	if err := store.SaveStepResult(ctx, "inv-1", "generate-task-plan", want); err == nil {
		t.Fatal("expected conflict on duplicate step result")
	}
}

func TestLatestEventByName_LatestWins(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, store)

	if _, err := store.PublishEvent(ctx, p.ID, "report.daily", []byte(`{"n":1}`), nil); err != nil {
		t.Fatalf("publish 1: %v", err)
	}
	if _, err := store.PublishEvent(ctx, p.ID, "report.daily", []byte(`{"n":2}`), nil); err != nil {
		t.Fatalf("publish 2: %v", err)
	}

	evt, err := store.LatestEventByName(ctx, p.ID, "report.daily")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if string(evt.Payload) != `{"n":2}` {
		t.Fatalf("payload = %s, want latest", evt.Payload)
	}

	_, err = store.LatestEventByName(ctx, p.ID, "report.weekly")
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("missing event: err = %v, want ErrNotFound", err)
	}
}
