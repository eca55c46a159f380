// Package engine is the orchestration core: it routes durable event
// deliveries to registered handlers, retries failed invocations with
// backoff, and memoizes completed steps so redelivery never repeats a
// step's effect.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/taskpulse/internal/bus"
	"github.com/basket/taskpulse/internal/persistence"
	"github.com/basket/taskpulse/internal/shared"
	otelpkg "github.com/basket/taskpulse/internal/otel"
)

// HandlerFunc is an agent body. It runs once per delivery attempt; the
// invocation carries the stable id that keys step memoization.
type HandlerFunc func(ctx context.Context, inv *Invocation) error

// Registration binds a handler to the topic that triggers it. The table
// of registrations is built once at startup and handed to the engine;
// there is no ambient dispatch map.
type Registration struct {
	Topic   string
	Handler string
	Fn      HandlerFunc
}

// Config holds the engine dependencies.
type Config struct {
	Store  *persistence.Store
	Bus    *bus.Bus
	Logger *slog.Logger

	// Workers is the number of concurrent delivery processors. Different
	// (event, handler) pairs run concurrently; steps within one
	// invocation are strictly sequential. Defaults to 4.
	Workers int

	// PollInterval is how often idle workers look for due deliveries.
	// Defaults to 500ms.
	PollInterval time.Duration

	// Tracer and Metrics are optional; nil disables instrumentation.
	Tracer  trace.Tracer
	Metrics *otelpkg.Metrics
}

// Engine owns the registration table and the delivery runner loop.
type Engine struct {
	store        *persistence.Store
	bus          *bus.Bus
	logger       *slog.Logger
	workers      int
	pollInterval time.Duration
	tracer       trace.Tracer
	metrics      *otelpkg.Metrics

	mu       sync.RWMutex
	byName   map[string]Registration
	byTopic  map[string][]string // topic -> handler names, registration order

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Engine. Handlers must be registered before Start.
func New(cfg Config) *Engine {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:        cfg.Store,
		bus:          cfg.Bus,
		logger:       logger,
		workers:      workers,
		pollInterval: pollInterval,
		tracer:       cfg.Tracer,
		metrics:      cfg.Metrics,
		byName:       map[string]Registration{},
		byTopic:      map[string][]string{},
		wake:         make(chan struct{}, 1),
	}
}

// Register adds handlers to the routing table. Handler names must be
// unique; a duplicate is a programming error surfaced at startup.
func (e *Engine) Register(regs ...Registration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, reg := range regs {
		if reg.Handler == "" || reg.Fn == nil {
			return fmt.Errorf("registration for topic %q missing handler name or fn", reg.Topic)
		}
		if _, dup := e.byName[reg.Handler]; dup {
			return fmt.Errorf("duplicate handler registration %q", reg.Handler)
		}
		e.byName[reg.Handler] = reg
		e.byTopic[reg.Topic] = append(e.byTopic[reg.Topic], reg.Handler)
	}
	return nil
}

// Handlers returns the handler names subscribed to a topic.
func (e *Engine) Handlers(topic string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := e.byTopic[topic]
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// Publish appends the durable event, enqueues one delivery per
// subscribed handler in the same transaction, and notifies live
// observers. Publishing fails only if the store itself is unreachable.
func (e *Engine) Publish(ctx context.Context, projectID, topic string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	if _, err := e.store.PublishEvent(ctx, projectID, topic, raw, e.Handlers(topic)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	if e.metrics != nil {
		e.metrics.EventsPublished.Add(ctx, 1)
	}
	if e.bus != nil {
		e.bus.Publish(topic, json.RawMessage(raw))
	}
	e.Wake()
	return nil
}

// Wake nudges an idle worker to poll immediately.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Start launches the worker pool.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.workerLoop(ctx)
	}
	e.logger.Info("engine started", "workers", e.workers)
}

// Stop cancels the workers and waits for in-flight invocations. There
// is no mid-invocation cancellation: a running invocation finishes or
// fails on its own.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

func (e *Engine) workerLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		// Drain everything currently due before going back to sleep.
		for {
			if ctx.Err() != nil {
				return
			}
			worked, err := e.RunOnce(ctx)
			if err != nil {
				e.logger.Error("engine: delivery processing failed", "error", err)
				break
			}
			if !worked {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.wake:
		}
	}
}

// RunOnce claims and executes at most one due delivery. It reports
// whether any work was found. Exposed for tests and for the worker loop.
func (e *Engine) RunOnce(ctx context.Context) (bool, error) {
	d, err := e.store.ClaimNextDelivery(ctx, time.Now().UTC())
	if err != nil {
		return false, err
	}
	if d == nil {
		return false, nil
	}
	e.execute(ctx, d)
	return true, nil
}

func (e *Engine) execute(ctx context.Context, d *persistence.Delivery) {
	reg, ok := e.lookup(d.Handler)
	if !ok {
		e.failDelivery(ctx, d, fmt.Errorf("no handler registered as %q", d.Handler))
		return
	}

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithInvocationID(ctx, d.ID)
	ctx = shared.WithHandler(ctx, d.Handler)

	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "invocation",
			trace.WithAttributes(
				otelpkg.AttrInvocationID.String(d.ID),
				otelpkg.AttrHandler.String(d.Handler),
				otelpkg.AttrTopic.String(d.Topic),
				attribute.Int("taskpulse.delivery.attempt", d.Attempt),
			),
		)
		defer span.End()
	}

	inv := &Invocation{
		ID:      d.ID,
		Topic:   d.Topic,
		Payload: json.RawMessage(d.Payload),
		Attempt: d.Attempt,
		store:   e.store,
		logger:  e.logger.With("invocation_id", d.ID, "handler", d.Handler),
		metrics: e.metrics,
	}

	started := time.Now()
	err := reg.Fn(ctx, inv)
	if e.metrics != nil {
		e.metrics.InvocationDuration.Record(ctx, time.Since(started).Seconds())
	}

	if err != nil {
		if span != nil {
			span.RecordError(err)
		}
		e.failDelivery(ctx, d, err)
		return
	}

	if err := e.store.CompleteDelivery(ctx, d.ID); err != nil {
		e.logger.Error("engine: failed to mark delivery complete",
			"invocation_id", d.ID, "handler", d.Handler, "error", err)
		return
	}
	e.logger.Info("engine: invocation succeeded",
		"invocation_id", d.ID, "handler", d.Handler, "topic", d.Topic, "attempt", d.Attempt)
}

func (e *Engine) failDelivery(ctx context.Context, d *persistence.Delivery, cause error) {
	decision, err := e.store.FailDelivery(ctx, d.ID, cause.Error())
	if err != nil {
		e.logger.Error("engine: failed to record delivery failure",
			"invocation_id", d.ID, "handler", d.Handler, "error", err)
		return
	}
	if e.metrics != nil {
		e.metrics.InvocationRetries.Add(ctx, 1)
	}
	switch decision.Outcome {
	case FailureOutcomeRetried:
		e.logger.Warn("engine: invocation failed, will retry",
			"invocation_id", d.ID, "handler", d.Handler, "attempt", decision.Attempt,
			"max_attempts", decision.MaxAttempts, "retry_at", decision.BackoffUntil, "error", cause)
	case FailureOutcomeDeadLetter:
		e.logger.Error("engine: invocation dead-lettered",
			"invocation_id", d.ID, "handler", d.Handler, "attempt", decision.Attempt, "error", cause)
	}
}

// Re-exported outcome names so callers don't need to import persistence
// just to branch on a failure decision.
const (
	FailureOutcomeRetried    = persistence.FailureOutcomeRetried
	FailureOutcomeDeadLetter = persistence.FailureOutcomeDeadLetter
)

func (e *Engine) lookup(handler string) (Registration, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	reg, ok := e.byName[handler]
	return reg, ok
}
