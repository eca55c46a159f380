package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	otelpkg "github.com/basket/taskpulse/internal/otel"
	"github.com/basket/taskpulse/internal/persistence"
)

// Invocation is one execution attempt of a handler for one delivery.
// Its ID is stable across retries of the same delivery, which is what
// makes step memoization mean "at most one effect per (invocation,
// step) across all retries".
type Invocation struct {
	ID      string
	Topic   string
	Payload json.RawMessage
	Attempt int

	store   *persistence.Store
	logger  *slog.Logger
	metrics *otelpkg.Metrics
}

// Logger returns the invocation-scoped logger.
func (inv *Invocation) Logger() *slog.Logger {
	if inv.logger != nil {
		return inv.logger
	}
	return slog.Default()
}

// Decode unmarshals the triggering payload into v.
func (inv *Invocation) Decode(v any) error {
	if err := json.Unmarshal(inv.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", inv.Topic, err)
	}
	return nil
}

// Step runs a named unit of work at most once per invocation. On a
// retried invocation, a previously completed step returns its memoized
// result without re-running fn. A step failure fails the invocation;
// effects of earlier completed steps stay committed (the handler is not
// transactional across steps).
func Step[T any](ctx context.Context, inv *Invocation, name string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	memo, found, err := inv.store.GetStepResult(ctx, inv.ID, name)
	if err != nil {
		return zero, fmt.Errorf("step %q: lookup memo: %w", name, err)
	}
	if found {
		var out T
		if err := json.Unmarshal(memo, &out); err != nil {
			return zero, fmt.Errorf("step %q: decode memo: %w", name, err)
		}
		if inv.metrics != nil {
			inv.metrics.StepsMemoized.Add(ctx, 1)
		}
		inv.Logger().Debug("step replayed from memo", "step", name)
		return out, nil
	}

	out, err := fn(ctx)
	if err != nil {
		return zero, fmt.Errorf("step %q: %w", name, err)
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return zero, fmt.Errorf("step %q: encode result: %w", name, err)
	}
	if err := inv.store.SaveStepResult(ctx, inv.ID, name, raw); err != nil {
		// The work ran but the memo didn't commit: the invocation fails
		// and the retry re-runs this step. Duplicated append-only effects
		// across this boundary are an accepted limitation.
		return zero, fmt.Errorf("step %q: persist memo: %w", name, err)
	}
	if inv.metrics != nil {
		inv.metrics.StepsExecuted.Add(ctx, 1)
	}
	return out, nil
}

// Do is Step for work with no meaningful result.
func Do(ctx context.Context, inv *Invocation, name string, fn func(context.Context) error) error {
	_, err := Step(ctx, inv, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
