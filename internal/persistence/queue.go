package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type DeliveryStatus string

const (
	DeliveryStatusQueued     DeliveryStatus = "QUEUED"
	DeliveryStatusRunning    DeliveryStatus = "RUNNING"
	DeliveryStatusSucceeded  DeliveryStatus = "SUCCEEDED"
	DeliveryStatusDeadLetter DeliveryStatus = "DEAD_LETTER"
)

// Delivery is one pending handler invocation for one event or cron
// firing. Its id is the invocation id: stable across every retry, which
// is what keys step memoization.
type Delivery struct {
	ID          string         `json:"id"`
	Topic       string         `json:"topic"`
	Handler     string         `json:"handler"`
	Payload     string         `json:"payload"`
	EventID     *int64         `json:"event_id,omitempty"`
	Status      DeliveryStatus `json:"status"`
	Attempt     int            `json:"attempt"`
	MaxAttempts int            `json:"max_attempts"`
	AvailableAt time.Time      `json:"available_at"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

type FailureOutcome string

const (
	FailureOutcomeRetried    FailureOutcome = "RETRIED"
	FailureOutcomeDeadLetter FailureOutcome = "DEAD_LETTER"
)

// FailureDecision records what FailDelivery decided for a failed attempt.
type FailureDecision struct {
	Outcome      FailureOutcome `json:"outcome"`
	Attempt      int            `json:"attempt"`
	MaxAttempts  int            `json:"max_attempts"`
	BackoffUntil *time.Time     `json:"backoff_until,omitempty"`
}

// EnqueueTrigger queues a delivery with no backing event row. The cron
// scheduler uses this: each firing is its own invocation with a fresh id.
func (s *Store) EnqueueTrigger(ctx context.Context, topic, handler string, payload []byte) (string, error) {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	id := uuid.NewString()
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO deliveries (id, topic, handler, payload, status, max_attempts, available_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'QUEUED', ?, ?, ?, ?);
	`, id, topic, handler, string(payload), defaultMaxAttempts, now, now, now); err != nil {
		return "", fmt.Errorf("enqueue trigger: %w", err)
	}
	return id, nil
}

const deliveryColumns = `id, topic, handler, payload, event_id, status, attempt, max_attempts,
	available_at, last_error, created_at, updated_at`

// ClaimNextDelivery atomically claims the oldest due queued delivery,
// moving it to RUNNING. Returns nil when nothing is due.
func (s *Store) ClaimNextDelivery(ctx context.Context, now time.Time) (*Delivery, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+deliveryColumns+`
		FROM deliveries
		WHERE status = 'QUEUED' AND available_at <= ?
		ORDER BY available_at ASC, created_at ASC
		LIMIT 1;
	`, now)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select due delivery: %w", err)
	}

	d.Status = DeliveryStatusRunning
	d.Attempt++
	d.UpdatedAt = now
	if _, err := tx.ExecContext(ctx, `
		UPDATE deliveries SET status = 'RUNNING', attempt = ?, updated_at = ? WHERE id = ?;
	`, d.Attempt, now, d.ID); err != nil {
		return nil, fmt.Errorf("claim delivery: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return d, nil
}

// CompleteDelivery marks a delivery SUCCEEDED.
func (s *Store) CompleteDelivery(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deliveries SET status = 'SUCCEEDED', last_error = '', updated_at = ?
		WHERE id = ? AND status = 'RUNNING';
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("complete delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete delivery rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	return nil
}

// FailDelivery records a failed attempt: either requeued with
// exponential backoff or dead-lettered once attempts are exhausted.
func (s *Store) FailDelivery(ctx context.Context, id, errMsg string) (FailureDecision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FailureDecision{}, fmt.Errorf("begin fail tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var attempt, maxAttempts int
	err = tx.QueryRowContext(ctx, `
		SELECT attempt, max_attempts FROM deliveries WHERE id = ? AND status = 'RUNNING';
	`, id).Scan(&attempt, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return FailureDecision{}, fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return FailureDecision{}, fmt.Errorf("select failed delivery: %w", err)
	}

	now := time.Now().UTC()
	decision := FailureDecision{Attempt: attempt, MaxAttempts: maxAttempts}
	if attempt >= maxAttempts {
		decision.Outcome = FailureOutcomeDeadLetter
		if _, err := tx.ExecContext(ctx, `
			UPDATE deliveries SET status = 'DEAD_LETTER', last_error = ?, updated_at = ? WHERE id = ?;
		`, errMsg, now, id); err != nil {
			return FailureDecision{}, fmt.Errorf("dead-letter delivery: %w", err)
		}
	} else {
		backoff := retryBackoff(attempt)
		until := now.Add(backoff)
		decision.Outcome = FailureOutcomeRetried
		decision.BackoffUntil = &until
		if _, err := tx.ExecContext(ctx, `
			UPDATE deliveries SET status = 'QUEUED', last_error = ?, available_at = ?, updated_at = ? WHERE id = ?;
		`, errMsg, until, now, id); err != nil {
			return FailureDecision{}, fmt.Errorf("requeue delivery: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return FailureDecision{}, fmt.Errorf("commit fail tx: %w", err)
	}
	return decision, nil
}

// retryBackoff doubles per attempt from the base delay, capped.
func retryBackoff(attempt int) time.Duration {
	d := retryBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	if d > retryMaxDelay {
		return retryMaxDelay
	}
	return d
}

// RequeueStuckDeliveries moves RUNNING deliveries back to QUEUED. Run at
// startup: a delivery left RUNNING means the process died mid-invocation,
// and at-least-once semantics require redelivery (memoized steps replay).
func (s *Store) RequeueStuckDeliveries(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE deliveries SET status = 'QUEUED', available_at = ?, updated_at = ?
		WHERE status = 'RUNNING';
	`, now, now)
	if err != nil {
		return 0, fmt.Errorf("requeue stuck deliveries: %w", err)
	}
	return res.RowsAffected()
}

// GetDelivery returns a delivery by id, or ErrNotFound.
func (s *Store) GetDelivery(ctx context.Context, id string) (*Delivery, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = ?;`, id)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select delivery: %w", err)
	}
	return d, nil
}

func scanDelivery(row scannable) (*Delivery, error) {
	var d Delivery
	var status string
	var eventID sql.NullInt64
	if err := row.Scan(&d.ID, &d.Topic, &d.Handler, &d.Payload, &eventID, &status,
		&d.Attempt, &d.MaxAttempts, &d.AvailableAt, &d.LastError, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Status = DeliveryStatus(status)
	if eventID.Valid {
		v := eventID.Int64
		d.EventID = &v
	}
	return &d, nil
}

// GetStepResult returns the memoized result for (invocationID, stepName),
// with found=false when the step has not completed before.
func (s *Store) GetStepResult(ctx context.Context, invocationID, stepName string) (json.RawMessage, bool, error) {
	var result string
	err := s.db.QueryRowContext(ctx, `
		SELECT result FROM step_results WHERE invocation_id = ? AND step_name = ?;
	`, invocationID, stepName).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select step result: %w", err)
	}
	return json.RawMessage(result), true, nil
}

// SaveStepResult memoizes a completed step's result. At most one row per
// (invocation, step) can ever exist; a duplicate write is a conflict.
func (s *Store) SaveStepResult(ctx context.Context, invocationID, stepName string, result json.RawMessage) error {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO step_results (invocation_id, step_name, result, created_at)
		VALUES (?, ?, ?, ?);
	`, invocationID, stepName, string(result), time.Now().UTC()); err != nil {
		return fmt.Errorf("save step result: %w", err)
	}
	return nil
}
