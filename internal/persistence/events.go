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

// Event is an append-only audit/activity record scoped to a project.
// It doubles as the durable leg of publish: appending an event and
// enqueuing its handler deliveries happen in one transaction, so a
// crash after publish cannot lose a subscribed handler's invocation.
type Event struct {
	ID        int64           `json:"id"`
	ProjectID string          `json:"projectId"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// PublishEvent appends an event row and enqueues one delivery per
// subscribed handler. Each delivery id doubles as the invocation id for
// the handler run it triggers.
func (s *Store) PublishEvent(ctx context.Context, projectID, name string, payload []byte, handlers []string) (int64, error) {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin publish tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (project_id, name, payload, created_at)
		VALUES (?, ?, ?, ?);
	`, projectID, name, string(payload), now)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	eventID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event insert id: %w", err)
	}

	for _, handler := range handlers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO deliveries (id, topic, handler, payload, event_id, status, max_attempts, available_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 'QUEUED', ?, ?, ?, ?);
		`, uuid.NewString(), name, handler, string(payload), eventID, defaultMaxAttempts, now, now, now); err != nil {
			return 0, fmt.Errorf("enqueue delivery for %s: %w", handler, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit publish tx: %w", err)
	}
	return eventID, nil
}

// ListEvents returns a project's most recent events, newest first.
// limit <= 0 means no limit.
func (s *Store) ListEvents(ctx context.Context, projectID string, limit int) ([]Event, error) {
	query := `
		SELECT id, project_id, name, payload, created_at
		FROM events WHERE project_id = ?
		ORDER BY id DESC`
	args := []any{projectID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query+`;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var payload string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Name, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestEventByName returns the most recent event with the given name
// for a project, or ErrNotFound. Consumers of report.daily read through
// this: latest wins, older reports are retained but never surfaced.
func (s *Store) LatestEventByName(ctx context.Context, projectID, name string) (*Event, error) {
	var e Event
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, payload, created_at
		FROM events WHERE project_id = ? AND name = ?
		ORDER BY id DESC LIMIT 1;
	`, projectID, name).Scan(&e.ID, &e.ProjectID, &e.Name, &payload, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s for project %s: %w", name, projectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select latest event: %w", err)
	}
	e.Payload = json.RawMessage(payload)
	return &e, nil
}
