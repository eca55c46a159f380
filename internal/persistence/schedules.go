package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Schedule is a cron entry the scheduler polls. handler/topic name the
// registration to fire; next_run_at is maintained by the scheduler.
type Schedule struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CronExpr  string     `json:"cron_expr"`
	Handler   string     `json:"handler"`
	Topic     string     `json:"topic"`
	Enabled   bool       `json:"enabled"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// EnsureSchedule upserts a schedule by id. An existing row keeps its run
// timestamps; only the expression, handler, and topic are refreshed.
func (s *Store) EnsureSchedule(ctx context.Context, id, name, cronExpr, handler, topic string, nextRun time.Time) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET name = ?, cron_expr = ?, handler = ?, topic = ?, updated_at = ?
		WHERE id = ?;
	`, name, cronExpr, handler, topic, now, id)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update schedule rows: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, name, cron_expr, handler, topic, enabled, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?);
	`, id, name, cronExpr, handler, topic, nextRun.UTC(), now, now); err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// DueSchedules returns enabled schedules with next_run_at <= now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, handler, topic, enabled, next_run_at, last_run_at, created_at, updated_at
		FROM schedules WHERE enabled = 1 AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, now)
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due schedule: %w", err)
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

// UpdateScheduleRun updates last_run_at and next_run_at after firing.
func (s *Store) UpdateScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET last_run_at = ?, next_run_at = ?, updated_at = ? WHERE id = ?;
	`, lastRun.UTC(), nextRun.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update schedule run rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanSchedule(row scannable) (*Schedule, error) {
	var sc Schedule
	var enabled int
	var nextRun, lastRun sql.NullTime
	if err := row.Scan(&sc.ID, &sc.Name, &sc.CronExpr, &sc.Handler, &sc.Topic, &enabled,
		&nextRun, &lastRun, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
		return nil, err
	}
	sc.Enabled = enabled != 0
	if nextRun.Valid {
		t := nextRun.Time
		sc.NextRunAt = &t
	}
	if lastRun.Valid {
		t := lastRun.Time
		sc.LastRunAt = &t
	}
	return &sc, nil
}
