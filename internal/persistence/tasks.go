package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusBacklog    TaskStatus = "backlog"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusDone       TaskStatus = "done"
)

// ValidTaskStatus reports whether s is one of the four task states.
func ValidTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskStatusBacklog, TaskStatusInProgress, TaskStatusBlocked, TaskStatusDone:
		return true
	}
	return false
}

type TaskPriority string

const (
	TaskPriorityHigh   TaskPriority = "high"
	TaskPriorityMedium TaskPriority = "medium"
	TaskPriorityLow    TaskPriority = "low"
)

// PriorityRank orders priorities for report sorting: high < medium < low.
// Unknown priorities sort last.
func PriorityRank(p TaskPriority) int {
	switch p {
	case TaskPriorityHigh:
		return 0
	case TaskPriorityMedium:
		return 1
	case TaskPriorityLow:
		return 2
	}
	return 3
}

type Task struct {
	ID            string       `json:"id"`
	ProjectID     string       `json:"projectId"`
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	Status        TaskStatus   `json:"status"`
	Priority      TaskPriority `json:"priority"`
	Epic          string       `json:"epic"`
	Effort        string       `json:"effort"`
	EstimatedDays int          `json:"estimatedDays"`
	Dependencies  []string     `json:"dependencies"`
	AssignedBy    string       `json:"assignedBy"`
	CreatedAt     time.Time    `json:"createdAt"`
	StartedAt     *time.Time   `json:"startedAt,omitempty"`
	LastUpdatedAt time.Time    `json:"lastUpdatedAt"`
	CompletedAt   *time.Time   `json:"completedAt,omitempty"`
}

// TaskDraft is the input to CreateTask. Zero-valued fields fall back to
// defaults (status backlog, priority medium, estimated days 1).
type TaskDraft struct {
	ProjectID     string
	Title         string
	Description   string
	Priority      TaskPriority
	Epic          string
	Effort        string
	EstimatedDays int
	Dependencies  []string
	AssignedBy    string
}

// TaskFilter narrows ListTasks. Zero value lists everything.
type TaskFilter struct {
	ProjectID string
	Status    TaskStatus
}

const taskColumns = `id, project_id, title, description, status, priority, epic, effort,
	estimated_days, dependencies, assigned_by, created_at, started_at, last_updated_at, completed_at`

// CreateTask validates and inserts a new task. Dependency ids must
// reference existing tasks in the same project; self-references are
// impossible at creation time because the id is generated here.
func (s *Store) CreateTask(ctx context.Context, draft TaskDraft) (*Task, error) {
	title := strings.TrimSpace(draft.Title)
	if title == "" {
		return nil, ValidationError("task title is required")
	}
	if draft.ProjectID == "" {
		return nil, ValidationError("task project id is required")
	}
	if _, err := s.GetProject(ctx, draft.ProjectID); err != nil {
		return nil, err
	}

	priority := draft.Priority
	if priority == "" {
		priority = TaskPriorityMedium
	}
	switch priority {
	case TaskPriorityHigh, TaskPriorityMedium, TaskPriorityLow:
	default:
		return nil, ValidationError(fmt.Sprintf("invalid priority %q", priority))
	}
	estimatedDays := draft.EstimatedDays
	if estimatedDays <= 0 {
		estimatedDays = 1
	}
	if err := s.validateDependencies(ctx, draft.ProjectID, "", draft.Dependencies); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t := &Task{
		ID:            uuid.NewString(),
		ProjectID:     draft.ProjectID,
		Title:         title,
		Description:   draft.Description,
		Status:        TaskStatusBacklog,
		Priority:      priority,
		Epic:          draft.Epic,
		Effort:        draft.Effort,
		EstimatedDays: estimatedDays,
		Dependencies:  draft.Dependencies,
		AssignedBy:    draft.AssignedBy,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}

	depsJSON, err := marshalDependencies(t.Dependencies)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, title, description, status, priority, epic, effort,
			estimated_days, dependencies, assigned_by, created_at, last_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, t.ID, t.ProjectID, t.Title, t.Description, string(t.Status), string(t.Priority), t.Epic,
		t.Effort, t.EstimatedDays, depsJSON, t.AssignedBy, now, now); err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

// GetTask returns the task or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var clauses []string
	var args []any
	if filter.ProjectID != "" {
		clauses = append(clauses, `project_id = ?`)
		args = append(args, filter.ProjectID)
	}
	if filter.Status != "" {
		clauses = append(clauses, `status = ?`)
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, ` AND `)
	}
	query += ` ORDER BY created_at DESC, id DESC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateTaskStatus writes the task's status and applies the monotonic
// timestamp rules: last_updated_at is bumped on every status write,
// started_at is set exactly once on first entry into in_progress, and
// completed_at is set exactly once on first entry into done. Neither is
// ever cleared or overwritten.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus) (*Task, error) {
	if !ValidTaskStatus(status) {
		return nil, ValidationError(fmt.Sprintf("invalid status %q", status))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin status tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select task: %w", err)
	}

	now := time.Now().UTC()
	t.Status = status
	t.LastUpdatedAt = now
	if status == TaskStatusInProgress && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if status == TaskStatusDone && t.CompletedAt == nil {
		t.CompletedAt = &now
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, last_updated_at = ?, started_at = ?, completed_at = ?
		WHERE id = ?;
	`, string(t.Status), t.LastUpdatedAt, nullableTime(t.StartedAt), nullableTime(t.CompletedAt), id); err != nil {
		return nil, fmt.Errorf("update task status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit status tx: %w", err)
	}
	return t, nil
}

// UpdateTaskDependencies replaces the task's dependency list. Ids must
// resolve to tasks in the same project and must not self-reference.
// Cycles are not rejected; the risk checks only look one level deep.
func (s *Store) UpdateTaskDependencies(ctx context.Context, id string, deps []string) (*Task, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.validateDependencies(ctx, t.ProjectID, id, deps); err != nil {
		return nil, err
	}
	depsJSON, err := marshalDependencies(deps)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE tasks SET dependencies = ? WHERE id = ?;`, depsJSON, id); err != nil {
		return nil, fmt.Errorf("update task dependencies: %w", err)
	}
	t.Dependencies = deps
	return t, nil
}

func (s *Store) validateDependencies(ctx context.Context, projectID, selfID string, deps []string) error {
	for _, dep := range deps {
		if dep == selfID && selfID != "" {
			return ValidationError("task cannot depend on itself")
		}
		var depProject string
		err := s.db.QueryRowContext(ctx, `SELECT project_id FROM tasks WHERE id = ?;`, dep).Scan(&depProject)
		if errors.Is(err, sql.ErrNoRows) {
			return ValidationError(fmt.Sprintf("dependency %s does not exist", dep))
		}
		if err != nil {
			return fmt.Errorf("resolve dependency: %w", err)
		}
		if depProject != projectID {
			return ValidationError(fmt.Sprintf("dependency %s belongs to another project", dep))
		}
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row scannable) (*Task, error) {
	var t Task
	var status, priority, depsJSON string
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &status, &priority,
		&t.Epic, &t.Effort, &t.EstimatedDays, &depsJSON, &t.AssignedBy,
		&t.CreatedAt, &startedAt, &t.LastUpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.Priority = TaskPriority(priority)
	if err := json.Unmarshal([]byte(depsJSON), &t.Dependencies); err != nil {
		return nil, fmt.Errorf("decode dependencies: %w", err)
	}
	if startedAt.Valid {
		ts := startedAt.Time
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := completedAt.Time
		t.CompletedAt = &ts
	}
	return &t, nil
}

func marshalDependencies(deps []string) (string, error) {
	if deps == nil {
		deps = []string{}
	}
	b, err := json.Marshal(deps)
	if err != nil {
		return "", fmt.Errorf("encode dependencies: %w", err)
	}
	return string(b), nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
