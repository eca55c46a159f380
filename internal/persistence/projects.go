package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ProjectStatus string

const (
	ProjectStatusActive   ProjectStatus = "active"
	ProjectStatusArchived ProjectStatus = "archived"
)

type Project struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Goal      string        `json:"goal"`
	Status    ProjectStatus `json:"status"`
	Owner     string        `json:"owner,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

// ProjectFilter narrows ListProjects. Zero value lists everything.
type ProjectFilter struct {
	Status ProjectStatus
}

// CreateProject validates and inserts a new project. Name and goal are
// required; a missing field is a validation failure surfaced to the
// caller before any event is published.
func (s *Store) CreateProject(ctx context.Context, name, goal, owner string) (*Project, error) {
	name = strings.TrimSpace(name)
	goal = strings.TrimSpace(goal)
	if name == "" || goal == "" {
		return nil, ValidationError("name and goal are required")
	}

	p := &Project{
		ID:     uuid.NewString(),
		Name:   name,
		Goal:   goal,
		Status: ProjectStatusActive,
		Owner:  owner,
	}
	now := time.Now().UTC()
	p.CreatedAt = now

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, goal, status, owner, created_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, p.ID, p.Name, p.Goal, string(p.Status), p.Owner, now); err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

// GetProject returns the project or ErrNotFound.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, goal, status, owner, created_at
		FROM projects WHERE id = ?;
	`, id).Scan(&p.ID, &p.Name, &p.Goal, &status, &p.Owner, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select project: %w", err)
	}
	p.Status = ProjectStatus(status)
	return &p, nil
}

// UpdateProjectStatus moves a project between active and archived.
// Archived projects are excluded from daily reports but keep their
// tasks, comments, and event history.
func (s *Store) UpdateProjectStatus(ctx context.Context, id string, status ProjectStatus) (*Project, error) {
	switch status {
	case ProjectStatusActive, ProjectStatusArchived:
	default:
		return nil, ValidationError(fmt.Sprintf("invalid project status %q", status))
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET status = ? WHERE id = ?;
	`, string(status), id)
	if err != nil {
		return nil, fmt.Errorf("update project status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update project status rows: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return s.GetProject(ctx, id)
}

// ListProjects returns projects matching the filter, newest first.
func (s *Store) ListProjects(ctx context.Context, filter ProjectFilter) ([]Project, error) {
	query := `SELECT id, name, goal, status, owner, created_at FROM projects`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		var status string
		if err := rows.Scan(&p.ID, &p.Name, &p.Goal, &status, &p.Owner, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.Status = ProjectStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

// TaskCountsByProject returns the number of tasks per project id.
// Projects without tasks are absent from the map.
func (s *Store) TaskCountsByProject(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, COUNT(*) FROM tasks GROUP BY project_id;
	`)
	if err != nil {
		return nil, fmt.Errorf("count tasks by project: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var projectID string
		var n int
		if err := rows.Scan(&projectID, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[projectID] = n
	}
	return out, rows.Err()
}
