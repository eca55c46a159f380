package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type CommentType string

const (
	CommentTypeMotivation CommentType = "motivation"
	CommentTypeWarning    CommentType = "warning"
	CommentTypeInfo       CommentType = "info"
)

// AgentComment is an append-only note an agent left on a task. The core
// never mutates or deletes comments.
type AgentComment struct {
	ID        string      `json:"id"`
	TaskID    string      `json:"taskId"`
	Agent     string      `json:"agent"`
	Message   string      `json:"message"`
	Type      CommentType `json:"type"`
	CreatedAt time.Time   `json:"createdAt"`
}

// CreateComment appends an agent comment to a task. The task must exist.
func (s *Store) CreateComment(ctx context.Context, taskID, agent, message string, typ CommentType) (*AgentComment, error) {
	if strings.TrimSpace(message) == "" {
		return nil, ValidationError("comment message is required")
	}
	switch typ {
	case CommentTypeMotivation, CommentTypeWarning, CommentTypeInfo:
	default:
		return nil, ValidationError(fmt.Sprintf("invalid comment type %q", typ))
	}
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}

	c := &AgentComment{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Agent:     agent,
		Message:   message,
		Type:      typ,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_comments (id, task_id, agent, message, type, created_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, c.ID, c.TaskID, c.Agent, c.Message, string(c.Type), c.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert comment: %w", err)
	}
	return c, nil
}

// ListProjectComments returns every agent comment across a project's
// tasks, oldest first.
func (s *Store) ListProjectComments(ctx context.Context, projectID string) ([]AgentComment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.task_id, c.agent, c.message, c.type, c.created_at
		FROM agent_comments c
		JOIN tasks t ON t.id = c.task_id
		WHERE t.project_id = ?
		ORDER BY c.created_at ASC, c.id ASC;
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project comments: %w", err)
	}
	defer rows.Close()
	return scanComments(rows)
}

// ListComments returns a task's comments, oldest first.
func (s *Store) ListComments(ctx context.Context, taskID string) ([]AgentComment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, agent, message, type, created_at
		FROM agent_comments WHERE task_id = ?
		ORDER BY created_at ASC, id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()
	return scanComments(rows)
}

func scanComments(rows *sql.Rows) ([]AgentComment, error) {
	var out []AgentComment
	for rows.Next() {
		var c AgentComment
		var typ string
		if err := rows.Scan(&c.ID, &c.TaskID, &c.Agent, &c.Message, &typ, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		c.Type = CommentType(typ)
		out = append(out, c)
	}
	return out, rows.Err()
}
