package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/basket/taskpulse/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "taskpulse.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store := openTestStore(t)
	db := store.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("journal_mode = %q, want wal", journal)
	}

	for _, table := range []string{"projects", "tasks", "agent_comments", "events", "deliveries", "step_results", "schedules"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?;`, table).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			t.Fatalf("table %q missing from schema", table)
		}
		if err != nil {
			t.Fatalf("query sqlite_master: %v", err)
		}
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "taskpulse.db")

	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := store.CreateProject(context.Background(), "Website", "Launch the site", ""); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store2, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store2.Close()

	projects, err := store2.ListProjects(context.Background(), persistence.ProjectFilter{})
	if err != nil {
		t.Fatalf("list projects: %v", err)
	}
	if len(projects) != 1 {
		t.Fatalf("projects after reopen = %d, want 1", len(projects))
	}
}

func TestCreateProject_Validation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.CreateProject(ctx, "", "a goal", "")
	if !persistence.IsValidation(err) {
		t.Fatalf("missing name: err = %v, want validation error", err)
	}
	_, err = store.CreateProject(ctx, "a name", "   ", "")
	if !persistence.IsValidation(err) {
		t.Fatalf("blank goal: err = %v, want validation error", err)
	}

	p, err := store.CreateProject(ctx, "Website", "Launch the site", "ana")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if p.Status != persistence.ProjectStatusActive {
		t.Fatalf("status = %q, want active", p.Status)
	}
	if p.ID == "" {
		t.Fatal("project id not generated")
	}

	got, err := store.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if got.Name != "Website" || got.Goal != "Launch the site" || got.Owner != "ana" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestGetProject_NotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GetProject(context.Background(), "nope")
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestComments_AppendAndListOldestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p, err := store.CreateProject(ctx, "Website", "Launch", "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	task, err := store.CreateTask(ctx, persistence.TaskDraft{ProjectID: p.ID, Title: "Build it"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if _, err := store.CreateComment(ctx, task.ID, "Risk Agent", "first", persistence.CommentTypeWarning); err != nil {
		t.Fatalf("create comment: %v", err)
	}
	if _, err := store.CreateComment(ctx, task.ID, "Motivation Agent", "second", persistence.CommentTypeMotivation); err != nil {
		t.Fatalf("create comment: %v", err)
	}

	comments, err := store.ListComments(ctx, task.ID)
	if err != nil {
		t.Fatalf("list comments: %v", err)
	}
	if len(comments) != 2 {
		t.Fatalf("comments = %d, want 2", len(comments))
	}
	if comments[0].Message != "first" || comments[1].Message != "second" {
		t.Fatalf("comments out of order: %q, %q", comments[0].Message, comments[1].Message)
	}
	if comments[0].Type != persistence.CommentTypeWarning {
		t.Fatalf("type = %q, want warning", comments[0].Type)
	}

	_, err = store.CreateComment(ctx, "missing-task", "Risk Agent", "x", persistence.CommentTypeInfo)
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("comment on missing task: err = %v, want ErrNotFound", err)
	}
}
