// Package gateway is the HTTP surface: the project/task REST API and a
// WebSocket feed of live domain events. Mutating endpoints publish the
// corresponding durable events; reads come straight from the store.
package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/taskpulse/internal/bus"
	"github.com/basket/taskpulse/internal/engine"
	otelpkg "github.com/basket/taskpulse/internal/otel"
	"github.com/basket/taskpulse/internal/persistence"
)

type Config struct {
	Store   *persistence.Store
	Engine  *engine.Engine
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otelpkg.Metrics

	// AuthToken, when non-empty, requires a matching bearer token on
	// every /api request. Empty disables auth (local use).
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string
}

type Server struct {
	cfg Config

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		clients: map[*client]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws/activity", s.handleActivityWS)
	mux.HandleFunc("/api/projects", s.handleProjects)
	mux.HandleFunc("/api/projects/", s.handleProjectSubtree)
	mux.HandleFunc("/api/tasks/", s.handleTaskSubtree)
	return s.instrument(mux)
}

// instrument records per-request latency. Route labels are normalized
// so task and project ids do not blow up metric cardinality.
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.cfg.Metrics == nil || s.cfg.Metrics.RequestDuration == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.cfg.Metrics.RequestDuration.Record(r.Context(), time.Since(start).Seconds(),
			metric.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", routeLabel(r.URL.Path)),
			))
	})
}

func routeLabel(path string) string {
	switch {
	case path == "/healthz" || path == "/ws/activity" || path == "/api/projects":
		return path
	case strings.HasPrefix(path, "/api/projects/"):
		if _, sub, _ := strings.Cut(strings.TrimPrefix(path, "/api/projects/"), "/"); sub != "" {
			return "/api/projects/{id}/" + sub
		}
		return "/api/projects/{id}"
	case strings.HasPrefix(path, "/api/tasks/"):
		if _, sub, _ := strings.Cut(strings.TrimPrefix(path, "/api/tasks/"), "/"); sub != "" {
			return "/api/tasks/{id}/" + sub
		}
		return "/api/tasks/{id}"
	default:
		return "other"
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.ListProjects(r.Context(), persistence.ProjectFilter{}); err != nil {
		dbOK = false
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
	})
}

// handleProjects serves POST (create) and GET (list) on /api/projects.
func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.createProject(w, r)
	case http.MethodGet:
		s.listProjects(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type createProjectRequest struct {
	Name  string `json:"name"`
	Goal  string `json:"goal"`
	Owner string `json:"owner,omitempty"`
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	project, err := s.cfg.Store.CreateProject(r.Context(), req.Name, req.Goal, req.Owner)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	// The project row exists even if publishing fails; the caller can
	// retry planning by re-creating, so surface the failure.
	if err := s.cfg.Engine.Publish(r.Context(), project.ID, bus.TopicProjectCreated, bus.ProjectCreatedPayload{
		ProjectID: project.ID,
		Name:      project.Name,
		Goal:      project.Goal,
	}); err != nil {
		s.cfg.Logger.Error("publish project.created failed", "project_id", project.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "project created but event publish failed")
		return
	}

	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	filter := persistence.ProjectFilter{
		Status: persistence.ProjectStatus(r.URL.Query().Get("status")),
	}
	projects, err := s.cfg.Store.ListProjects(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	counts, err := s.cfg.Store.TaskCountsByProject(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	type projectSummary struct {
		persistence.Project
		TaskCount int `json:"taskCount"`
	}
	summaries := make([]projectSummary, len(projects))
	for i, p := range projects {
		summaries[i] = projectSummary{Project: p, TaskCount: counts[p.ID]}
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": summaries, "total": len(summaries)})
}

// handleProjectSubtree routes /api/projects/{id}[/events|/report|/tasks].
func (s *Server) handleProjectSubtree(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/projects/")
	projectID, sub, _ := strings.Cut(rest, "/")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project id required")
		return
	}

	switch sub {
	case "":
		s.getProject(w, r, projectID)
	case "tasks":
		s.listProjectTasks(w, r, projectID)
	case "events":
		s.listProjectEvents(w, r, projectID)
	case "report":
		s.getProjectReport(w, r, projectID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request, projectID string) {
	project, err := s.cfg.Store.GetProject(r.Context(), projectID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	tasks, err := s.cfg.Store.ListTasks(r.Context(), persistence.TaskFilter{ProjectID: projectID})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	comments, err := s.cfg.Store.ListProjectComments(r.Context(), projectID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": project, "tasks": tasks, "comments": comments})
}

func (s *Server) listProjectTasks(w http.ResponseWriter, r *http.Request, projectID string) {
	if _, err := s.cfg.Store.GetProject(r.Context(), projectID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	filter := persistence.TaskFilter{
		ProjectID: projectID,
		Status:    persistence.TaskStatus(r.URL.Query().Get("status")),
	}
	tasks, err := s.cfg.Store.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": len(tasks)})
}

func (s *Server) listProjectEvents(w http.ResponseWriter, r *http.Request, projectID string) {
	if _, err := s.cfg.Store.GetProject(r.Context(), projectID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := s.cfg.Store.ListEvents(r.Context(), projectID, limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "total": len(events)})
}

// getProjectReport serves the most recent daily report. Latest wins:
// there is exactly zero or one current report per project.
func (s *Server) getProjectReport(w http.ResponseWriter, r *http.Request, projectID string) {
	if _, err := s.cfg.Store.GetProject(r.Context(), projectID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	evt, err := s.cfg.Store.LatestEventByName(r.Context(), projectID, bus.TopicReportDaily)
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no report generated yet")
		return
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"projectId":   projectID,
		"generatedAt": evt.CreatedAt,
		"report":      evt.Payload,
	})
}

// handleTaskSubtree routes /api/tasks/{id}[/status|/comments].
func (s *Server) handleTaskSubtree(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	taskID, sub, _ := strings.Cut(rest, "/")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task id required")
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		s.getTask(w, r, taskID)
	case sub == "status" && r.Method == http.MethodPost:
		s.updateTaskStatus(w, r, taskID)
	case sub == "comments" && r.Method == http.MethodGet:
		s.listTaskComments(w, r, taskID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := s.cfg.Store.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	comments, err := s.cfg.Store.ListComments(r.Context(), taskID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task, "comments": comments})
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) updateTaskStatus(w http.ResponseWriter, r *http.Request, taskID string) {
	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	task, err := s.cfg.Store.UpdateTaskStatus(r.Context(), taskID, persistence.TaskStatus(req.Status))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	if err := s.cfg.Engine.Publish(r.Context(), task.ProjectID, bus.TopicTaskUpdated, bus.TaskUpdatedPayload{
		TaskID:    task.ID,
		ProjectID: task.ProjectID,
		Status:    string(task.Status),
	}); err != nil {
		s.cfg.Logger.Error("publish task.updated failed", "task_id", task.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "status updated but event publish failed")
		return
	}

	writeJSON(w, http.StatusOK, task)
}

func (s *Server) listTaskComments(w http.ResponseWriter, r *http.Request, taskID string) {
	if _, err := s.cfg.Store.GetTask(r.Context(), taskID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	comments, err := s.cfg.Store.ListComments(r.Context(), taskID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": comments, "total": len(comments)})
}

// activityFrame is one message on the /ws/activity feed.
type activityFrame struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleActivityWS upgrades to a WebSocket and forwards every domain
// event published on the in-process bus. The feed is advisory; durable
// state lives in the events table.
func (s *Server) handleActivityWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.cfg.Logger.Warn("websocket accept failed", "error", err)
		return
	}

	c := &client{conn: conn}
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, c)
		s.clientsMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()

	// Drain reads so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Ch():
			if !ok {
				return
			}
			c.mu.Lock()
			err := wsjson.Write(ctx, conn, activityFrame{Topic: evt.Topic, Payload: evt.Payload})
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// ClientCount reports connected activity feed clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case persistence.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, persistence.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.cfg.Logger.Error("store error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
