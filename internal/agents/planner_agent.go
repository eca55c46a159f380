package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/basket/taskpulse/internal/bus"
	"github.com/basket/taskpulse/internal/engine"
	"github.com/basket/taskpulse/internal/persistence"
	"github.com/basket/taskpulse/internal/planner"
)

// runPlanner handles project.created: generate a task plan, persist
// the tasks, resolve plan-internal dependency references, and record
// project.planned. Step memoization makes the whole pipeline safe to
// retry; in particular create-tasks commits all task ids in one step so
// a retry never re-creates them.
func (a *Agents) runPlanner(ctx context.Context, inv *engine.Invocation) error {
	var evt bus.ProjectCreatedPayload
	if err := inv.Decode(&evt); err != nil {
		return err
	}
	log := inv.Logger().With("agent", agentPlanner, "project_id", evt.ProjectID)

	plan, err := engine.Step(ctx, inv, "generate-task-plan", func(ctx context.Context) (planner.TaskPlan, error) {
		return a.deps.Planner.Plan(ctx, evt.Name, evt.Goal)
	})
	if err != nil {
		return err
	}

	createdIDs, err := engine.Step(ctx, inv, "create-tasks", func(ctx context.Context) ([]string, error) {
		return a.createPlannedTasks(ctx, evt.ProjectID, plan, log)
	})
	if err != nil {
		return err
	}

	return engine.Do(ctx, inv, "log-planning", func(ctx context.Context) error {
		payload := bus.ProjectPlannedPayload{
			TasksCreated: len(createdIDs),
			Epics:        plan.EpicNames(),
		}
		if err := a.deps.Engine.Publish(ctx, evt.ProjectID, bus.TopicProjectPlanned, payload); err != nil {
			return err
		}
		log.Info("project planned", "tasks_created", len(createdIDs), "epics", len(plan.Epics))
		return nil
	})
}

// createPlannedTasks inserts every task of the plan and then resolves
// dependency references in a second pass, once all ids exist. Plans
// reference dependencies by title or by flat task index; references
// that resolve to nothing are dropped with a warning rather than
// failing the plan.
func (a *Agents) createPlannedTasks(ctx context.Context, projectID string, plan planner.TaskPlan, log *slog.Logger) ([]string, error) {
	type pending struct {
		id   string
		deps []string
	}

	var created []pending
	byTitle := make(map[string]string)

	for _, epic := range plan.Epics {
		for _, t := range epic.Tasks {
			description := t.Description
			if len(t.AcceptanceCriteria) > 0 {
				var sb strings.Builder
				sb.WriteString(description)
				sb.WriteString("\n\nAcceptance Criteria:\n")
				for i, c := range t.AcceptanceCriteria {
					if i > 0 {
						sb.WriteString("\n")
					}
					sb.WriteString("• ")
					sb.WriteString(c)
				}
				description = sb.String()
			}

			effort := t.Effort
			if effort == "" {
				effort = "1 day"
			}

			task, err := a.deps.Store.CreateTask(ctx, persistence.TaskDraft{
				ProjectID:     projectID,
				Title:         t.Title,
				Description:   description,
				Priority:      persistence.TaskPriority(t.Priority),
				Epic:          epic.Name,
				Effort:        effort,
				EstimatedDays: t.EstimatedDays,
				AssignedBy:    agentPlanner,
			})
			if err != nil {
				return nil, fmt.Errorf("create task %q: %w", t.Title, err)
			}
			created = append(created, pending{id: task.ID, deps: t.Dependencies})
			if _, dup := byTitle[t.Title]; !dup {
				byTitle[t.Title] = task.ID
			}
		}
	}

	// Second pass: plan dependencies name other planned tasks, not real
	// ids. Resolve titles first, then flat indexes.
	for _, p := range created {
		if len(p.deps) == 0 {
			continue
		}
		var resolved []string
		for _, ref := range p.deps {
			if id, ok := byTitle[ref]; ok && id != p.id {
				resolved = append(resolved, id)
				continue
			}
			if idx, err := strconv.Atoi(strings.TrimSpace(ref)); err == nil && idx >= 0 && idx < len(created) && created[idx].id != p.id {
				resolved = append(resolved, created[idx].id)
				continue
			}
			log.Warn("dropping unresolved plan dependency", "task_id", p.id, "ref", ref)
		}
		if len(resolved) == 0 {
			continue
		}
		if _, err := a.deps.Store.UpdateTaskDependencies(ctx, p.id, resolved); err != nil {
			return nil, fmt.Errorf("set dependencies for %s: %w", p.id, err)
		}
	}

	ids := make([]string, len(created))
	for i, p := range created {
		ids[i] = p.id
	}
	return ids, nil
}
