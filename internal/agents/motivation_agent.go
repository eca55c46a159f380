package agents

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/taskpulse/internal/bus"
	"github.com/basket/taskpulse/internal/engine"
	"github.com/basket/taskpulse/internal/persistence"
)

var motivationalMessages = map[string]string{
	RiskStalled:      "🚀 Let's get this moving! Even small progress is progress. You've got this!",
	RiskBlocked:      "🤔 Looks like there's a blocker. Want to tackle the dependencies first?",
	RiskDelayedStart: "⚡ This is important! Let's prioritize it today and make some headway.",
}

const (
	motivationDefault = "💪 Keep up the great work! You're making solid progress."
	morningGreeting   = "🌅 Good morning! Ready to make progress on this today?"
)

// runMotivation handles task.at_risk: pick the message for the risk
// type and leave a motivation comment on the task.
func (a *Agents) runMotivation(ctx context.Context, inv *engine.Invocation) error {
	var evt bus.TaskAtRiskPayload
	if err := inv.Decode(&evt); err != nil {
		return err
	}
	log := inv.Logger().With("agent", agentMotivation, "task_id", evt.TaskID)

	task, err := engine.Step(ctx, inv, "fetch-task", func(ctx context.Context) (*persistence.Task, error) {
		t, err := a.deps.Store.GetTask(ctx, evt.TaskID)
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, nil
		}
		return t, err
	})
	if err != nil {
		return err
	}
	if task == nil {
		log.Info("task no longer exists, skipping motivation")
		return nil
	}

	message, ok := motivationalMessages[evt.RiskType]
	if !ok {
		message = motivationDefault
	}

	return engine.Do(ctx, inv, "add-comment", func(ctx context.Context) error {
		_, err := a.deps.Store.CreateComment(ctx, task.ID, agentMotivation, message, persistence.CommentTypeMotivation)
		return err
	})
}

// runDailyMotivation handles the morning cron trigger: greet every
// in-progress task with a motivation comment. Each comment is its own
// step so a retry after a partial sweep only fills in the remainder.
func (a *Agents) runDailyMotivation(ctx context.Context, inv *engine.Invocation) error {
	tasks, err := engine.Step(ctx, inv, "fetch-active-tasks", func(ctx context.Context) ([]persistence.Task, error) {
		return a.deps.Store.ListTasks(ctx, persistence.TaskFilter{Status: persistence.TaskStatusInProgress})
	})
	if err != nil {
		return err
	}

	for _, task := range tasks {
		task := task
		stepName := fmt.Sprintf("motivate-%s", task.ID)
		if err := engine.Do(ctx, inv, stepName, func(ctx context.Context) error {
			_, err := a.deps.Store.CreateComment(ctx, task.ID, agentMotivation, morningGreeting, persistence.CommentTypeMotivation)
			if errors.Is(err, persistence.ErrNotFound) {
				// Task deleted between the sweep snapshot and this step.
				return nil
			}
			return err
		}); err != nil {
			return err
		}
	}

	inv.Logger().With("agent", agentMotivation).Info("daily motivation sweep complete", "tasks_motivated", len(tasks))
	return nil
}
