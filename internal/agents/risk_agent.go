package agents

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/taskpulse/internal/bus"
	"github.com/basket/taskpulse/internal/engine"
	"github.com/basket/taskpulse/internal/persistence"
)

// Risk types attached to task.at_risk events.
const (
	RiskStalled      = "stalled"
	RiskBlocked      = "blocked"
	RiskDelayedStart = "delayed_start"
)

const (
	stalledAfterHours     = 24
	delayedStartAfterDays = 2
)

type detectedRisk struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// runRisk handles task.updated: inspect the task against the three
// risk rules, leave a warning comment per finding, force blocked
// status when dependencies are incomplete, and emit task.at_risk. The
// forced status write deliberately does not publish task.updated, so a
// blocked finding cannot re-trigger this agent.
func (a *Agents) runRisk(ctx context.Context, inv *engine.Invocation) error {
	var evt bus.TaskUpdatedPayload
	if err := inv.Decode(&evt); err != nil {
		return err
	}
	log := inv.Logger().With("agent", agentRisk, "task_id", evt.TaskID)

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
		log.Info("task no longer exists, skipping risk check")
		return nil
	}

	risks, err := engine.Step(ctx, inv, "detect-risks", func(ctx context.Context) ([]detectedRisk, error) {
		return a.detectRisks(ctx, task)
	})
	if err != nil {
		return err
	}
	if len(risks) == 0 {
		return nil
	}

	if err := engine.Do(ctx, inv, "handle-risks", func(ctx context.Context) error {
		for _, risk := range risks {
			if _, err := a.deps.Store.CreateComment(ctx, task.ID, agentRisk, risk.Message, persistence.CommentTypeWarning); err != nil {
				return err
			}
			if risk.Type == RiskBlocked {
				if _, err := a.deps.Store.UpdateTaskStatus(ctx, task.ID, persistence.TaskStatusBlocked); err != nil {
					return err
				}
			}
		}
		return nil
	}); err != nil {
		return err
	}

	for i, risk := range risks {
		risk := risk
		stepName := fmt.Sprintf("emit-risk-%d-%s", i, risk.Type)
		if err := engine.Do(ctx, inv, stepName, func(ctx context.Context) error {
			return a.deps.Engine.Publish(ctx, task.ProjectID, bus.TopicTaskAtRisk, bus.TaskAtRiskPayload{
				TaskID:   task.ID,
				RiskType: risk.Type,
			})
		}); err != nil {
			return err
		}
		if a.deps.Metrics != nil && a.deps.Metrics.RisksDetected != nil {
			a.deps.Metrics.RisksDetected.Add(ctx, 1,
				metric.WithAttributes(attribute.String("risk_type", risk.Type)))
		}
	}

	log.Info("risks detected", "count", len(risks))
	return nil
}

// detectRisks applies the three risk rules to a task snapshot.
func (a *Agents) detectRisks(ctx context.Context, task *persistence.Task) ([]detectedRisk, error) {
	now := a.deps.Now()
	var risks []detectedRisk

	if task.Status == persistence.TaskStatusInProgress {
		if now.Sub(task.LastUpdatedAt).Hours() > stalledAfterHours {
			risks = append(risks, detectedRisk{
				Type:    RiskStalled,
				Message: "⚠️ No progress in 24 hours. Need help?",
			})
		}
	}

	if len(task.Dependencies) > 0 && task.Status == persistence.TaskStatusInProgress {
		incomplete := 0
		for _, depID := range task.Dependencies {
			dep, err := a.deps.Store.GetTask(ctx, depID)
			if errors.Is(err, persistence.ErrNotFound) {
				// A deleted dependency counts as incomplete.
				incomplete++
				continue
			}
			if err != nil {
				return nil, err
			}
			if dep.Status != persistence.TaskStatusDone {
				incomplete++
			}
		}
		if incomplete > 0 {
			risks = append(risks, detectedRisk{
				Type:    RiskBlocked,
				Message: fmt.Sprintf("🔗 Blocked: %d dependencies not complete", incomplete),
			})
		}
	}

	if task.Priority == persistence.TaskPriorityHigh && task.Status == persistence.TaskStatusBacklog {
		if now.Sub(task.CreatedAt).Hours()/24 > delayedStartAfterDays {
			risks = append(risks, detectedRisk{
				Type:    RiskDelayedStart,
				Message: "🚨 High priority task not started after 2 days",
			})
		}
	}

	return risks, nil
}
