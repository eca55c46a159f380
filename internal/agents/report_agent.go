package agents

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/basket/taskpulse/internal/bus"
	"github.com/basket/taskpulse/internal/engine"
	"github.com/basket/taskpulse/internal/persistence"
)

// runDailyReport handles the evening cron trigger: for every active
// project, compute the day's metrics and publish a report.daily event.
// Report generation and publishing are separate steps per project, so
// a retry never recomputes a report that already shipped.
func (a *Agents) runDailyReport(ctx context.Context, inv *engine.Invocation) error {
	projects, err := engine.Step(ctx, inv, "fetch-projects", func(ctx context.Context) ([]persistence.Project, error) {
		return a.deps.Store.ListProjects(ctx, persistence.ProjectFilter{Status: persistence.ProjectStatusActive})
	})
	if err != nil {
		return err
	}

	for _, project := range projects {
		project := project

		report, err := engine.Step(ctx, inv, fmt.Sprintf("generate-report-%s", project.ID), func(ctx context.Context) (bus.ReportDailyPayload, error) {
			return a.buildReport(ctx, project.ID)
		})
		if err != nil {
			return err
		}

		if err := engine.Do(ctx, inv, fmt.Sprintf("save-report-%s", project.ID), func(ctx context.Context) error {
			return a.deps.Engine.Publish(ctx, project.ID, bus.TopicReportDaily, report)
		}); err != nil {
			return err
		}

		if a.deps.Metrics != nil && a.deps.Metrics.ReportsGenerated != nil {
			a.deps.Metrics.ReportsGenerated.Add(ctx, 1)
		}
	}

	inv.Logger().Info("daily reports generated", "projects", len(projects))
	return nil
}

// buildReport computes the daily snapshot for one project.
func (a *Agents) buildReport(ctx context.Context, projectID string) (bus.ReportDailyPayload, error) {
	tasks, err := a.deps.Store.ListTasks(ctx, persistence.TaskFilter{ProjectID: projectID})
	if err != nil {
		return bus.ReportDailyPayload{}, err
	}

	now := a.deps.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	dayEnd := dayStart.Add(24*time.Hour - time.Nanosecond)

	var completedToday, inProgress, blocked, done int
	for _, t := range tasks {
		switch t.Status {
		case persistence.TaskStatusInProgress:
			inProgress++
		case persistence.TaskStatusBlocked:
			blocked++
		case persistence.TaskStatusDone:
			done++
		}
		if t.CompletedAt != nil && !t.CompletedAt.Before(dayStart) && !t.CompletedAt.After(dayEnd) {
			completedToday++
		}
	}

	velocity := 0
	if len(tasks) > 0 {
		velocity = int(math.Round(float64(done) / float64(len(tasks)) * 100))
	}

	insights := []string{
		pick(completedToday > 0, fmt.Sprintf("🎉 Completed %d task(s) today!", completedToday), "📝 No tasks completed today yet"),
		pick(inProgress > 0, fmt.Sprintf("⚡ %d task(s) in progress", inProgress), "💡 Ready to start new tasks"),
		pick(blocked > 0, fmt.Sprintf("⚠️ %d task(s) blocked - needs attention", blocked), "✅ No blockers"),
		fmt.Sprintf("💪 Overall progress: %d%% complete", velocity),
	}

	var open []persistence.Task
	for _, t := range tasks {
		if t.Status != persistence.TaskStatusDone {
			open = append(open, t)
		}
	}
	sort.SliceStable(open, func(i, j int) bool {
		return persistence.PriorityRank(open[i].Priority) < persistence.PriorityRank(open[j].Priority)
	})
	if len(open) > 3 {
		open = open[:3]
	}
	nextPriorities := make([]string, len(open))
	for i, t := range open {
		nextPriorities[i] = t.Title
	}

	return bus.ReportDailyPayload{
		Date: now.Format(time.RFC3339),
		Metrics: bus.ReportMetrics{
			Completed:  completedToday,
			InProgress: inProgress,
			Blocked:    blocked,
			Velocity:   fmt.Sprintf("%d%%", velocity),
		},
		Insights:       insights,
		NextPriorities: nextPriorities,
	}, nil
}

func pick(cond bool, yes, no string) string {
	if cond {
		return yes
	}
	return no
}
