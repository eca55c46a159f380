// Package planner turns a project goal into a structured task plan.
// The primary implementation is LLM-backed through Genkit; when no
// provider is configured or generation fails, a deterministic fallback
// plan keeps project creation functional.
package planner

import "context"

// PlannedTask is one task within an epic of a task plan.
type PlannedTask struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Priority           string   `json:"priority"`
	Effort             string   `json:"effort"`
	EstimatedDays      int      `json:"estimatedDays"`
	Dependencies       []string `json:"dependencies"`
	AcceptanceCriteria []string `json:"acceptanceCriteria,omitempty"`
}

// Epic groups related tasks under a named theme.
type Epic struct {
	Name  string        `json:"name"`
	Tasks []PlannedTask `json:"tasks"`
}

// TaskPlan is the structured output of a planning run.
type TaskPlan struct {
	Epics []Epic `json:"epics"`
}

// TaskCount returns the total number of tasks across all epics.
func (p TaskPlan) TaskCount() int {
	n := 0
	for _, e := range p.Epics {
		n += len(e.Tasks)
	}
	return n
}

// EpicNames returns the epic names in plan order.
func (p TaskPlan) EpicNames() []string {
	names := make([]string, 0, len(p.Epics))
	for _, e := range p.Epics {
		names = append(names, e.Name)
	}
	return names
}

// Planner produces a task plan for a project goal.
type Planner interface {
	Plan(ctx context.Context, projectName, goal string) (TaskPlan, error)
}

// FallbackPlan returns the deterministic plan used when LLM planning is
// unavailable: two epics, four high priority tasks.
func FallbackPlan() TaskPlan {
	return TaskPlan{
		Epics: []Epic{
			{
				Name: "Project Setup & Planning",
				Tasks: []PlannedTask{
					{
						Title:         "Define project requirements",
						Description:   "Document functional and technical requirements. Create user stories and acceptance criteria.",
						Priority:      "high",
						Effort:        "2 days",
						EstimatedDays: 2,
						Dependencies:  []string{},
						AcceptanceCriteria: []string{
							"Requirements documented",
							"User stories created",
							"Stakeholders approved",
						},
					},
					{
						Title:         "Setup development environment",
						Description:   "Configure local dev environment, version control, and project structure.",
						Priority:      "high",
						Effort:        "1 day",
						EstimatedDays: 1,
						Dependencies:  []string{},
					},
				},
			},
			{
				Name: "MVP Development",
				Tasks: []PlannedTask{
					{
						Title:         "Implement core features",
						Description:   "Build the main functionality required for MVP launch.",
						Priority:      "high",
						Effort:        "5 days",
						EstimatedDays: 5,
						Dependencies:  []string{},
					},
					{
						Title:         "Test and debug MVP",
						Description:   "Run comprehensive tests and fix critical bugs.",
						Priority:      "high",
						Effort:        "2 days",
						EstimatedDays: 2,
						Dependencies:  []string{},
					},
				},
			},
		},
	}
}
