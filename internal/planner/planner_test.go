package planner_test

import (
	"strings"
	"testing"

	"github.com/basket/taskpulse/internal/planner"
)

func TestFallbackPlan(t *testing.T) {
	plan := planner.FallbackPlan()

	if got := plan.TaskCount(); got != 4 {
		t.Fatalf("TaskCount() = %d, want 4", got)
	}
	names := plan.EpicNames()
	if len(names) != 2 || names[0] != "Project Setup & Planning" || names[1] != "MVP Development" {
		t.Fatalf("EpicNames() = %v", names)
	}
	for _, epic := range plan.Epics {
		for _, task := range epic.Tasks {
			if task.Priority != "high" {
				t.Errorf("task %q priority = %q, want high", task.Title, task.Priority)
			}
			if task.Title == "" || task.EstimatedDays < 1 {
				t.Errorf("task %q has incomplete defaults: %+v", task.Title, task)
			}
		}
	}

	setup := plan.Epics[0].Tasks[0]
	if setup.Title != "Define project requirements" {
		t.Fatalf("first task = %q", setup.Title)
	}
	if len(setup.AcceptanceCriteria) != 3 {
		t.Fatalf("acceptance criteria = %v", setup.AcceptanceCriteria)
	}
}

func TestDecodePlan_FencedBlock(t *testing.T) {
	resp := "Here is your plan.\n```json\n" + `{
		"epics": [
			{
				"name": "Backend",
				"tasks": [
					{"title": "Design schema", "priority": "high", "estimatedDays": 2},
					{"title": "Build API", "description": "REST endpoints", "priority": "medium", "estimatedDays": 4, "dependencies": ["Design schema"]}
				]
			}
		]
	}` + "\n```\nLet me know if you want changes."

	plan, err := planner.DecodePlan(resp)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if plan.TaskCount() != 2 {
		t.Fatalf("TaskCount() = %d, want 2", plan.TaskCount())
	}
	api := plan.Epics[0].Tasks[1]
	if api.Description != "REST endpoints" || len(api.Dependencies) != 1 {
		t.Fatalf("task = %+v", api)
	}
}

func TestDecodePlan_RawJSONWithSurroundingProse(t *testing.T) {
	resp := `Sure! {"epics":[{"name":"Launch","tasks":[{"title":"Ship it","priority":"low","estimatedDays":1}]}]} Good luck!`

	plan, err := planner.DecodePlan(resp)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if plan.TaskCount() != 1 || plan.Epics[0].Name != "Launch" {
		t.Fatalf("plan = %+v", plan)
	}
}

func TestDecodePlan_Rejections(t *testing.T) {
	tests := []struct {
		name string
		resp string
	}{
		{"no json at all", "I could not produce a plan, sorry."},
		{"truncated json", `{"epics": [{"name": "Backend", "tasks": [`},
		{"missing epics", `{"plan": []}`},
		{"bad priority enum", `{"epics":[{"name":"E","tasks":[{"title":"T","priority":"urgent","estimatedDays":1}]}]}`},
		{"zero estimated days", `{"epics":[{"name":"E","tasks":[{"title":"T","priority":"high","estimatedDays":0}]}]}`},
		{"task without title", `{"epics":[{"name":"E","tasks":[{"priority":"high","estimatedDays":1}]}]}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := planner.DecodePlan(tc.resp); err == nil {
				t.Fatalf("DecodePlan accepted %s", tc.name)
			}
		})
	}
}

func TestDecodePlan_ErrorNamesTheProblem(t *testing.T) {
	_, err := planner.DecodePlan("no structured output here")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "JSON") && !strings.Contains(err.Error(), "json") {
		t.Fatalf("error %q does not mention JSON", err)
	}
}
