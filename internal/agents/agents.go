// Package agents holds the four autonomous agents of the task
// lifecycle: Planner, Risk, Motivation, and Report. Each agent is a
// durable handler registered with the engine; everything an agent does
// happens inside named steps so retried invocations never duplicate
// effects.
package agents

import (
	"log/slog"
	"time"

	"github.com/basket/taskpulse/internal/bus"
	"github.com/basket/taskpulse/internal/engine"
	otelpkg "github.com/basket/taskpulse/internal/otel"
	"github.com/basket/taskpulse/internal/persistence"
	"github.com/basket/taskpulse/internal/planner"
)

// Handler names. These identify deliveries in the queue, so renaming
// one strands any in-flight rows under the old name.
const (
	HandlerPlannerAgent    = "planner-agent"
	HandlerRiskAgent       = "risk-agent"
	HandlerMotivationAgent = "motivation-agent"
	HandlerDailyMotivation = "daily-motivation"
	HandlerDailyReport     = "daily-report-agent"
)

const (
	agentPlanner    = "Planner Agent"
	agentRisk       = "Risk Agent"
	agentMotivation = "Motivation Agent"
)

// Deps carries the shared dependencies of all agents. Now is
// injectable so risk thresholds and report day boundaries are
// deterministic in tests; nil means time.Now.
type Deps struct {
	Store   *persistence.Store
	Engine  *engine.Engine
	Planner planner.Planner
	Logger  *slog.Logger
	Metrics *otelpkg.Metrics
	Now     func() time.Time
}

// Agents bundles the handler set.
type Agents struct {
	deps Deps
}

// New wires the agents against their dependencies.
func New(deps Deps) *Agents {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Agents{deps: deps}
}

// Registrations returns the full handler table: which agent runs on
// which topic. Register the result with the engine before Start.
func (a *Agents) Registrations() []engine.Registration {
	return []engine.Registration{
		{Topic: bus.TopicProjectCreated, Handler: HandlerPlannerAgent, Fn: a.runPlanner},
		{Topic: bus.TopicTaskUpdated, Handler: HandlerRiskAgent, Fn: a.runRisk},
		{Topic: bus.TopicTaskAtRisk, Handler: HandlerMotivationAgent, Fn: a.runMotivation},
		{Topic: bus.TopicCronDailyMotivation, Handler: HandlerDailyMotivation, Fn: a.runDailyMotivation},
		{Topic: bus.TopicCronDailyReport, Handler: HandlerDailyReport, Fn: a.runDailyReport},
	}
}
