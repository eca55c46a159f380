package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all taskpulse metric instruments.
type Metrics struct {
	RequestDuration    metric.Float64Histogram
	InvocationDuration metric.Float64Histogram
	InvocationRetries  metric.Int64Counter
	StepsExecuted      metric.Int64Counter
	StepsMemoized      metric.Int64Counter
	EventsPublished    metric.Int64Counter
	LLMCallDuration    metric.Float64Histogram
	PlanFallbacks      metric.Int64Counter
	RisksDetected      metric.Int64Counter
	ReportsGenerated   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("taskpulse.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.InvocationDuration, err = meter.Float64Histogram("taskpulse.invocation.duration",
		metric.WithDescription("Handler invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.InvocationRetries, err = meter.Int64Counter("taskpulse.invocation.retries",
		metric.WithDescription("Failed invocation attempts (retried or dead-lettered)"),
	)
	if err != nil {
		return nil, err
	}

	m.StepsExecuted, err = meter.Int64Counter("taskpulse.steps.executed",
		metric.WithDescription("Steps whose work function actually ran"),
	)
	if err != nil {
		return nil, err
	}

	m.StepsMemoized, err = meter.Int64Counter("taskpulse.steps.memoized",
		metric.WithDescription("Steps replayed from a memoized result"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsPublished, err = meter.Int64Counter("taskpulse.events.published",
		metric.WithDescription("Domain events appended to the event log"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("taskpulse.llm.duration",
		metric.WithDescription("Generative planning call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PlanFallbacks, err = meter.Int64Counter("taskpulse.plan.fallbacks",
		metric.WithDescription("Planning calls that fell back to the deterministic plan"),
	)
	if err != nil {
		return nil, err
	}

	m.RisksDetected, err = meter.Int64Counter("taskpulse.risks.detected",
		metric.WithDescription("Risks detected by the risk agent"),
	)
	if err != nil {
		return nil, err
	}

	m.ReportsGenerated, err = meter.Int64Counter("taskpulse.reports.generated",
		metric.WithDescription("Daily report events written"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
