package bus

// Domain event topics. These are the durable event names stored in the
// events table and the wire contract between producers and agents.
const (
	TopicProjectCreated = "project.created"
	TopicProjectPlanned = "project.planned"
	TopicTaskUpdated    = "task.updated"
	TopicTaskAtRisk     = "task.at_risk"
	TopicReportDaily    = "report.daily"
)

// Cron trigger topics. These never appear in the events table; they exist
// only as delivery-queue rows created by the scheduler.
const (
	TopicCronDailyMotivation = "cron.daily_motivation"
	TopicCronDailyReport     = "cron.daily_report"
)

// ProjectCreatedPayload is carried by project.created.
type ProjectCreatedPayload struct {
	ProjectID string `json:"projectId"`
	Name      string `json:"name"`
	Goal      string `json:"goal"`
}

// ProjectPlannedPayload is carried by project.planned.
type ProjectPlannedPayload struct {
	TasksCreated int      `json:"tasksCreated"`
	Epics        []string `json:"epics"`
}

// TaskUpdatedPayload is carried by task.updated.
type TaskUpdatedPayload struct {
	TaskID    string `json:"taskId"`
	ProjectID string `json:"projectId"`
	Status    string `json:"status"`
}

// TaskAtRiskPayload is carried by task.at_risk.
type TaskAtRiskPayload struct {
	TaskID   string `json:"taskId"`
	RiskType string `json:"riskType"`
}

// ReportMetrics is the metrics block of a daily report.
type ReportMetrics struct {
	Completed  int    `json:"completed"`
	InProgress int    `json:"inProgress"`
	Blocked    int    `json:"blocked"`
	Velocity   string `json:"velocity"`
}

// ReportDailyPayload is carried by report.daily.
type ReportDailyPayload struct {
	Date           string        `json:"date"`
	Metrics        ReportMetrics `json:"metrics"`
	Insights       []string      `json:"insights"`
	NextPriorities []string      `json:"nextPriorities"`
}
