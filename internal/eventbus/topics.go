package eventbus

import "time"

const (
	TaskCreated   = "task.created"
	TaskDeleted   = "task.deleted"
	TaskArmed     = "task.armed"
	TaskFired     = "task.fired"
	TaskMissed    = "task.missed"
	TaskCompleted = "task.completed"

	// Worker pool lifecycle.
	JobStarted  = "job.started"
	JobFinished = "job.finished"
	JobFailed   = "job.failed"
	JobSkipped  = "job.skipped"
	JobDropped  = "job.dropped"

	MessageSent   = "message.sent"
	MessageFailed = "message.failed"

	ConfigReloaded = "config.reloaded"
)

type TaskEvent struct {
	TaskID  string    `json:"task_id"`
	Contact string    `json:"contact"`
	DueAt   time.Time `json:"due_at,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

type FiredEvent struct {
	TaskID        string    `json:"task_id"`
	Contact       string    `json:"contact"`
	FiredAt       time.Time `json:"fired_at"`
	Capability    string    `json:"capability,omitempty"`
	CapabilityErr string    `json:"capability_err,omitempty"`
	SendErr       string    `json:"send_err,omitempty"`
}

type JobEvent struct {
	Name     string        `json:"name"`
	Trigger  string        `json:"trigger,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Err      string        `json:"err,omitempty"`
}

type MessageEvent struct {
	Contact string `json:"contact"`
	Bytes   int    `json:"bytes"`
	Err     string `json:"err,omitempty"`
}
