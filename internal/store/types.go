package store

import "time"

// EventStatus is the lifecycle state of a discovered event.
type EventStatus string

const (
	EventPending   EventStatus = "pending"
	EventProcessed EventStatus = "processed"
	EventFailed    EventStatus = "failed"
)

// JobStatus is the lifecycle state of a scheduled print job.
type JobStatus string

const (
	JobScheduled  JobStatus = "scheduled"
	JobProcessing JobStatus = "processing"
	JobRetrying   JobStatus = "retrying"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether a job status will never transition again.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Active reports whether a job status counts as "has an armed or retrying job".
func (s JobStatus) Active() bool {
	return s == JobScheduled || s == JobProcessing || s == JobRetrying
}

// Event is a row in the events table: an upstream Hello Club event the
// engine has seen during discovery.
type Event struct {
	ID         string
	Name       string
	StartTime  time.Time
	Categories []string
	Status     EventStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ScheduledJob is a row in the jobs table: the engine's intent to print
// an attendee sheet for one event at one specific wall-clock instant.
// AuditID is a random identifier minted once when the job is armed; it
// never changes across retries, and is the handle logs and operators use
// to trace one job's attempts without the event's natural key.
type ScheduledJob struct {
	AuditID       string
	EventID       string
	EventName     string
	ScheduledTime time.Time
	Status        JobStatus
	RetryCount    int
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
