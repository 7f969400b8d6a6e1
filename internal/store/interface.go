package store

import (
	"context"
	"errors"
	"time"
)

// ErrAlreadyScheduled is returned by ArmJob when a job row, terminal or
// not, already exists for the event.
var ErrAlreadyScheduled = errors.New("store: event already has a job")

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

// Store is the durable, strongly-consistent home for Events and Jobs.
// It is the only component that writes persisted state; every other
// component reads and writes through it. Implementations must serialize
// concurrent writers (a transaction per mutating call) and retry on
// transient contention internally (see withRetry in sqlite.go).
type Store interface {
	// UpsertEvents inserts events that aren't already known. An existing
	// row's startTime and terminal status are never overwritten. Returns
	// the number of rows actually inserted.
	UpsertEvents(ctx context.Context, events []Event) (int, error)

	// ArmJob inserts a scheduled job row for eventID. Returns
	// ErrAlreadyScheduled if any job row already exists for eventID,
	// including a terminal one, so a terminal event is never re-armed.
	ArmJob(ctx context.Context, eventID, eventName string, scheduledTime time.Time) error

	// UpdateJobStatus transitions a job's status, optionally recording an
	// error message (passed empty string to clear/leave it if status
	// doesn't carry one).
	UpdateJobStatus(ctx context.Context, eventID string, status JobStatus, errMsg string) error

	// IncrementJobRetry increments a job's retryCount by one.
	IncrementJobRetry(ctx context.Context, eventID string) error

	// UpdateEventStatus transitions an event's status.
	UpdateEventStatus(ctx context.Context, eventID string, status EventStatus) error

	// CompleteJob atomically sets job=completed and event=processed.
	CompleteJob(ctx context.Context, eventID string) error

	// FailJob atomically sets job=failed and event=failed, recording errMsg.
	FailJob(ctx context.Context, eventID string, errMsg string) error

	// GetEvent returns the event row, or ErrNotFound.
	GetEvent(ctx context.Context, eventID string) (Event, error)

	// GetJob returns the job row, or ErrNotFound.
	GetJob(ctx context.Context, eventID string) (ScheduledJob, error)

	// ListActiveJobs returns all jobs whose status is scheduled,
	// processing, or retrying.
	ListActiveJobs(ctx context.Context) ([]ScheduledJob, error)

	// CleanupOlderThan deletes events/jobs in a terminal status whose
	// updatedAt is older than age.
	CleanupOlderThan(ctx context.Context, age time.Duration) (int, error)

	// CountJobsByStatus returns the number of jobs currently in status.
	CountJobsByStatus(ctx context.Context, status JobStatus) (int, error)

	// Close releases any underlying resources (connection pool, file handle).
	Close() error
}
