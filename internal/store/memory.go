package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by tests, mirroring SQLiteStore's
// semantics exactly (insert-only upsert, terminal-row guard on ArmJob,
// atomic multi-row status transitions) without touching disk.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string]Event
	jobs   map[string]ScheduledJob
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string]Event),
		jobs:   make(map[string]ScheduledJob),
	}
}

func (s *MemoryStore) UpsertEvents(_ context.Context, events []Event) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, e := range events {
		if _, exists := s.events[e.ID]; exists {
			continue
		}
		if e.Status == "" {
			e.Status = EventPending
		}
		s.events[e.ID] = e
		inserted++
	}
	return inserted, nil
}

func (s *MemoryStore) ArmJob(_ context.Context, eventID, eventName string, scheduledTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[eventID]; exists {
		return ErrAlreadyScheduled
	}
	now := time.Now().UTC()
	s.jobs[eventID] = ScheduledJob{
		AuditID:       uuid.NewString(),
		EventID:       eventID,
		EventName:     eventName,
		ScheduledTime: scheduledTime,
		Status:        JobScheduled,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return nil
}

func (s *MemoryStore) UpdateJobStatus(_ context.Context, eventID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[eventID]
	if !ok {
		return ErrNotFound
	}
	j.Status = status
	j.ErrorMessage = errMsg
	j.UpdatedAt = time.Now().UTC()
	s.jobs[eventID] = j
	return nil
}

func (s *MemoryStore) IncrementJobRetry(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[eventID]
	if !ok {
		return ErrNotFound
	}
	j.RetryCount++
	j.UpdatedAt = time.Now().UTC()
	s.jobs[eventID] = j
	return nil
}

func (s *MemoryStore) UpdateEventStatus(_ context.Context, eventID string, status EventStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[eventID]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	e.UpdatedAt = time.Now().UTC()
	s.events[eventID] = e
	return nil
}

func (s *MemoryStore) CompleteJob(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[eventID]
	if !ok {
		return ErrNotFound
	}
	e, ok := s.events[eventID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	j.Status = JobCompleted
	j.UpdatedAt = now
	e.Status = EventProcessed
	e.UpdatedAt = now
	s.jobs[eventID] = j
	s.events[eventID] = e
	return nil
}

func (s *MemoryStore) FailJob(_ context.Context, eventID string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[eventID]
	if !ok {
		return ErrNotFound
	}
	e, ok := s.events[eventID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	j.Status = JobFailed
	j.ErrorMessage = errMsg
	j.UpdatedAt = now
	e.Status = EventFailed
	e.UpdatedAt = now
	s.jobs[eventID] = j
	s.events[eventID] = e
	return nil
}

func (s *MemoryStore) GetEvent(_ context.Context, eventID string) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[eventID]
	if !ok {
		return Event{}, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) GetJob(_ context.Context, eventID string) (ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[eventID]
	if !ok {
		return ScheduledJob{}, ErrNotFound
	}
	return j, nil
}

func (s *MemoryStore) ListActiveJobs(_ context.Context) ([]ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ScheduledJob
	for _, j := range s.jobs {
		if j.Status.Active() {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *MemoryStore) CleanupOlderThan(_ context.Context, age time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-age)
	removed := 0
	for id, j := range s.jobs {
		if j.Status.Terminal() && j.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	for id, e := range s.events {
		if _, hasJob := s.jobs[id]; hasJob {
			continue
		}
		if (e.Status == EventProcessed || e.Status == EventFailed) && e.UpdatedAt.Before(cutoff) {
			delete(s.events, id)
		}
	}
	return removed, nil
}

func (s *MemoryStore) CountJobsByStatus(_ context.Context, status JobStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, j := range s.jobs {
		if j.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }
