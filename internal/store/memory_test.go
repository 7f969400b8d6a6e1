package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreUpsertEventsSkipsDuplicates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	n, err := s.UpsertEvents(ctx, []Event{
		{ID: "e1", Name: "Quiz Night", StartTime: time.Now()},
		{ID: "e2", Name: "Open Mic", StartTime: time.Now()},
	})
	if err != nil {
		t.Fatalf("UpsertEvents: %v", err)
	}
	if n != 2 {
		t.Fatalf("inserted = %d, want 2", n)
	}

	n, err = s.UpsertEvents(ctx, []Event{
		{ID: "e1", Name: "Quiz Night (renamed)", StartTime: time.Now()},
		{ID: "e3", Name: "Trivia", StartTime: time.Now()},
	})
	if err != nil {
		t.Fatalf("UpsertEvents: %v", err)
	}
	if n != 1 {
		t.Fatalf("inserted = %d, want 1", n)
	}

	e, err := s.GetEvent(ctx, "e1")
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if e.Name != "Quiz Night" {
		t.Fatalf("existing event was overwritten: name = %q", e.Name)
	}
}

func TestMemoryStoreArmJobRejectsDuplicate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	when := time.Now().Add(time.Hour)
	if err := s.ArmJob(ctx, "e1", "Quiz Night", when); err != nil {
		t.Fatalf("ArmJob: %v", err)
	}
	if err := s.ArmJob(ctx, "e1", "Quiz Night", when); err != ErrAlreadyScheduled {
		t.Fatalf("ArmJob second call = %v, want ErrAlreadyScheduled", err)
	}
}

func TestMemoryStoreArmJobAssignsStableAuditID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.ArmJob(ctx, "e1", "Quiz Night", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("ArmJob: %v", err)
	}
	before, err := s.GetJob(ctx, "e1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if before.AuditID == "" {
		t.Fatal("AuditID is empty after ArmJob")
	}

	if err := s.IncrementJobRetry(ctx, "e1"); err != nil {
		t.Fatalf("IncrementJobRetry: %v", err)
	}
	after, err := s.GetJob(ctx, "e1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if after.AuditID != before.AuditID {
		t.Fatalf("AuditID changed across a retry: before %q, after %q", before.AuditID, after.AuditID)
	}
}

func TestMemoryStoreCompleteJobTransitionsBothRows(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.UpsertEvents(ctx, []Event{{ID: "e1", Name: "Quiz Night", StartTime: time.Now()}}); err != nil {
		t.Fatalf("UpsertEvents: %v", err)
	}
	if err := s.ArmJob(ctx, "e1", "Quiz Night", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("ArmJob: %v", err)
	}
	if err := s.CompleteJob(ctx, "e1"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	job, err := s.GetJob(ctx, "e1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != JobCompleted {
		t.Fatalf("job status = %q, want completed", job.Status)
	}

	ev, err := s.GetEvent(ctx, "e1")
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if ev.Status != EventProcessed {
		t.Fatalf("event status = %q, want processed", ev.Status)
	}
}

func TestMemoryStoreFailJobRecordsMessage(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.UpsertEvents(ctx, []Event{{ID: "e1", Name: "Quiz Night", StartTime: time.Now()}}); err != nil {
		t.Fatalf("UpsertEvents: %v", err)
	}
	if err := s.ArmJob(ctx, "e1", "Quiz Night", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("ArmJob: %v", err)
	}
	if err := s.FailJob(ctx, "e1", "printer offline"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	job, err := s.GetJob(ctx, "e1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != JobFailed || job.ErrorMessage != "printer offline" {
		t.Fatalf("job = %+v, want failed with message", job)
	}
}

func TestMemoryStoreListActiveJobsExcludesTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	events := []Event{
		{ID: "e1", Name: "A", StartTime: time.Now()},
		{ID: "e2", Name: "B", StartTime: time.Now()},
		{ID: "e3", Name: "C", StartTime: time.Now()},
	}
	if _, err := s.UpsertEvents(ctx, events); err != nil {
		t.Fatalf("UpsertEvents: %v", err)
	}
	for _, e := range events {
		if err := s.ArmJob(ctx, e.ID, e.Name, time.Now().Add(time.Hour)); err != nil {
			t.Fatalf("ArmJob(%s): %v", e.ID, err)
		}
	}
	if err := s.CompleteJob(ctx, "e1"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if err := s.UpdateJobStatus(ctx, "e2", JobRetrying, "transient"); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}

	active, err := s.ListActiveJobs(ctx)
	if err != nil {
		t.Fatalf("ListActiveJobs: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("len(active) = %d, want 2", len(active))
	}
	for _, j := range active {
		if j.EventID == "e1" {
			t.Fatalf("completed job e1 listed as active")
		}
	}
}

func TestMemoryStoreIncrementJobRetry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.ArmJob(ctx, "e1", "Quiz Night", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("ArmJob: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.IncrementJobRetry(ctx, "e1"); err != nil {
			t.Fatalf("IncrementJobRetry: %v", err)
		}
	}
	job, err := s.GetJob(ctx, "e1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.RetryCount != 3 {
		t.Fatalf("RetryCount = %d, want 3", job.RetryCount)
	}
}

func TestMemoryStoreCleanupOlderThan(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.UpsertEvents(ctx, []Event{{ID: "e1", Name: "Quiz Night", StartTime: time.Now()}}); err != nil {
		t.Fatalf("UpsertEvents: %v", err)
	}
	if err := s.ArmJob(ctx, "e1", "Quiz Night", time.Now()); err != nil {
		t.Fatalf("ArmJob: %v", err)
	}
	if err := s.CompleteJob(ctx, "e1"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	j := s.jobs["e1"]
	j.UpdatedAt = time.Now().Add(-48 * time.Hour)
	s.jobs["e1"] = j
	e := s.events["e1"]
	e.UpdatedAt = time.Now().Add(-48 * time.Hour)
	s.events["e1"] = e

	removed, err := s.CleanupOlderThan(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupOlderThan: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := s.GetJob(ctx, "e1"); err != ErrNotFound {
		t.Fatalf("GetJob after cleanup = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreGetNotFound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetEvent(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("GetEvent = %v, want ErrNotFound", err)
	}
	if _, err := s.GetJob(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("GetJob = %v, want ErrNotFound", err)
	}
}
