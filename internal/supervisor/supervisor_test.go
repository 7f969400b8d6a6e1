package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(nopWriter{})
	return log
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

type fakeScheduler struct {
	startErr        error
	started         bool
	stopped         bool
	waitedForInFlight bool
}

func (f *fakeScheduler) Start(ctx context.Context) error {
	f.started = true
	return f.startErr
}
func (f *fakeScheduler) Stop() { f.stopped = true }
func (f *fakeScheduler) WaitForInFlight(ctx context.Context) {
	f.waitedForInFlight = true
}

type fakeReporter struct {
	started, stopped bool
}

func (f *fakeReporter) Start(ctx context.Context) { f.started = true }
func (f *fakeReporter) Stop()                     { f.stopped = true }

type fakeMemMon struct {
	started, stopped bool
}

func (f *fakeMemMon) Start(ctx context.Context) { f.started = true }
func (f *fakeMemMon) Stop()                     { f.stopped = true }

type fakeStore struct {
	closeErr error
	closed   bool
}

func (f *fakeStore) Close() error {
	f.closed = true
	return f.closeErr
}

func TestRunStartsEveryComponentAndStopsOnCancel(t *testing.T) {
	sched := &fakeScheduler{}
	health := &fakeReporter{}
	mem := &fakeMemMon{}
	st := &fakeStore{}

	sup := New(st, sched, health, mem, time.Second, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if !sched.started || !sched.stopped || !sched.waitedForInFlight {
		t.Fatalf("scheduler lifecycle = %+v, want all true", sched)
	}
	if !health.started || !health.stopped {
		t.Fatalf("health lifecycle = %+v, want all true", health)
	}
	if !mem.started || !mem.stopped {
		t.Fatalf("memmon lifecycle = %+v, want all true", mem)
	}
	if !st.closed {
		t.Fatal("store was not closed on shutdown")
	}
}

func TestRunPropagatesSchedulerStartError(t *testing.T) {
	sched := &fakeScheduler{startErr: errors.New("boom")}
	st := &fakeStore{}
	sup := New(st, sched, nil, nil, time.Second, testLogger())

	if err := sup.Run(context.Background()); err == nil {
		t.Fatal("Run() = nil error, want scheduler start failure propagated")
	}
	if st.closed {
		t.Fatal("store should not be closed when scheduler never started")
	}
}

func TestRunToleratesNilHealthAndMemMon(t *testing.T) {
	sched := &fakeScheduler{}
	st := &fakeStore{}
	sup := New(st, sched, nil, nil, time.Second, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRunPropagatesStoreCloseError(t *testing.T) {
	sched := &fakeScheduler{}
	st := &fakeStore{closeErr: errors.New("disk full")}
	sup := New(st, sched, nil, nil, time.Second, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Run() = nil error, want store close failure propagated")
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
