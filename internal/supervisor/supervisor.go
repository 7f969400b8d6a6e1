// Package supervisor owns the engine's top-level run loop: it starts the
// scheduler, health reporter, and memory monitor together, blocks until
// asked to stop, and shuts every one of them down in a fixed order with a
// bounded grace period for in-flight deliveries.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Scheduler is the subset of scheduler.Scheduler the supervisor drives.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop()
	WaitForInFlight(ctx context.Context)
}

// Reporter is the subset of health.Reporter the supervisor drives.
type Reporter interface {
	Start(ctx context.Context)
	Stop()
}

// MemoryMonitor is the subset of memmon.Monitor the supervisor drives.
type MemoryMonitor interface {
	Start(ctx context.Context)
	Stop()
}

// Store is the subset of store.Store the supervisor closes on shutdown.
type Store interface {
	Close() error
}

// Supervisor wires the scheduler, health reporter, and memory monitor into
// one run loop and one shutdown sequence.
type Supervisor struct {
	store         Store
	scheduler     Scheduler
	health        Reporter
	memmon        MemoryMonitor
	shutdownGrace time.Duration
	log           *logrus.Logger
}

// New builds a Supervisor. health and memmon may be nil if those reporters
// weren't wired (e.g. tests that only care about scheduling).
func New(st Store, sched Scheduler, health Reporter, memmon MemoryMonitor, shutdownGrace time.Duration, log *logrus.Logger) *Supervisor {
	return &Supervisor{
		store:         st,
		scheduler:     sched,
		health:        health,
		memmon:        memmon,
		shutdownGrace: shutdownGrace,
		log:           log,
	}
}

// Run starts every component and blocks until ctx is cancelled, then runs
// the shutdown sequence: stop the scheduler's discovery loop and armed
// timers, stop the health reporter and memory monitor, wait up to
// shutdownGrace for in-flight deliveries, then close the store.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("supervisor: scheduler start: %w", err)
	}
	if s.health != nil {
		s.health.Start(ctx)
	}
	if s.memmon != nil {
		s.memmon.Start(ctx)
	}

	<-ctx.Done()
	s.log.Info("supervisor: shutdown signal received, draining")

	s.scheduler.Stop()
	if s.health != nil {
		s.health.Stop()
	}
	if s.memmon != nil {
		s.memmon.Stop()
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), s.shutdownGrace)
	defer cancel()
	s.scheduler.WaitForInFlight(waitCtx)
	if waitCtx.Err() != nil {
		s.log.Warn("supervisor: shutdown grace period elapsed with deliveries still in flight")
	}

	if err := s.store.Close(); err != nil {
		return fmt.Errorf("supervisor: close store: %w", err)
	}
	s.log.Info("supervisor: shutdown complete")
	return nil
}
