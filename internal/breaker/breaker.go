// Package breaker implements a per-dependency circuit breaker: one instance
// guards one external dependency (the upstream API, the printer spooler,
// the email gateway, the webhook sink) and keeps the rest of the engine
// from hammering a dependency that is already failing.
package breaker

import (
	"sync"
	"time"

	"github.com/ispyisail/clubprint-engine/internal/clock"
	"github.com/ispyisail/clubprint-engine/internal/errkind"
)

// State is one of the three circuit states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the breaker's trip and recovery thresholds.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
	SuccessThreshold int
}

// DefaultConfig returns failureThreshold=5, cooldown=60s, successThreshold=2.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
		SuccessThreshold: 2,
	}
}

// Status is a point-in-time snapshot for health reporting.
type Status struct {
	Name             string
	State            State
	ConsecutiveFails int
	HalfOpenSuccess  int
	OpenedAt         time.Time
}

// Breaker is one closed/open/half-open state machine for a single
// dependency, identified by Name. Safe for concurrent use.
type Breaker struct {
	Name string

	mu    sync.Mutex
	clk   clock.Clock
	cfg   Config
	state State

	consecutiveFails int
	halfOpenSuccess  int
	halfOpenInFlight bool
	openedAt         time.Time
}

// New builds a closed breaker for the named dependency using clk for all
// timing decisions, so tests can control cooldown expiry deterministically.
func New(name string, cfg Config, clk clock.Clock) *Breaker {
	return &Breaker{
		Name:  name,
		clk:   clk,
		cfg:   cfg,
		state: Closed,
	}
}

// Allow reports whether a call to the guarded dependency may proceed. In
// halfOpen it admits exactly one probe at a time; a second caller while a
// probe is in flight is rejected.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open && b.clk.Since(b.openedAt) >= b.cfg.Cooldown {
		b.state = HalfOpen
		b.halfOpenSuccess = 0
		b.halfOpenInFlight = false
	}

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		if b.halfOpenInFlight {
			return false
		}
		b.halfOpenInFlight = true
		return true
	default: // Open
		return false
	}
}

// RecordSuccess reports a successful call. In halfOpen, successThreshold
// consecutive probe successes close the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.halfOpenInFlight = false
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.consecutiveFails = 0
			b.halfOpenSuccess = 0
		}
	case Closed:
		b.consecutiveFails = 0
	}
}

// RecordFailure reports a failed call. Any failure during a half-open probe
// re-opens the circuit; in closed state failureThreshold consecutive
// failures opens it.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.open()
	case Closed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.open()
		}
	}
}

func (b *Breaker) open() {
	b.state = Open
	b.openedAt = b.clk.Now()
	b.consecutiveFails = 0
	b.halfOpenSuccess = 0
	b.halfOpenInFlight = false
}

// Reset forces the breaker back to closed, clearing all counters. Used for
// manual operator intervention.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.consecutiveFails = 0
	b.halfOpenSuccess = 0
	b.halfOpenInFlight = false
	b.openedAt = time.Time{}
}

// Status returns a point-in-time snapshot.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Name:             b.Name,
		State:            b.state,
		ConsecutiveFails: b.consecutiveFails,
		HalfOpenSuccess:  b.halfOpenSuccess,
		OpenedAt:         b.openedAt,
	}
}

// Guard wraps fn with Allow/RecordSuccess/RecordFailure bookkeeping. Callers
// that need the cached-stale fallback path (the API client) call Allow
// directly instead; Guard is for sinks that have no fallback value.
func (b *Breaker) Guard(fn func() error) error {
	if !b.Allow() {
		return errkind.Newf(errkind.CircuitOpen, "%s: circuit open", b.Name)
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}
