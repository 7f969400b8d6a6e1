// Package errkind classifies engine failures into the kinds described in
// the design's error taxonomy, so callers branch on kind rather than on
// error string content.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is one bucket of the error taxonomy. Each kind carries its own
// retry/propagation policy, applied by the caller (mainly the scheduler).
type Kind int

const (
	// Unknown is the zero value; never returned deliberately.
	Unknown Kind = iota
	// Configuration covers missing/invalid config, fatal at startup.
	Configuration
	// Auth covers a 401 from upstream, fatal without retry.
	Auth
	// TransientRemote covers 5xx, timeouts, network resets; retried.
	TransientRemote
	// CircuitOpen is raised when a breaker rejects a call; treated as transient.
	CircuitOpen
	// Validation covers malformed records, which are dropped one by one; a
	// call fails with this kind when every record it received is invalid, or
	// on a non-401 4xx response.
	Validation
	// Contention covers storage busy/lock-held errors.
	Contention
	// Sink covers SMTP/spooler delivery failures.
	Sink
	// Unavailable covers a dependency down with no usable cached fallback.
	Unavailable
	// FatalInternal covers programming errors. A panic reaching main's
	// recover exits the process; a FatalInternal error returned to the
	// scheduler (a PDF render failure) goes through the retry ladder.
	FatalInternal
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case Auth:
		return "auth"
	case TransientRemote:
		return "transient_remote"
	case CircuitOpen:
		return "circuit_open"
	case Validation:
		return "validation"
	case Contention:
		return "contention"
	case Sink:
		return "sink"
	case Unavailable:
		return "unavailable"
	case FatalInternal:
		return "fatal_internal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind, so errors.As can recover
// the classification through layers of fmt.Errorf("%w", ...) wrapping.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind. A nil err returns nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Newf builds a Kind error from a format string, like fmt.Errorf.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Of returns the Kind carried by err, or Unknown if err does not wrap one.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
