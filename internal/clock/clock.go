// Package clock re-exports k8s.io/utils/clock so the rest of the engine
// depends on one small interface instead of time.Now/time.NewTimer
// directly, letting tests substitute a fake clock without real sleeps.
package clock

import (
	"time"

	"k8s.io/utils/clock"
	faketesting "k8s.io/utils/clock/testing"
)

// Clock is an alias of the full k8s.io/utils/clock.Clock interface; the
// engine uses its wall-clock reads, timers and tickers.
type Clock = clock.Clock

// Timer is a cancellable one-shot timer.
type Timer = clock.Timer

// Real is the production clock, backed by the standard library.
func Real() Clock { return clock.RealClock{} }

// Fake is a test clock with a fixed starting time, advanced explicitly.
type Fake = faketesting.FakeClock

// NewFake builds a test clock starting at t.
func NewFake(t time.Time) *Fake { return faketesting.NewFakeClock(t) }
