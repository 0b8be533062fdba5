// Package engine implements the conversation playback orchestration core.
//
// It owns the timer lifecycle, the playback state machine, the event bus, and
// the facade that external collaborators drive. The package is deliberately
// free of I/O: no HTTP, no storage, no rendering. Collaborators consume the
// event stream and state snapshots.
package engine

import "time"

// Clock abstracts wall-clock time and timer creation so playback can run
// against a fake clock in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the timer
	// was stopped before firing.
	Stop() bool
}

// systemClock is the production Clock backed by the time package.
type systemClock struct{}

// NewSystemClock returns a Clock backed by the real wall clock.
func NewSystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return systemTimer{t: time.AfterFunc(d, fn)}
}

type systemTimer struct {
	t *time.Timer
}

func (s systemTimer) Stop() bool {
	return s.t.Stop()
}
