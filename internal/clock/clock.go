// Package clock abstracts time so that the AX.25, TNC-queue and YAPP
// timers can be driven deterministically under test instead of waiting
// on a real wall clock.
package clock

import "time"

// Timer is a cancelable, rearmable alarm. It mirrors the subset of
// time.Timer that callers need; Virtual implements the same contract
// without sleeping.
type Timer interface {
	// C delivers the fire time once when the timer expires. It is not
	// redelivered until Reset is called again.
	C() <-chan time.Time
	// Stop prevents a pending fire. Returns false if the timer had
	// already fired or been stopped.
	Stop() bool
	// Reset reschedules the timer to fire after d, as if newly created.
	Reset(d time.Duration) bool
}

// Clock is the one authority for time a component may depend on; no
// component should call time.Now or time.After directly (see design
// note in spec.md §9).
type Clock interface {
	Now() time.Time
	// AfterFunc schedules f to run (on its own goroutine) after d and
	// returns a Timer that can be stopped or rearmed.
	AfterFunc(d time.Duration, f func()) Timer
	// Sleep blocks the caller for d (Virtual advances its time by d
	// instead of waiting).
	Sleep(d time.Duration)
}

// Real wraps the standard library clock for production use.
type Real struct{}

var _ Clock = Real{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	t := time.AfterFunc(d, f)
	return realTimer{t}
}

func (Real) Sleep(d time.Duration) { time.Sleep(d) }

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time      { return r.t.C }
func (r realTimer) Stop() bool               { return r.t.Stop() }
func (r realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }
