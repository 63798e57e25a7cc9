// Package backoff computes retry eligibility and delays for failed billing
// operations. The policy is a pure function of (state, error class) so tests
// never need a real clock; scheduling the returned delay is the caller's job.
package backoff

import (
	"time"

	"github.com/subwise/subwise-go/internal/model"
)

// Policy constants. Delays double deterministically from RetryTimerStart, no jitter.
const (
	// RetryTimerStart is the first non-zero retry delay.
	RetryTimerStart = 878 * time.Millisecond

	// RetryTimerMaxTime bounds time-based retry runs: once the next delay would
	// reach it, the operation gives up.
	RetryTimerMaxTime = 15 * time.Minute

	// RetryTimerServiceUnavailableMaxTimeForeground is the shorter bound used for
	// SERVICE_UNAVAILABLE while the app is foregrounded: the user is waiting.
	RetryTimerServiceUnavailableMaxTimeForeground = 4 * time.Second

	// MaxRetries bounds attempt-based retry runs (purchase/restore sources).
	MaxRetries = 3
)

// ErrorClass groups billing failures by retry treatment.
type ErrorClass int

const (
	// ClassTerminal failures are never retried.
	ClassTerminal ErrorClass = iota

	// ClassServiceUnavailable is the store's SERVICE_UNAVAILABLE: always
	// time-bounded backoff, with a shorter bound in the foreground.
	ClassServiceUnavailable

	// ClassTransient covers network errors and generic billing errors:
	// attempt-bounded for purchase/restore, time-bounded for background sweeps.
	ClassTransient
)

// State carries retry bookkeeping for one operation across attempts.
// The zero delay means "not yet retried"; the first retry uses RetryTimerStart.
type State struct {
	Source          model.InitiationSource
	AppInBackground bool
	Retries         int
	NextDelay       time.Duration
}

// Decision is the scheduler's verdict for one failure.
type Decision struct {
	Retry bool
	After time.Duration
}

// GiveUp is the terminal decision.
var GiveUp = Decision{}

// Next returns the decision for a failure observed with the given state, plus
// the state to carry into the next attempt. Reproducible: same inputs, same output.
func Next(s State, class ErrorClass) (Decision, State) {
	if class == ClassTerminal {
		return GiveUp, s
	}

	delay := s.NextDelay
	if delay == 0 {
		delay = RetryTimerStart
	}

	if timeBounded(s, class) {
		if delay >= maxTime(s, class) {
			return GiveUp, s
		}
		next := s
		next.Retries++
		next.NextDelay = delay * 2
		return Decision{Retry: true, After: delay}, next
	}

	if s.Retries >= MaxRetries {
		return GiveUp, s
	}
	next := s
	next.Retries++
	next.NextDelay = delay * 2
	return Decision{Retry: true, After: delay}, next
}

// timeBounded reports whether the run is bounded by elapsed backoff rather than
// by an attempt count. SERVICE_UNAVAILABLE is always time-bounded; transient
// errors are time-bounded only for the background reconciliation sweep.
func timeBounded(s State, class ErrorClass) bool {
	if class == ClassServiceUnavailable {
		return true
	}
	return s.Source == model.SourceUnsyncedActivePurchases
}

func maxTime(s State, class ErrorClass) time.Duration {
	if class == ClassServiceUnavailable && !s.AppInBackground {
		return RetryTimerServiceUnavailableMaxTimeForeground
	}
	return RetryTimerMaxTime
}
