package domain

import (
	"fmt"
	"time"
)

// AttemptState is the state of one (job, property, source) attempt
type AttemptState string

const (
	AttemptPending           AttemptState = "PENDING"
	AttemptInProgress        AttemptState = "IN_PROGRESS"
	AttemptRetrying          AttemptState = "RETRYING"
	AttemptSucceeded         AttemptState = "SUCCEEDED"
	AttemptPermanentlyFailed AttemptState = "PERMANENTLY_FAILED"
	AttemptSkippedByCircuit  AttemptState = "SKIPPED_BY_CIRCUIT"
	AttemptCancelled         AttemptState = "CANCELLED"
)

// IsTerminal reports whether the attempt will not be retried automatically
func (s AttemptState) IsTerminal() bool {
	switch s {
	case AttemptSucceeded, AttemptPermanentlyFailed, AttemptSkippedByCircuit, AttemptCancelled:
		return true
	}
	return false
}

// IsResumable reports whether a manual resume may put the attempt back in the queue
func (s AttemptState) IsResumable() bool {
	return !s.IsTerminal() || s == AttemptSkippedByCircuit || s == AttemptCancelled
}

// ErrorKind classifies a source failure
type ErrorKind string

const (
	ErrorKindNone        ErrorKind = ""
	ErrorKindTransient   ErrorKind = "TRANSIENT"
	ErrorKindRateLimited ErrorKind = "RATE_LIMITED"
	ErrorKindPermanent   ErrorKind = "PERMANENT"
	ErrorKindTimeout     ErrorKind = "TIMEOUT"
	ErrorKindCircuitOpen ErrorKind = "CIRCUIT_OPEN"
)

// SourceAttempt tracks the progress of fetching one property from one source
type SourceAttempt struct {
	JobID          string
	PropertyID     string
	Source         string
	State          AttemptState
	Attempts       int
	LastErrorKind  ErrorKind
	LastError      string
	NextEligibleAt time.Time
	ImageCount     int
	Revision       int
	ReusedFromJob  string
	UpdatedAt      time.Time

	// set while IN_PROGRESS: the worker running the fetch and when its claim
	// lapses unless renewed
	LeaseOwner     string
	LeaseExpiresAt time.Time
}

// LeaseExpired reports whether an IN_PROGRESS attempt has lost its worker
func (a *SourceAttempt) LeaseExpired(now time.Time) bool {
	return a.State == AttemptInProgress && !a.LeaseExpiresAt.After(now)
}

// Task returns the queue task that schedules the attempt at its current revision
func (a *SourceAttempt) Task() Task {
	return Task{
		JobID:      a.JobID,
		PropertyID: a.PropertyID,
		Source:     a.Source,
		Revision:   a.Revision,
		NotBefore:  a.NextEligibleAt,
	}
}

var allowedTransitions = map[AttemptState]map[AttemptState]bool{
	AttemptPending: {
		AttemptPending:          true, // deferred by rate limit or open circuit
		AttemptInProgress:       true,
		AttemptSucceeded:        true, // reused from an earlier job
		AttemptSkippedByCircuit: true,
		AttemptCancelled:        true,
	},
	AttemptInProgress: {
		AttemptPending:           true,
		AttemptRetrying:          true,
		AttemptSucceeded:         true,
		AttemptPermanentlyFailed: true,
	},
	AttemptRetrying: {
		AttemptPending:          true,
		AttemptInProgress:       true,
		AttemptSkippedByCircuit: true,
		AttemptCancelled:        true,
	},
	AttemptSkippedByCircuit: {
		AttemptPending: true, // manual resume
	},
	AttemptCancelled: {
		AttemptPending: true, // manual resume
	},
	AttemptSucceeded:         {},
	AttemptPermanentlyFailed: {},
}

// CanTransition reports whether an attempt may move from one state to another
func CanTransition(from, to AttemptState) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// Transition moves the attempt to a new state, bumping its revision.
// The caller persists the result; nothing else is mutated on failure.
func (a *SourceAttempt) Transition(to AttemptState, now time.Time) error {
	if !CanTransition(a.State, to) {
		return fmt.Errorf("%w: %s -> %s (job_id=%s property_id=%s source=%s)",
			ErrInvalidTransition, a.State, to, a.JobID, a.PropertyID, a.Source)
	}
	a.State = to
	a.Revision++
	a.UpdatedAt = now
	if to != AttemptInProgress {
		a.LeaseOwner = ""
		a.LeaseExpiresAt = time.Time{}
	}
	return nil
}
