package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the state store
	ErrJobNotFound = errors.New("job not found")

	// ErrAttemptNotFound is returned when a (job, property, source) attempt does not exist
	ErrAttemptNotFound = errors.New("attempt not found")

	// ErrStaleAttempt is returned when an attempt changed since it was read
	ErrStaleAttempt = errors.New("attempt was modified concurrently")

	// ErrImageNotFound is returned when an image record does not exist
	ErrImageNotFound = errors.New("image record not found")

	// ErrInvalidTransition is returned when an attempt state change is not allowed
	ErrInvalidTransition = errors.New("invalid attempt state transition")

	// ErrJobNotTerminal is returned when purging a job that is still running
	ErrJobNotTerminal = errors.New("job is not in a terminal state")

	// ErrJobTerminal is returned when cancelling a job that already finished
	ErrJobTerminal = errors.New("job is already in a terminal state")

	// ErrUnknownSource is returned when a batch names a source with no adapter
	ErrUnknownSource = errors.New("unknown source")

	// ErrEmptyBatch is returned when a batch has no properties or no sources
	ErrEmptyBatch = errors.New("batch must name at least one property and one source")

	// ErrQueueClosed is returned by queue operations after Close
	ErrQueueClosed = errors.New("queue closed")
)

// RetryableError wraps transient infrastructure errors (state store, queue)
// that should put the task back on the queue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is, or wraps, a RetryableError
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}
