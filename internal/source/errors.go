package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/cuongbtq/listing-extractor/internal/domain"
)

// FetchError is a classified adapter failure
type FetchError struct {
	Kind       domain.ErrorKind
	Source     string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("%s fetch error", e.Kind)
	if e.Source != "" {
		msg = e.Source + ": " + msg
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError creates a classified error
func NewFetchError(kind domain.ErrorKind, err error) *FetchError {
	return &FetchError{Kind: kind, Err: err}
}

// Transient, RateLimited, Permanent and Timeout build FetchErrors of each kind
func Transient(err error) *FetchError   { return NewFetchError(domain.ErrorKindTransient, err) }
func RateLimited(err error) *FetchError { return NewFetchError(domain.ErrorKindRateLimited, err) }
func Permanent(err error) *FetchError   { return NewFetchError(domain.ErrorKindPermanent, err) }
func Timeout(err error) *FetchError     { return NewFetchError(domain.ErrorKindTimeout, err) }

// StatusKind classifies an HTTP status code
func StatusKind(code int) domain.ErrorKind {
	switch {
	case code >= 200 && code < 300:
		return domain.ErrorKindNone
	case code == http.StatusTooManyRequests:
		return domain.ErrorKindRateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return domain.ErrorKindTimeout
	case code == http.StatusNotFound || code == http.StatusGone:
		return domain.ErrorKindPermanent
	case code == http.StatusForbidden || code == http.StatusUnauthorized:
		// bot walls answer 401/403 while the listing itself is fine
		return domain.ErrorKindTransient
	case code >= 500:
		return domain.ErrorKindTransient
	case code >= 400:
		return domain.ErrorKindPermanent
	default:
		return domain.ErrorKindTransient
	}
}

// Classify maps any adapter error to an error kind. Unknown errors are
// transient so that they are retried within the attempt budget.
func Classify(err error) domain.ErrorKind {
	if err == nil {
		return domain.ErrorKindNone
	}

	var fe *FetchError
	if errors.As(err, &fe) && fe.Kind != domain.ErrorKindNone {
		return fe.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrorKindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ErrorKindTimeout
	}

	return domain.ErrorKindTransient
}
