package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrJobNotFound       = errors.New("queuecraft: job not found")
	ErrUserNotFound      = errors.New("queuecraft: user not found")
	ErrDuplicateUser     = errors.New("queuecraft: user already exists")
	ErrInvalidTransition = errors.New("queuecraft: invalid status transition")

	// ErrStaleDelivery marks a queue message whose attempt has already been
	// recorded, or whose job has moved on. Stale messages are acked and dropped.
	ErrStaleDelivery = errors.New("queuecraft: stale delivery")

	ErrExecutionFailed   = errors.New("queuecraft: execution failed")
	ErrBrokerUnavailable = errors.New("queuecraft: broker unavailable")
	ErrStoreUnavailable  = errors.New("queuecraft: store unavailable")
)

// Kind classifies errors returned to submitters.
type Kind string

const (
	RateLimited      Kind = "RateLimited"
	ValidationFailed Kind = "ValidationFailed"
	Internal         Kind = "Internal"
)

type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func RateLimitedError(msg string, retryAfter time.Duration) *Error {
	return &Error{Kind: RateLimited, Message: msg, RetryAfter: retryAfter}
}

func ValidationError(msg string) *Error {
	return &Error{Kind: ValidationFailed, Message: msg}
}

func InternalError(msg string, err error) *Error {
	return &Error{Kind: Internal, Message: msg, Err: err}
}

// KindOf returns the submitter-facing kind of err. Unclassified errors are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// RetryAfterSeconds rounds d up to whole seconds, with a floor of one.
func RetryAfterSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}
