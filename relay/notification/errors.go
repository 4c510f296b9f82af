package notification

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnrecoverable marks sender failures after which the channel cannot
	// continue. Match it with errors.Is.
	ErrUnrecoverable = errors.New("unrecoverable notification failure")
	// ErrChannelClosed resolves messages still queued when a channel is closed.
	ErrChannelClosed = fmt.Errorf("notification channel closed: %w", context.Canceled)
	// ErrCircuitOpen is returned while the channel's circuit breaker rejects sends.
	ErrCircuitOpen = errors.New("notification circuit breaker open")
	// ErrKindRequired is returned for a channel without a kind.
	ErrKindRequired = errors.New("notification channel kind is required")
	// ErrSenderRequired is returned for a channel without a sender.
	ErrSenderRequired = errors.New("notification sender is required")
	// ErrDuplicateKind is returned when a registry already has the kind.
	ErrDuplicateKind = errors.New("notification channel kind already registered")
	// ErrUnknownKind is returned when a registry has no channel for the kind.
	ErrUnknownKind = errors.New("notification channel kind not registered")
)

type unrecoverableError struct {
	err error
}

func (e *unrecoverableError) Error() string { return e.err.Error() }

func (e *unrecoverableError) Unwrap() error { return e.err }

func (e *unrecoverableError) Is(target error) bool { return target == ErrUnrecoverable }

// Unrecoverable marks err so the channel shuts down after it. It returns nil
// for a nil err.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}

	return &unrecoverableError{err: err}
}

// IsUnrecoverable reports whether err was marked with Unrecoverable or wraps
// ErrUnrecoverable.
func IsUnrecoverable(err error) bool {
	return errors.Is(err, ErrUnrecoverable)
}
