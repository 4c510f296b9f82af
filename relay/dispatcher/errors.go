package dispatcher

import "errors"

var (
	ErrRequestSourceRequired = errors.New("request source is required")
	ErrWorkersRequired       = errors.New("at least one worker is required")
	ErrProcessorRequired     = errors.New("request processor is required")
	ErrDispatcherRequired    = errors.New("dispatcher is required")
	ErrDispatcherRunning     = errors.New("dispatcher is already running")
	ErrWorkerNotAcquired     = errors.New("worker was not acquired")
	ErrAlreadySettled        = errors.New("request already acknowledged")
	// ErrOverFetch rejects requests a source returned beyond the requested maximum.
	ErrOverFetch = errors.New("request source returned more requests than requested")
)
