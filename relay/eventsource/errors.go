package eventsource

import "errors"

var (
	ErrUnknownKind            = errors.New("unknown event source kind")
	ErrEmptyDescriptor        = errors.New("event source descriptor is empty")
	ErrListenerRequired       = errors.New("event source listener is required")
	ErrHandlerRequired        = errors.New("event handler is required")
	ErrEventNamesRequired     = errors.New("at least one event name is required")
	ErrReceiverAlreadyStarted = errors.New("event receiver already started")
	ErrReceiverStopped        = errors.New("event receiver is stopped")
)
