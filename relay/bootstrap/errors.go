package bootstrap

import "errors"

var (
	ErrHooksRequired    = errors.New("bootstrap hooks are required")
	ErrNoSources        = errors.New("no event sources resolved")
	ErrDuplicateSource  = errors.New("event source registered twice")
	ErrNilReceiver      = errors.New("hook returned a nil receiver")
	ErrNilRequestSource = errors.New("hook returned a nil request source")
	ErrAlreadyStarted   = errors.New("bootstrapper already started")
	ErrNotStarted       = errors.New("bootstrapper not started")
)
