package redis

import (
	"errors"
	"fmt"
)

var (
	ErrNilClient        = errors.New("redis client is nil")
	ErrInvalidConfig    = errors.New("invalid redis config")
	ErrNotSubscribed    = errors.New("redis pubsub is not subscribed")
	ErrStreamRequired   = errors.New("redis stream name is required")
	ErrSenderClosed     = errors.New("redis stream sender closed")
	ErrLockKeyRequired  = errors.New("lock key is required")
	ErrNilLockManager   = errors.New("lock manager is nil")
	ErrLockNotHeld      = errors.New("lock was not held or already expired")
	ErrSubscriptionLost = errors.New("redis pubsub connection lost")
)

func configError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}
