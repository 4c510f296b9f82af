package dispatcher

import (
	"context"
	"sync"
)

// Signal is a manual-reset event: once Set it stays set, waking every
// current and future waiter, until Reset. Set is idempotent.
type Signal struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

// NewSignal returns a cleared signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Set marks the signal. Setting an already set signal does nothing.
func (s *Signal) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch == nil {
		s.ch = make(chan struct{})
	}

	if !s.set {
		s.set = true
		close(s.ch)
	}
}

// Reset clears the signal.
func (s *Signal) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.set || s.ch == nil {
		s.set = false
		s.ch = make(chan struct{})
	}
}

// IsSet reports whether the signal is set.
func (s *Signal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.set
}

// C returns a channel closed once the signal is set. A new channel is
// handed out after every Reset.
func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch == nil {
		s.ch = make(chan struct{})
	}

	return s.ch
}

// Wait blocks until the signal is set or ctx is done.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
