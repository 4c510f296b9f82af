package notification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry holds one channel per kind.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]*Channel)}
}

// Register adds ch under its kind.
func (r *Registry) Register(ch *Channel) error {
	if ch == nil {
		return ErrSenderRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.channels[ch.Kind()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, ch.Kind())
	}

	r.channels[ch.Kind()] = ch

	return nil
}

// Get returns the channel for kind.
func (r *Registry) Get(kind string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.channels[kind]

	return ch, ok
}

// SendAndWait routes msg to the channel registered for kind.
func (r *Registry) SendAndWait(ctx context.Context, kind string, msg Message) error {
	ch, ok := r.Get(kind)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	return ch.SendAndWait(ctx, msg)
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.channels))
	for kind := range r.channels {
		kinds = append(kinds, kind)
	}

	sort.Strings(kinds)

	return kinds
}

// Close closes every channel.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.RLock()
	channels := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	r.mu.RUnlock()

	var errs []error

	for _, ch := range channels {
		if err := ch.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s channel: %w", ch.Kind(), err))
		}
	}

	return errors.Join(errs...)
}
