package eventsource

import "context"

// Listener opens subscriptions against one source.
type Listener interface {
	Connect(ctx context.Context) (Subscription, error)
}

// Subscription is one live connection. It is used by a single goroutine.
//
// Next blocks until an event arrives or ctx is done; when ctx only hit its
// deadline the subscription must stay usable. Any other error is treated as a
// lost connection.
type Subscription interface {
	Subscribe(ctx context.Context, eventNames []string) error
	Next(ctx context.Context) (Event, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
