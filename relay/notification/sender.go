package notification

import "context"

// Message is one outgoing notification. Body is the rendered payload; the
// relay does not interpret it.
type Message struct {
	ID        string
	Recipient string
	Subject   string
	Body      []byte
	Metadata  map[string]string
}

// Sender hands a message to the delivery system. Returning an error wrapped
// with Unrecoverable shuts the owning channel down.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}
