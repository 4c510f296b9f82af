package eventsource

import (
	"context"
	"fmt"
	"strings"
)

// Kind names the transport behind a Source.
type Kind string

const (
	KindPostgres Kind = "postgres"
	KindRabbitMQ Kind = "rabbitmq"
	KindRedis    Kind = "redis"
)

// Source identifies something that produces notifications. It is comparable
// and used as a map key; two sources are the same when kind and descriptor
// match. Descriptor must not carry credentials.
type Source struct {
	Kind       Kind
	Descriptor string
}

// String renders kind:descriptor.
func (s Source) String() string {
	return string(s.Kind) + ":" + s.Descriptor
}

// Validate reports whether the source can be listened to.
func (s Source) Validate() error {
	switch s.Kind {
	case KindPostgres, KindRabbitMQ, KindRedis:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, s.Kind)
	}

	if strings.TrimSpace(s.Descriptor) == "" {
		return ErrEmptyDescriptor
	}

	return nil
}

// Acknowledger settles the notification an event came from.
type Acknowledger interface {
	Confirm(ctx context.Context) error
	Reject(ctx context.Context, cause error) error
}

// Event is one notification. Payload, CorrelationID and Ack are optional;
// Ack is set only by sources that require explicit settlement.
type Event struct {
	Name          string
	Payload       []byte
	CorrelationID string
	Ack           Acknowledger
}

// Handler receives every event raised by a Receiver. Calls for one receiver
// are sequential and in broker order.
type Handler interface {
	HandleEventReceived(ctx context.Context, source Source, event Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, source Source, event Event) error

// HandleEventReceived calls f.
func (f HandlerFunc) HandleEventReceived(ctx context.Context, source Source, event Event) error {
	return f(ctx, source, event)
}
