package rabbitmq

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LerianStudio/lib-relay/relay/eventsource"
	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultPrefetch = 10

// QueueListenerConfig configures a queue-consumer event source.
type QueueListenerConfig struct {
	URL   string `env:"RABBITMQ_URL"`
	Queue string `env:"RELAY_RABBITMQ_QUEUE"`
	// Exchange, when set, is declared and the queue is bound to it once per
	// event name, using the name as routing key.
	Exchange     string `env:"RELAY_RABBITMQ_EXCHANGE"`
	ExchangeType string `env:"RELAY_RABBITMQ_EXCHANGE_TYPE" envDefault:"topic"`
	// Prefetch bounds unacknowledged deliveries; normally the worker count.
	Prefetch int `env:"RELAY_RABBITMQ_PREFETCH" envDefault:"10"`
	// DeadLetterExchange, when set, routes rejected deliveries to a
	// dead-letter queue declared alongside the source queue.
	DeadLetterExchange string        `env:"RELAY_RABBITMQ_DEAD_LETTER_EXCHANGE"`
	Heartbeat          time.Duration `env:"RABBITMQ_HEARTBEAT" envDefault:"10s"`
}

func (cfg *QueueListenerConfig) normalize() {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaultPrefetch
	}

	if cfg.ExchangeType == "" {
		cfg.ExchangeType = amqp.ExchangeTopic
	}

	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
}

// QueueListener is an eventsource.Listener reading deliveries from one queue
// over a dedicated connection.
type QueueListener struct {
	cfg    QueueListenerConfig
	dial   Dialer
	logger log.Logger
}

var _ eventsource.Listener = (*QueueListener)(nil)

// QueueListenerOption customises a QueueListener.
type QueueListenerOption func(*QueueListener)

// WithListenerDialer replaces the broker dialer.
func WithListenerDialer(dial Dialer) QueueListenerOption {
	return func(l *QueueListener) {
		if dial != nil {
			l.dial = dial
		}
	}
}

// NewQueueListener validates cfg and returns a listener.
func NewQueueListener(cfg QueueListenerConfig, logger log.Logger, opts ...QueueListenerOption) (*QueueListener, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrURLRequired
	}

	if strings.TrimSpace(cfg.Queue) == "" {
		return nil, ErrQueueRequired
	}

	cfg.normalize()

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	l := &QueueListener{cfg: cfg, logger: logger}

	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}

	if l.dial == nil {
		l.dial = DefaultDialer(cfg.Heartbeat)
	}

	return l, nil
}

// Source identifies the listener's queue.
func (l *QueueListener) Source() eventsource.Source {
	return eventsource.Source{Kind: eventsource.KindRabbitMQ, Descriptor: l.cfg.Queue}
}

// Connect dials, applies the prefetch and declares the queue topology.
//
//nolint:ireturn
func (l *QueueListener) Connect(ctx context.Context) (eventsource.Subscription, error) {
	conn, err := l.dial(ctx, l.cfg.URL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := l.declare(ch); err != nil {
		closeQuietly(ch, conn)
		return nil, err
	}

	l.logger.Log(ctx, log.LevelDebug, "rabbitmq queue listener connected",
		log.String("url", redactURL(l.cfg.URL)), log.String("queue", l.cfg.Queue))

	return &queueSubscription{
		cfg:    l.cfg,
		conn:   conn,
		ch:     ch,
		closed: ch.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

func (l *QueueListener) declare(ch Channel) error {
	if err := ch.Qos(l.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}

	var args amqp.Table

	if l.cfg.DeadLetterExchange != "" {
		dl, err := DeclareDeadLetterTopology(ch,
			WithDeadLetterExchange(l.cfg.DeadLetterExchange),
			WithDeadLetterQueue(l.cfg.Queue+".dlq"),
		)
		if err != nil {
			return err
		}

		args = DeadLetterArgs(dl.Exchange)
	}

	if l.cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(l.cfg.Exchange, l.cfg.ExchangeType, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %q: %w", l.cfg.Exchange, err)
		}
	}

	if _, err := ch.QueueDeclare(l.cfg.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %q: %w", l.cfg.Queue, err)
	}

	return nil
}

type queueSubscription struct {
	cfg        QueueListenerConfig
	mu         sync.Mutex
	conn       Connection
	ch         Channel
	closed     chan *amqp.Error
	deliveries <-chan amqp.Delivery
	released   atomic.Bool
}

func (s *queueSubscription) Subscribe(_ context.Context, eventNames []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Exchange != "" {
		for _, name := range eventNames {
			if err := s.ch.QueueBind(s.cfg.Queue, name, s.cfg.Exchange, false, nil); err != nil {
				return fmt.Errorf("bind %q to %q: %w", name, s.cfg.Exchange, err)
			}
		}
	}

	deliveries, err := s.ch.Consume(s.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %q: %w", s.cfg.Queue, err)
	}

	s.deliveries = deliveries

	return nil
}

func (s *queueSubscription) Next(ctx context.Context) (eventsource.Event, error) {
	if s.deliveries == nil {
		return eventsource.Event{}, ErrNotSubscribed
	}

	select {
	case d, ok := <-s.deliveries:
		if !ok {
			return eventsource.Event{}, ErrSubscriptionClosed
		}

		return s.toEvent(d), nil
	case reason, ok := <-s.closed:
		if ok && reason != nil {
			return eventsource.Event{}, fmt.Errorf("%w: %w", ErrSubscriptionClosed, reason)
		}

		return eventsource.Event{}, ErrSubscriptionClosed
	case <-ctx.Done():
		return eventsource.Event{}, ctx.Err()
	}
}

func (s *queueSubscription) toEvent(d amqp.Delivery) eventsource.Event {
	name := d.Type
	if name == "" {
		name = d.RoutingKey
	}

	return eventsource.Event{
		Name:          name,
		Payload:       d.Body,
		CorrelationID: d.CorrelationId,
		Ack:           &DeliveryAck{sub: s, tag: d.DeliveryTag},
	}
}

func (s *queueSubscription) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released.Load() || s.conn.IsClosed() || s.ch.IsClosed() {
		return amqp.ErrClosed
	}

	return nil
}

func (s *queueSubscription) Close(context.Context) error {
	if !s.released.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chErr := s.ch.Close()
	connErr := s.conn.Close()

	if chErr != nil && !IsConnectivityError(chErr) {
		return fmt.Errorf("close channel: %w", chErr)
	}

	if connErr != nil && !IsConnectivityError(connErr) {
		return fmt.Errorf("close connection: %w", connErr)
	}

	return nil
}

func (s *queueSubscription) stale() bool {
	return s.released.Load() || s.ch.IsClosed()
}

// DeliveryAck settles one delivery: Confirm acks it and Reject nacks it
// without requeue, dead-lettering it when the queue has a dead-letter exchange.
type DeliveryAck struct {
	sub     *queueSubscription
	tag     uint64
	settled atomic.Bool
}

// Confirm acknowledges the delivery.
func (a *DeliveryAck) Confirm(context.Context) error {
	return a.settle(func(ch Channel) error { return ch.Ack(a.tag, false) })
}

// Reject negatively acknowledges the delivery without requeue.
func (a *DeliveryAck) Reject(context.Context, error) error {
	return a.settle(func(ch Channel) error { return ch.Nack(a.tag, false, false) })
}

// Stale reports whether the channel that carried the delivery has closed.
// A stale delivery can no longer be settled; the broker redelivers it.
func (a *DeliveryAck) Stale() bool {
	return a.sub.stale()
}

func (a *DeliveryAck) settle(op func(Channel) error) error {
	if !a.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}

	a.sub.mu.Lock()
	defer a.sub.mu.Unlock()

	if a.sub.stale() {
		return ErrStaleDelivery
	}

	return op(a.sub.ch)
}
