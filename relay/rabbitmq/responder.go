package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-relay/relay"
	"github.com/LerianStudio/lib-relay/relay/backoff"
	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
	relayotel "github.com/LerianStudio/lib-relay/relay/opentelemetry"
	"github.com/LerianStudio/lib-relay/relay/runtime"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const defaultResponderBackoff = 5 * time.Second

// ResponderConfig configures a Responder.
type ResponderConfig struct {
	URL              string        `env:"RABBITMQ_URL"`
	Queue            string        `env:"RPC_REQUEST_QUEUE"`
	Prefetch         int           `env:"RPC_RESPONDER_PREFETCH" envDefault:"10"`
	ReconnectBackoff time.Duration `env:"RPC_RESPONDER_RECONNECT_BACKOFF" envDefault:"5s"`
	Heartbeat        time.Duration `env:"RABBITMQ_HEARTBEAT" envDefault:"10s"`
}

// Request is one RPC request seen by a RequestHandler.
type Request struct {
	Body          []byte
	ContentType   string
	Headers       amqp.Table
	CorrelationID string
}

// RequestHandler produces the reply body for a request. An error rejects the
// request without a reply.
type RequestHandler func(ctx context.Context, req Request) ([]byte, error)

// ResponderOption customises a Responder.
type ResponderOption func(*Responder)

// WithResponderDialer replaces the broker dialer.
func WithResponderDialer(dial Dialer) ResponderOption {
	return func(r *Responder) {
		if dial != nil {
			r.dial = dial
		}
	}
}

// WithResponderTracer sets the tracer for request spans.
func WithResponderTracer(tracer trace.Tracer) ResponderOption {
	return func(r *Responder) {
		if !nilcheck.Interface(tracer) {
			r.tracer = tracer
		}
	}
}

// Responder serves the request queue: each request is passed to the handler
// and the result is published to its ReplyTo queue under the same
// correlation id. It reconnects after connection loss until its context ends.
type Responder struct {
	cfg     ResponderConfig
	handler RequestHandler
	logger  log.Logger
	tracer  trace.Tracer
	dial    Dialer
}

var _ relay.App = (*Responder)(nil)

// NewResponder validates cfg and returns a responder.
func NewResponder(cfg ResponderConfig, handler RequestHandler, logger log.Logger, opts ...ResponderOption) (*Responder, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrURLRequired
	}

	if strings.TrimSpace(cfg.Queue) == "" {
		return nil, ErrQueueRequired
	}

	if handler == nil {
		return nil, ErrHandlerRequired
	}

	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaultPrefetch
	}

	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = defaultResponderBackoff
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	r := &Responder{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		tracer:  noop.NewTracerProvider().Tracer("relay.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	if r.dial == nil {
		r.dial = DefaultDialer(cfg.Heartbeat)
	}

	return r, nil
}

// Run serves until the launcher context ends.
func (r *Responder) Run(launcher *relay.Launcher) error {
	return r.RunContext(launcher.Context())
}

// RunContext serves until ctx ends. Connection failures are logged and
// retried after a jittered ReconnectBackoff.
func (r *Responder) RunContext(ctx context.Context) error {
	for {
		err := r.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}

		r.logger.Log(ctx, log.LevelWarn, "rpc responder lost its connection",
			log.String("queue", r.cfg.Queue), log.String("error", sanitizeAMQPErr(err, r.cfg.URL)))

		if err := backoff.SleepWithContext(ctx, backoff.EqualJitter(r.cfg.ReconnectBackoff)); err != nil {
			return nil
		}
	}
}

func (r *Responder) serve(ctx context.Context) error {
	conn, err := r.dial(ctx, r.cfg.URL)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		closeQuietly(conn)
		return fmt.Errorf("open channel: %w", err)
	}

	defer closeQuietly(ch, conn)

	if err := ch.Qos(r.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}

	if _, err := ch.QueueDeclare(r.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare request queue: %w", err)
	}

	deliveries, err := ch.Consume(r.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume request queue: %w", err)
	}

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	r.logger.Log(ctx, log.LevelInfo, "rpc responder serving", log.String("queue", r.cfg.Queue))

	for {
		select {
		case <-ctx.Done():
			return nil
		case reason, ok := <-closed:
			if ok && reason != nil {
				return reason
			}

			return amqp.ErrClosed
		case d, ok := <-deliveries:
			if !ok {
				return ErrSubscriptionClosed
			}

			if err := r.respond(ctx, ch, d); err != nil && IsConnectivityError(err) {
				return err
			}
		}
	}
}

func (r *Responder) respond(ctx context.Context, ch Channel, d amqp.Delivery) error {
	ctx = relayotel.ExtractTraceContextFromQueueHeaders(ctx, d.Headers)

	ctx, span := r.tracer.Start(ctx, "relay.rpc.respond", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	body, err := r.handle(ctx, d)
	if err != nil {
		relayotel.HandleSpanError(span, "rpc handler failed", err)
		r.logger.Log(ctx, log.LevelWarn, "rpc request rejected",
			log.String("correlation_id", d.CorrelationId), log.Err(err))

		return ch.Nack(d.DeliveryTag, false, false)
	}

	if d.ReplyTo == "" {
		r.logger.Log(ctx, log.LevelWarn, "rpc request has no reply queue, dropping reply",
			log.String("correlation_id", d.CorrelationId))

		return ch.Ack(d.DeliveryTag, false)
	}

	err = ch.PublishWithContext(ctx, "", d.ReplyTo, false, false, amqp.Publishing{
		Headers:       amqp.Table(relayotel.PrepareQueueHeaders(ctx, nil)),
		ContentType:   d.ContentType,
		CorrelationId: d.CorrelationId,
		Timestamp:     time.Now().UTC(),
		Body:          body,
	})
	if err != nil {
		relayotel.HandleSpanError(span, "rpc reply publish failed", err)

		// requeued so another responder can answer
		return errors.Join(fmt.Errorf("publish reply: %w", err), ch.Nack(d.DeliveryTag, false, true))
	}

	return ch.Ack(d.DeliveryTag, false)
}

func (r *Responder) handle(ctx context.Context, d amqp.Delivery) (body []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			runtime.HandlePanicValue(ctx, r.logger, rec, rpcComponent, "rpc.responder")
			err = runtime.PanicAsError(rec)
		}
	}()

	return r.handler(ctx, Request{
		Body:          d.Body,
		ContentType:   d.ContentType,
		Headers:       d.Headers,
		CorrelationID: d.CorrelationId,
	})
}
