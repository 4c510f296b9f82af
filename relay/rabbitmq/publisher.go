package rabbitmq

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
	"github.com/LerianStudio/lib-relay/relay/notification"
	relayotel "github.com/LerianStudio/lib-relay/relay/opentelemetry"
	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultConfirmTimeout = 5 * time.Second

// PublisherConfig configures a PublisherSender.
type PublisherConfig struct {
	URL            string        `env:"RABBITMQ_URL"`
	Exchange       string        `env:"RELAY_NOTIFY_EXCHANGE"`
	RoutingKey     string        `env:"RELAY_NOTIFY_ROUTING_KEY"`
	ConfirmTimeout time.Duration `env:"RELAY_NOTIFY_CONFIRM_TIMEOUT" envDefault:"5s"`
	Heartbeat      time.Duration `env:"RABBITMQ_HEARTBEAT" envDefault:"10s"`
}

// PublisherOption customises a PublisherSender.
type PublisherOption func(*PublisherSender)

// WithPublisherDialer replaces the broker dialer.
func WithPublisherDialer(dial Dialer) PublisherOption {
	return func(p *PublisherSender) {
		if dial != nil {
			p.dial = dial
		}
	}
}

// PublisherSender is a notification.Sender publishing each message to an
// exchange with publisher confirms. The connection is opened lazily and
// reopened after connectivity failures.
//
// Broker refusals (unknown exchange, access refused) are unrecoverable and
// shut the owning notification channel down.
type PublisherSender struct {
	cfg    PublisherConfig
	dial   Dialer
	logger log.Logger

	mu       sync.Mutex
	conn     Connection
	ch       Channel
	confirms chan amqp.Confirmation
	closed   chan *amqp.Error
	shut     bool
}

var _ notification.Sender = (*PublisherSender)(nil)

// NewPublisherSender validates cfg; it does not connect.
func NewPublisherSender(cfg PublisherConfig, logger log.Logger, opts ...PublisherOption) (*PublisherSender, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrURLRequired
	}

	if cfg.Exchange == "" && cfg.RoutingKey == "" {
		return nil, ErrRoutingRequired
	}

	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	p := &PublisherSender{cfg: cfg, logger: logger}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	if p.dial == nil {
		p.dial = DefaultDialer(cfg.Heartbeat)
	}

	return p, nil
}

// Send publishes msg and waits for the broker confirm.
func (p *PublisherSender) Send(ctx context.Context, msg notification.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shut {
		return notification.Unrecoverable(ErrPublisherClosed)
	}

	if err := p.ensureLocked(ctx); err != nil {
		return err
	}

	headers := map[string]any{}
	for k, v := range msg.Metadata {
		headers[k] = v
	}

	if msg.Recipient != "" {
		headers["x-recipient"] = msg.Recipient
	}

	if msg.Subject != "" {
		headers["x-subject"] = msg.Subject
	}

	err := p.ch.PublishWithContext(ctx, p.cfg.Exchange, p.cfg.RoutingKey, false, false, amqp.Publishing{
		Headers:      amqp.Table(relayotel.PrepareQueueHeaders(ctx, headers)),
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    time.Now().UTC(),
		Body:         msg.Body,
	})
	if err != nil {
		return p.classifyLocked(fmt.Errorf("publish notification: %w", err))
	}

	return p.waitConfirmLocked(ctx)
}

func (p *PublisherSender) waitConfirmLocked(ctx context.Context) error {
	timer := time.NewTimer(p.cfg.ConfirmTimeout)
	defer timer.Stop()

	select {
	case confirmed, ok := <-p.confirms:
		if !ok {
			return p.classifyLocked(p.closeReasonLocked())
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil
	case reason, ok := <-p.closed:
		if ok && reason != nil {
			return p.classifyLocked(fmt.Errorf("publish notification: %w", reason))
		}

		return p.classifyLocked(amqp.ErrClosed)
	case <-timer.C:
		// a late confirm would be read as the next message's
		p.releaseLocked()
		return ErrConfirmTimeout
	case <-ctx.Done():
		p.releaseLocked()
		return ctx.Err()
	}
}

func (p *PublisherSender) closeReasonLocked() error {
	select {
	case reason, ok := <-p.closed:
		if ok && reason != nil {
			return reason
		}
	default:
	}

	return amqp.ErrClosed
}

// classifyLocked drops a broken channel and marks refusals unrecoverable.
func (p *PublisherSender) classifyLocked(err error) error {
	switch {
	case isAccessError(err):
		p.releaseLocked()
		return notification.Unrecoverable(err)
	case IsConnectivityError(err):
		p.releaseLocked()
	}

	return err
}

func (p *PublisherSender) ensureLocked(ctx context.Context) error {
	if p.ch != nil && !p.ch.IsClosed() && p.conn != nil && !p.conn.IsClosed() {
		return nil
	}

	p.releaseLocked()

	conn, err := p.dial(ctx, p.cfg.URL)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		closeQuietly(conn)
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		closeQuietly(ch, conn)
		return fmt.Errorf("enable publisher confirms: %w", err)
	}

	p.conn, p.ch = conn, ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	p.closed = ch.NotifyClose(make(chan *amqp.Error, 1))

	p.logger.Log(ctx, log.LevelDebug, "notification publisher connected",
		log.String("url", redactURL(p.cfg.URL)), log.String("exchange", p.cfg.Exchange))

	return nil
}

func (p *PublisherSender) releaseLocked() {
	closeQuietly(p.ch, p.conn)

	p.conn, p.ch = nil, nil
	p.confirms, p.closed = nil, nil
}

// Close releases the connection. Later sends fail as unrecoverable.
func (p *PublisherSender) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.shut = true
	p.releaseLocked()

	return nil
}
