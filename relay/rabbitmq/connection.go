package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultHeartbeat   = 10 * time.Second
	defaultDialTimeout = 30 * time.Second
	defaultLocale      = "en_US"
)

// Channel is the subset of *amqp.Channel the package drives. Tests substitute
// an in-memory implementation.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Reject(tag uint64, requeue bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Connection is the subset of *amqp.Connection the package drives.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection.
type Dialer func(ctx context.Context, rawURL string) (Connection, error)

type amqpConnection struct {
	conn *amqp.Connection
}

//nolint:ireturn
func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}

	return ch, nil
}

func (c *amqpConnection) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(ch)
}

func (c *amqpConnection) IsClosed() bool { return c.conn.IsClosed() }

func (c *amqpConnection) Close() error { return c.conn.Close() }

// DefaultDialer dials with amqp091 using the given heartbeat. The TCP dial
// honours ctx; the AMQP handshake is bounded by a fixed timeout.
func DefaultDialer(heartbeat time.Duration) Dialer {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	return func(ctx context.Context, rawURL string) (Connection, error) {
		if ctx == nil {
			ctx = context.Background()
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cfg := amqp.Config{
			Heartbeat: heartbeat,
			Locale:    defaultLocale,
			Dial: func(network, addr string) (net.Conn, error) {
				dialer := net.Dialer{Timeout: defaultDialTimeout}

				conn, err := dialer.DialContext(ctx, network, addr)
				if err != nil {
					return nil, err
				}

				// cleared by amqp091 once the handshake completes
				if err := conn.SetDeadline(time.Now().Add(defaultDialTimeout)); err != nil {
					_ = conn.Close()
					return nil, err
				}

				return conn, nil
			},
		}

		conn, err := amqp.DialConfig(rawURL, cfg)
		if err != nil {
			return nil, newSanitizedError(err, rawURL, "rabbitmq dial")
		}

		return &amqpConnection{conn: conn}, nil
	}
}

// IsConnectivityError reports whether err means the connection or channel is
// unusable, as opposed to a rejected operation on a healthy channel.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, amqp.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		if amqpErr.Recover {
			return true
		}

		switch amqpErr.Code {
		case amqp.ConnectionForced, amqp.FrameError, amqp.ChannelError, amqp.UnexpectedFrame,
			amqp.InternalError, amqp.PreconditionFailed:
			return true
		}

		return false
	}

	var netErr net.Error

	return errors.As(err, &netErr)
}

// isAccessError reports broker refusals that retrying will not fix.
func isAccessError(err error) bool {
	var amqpErr *amqp.Error
	if !errors.As(err, &amqpErr) {
		return false
	}

	switch amqpErr.Code {
	case amqp.AccessRefused, amqp.NotFound, amqp.NotAllowed, amqp.ContentTooLarge:
		return true
	}

	return false
}

func closeQuietly(closers ...interface{ Close() error }) {
	for _, c := range closers {
		if c != nil {
			_ = c.Close()
		}
	}
}

// sanitizedError keeps the original error for errors.Is/As while printing a
// message with the connection string redacted.
type sanitizedError struct {
	original error
	message  string
}

func (e *sanitizedError) Error() string { return e.message }

func (e *sanitizedError) Unwrap() error { return e.original }

func newSanitizedError(err error, connectionString, prefix string) error {
	return fmt.Errorf("%s: %w", prefix, &sanitizedError{
		original: err,
		message:  sanitizeAMQPErr(err, connectionString),
	})
}

func sanitizeAMQPErr(err error, connectionString string) string {
	if err == nil {
		return ""
	}

	errMsg := err.Error()
	if connectionString == "" {
		return errMsg
	}

	referenceURL, parseErr := url.Parse(connectionString)
	if parseErr != nil {
		return errMsg
	}

	redacted := referenceURL.Redacted()
	errMsg = strings.ReplaceAll(errMsg, connectionString, redacted)
	errMsg = strings.ReplaceAll(errMsg, referenceURL.String(), redacted)

	if referenceURL.User != nil {
		if pass, ok := referenceURL.User.Password(); ok && pass != "" {
			errMsg = strings.ReplaceAll(errMsg, pass, "xxxxx")
		}
	}

	return errMsg
}

// redactURL is used for log fields.
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}

	return u.Redacted()
}
