package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	"github.com/LerianStudio/lib-relay/relay/backoff"
	"github.com/LerianStudio/lib-relay/relay/log"
	relayotel "github.com/LerianStudio/lib-relay/relay/opentelemetry"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
)

type recoveryOutcome struct {
	attempts    int
	rebuilt     bool
	invalidated int
}

// Recover restores the connection, both channels and the reply consumer.
//
// It is a no-op on a healthy connection. Otherwise it waits RecoveryDelay
// before every attempt, re-checks health (another goroutine may have won) and
// rebuilds under the client lock. The goroutine that rebuilds fails every
// in-flight call with ErrMustRetry. After MaxRecoveryAttempts failures it
// returns ErrRecoveryExhausted.
func (c *RPCClient) Recover(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := c.tracer.Start(ctx, "relay.rpc.recover")
	defer span.End()

	out, err := c.recover(ctx)

	span.SetAttributes(attribute.Int("relay.rpc.recovery.attempts", out.attempts))

	if err != nil {
		c.setHealth(Disconnected)
		relayotel.HandleSpanError(span, "rpc recovery failed", err)
		c.logger.Log(ctx, log.LevelError, "rpc connection recovery failed",
			log.Int("attempts", out.attempts), log.String("error", sanitizeAMQPErr(err, c.cfg.URL)))

		return err
	}

	if out.rebuilt {
		c.logger.Log(ctx, log.LevelInfo, "rpc connection recovered",
			log.Int("attempts", out.attempts), log.Int("invalidated_calls", out.invalidated))
	}

	c.setHealth(Connected)

	return nil
}

func (c *RPCClient) recover(ctx context.Context) (recoveryOutcome, error) {
	var out recoveryOutcome

	if c.closed.Load() {
		return out, ErrClientClosed
	}

	if c.healthy() {
		return out, nil
	}

	c.setHealth(Reconnecting)

	var lastErr error

	for attempt := 1; ; attempt++ {
		if attempt > c.cfg.MaxRecoveryAttempts {
			return out, fmt.Errorf("%w after %d attempts: %w", ErrRecoveryExhausted, out.attempts, lastErr)
		}

		out.attempts = attempt
		c.metrics.recoveries.Add(ctx, 1)

		if err := backoff.SleepWithContext(ctx, c.cfg.RecoveryDelay); err != nil {
			return out, err
		}

		if c.healthy() {
			return out, nil
		}

		rebuilt, invalidated, err := c.rebuildIfBroken(ctx)
		if err == nil {
			out.rebuilt, out.invalidated = rebuilt, invalidated
			return out, nil
		}

		if errors.Is(err, ErrClientClosed) {
			return out, err
		}

		lastErr = err

		c.logger.Log(ctx, log.LevelDebug, "rpc recovery attempt failed",
			log.Int("attempt", attempt), log.String("error", sanitizeAMQPErr(err, c.cfg.URL)))
	}
}

func (c *RPCClient) healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.isOpenLocked()
}

func (c *RPCClient) rebuildIfBroken(ctx context.Context) (bool, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isOpenLocked() {
		return false, 0, nil
	}

	if err := c.rebuildLocked(ctx); err != nil {
		return false, 0, err
	}

	// Nothing can publish while the lock is held, so every queued or pending
	// call here belongs to the previous connection.
	c.outbound.drain()
	invalidated := c.pending.failAll(ErrMustRetry)
	c.metrics.recordInvalidated(ctx, invalidated, "rebuilt")

	return true, invalidated, nil
}

func (c *RPCClient) isOpenLocked() bool {
	return c.conn != nil && !c.conn.IsClosed() &&
		c.pubCh != nil && !c.pubCh.IsClosed() &&
		c.conCh != nil && !c.conCh.IsClosed()
}

// rebuildLocked replaces the connection, both channels and the consumer.
// The caller holds mu.
func (c *RPCClient) rebuildLocked(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	c.releaseLocked()

	conn, err := c.dial(ctx, c.cfg.URL)
	if err != nil {
		return err
	}

	pubCh, err := conn.Channel()
	if err != nil {
		closeQuietly(conn)
		return fmt.Errorf("open publish channel: %w", err)
	}

	conCh, err := conn.Channel()
	if err != nil {
		closeQuietly(pubCh, conn)
		return fmt.Errorf("open consume channel: %w", err)
	}

	replyQueue, deliveries, err := c.declare(pubCh, conCh)
	if err != nil {
		closeQuietly(conCh, pubCh, conn)
		return err
	}

	c.conn, c.pubCh, c.conCh = conn, pubCh, conCh
	c.replyQueue, c.deliveries = replyQueue, deliveries
	c.chanClosed = conCh.NotifyClose(make(chan *amqp.Error, 1))
	c.epoch++

	return nil
}

func (c *RPCClient) declare(pubCh, conCh Channel) (string, <-chan amqp.Delivery, error) {
	if err := conCh.Qos(c.cfg.PrefetchCount, 0, false); err != nil {
		return "", nil, fmt.Errorf("set reply prefetch: %w", err)
	}

	if c.cfg.DeclareRequestQueue && c.cfg.RequestExchange == "" {
		if _, err := pubCh.QueueDeclare(c.cfg.RequestQueue, true, false, false, false, nil); err != nil {
			return "", nil, fmt.Errorf("declare request queue: %w", err)
		}
	}

	var (
		queue amqp.Queue
		err   error
	)

	if c.cfg.ResponseQueue == "" {
		queue, err = conCh.QueueDeclare("", false, true, true, false, nil)
	} else {
		queue, err = conCh.QueueDeclare(c.cfg.ResponseQueue, true, false, false, false, nil)
	}

	if err != nil {
		return "", nil, fmt.Errorf("declare response queue: %w", err)
	}

	deliveries, err := conCh.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		return "", nil, fmt.Errorf("consume response queue: %w", err)
	}

	return queue.Name, deliveries, nil
}

func (c *RPCClient) releaseLocked() {
	closeQuietly(c.pubCh, c.conCh, c.conn)

	c.conn, c.pubCh, c.conCh = nil, nil, nil
	c.deliveries, c.chanClosed = nil, nil
}
