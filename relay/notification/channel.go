package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
	"github.com/LerianStudio/lib-relay/relay/runtime"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/metric"
)

// Option customises a Channel.
type Option func(*Channel)

// WithCircuitBreaker guards the sender with a circuit breaker. While it is
// open messages fail fast with ErrCircuitOpen.
func WithCircuitBreaker(cfg BreakerConfig) Option {
	return func(c *Channel) {
		c.breakerCfg = &cfg
	}
}

// WithMeterProvider sets the meter provider for channel metrics.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(c *Channel) {
		if !nilcheck.Interface(provider) {
			c.meterProvider = provider
		}
	}
}

type item struct {
	ctx      context.Context
	msg      Message
	result   chan error
	enqueued time.Time
}

// Channel is an ordered queue drained by exactly one consumer goroutine.
type Channel struct {
	kind          string
	sender        Sender
	logger        log.Logger
	breakerCfg    *BreakerConfig
	breaker       *gobreaker.CircuitBreaker
	meterProvider metric.MeterProvider
	metrics       channelMetrics

	mu       sync.Mutex
	queue    []*item
	closed   bool
	closeErr error

	ready    chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewChannel creates a channel for kind and starts its consumer.
func NewChannel(kind string, sender Sender, logger log.Logger, opts ...Option) (*Channel, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return nil, ErrKindRequired
	}

	if nilcheck.Interface(sender) {
		return nil, ErrSenderRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	c := &Channel{
		kind:   kind,
		sender: sender,
		logger: logger.With(log.String("notification_kind", kind)),
		ready:  make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	metrics, err := newChannelMetrics(c.meterProvider, kind)
	if err != nil {
		return nil, fmt.Errorf("notification metrics: %w", err)
	}

	c.metrics = metrics

	if c.breakerCfg != nil {
		c.breaker = newBreaker(kind, *c.breakerCfg, func(from, to BreakerState) {
			c.logger.Log(context.Background(), log.LevelWarn, "notification circuit breaker changed state",
				log.String("from", string(from)), log.String("to", string(to)))
		})
	}

	runtime.SafeGo(c.logger, "notification.consumer", runtime.KeepRunning, c.consume)

	return c, nil
}

// Kind returns the channel kind.
func (c *Channel) Kind() string { return c.kind }

// Len returns how many messages wait behind the one being sent.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.queue)
}

// Err returns why the channel stopped accepting messages, or nil while open.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeErr
}

// BreakerState reports the circuit breaker state.
func (c *Channel) BreakerState() BreakerState {
	if c.breaker == nil {
		return BreakerDisabled
	}

	return convertState(c.breaker.State())
}

// SendAndWait queues msg and blocks until it was sent, failed, or ctx ended.
// A message whose waiter gave up is skipped when the consumer reaches it.
func (c *Channel) SendAndWait(ctx context.Context, msg Message) error {
	if ctx == nil {
		ctx = context.Background()
	}

	it := &item{ctx: ctx, msg: msg, result: make(chan error, 1), enqueued: time.Now()}

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()

		return err
	}

	c.queue = append(c.queue, it)
	c.mu.Unlock()

	c.metrics.queued.Add(ctx, 1, c.metrics.attrs)

	select {
	case c.ready <- struct{}{}:
	default:
	}

	select {
	case err := <-it.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) consume() {
	defer close(c.done)

	for {
		it, ok := c.next()
		if !ok {
			return
		}

		c.metrics.queued.Add(context.Background(), -1, c.metrics.attrs)

		if err := it.ctx.Err(); err != nil {
			it.result <- err
			continue
		}

		err := c.deliver(it)
		it.result <- err

		if IsUnrecoverable(err) {
			c.logger.Log(it.ctx, log.LevelError, "notification channel shut down by unrecoverable failure", log.Err(err))
			c.fail(err, err)

			return
		}
	}
}

func (c *Channel) next() (*item, bool) {
	for {
		c.mu.Lock()

		if c.closed {
			c.mu.Unlock()
			return nil, false
		}

		if len(c.queue) > 0 {
			it := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()

			return it, true
		}

		c.mu.Unlock()

		select {
		case <-c.ready:
		case <-c.stop:
			return nil, false
		}
	}
}

func (c *Channel) deliver(it *item) (err error) {
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			runtime.HandlePanicValue(it.ctx, c.logger, r, "notification", "notification.send")
			err = runtime.PanicAsError(r)
		}

		c.metrics.record(it.ctx, err, time.Since(started))
	}()

	if c.breaker == nil {
		return c.sender.Send(it.ctx, it.msg)
	}

	_, err = c.breaker.Execute(func() (any, error) {
		return nil, c.sender.Send(it.ctx, it.msg)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}

	return err
}

// fail closes the channel with reason and resolves every queued message with
// itemErr.
func (c *Channel) fail(reason, itemErr error) {
	c.mu.Lock()

	if !c.closed {
		c.closed = true
		c.closeErr = reason
	}

	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, it := range pending {
		c.metrics.queued.Add(context.Background(), -1, c.metrics.attrs)
		it.result <- itemErr
	}
}

// Close stops the consumer and resolves queued messages with
// ErrChannelClosed. It waits for an in-progress send or ctx.
func (c *Channel) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c.fail(ErrChannelClosed, ErrChannelClosed)
	c.stopOnce.Do(func() { close(c.stop) })

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
