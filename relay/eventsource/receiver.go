package eventsource

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LerianStudio/lib-relay/relay/backoff"
	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
	"github.com/LerianStudio/lib-relay/relay/runtime"
)

const (
	defaultReconnectBackoff  = 5 * time.Second
	defaultKeepAliveInterval = 30 * time.Second
	closeTimeout             = 5 * time.Second
)

// ReceiverConfig tunes the reconnect loop.
type ReceiverConfig struct {
	// ReconnectBackoff is the wait after a lost connection.
	ReconnectBackoff time.Duration
	// MaxReconnectBackoff, when above ReconnectBackoff, turns the fixed wait
	// into a capped exponential one over consecutive failures.
	MaxReconnectBackoff time.Duration
	// KeepAliveInterval is how long Next may stay idle before a Ping.
	KeepAliveInterval time.Duration
}

// DefaultReceiverConfig returns the baseline receiver configuration.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		ReconnectBackoff:  defaultReconnectBackoff,
		KeepAliveInterval: defaultKeepAliveInterval,
	}
}

func (cfg *ReceiverConfig) normalize() {
	defaults := DefaultReceiverConfig()

	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = defaults.ReconnectBackoff
	}

	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = defaults.KeepAliveInterval
	}

	if cfg.MaxReconnectBackoff < cfg.ReconnectBackoff {
		cfg.MaxReconnectBackoff = 0
	}
}

// ReceiverOption mutates receiver configuration at construction.
type ReceiverOption func(*Receiver)

// WithReconnectBackoff sets the wait after a lost connection.
func WithReconnectBackoff(d time.Duration) ReceiverOption {
	return func(r *Receiver) {
		if d > 0 {
			r.cfg.ReconnectBackoff = d
		}
	}
}

// WithMaxReconnectBackoff enables capped exponential reconnect waits.
func WithMaxReconnectBackoff(d time.Duration) ReceiverOption {
	return func(r *Receiver) {
		if d > 0 {
			r.cfg.MaxReconnectBackoff = d
		}
	}
}

// WithKeepAliveInterval sets the idle time before a keep-alive ping.
func WithKeepAliveInterval(d time.Duration) ReceiverOption {
	return func(r *Receiver) {
		if d > 0 {
			r.cfg.KeepAliveInterval = d
		}
	}
}

// WithReceiverConfig replaces the whole configuration.
func WithReceiverConfig(cfg ReceiverConfig) ReceiverOption {
	return func(r *Receiver) {
		r.cfg = cfg
	}
}

// Receiver keeps one subscription to a Source alive and forwards every event
// to its Handler. It never gives up reconnecting; only Stop ends it.
type Receiver struct {
	source     Source
	listener   Listener
	handler    Handler
	eventNames []string
	logger     log.Logger
	cfg        ReceiverConfig

	state       atomic.Int32
	connections atomic.Int64

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewReceiver builds a Receiver for source.
func NewReceiver(
	source Source,
	listener Listener,
	handler Handler,
	eventNames []string,
	logger log.Logger,
	opts ...ReceiverOption,
) (*Receiver, error) {
	if err := source.Validate(); err != nil {
		return nil, err
	}

	if nilcheck.Interface(listener) {
		return nil, ErrListenerRequired
	}

	if nilcheck.Interface(handler) {
		return nil, ErrHandlerRequired
	}

	if len(eventNames) == 0 {
		return nil, ErrEventNamesRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	r := &Receiver{
		source:     source,
		listener:   listener,
		handler:    handler,
		eventNames: slices.Clone(eventNames),
		logger:     logger.With(log.String("source", source.String())),
		cfg:        DefaultReceiverConfig(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	r.cfg.normalize()

	return r, nil
}

// Source returns the source this receiver listens to.
func (r *Receiver) Source() Source { return r.source }

// EventNames returns the subscribed event names.
func (r *Receiver) EventNames() []string { return slices.Clone(r.eventNames) }

// State returns the current connection state.
func (r *Receiver) State() State { return State(r.state.Load()) }

// Connections counts successful subscriptions, reconnects included.
func (r *Receiver) Connections() int64 { return r.connections.Load() }

// Start launches the listen loop and returns immediately. The loop runs
// until Stop is called or ctx is cancelled.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		if r.State() == StateStopped {
			return ErrReceiverStopped
		}

		return ErrReceiverAlreadyStarted
	}

	if ctx == nil {
		ctx = context.Background()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.started = true
	r.cancel = cancel
	r.done = make(chan struct{})

	done := r.done

	runtime.SafeGoWithContextAndComponent(loopCtx, r.logger, "eventsource", "receiver_loop", runtime.KeepRunning,
		func(ctx context.Context) {
			defer close(done)
			r.run(ctx)
		})

	return nil
}

// Stop cancels the loop and waits for it to unsubscribe and exit, or for
// ctx to expire. Stopping a receiver that never started is a no-op.
func (r *Receiver) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if cancel == nil {
		r.setState(StateStopped)
		return nil
	}

	cancel()

	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop receiver %s: %w", r.source, ctx.Err())
	}
}

func (r *Receiver) run(ctx context.Context) {
	defer r.setState(StateStopped)

	failures := 0

	for ctx.Err() == nil {
		r.setState(StateConnecting)

		err := r.listen(ctx, &failures)
		if ctx.Err() != nil {
			return
		}

		r.setState(StateDisconnected)

		failures++
		delay := r.reconnectDelay(failures)

		r.logger.Log(ctx, log.LevelWarn, "event receiver disconnected",
			log.Err(err), log.Int("failures", failures), log.Duration("retry_in", delay))

		if backoff.SleepWithContext(ctx, delay) != nil {
			return
		}
	}
}

func (r *Receiver) reconnectDelay(failures int) time.Duration {
	if r.cfg.MaxReconnectBackoff == 0 {
		return r.cfg.ReconnectBackoff
	}

	return backoff.Capped(r.cfg.ReconnectBackoff, r.cfg.MaxReconnectBackoff, failures-1)
}

func (r *Receiver) listen(ctx context.Context, failures *int) error {
	sub, err := r.listener.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	defer r.closeSubscription(ctx, sub)

	if err := sub.Subscribe(ctx, r.eventNames); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	r.setState(StateListening)
	r.connections.Add(1)
	*failures = 0

	r.logger.Log(ctx, log.LevelInfo, "event receiver listening", log.Any("events", r.eventNames))

	for {
		nextCtx, cancel := context.WithTimeout(ctx, r.cfg.KeepAliveInterval)
		event, err := sub.Next(nextCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if errors.Is(err, context.DeadlineExceeded) {
				if err := sub.Ping(ctx); err != nil {
					return fmt.Errorf("keep-alive: %w", err)
				}

				continue
			}

			return fmt.Errorf("next: %w", err)
		}

		r.deliver(ctx, event)
	}
}

func (r *Receiver) deliver(ctx context.Context, event Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			runtime.HandlePanicValue(ctx, r.logger, recovered, "eventsource", "receiver_handler")
		}
	}()

	if err := r.handler.HandleEventReceived(ctx, r.source, event); err != nil {
		r.logger.Log(ctx, log.LevelError, "event handler failed", log.String("event", event.Name), log.Err(err))
	}
}

func (r *Receiver) closeSubscription(ctx context.Context, sub Subscription) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()

	if err := sub.Close(closeCtx); err != nil {
		r.logger.Log(ctx, log.LevelWarn, "event subscription close failed", log.Err(err))
	}
}

func (r *Receiver) setState(s State) {
	r.state.Store(int32(s))
}
