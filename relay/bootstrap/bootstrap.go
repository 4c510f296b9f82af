package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-relay/relay"
	"github.com/LerianStudio/lib-relay/relay/dispatcher"
	"github.com/LerianStudio/lib-relay/relay/errgroup"
	"github.com/LerianStudio/lib-relay/relay/eventsource"
	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
	relayotel "github.com/LerianStudio/lib-relay/relay/opentelemetry"
	"github.com/LerianStudio/lib-relay/relay/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Bootstrapper owns the lifecycle of one processor.
type Bootstrapper struct {
	hooks  Hooks
	logger log.Logger
	tracer trace.Tracer
	cfg    Config
	signal *dispatcher.Signal

	// mu serializes Start and Stop; viewMu guards the fields status reads use.
	mu             sync.Mutex
	started        bool
	runCancel      context.CancelFunc
	fallbackCancel context.CancelFunc
	fallbackDone   chan struct{}

	viewMu     sync.RWMutex
	dispatcher *dispatcher.Dispatcher
	receivers  map[eventsource.Source]*eventsource.Receiver
	order      []eventsource.Source
}

var (
	_ relay.App           = (*Bootstrapper)(nil)
	_ eventsource.Handler = (*Bootstrapper)(nil)
)

// ReceiverStatus is the state of one receiver.
type ReceiverStatus struct {
	Source      eventsource.Source
	State       eventsource.State
	Connections int64
}

// New builds a Bootstrapper.
func New(hooks Hooks, logger log.Logger, tracer trace.Tracer, opts ...Option) (*Bootstrapper, error) {
	if nilcheck.Interface(hooks) {
		return nil, ErrHooksRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("relay.noop")
	}

	b := &Bootstrapper{
		hooks:  hooks,
		logger: logger.With(log.String("component", "bootstrap")),
		tracer: tracer,
		cfg:    DefaultConfig(),
		signal: dispatcher.NewSignal(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}

	b.cfg.normalize()

	return b, nil
}

// Config returns the effective configuration.
func (b *Bootstrapper) Config() Config { return b.cfg }

// Signal returns the wake signal shared with the dispatcher.
func (b *Bootstrapper) Signal() *dispatcher.Signal { return b.signal }

// Dispatcher returns the running dispatcher, or nil before Start.
func (b *Bootstrapper) Dispatcher() *dispatcher.Dispatcher {
	b.viewMu.RLock()
	defer b.viewMu.RUnlock()

	return b.dispatcher
}

// Receivers reports every receiver in creation order.
func (b *Bootstrapper) Receivers() []ReceiverStatus {
	b.viewMu.RLock()
	order := b.order
	receivers := make([]*eventsource.Receiver, len(order))

	for i, source := range order {
		receivers[i] = b.receivers[source]
	}
	b.viewMu.RUnlock()

	out := make([]ReceiverStatus, 0, len(order))

	for i, source := range order {
		r := receivers[i]
		out = append(out, ReceiverStatus{Source: source, State: r.State(), Connections: r.Connections()})
	}

	return out
}

// HandleEventReceived wakes the dispatcher.
func (b *Bootstrapper) HandleEventReceived(ctx context.Context, source eventsource.Source, event eventsource.Event) error {
	if b.logger.Enabled(log.LevelDebug) {
		b.logger.Log(ctx, log.LevelDebug, "event received",
			log.String("source", source.String()), log.String("event", event.Name))
	}

	b.signal.Set()

	return nil
}

// Run starts the processor, waits for the launcher context and stops it
// within ShutdownTimeout.
func (b *Bootstrapper) Run(launcher *relay.Launcher) error {
	ctx := launcher.Context()

	if err := b.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.ShutdownTimeout)
	defer cancel()

	return b.Stop(stopCtx)
}

// Start resolves sources, resets stuck requests, starts the dispatcher, the
// receivers and the fallback loop, then primes the pipeline. On failure
// whatever was already started is stopped again.
func (b *Bootstrapper) Start(ctx context.Context) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return ErrAlreadyStarted
	}

	ctx, span := b.tracer.Start(ctx, "relay.bootstrap.start")
	defer span.End()

	runCtx, runCancel := context.WithCancel(context.WithoutCancel(ctx))

	defer func() {
		if err != nil {
			relayotel.HandleSpanError(span, "processor start failed", err)

			rollbackCtx, cancel := context.WithTimeout(runCtx, b.cfg.ShutdownTimeout)
			defer cancel()

			err = errors.Join(err, b.stopLocked(rollbackCtx))
			runCancel()
		}
	}()

	sources, err := b.hooks.Sources(ctx)
	if err != nil {
		return fmt.Errorf("resolve sources: %w", err)
	}

	if len(sources) == 0 {
		return ErrNoSources
	}

	if err := b.hooks.ResetStuckRequests(ctx, sources); err != nil {
		return fmt.Errorf("reset stuck requests: %w", err)
	}

	relayotel.HandleSpanEvent(span, "stuck_requests_reset", attribute.Int("sources", len(sources)))

	if err := b.startDispatcher(runCtx, sources); err != nil {
		return err
	}

	relayotel.HandleSpanEvent(span, "dispatcher_started", attribute.Int("workers", b.cfg.WorkerCount))

	if err := b.startReceivers(ctx, runCtx, sources); err != nil {
		return err
	}

	relayotel.HandleSpanEvent(span, "receivers_started")

	b.startFallback(runCtx)

	b.started = true
	b.runCancel = runCancel

	b.signal.Set()

	b.logger.Log(ctx, log.LevelInfo, "processor started",
		log.Int("sources", len(sources)), log.Int("workers", b.cfg.WorkerCount))

	return nil
}

// Stop stops receivers, the fallback loop and the dispatcher, in that order.
func (b *Bootstrapper) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		return ErrNotStarted
	}

	err := b.stopLocked(ctx)

	b.runCancel()
	b.started = false

	b.logger.Log(ctx, log.LevelInfo, "processor stopped")

	return err
}

func (b *Bootstrapper) startDispatcher(ctx context.Context, sources []eventsource.Source) error {
	source, err := b.hooks.CreateRequestSource(sources)
	if err != nil {
		return fmt.Errorf("create request source: %w", err)
	}

	if nilcheck.Interface(source) {
		return ErrNilRequestSource
	}

	workers := make([]*dispatcher.Worker, b.cfg.WorkerCount)

	for i := range workers {
		workerLogger := b.logger.With(log.Int("worker", i))

		params, err := b.hooks.CreateWorkerParams(workerLogger)
		if err != nil {
			return fmt.Errorf("create worker %d params: %w", i, err)
		}

		workers[i], err = dispatcher.NewWorker(i, params, workerLogger)
		if err != nil {
			return fmt.Errorf("create worker %d: %w", i, err)
		}
	}

	d, err := dispatcher.NewDispatcher(source, workers, b.signal, b.logger, b.tracer,
		dispatcher.WithStateLogInterval(b.cfg.StateLogInterval),
		dispatcher.WithProcessingTimeout(b.cfg.ProcessingTimeout),
		dispatcher.WithMeterProvider(b.cfg.MeterProvider),
	)
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}

	b.viewMu.Lock()
	b.dispatcher = d
	b.viewMu.Unlock()

	return nil
}

func (b *Bootstrapper) startReceivers(ctx, runCtx context.Context, sources []eventsource.Source) error {
	b.viewMu.Lock()
	b.receivers = make(map[eventsource.Source]*eventsource.Receiver, len(sources))
	b.order = make([]eventsource.Source, 0, len(sources))
	b.viewMu.Unlock()

	for _, source := range sources {
		if _, exists := b.receivers[source]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateSource, source)
		}

		r, err := b.hooks.CreateReceiver(source, b)
		if err != nil {
			return fmt.Errorf("create receiver for %s: %w", source, err)
		}

		if r == nil {
			return fmt.Errorf("%w: %s", ErrNilReceiver, source)
		}

		b.viewMu.Lock()
		b.receivers[source] = r
		b.order = append(b.order, source)
		b.viewMu.Unlock()
	}

	group, _ := errgroup.WithContext(ctx)
	group.SetLogger(b.logger)

	for _, source := range b.order {
		r := b.receivers[source]

		group.Go(func() error {
			if err := r.Start(runCtx); err != nil {
				return fmt.Errorf("start receiver %s: %w", r.Source(), err)
			}

			return nil
		})
	}

	return group.Wait()
}

func (b *Bootstrapper) startFallback(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	b.fallbackCancel = cancel
	b.fallbackDone = done

	hook, custom := b.hooks.(FallbackHook)

	runtime.SafeGoWithContextAndComponent(ctx, b.logger, "bootstrap", "fallback_loop", runtime.KeepRunning,
		func(ctx context.Context) {
			defer close(done)

			ticker := time.NewTicker(b.cfg.FallbackInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}

				if custom {
					b.runFallbackHook(ctx, hook)
					continue
				}

				b.signal.Set()
			}
		})
}

func (b *Bootstrapper) runFallbackHook(ctx context.Context, hook FallbackHook) {
	defer runtime.RecoverAndLogWithContext(ctx, b.logger, "bootstrap", "fallback_hook")

	hook.Fallback(ctx, b.signal)
}

// stopLocked tolerates partially started state.
func (b *Bootstrapper) stopLocked(ctx context.Context) error {
	var errs []error

	if len(b.receivers) > 0 {
		group := errgroup.Collect(ctx)
		group.SetLogger(b.logger)

		for _, source := range b.order {
			r := b.receivers[source]

			group.Go(func() error { return r.Stop(ctx) })
		}

		if err := group.Wait(); err != nil {
			errs = append(errs, fmt.Errorf("stop receivers: %w", err))
		}
	}

	if b.fallbackCancel != nil {
		b.fallbackCancel()

		select {
		case <-b.fallbackDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("stop fallback loop: %w", ctx.Err()))
		}

		b.fallbackCancel = nil
	}

	b.signal.Reset()

	if b.dispatcher != nil {
		if err := b.dispatcher.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
