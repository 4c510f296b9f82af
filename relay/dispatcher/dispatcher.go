package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LerianStudio/lib-relay/relay"
	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
	relayotel "github.com/LerianStudio/lib-relay/relay/opentelemetry"
	"github.com/LerianStudio/lib-relay/relay/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Dispatcher assigns pending requests to free workers whenever its wake
// signal is set.
type Dispatcher struct {
	source  RequestSource
	workers []*Worker
	signal  *Signal
	logger  log.Logger
	tracer  trace.Tracer
	cfg     Config
	metrics dispatcherMetrics

	results  chan completion
	inflight sync.WaitGroup

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	drained    chan struct{}

	lastStateLog time.Time

	fetched     atomic.Int64
	assigned    atomic.Int64
	completed   atomic.Int64
	failed      atomic.Int64
	fetchErrors atomic.Int64
}

var _ relay.App = (*Dispatcher)(nil)

type completion struct {
	ctx        context.Context
	worker     *Worker
	req        *PendingRequest
	settlement *settlement
	err        error
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	WorkersTotal int
	WorkersBusy  int
	Fetched      int64
	Assigned     int64
	Completed    int64
	Failed       int64
	FetchErrors  int64
}

// NewDispatcher builds a dispatcher over workers. A nil signal gets a fresh one.
func NewDispatcher(
	source RequestSource,
	workers []*Worker,
	signal *Signal,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...Option,
) (*Dispatcher, error) {
	if nilcheck.Interface(source) {
		return nil, ErrRequestSourceRequired
	}

	if len(workers) == 0 {
		return nil, ErrWorkersRequired
	}

	for _, w := range workers {
		if w == nil {
			return nil, ErrWorkersRequired
		}
	}

	if signal == nil {
		signal = NewSignal()
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("relay.noop")
	}

	d := &Dispatcher{
		source:  source,
		workers: workers,
		signal:  signal,
		logger:  logger.With(log.String("component", "dispatcher")),
		tracer:  tracer,
		cfg:     DefaultConfig(),
		results: make(chan completion, len(workers)),
		stop:    make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}

	d.cfg.normalize()

	metrics, err := newDispatcherMetrics(d.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init dispatcher metrics: %w", err)
	}

	d.metrics = metrics

	return d, nil
}

// Signal returns the wake signal.
func (d *Dispatcher) Signal() *Signal { return d.signal }

// Workers returns the worker pool.
func (d *Dispatcher) Workers() []*Worker { return d.workers }

// Run runs the loop until the launcher context is done or Stop is called.
func (d *Dispatcher) Run(launcher *relay.Launcher) error {
	return d.RunContext(launcher.Context())
}

// RunContext runs the loop until ctx is done or Stop is called. In-flight
// assignments keep running after it returns; Shutdown waits for them.
func (d *Dispatcher) RunContext(ctx context.Context) error {
	loopDone, err := d.start(ctx)
	if err != nil {
		return err
	}

	<-loopDone

	return nil
}

// Start launches the loop on a supervised goroutine and returns once the
// run is registered, so a following Shutdown always sees it.
func (d *Dispatcher) Start(ctx context.Context) error {
	_, err := d.start(ctx)

	return err
}

func (d *Dispatcher) start(parentCtx context.Context) (<-chan struct{}, error) {
	if d == nil {
		return nil, ErrDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	drained := make(chan struct{})

	stop, ok := d.registerRun(cancel, drained)
	if !ok {
		cancel()

		return nil, ErrDispatcherRunning
	}

	observerDone := make(chan struct{})

	runtime.SafeGo(d.logger, "dispatcher.completion_observer", runtime.KeepRunning, func() {
		defer close(drained)
		d.observe(observerDone)
	})

	loopDone := make(chan struct{})

	runtime.SafeGoWithContextAndComponent(ctx, d.logger, "dispatcher", "loop", runtime.KeepRunning,
		func(ctx context.Context) {
			defer close(loopDone)
			defer d.clearRun()
			defer cancel()

			// Assignments are only added by the loop, so waiting starts after it.
			defer runtime.SafeGo(d.logger, "dispatcher.inflight_wait", runtime.KeepRunning, func() {
				d.inflight.Wait()
				close(observerDone)
			})

			d.loop(ctx, stop)
		})

	return loopDone, nil
}

func (d *Dispatcher) loop(ctx context.Context, stop <-chan struct{}) {
	d.logger.Log(ctx, log.LevelInfo, "dispatcher started", log.Int("workers", len(d.workers)))
	defer d.logger.Log(context.Background(), log.LevelInfo, "dispatcher stopped")

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-d.signal.C():
		}

		if ctx.Err() != nil {
			return
		}

		d.signal.Reset()

		if err := d.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}

			d.logger.Log(ctx, log.LevelError, "dispatch cycle failed", log.Err(err))
		}
	}
}

// Stop ends the loop. Running assignments are not interrupted.
func (d *Dispatcher) Stop() {
	if d == nil {
		return
	}

	d.stopOnce.Do(func() {
		d.runStateMu.Lock()
		cancel := d.cancelFunc
		stop := d.stop
		d.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the loop and waits until every in-flight assignment has
// been processed and acknowledged, or ctx expires.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if d == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	d.Stop()

	d.runStateMu.Lock()
	drained := d.drained
	d.runStateMu.Unlock()

	if drained == nil {
		return nil
	}

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// Stats returns counters and the current worker load.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		WorkersTotal: len(d.workers),
		WorkersBusy:  d.busyCount(),
		Fetched:      d.fetched.Load(),
		Assigned:     d.assigned.Load(),
		Completed:    d.completed.Load(),
		Failed:       d.failed.Load(),
		FetchErrors:  d.fetchErrors.Load(),
	}
}

func (d *Dispatcher) cycle(ctx context.Context) (err error) {
	start := time.Now()

	ctx, span := d.tracer.Start(ctx, "relay.dispatcher.cycle")
	defer span.End()

	defer func() {
		if recovered := recover(); recovered != nil {
			runtime.HandlePanicValue(ctx, d.logger, recovered, "dispatcher", "cycle")
			err = runtime.PanicAsError(recovered)
		}

		if err != nil {
			relayotel.HandleSpanError(span, "dispatch cycle failed", err)
		}

		d.metrics.cycleLatency.Record(ctx, time.Since(start).Seconds())
	}()

	free := d.freeWorkers()
	busy := len(d.workers) - len(free)

	d.metrics.workersBusy.Record(ctx, int64(busy))
	d.logLoad(ctx, busy)

	span.SetAttributes(attribute.Int("relay.dispatcher.free_workers", len(free)))

	if len(free) == 0 {
		return nil
	}

	requests, err := d.source.GetRequests(ctx, len(free))
	if err != nil {
		d.fetchErrors.Add(1)
		d.metrics.fetchErrors.Add(ctx, 1)

		return fmt.Errorf("get requests: %w", err)
	}

	if len(requests) > len(free) {
		d.rejectOverFetch(ctx, requests[len(free):], len(free))
		requests = requests[:len(free)]
	}

	span.SetAttributes(attribute.Int("relay.dispatcher.fetched", len(requests)))
	d.fetched.Add(int64(len(requests)))
	d.metrics.fetched.Add(ctx, int64(len(requests)))

	assigned := 0

	for _, req := range requests {
		if req == nil {
			continue
		}

		worker := d.acquire(free)
		if worker == nil {
			d.reject(ctx, req, ErrWorkerNotAcquired)
			continue
		}

		d.assign(ctx, worker, req)
		assigned++
	}

	// A completion also re-arms; Set is idempotent so both may fire.
	if assigned > 0 && len(free) > assigned {
		d.signal.Set()
	}

	return nil
}

func (d *Dispatcher) freeWorkers() []*Worker {
	free := make([]*Worker, 0, len(d.workers))

	for _, w := range d.workers {
		if !w.IsBusy() {
			free = append(free, w)
		}
	}

	return free
}

// acquire takes the first worker of free that wins the busy flag and drops
// the ones it walked past.
func (d *Dispatcher) acquire(free []*Worker) *Worker {
	for i, w := range free {
		if w == nil {
			continue
		}

		free[i] = nil

		if w.TryAcquire() {
			return w
		}
	}

	return nil
}

func (d *Dispatcher) assign(ctx context.Context, worker *Worker, req *PendingRequest) {
	d.inflight.Add(1)
	d.assigned.Add(1)
	d.metrics.assigned.Add(ctx, 1)

	settlement := newSettlement(req.Ack)
	workCtx := context.WithoutCancel(ctx)

	runtime.SafeGoWithContextAndComponent(workCtx, d.logger, "dispatcher", "assignment", runtime.KeepRunning,
		func(ctx context.Context) {
			result := completion{ctx: ctx, worker: worker, req: req, settlement: settlement}

			defer func() {
				d.results <- result
			}()

			processCtx := ctx

			if d.cfg.ProcessingTimeout > 0 {
				var cancel context.CancelFunc

				processCtx, cancel = context.WithTimeout(ctx, d.cfg.ProcessingTimeout)
				defer cancel()
			}

			result.err = worker.ProcessSafely(processCtx, req)
		})
}

func (d *Dispatcher) observe(done <-chan struct{}) {
	for {
		select {
		case c := <-d.results:
			d.complete(c)
		case <-done:
			return
		}
	}
}

func (d *Dispatcher) complete(c completion) {
	defer d.inflight.Done()
	defer runtime.RecoverAndLogWithContext(c.ctx, d.logger, "dispatcher", "completion")

	if c.err != nil {
		d.failed.Add(1)
		d.metrics.failed.Add(c.ctx, 1)
	} else {
		d.completed.Add(1)
		d.metrics.completed.Add(c.ctx, 1)
	}

	if err := c.settlement.settle(c.ctx, c.err); err != nil {
		d.logger.Log(c.ctx, log.LevelWarn, "request acknowledgement failed",
			log.Int64("request_id", c.req.ID), log.Int("worker", c.worker.ID()), log.Err(err))
	}

	d.signal.Set()
}

func (d *Dispatcher) rejectOverFetch(ctx context.Context, extra []*PendingRequest, maxCount int) {
	d.logger.Log(ctx, log.LevelError, "request source over-fetched; extra requests rejected",
		log.Int("max_count", maxCount), log.Int("extra", len(extra)))

	for _, req := range extra {
		if req != nil {
			d.reject(ctx, req, ErrOverFetch)
		}
	}
}

func (d *Dispatcher) reject(ctx context.Context, req *PendingRequest, cause error) {
	if err := newSettlement(req.Ack).settle(ctx, cause); err != nil {
		d.logger.Log(ctx, log.LevelWarn, "request rejection failed", log.Int64("request_id", req.ID), log.Err(err))
	}
}

func (d *Dispatcher) logLoad(ctx context.Context, busy int) {
	now := time.Now()
	if !d.lastStateLog.IsZero() && now.Sub(d.lastStateLog) < d.cfg.StateLogInterval {
		return
	}

	d.lastStateLog = now

	d.logger.Log(ctx, log.LevelInfo, "dispatcher load",
		log.Int("busy", busy), log.Int("total", len(d.workers)))
}

func (d *Dispatcher) busyCount() int {
	busy := 0

	for _, w := range d.workers {
		if w.IsBusy() {
			busy++
		}
	}

	return busy
}

func (d *Dispatcher) registerRun(cancel context.CancelFunc, drained chan struct{}) (<-chan struct{}, bool) {
	d.runStateMu.Lock()
	defer d.runStateMu.Unlock()

	if d.running {
		return nil, false
	}

	select {
	case <-d.stop:
		d.stop = make(chan struct{})
		d.stopOnce = sync.Once{}
	default:
	}

	d.running = true
	d.cancelFunc = cancel
	d.drained = drained

	return d.stop, true
}

func (d *Dispatcher) clearRun() {
	d.runStateMu.Lock()
	defer d.runStateMu.Unlock()

	d.running = false
	d.cancelFunc = nil
}
