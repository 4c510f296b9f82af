package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
	"github.com/LerianStudio/lib-relay/relay/runtime"
)

// Processor is the business logic run for each request.
type Processor interface {
	ProcessRequest(ctx context.Context, req *PendingRequest) error
	// RequestInfo describes req for logs and status output.
	RequestInfo(req *PendingRequest) string
}

// ExceptionHandler observes a failed request. Panics inside it are recovered.
type ExceptionHandler func(ctx context.Context, req *PendingRequest, err error)

// WorkerParams carries what one worker needs.
type WorkerParams struct {
	Processor        Processor
	ExceptionHandler ExceptionHandler
}

// ProcessingInfo describes the request a worker is busy with.
type ProcessingInfo struct {
	RequestInfo string
	StartedAt   time.Time
}

// Worker processes one request at a time.
type Worker struct {
	id     int
	params WorkerParams
	logger log.Logger

	busy atomic.Bool

	mu      sync.Mutex
	current ProcessingInfo
}

// NewWorker builds a worker.
func NewWorker(id int, params WorkerParams, logger log.Logger) (*Worker, error) {
	if nilcheck.Interface(params.Processor) {
		return nil, ErrProcessorRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &Worker{
		id:     id,
		params: params,
		logger: logger.With(log.Int("worker", id)),
	}, nil
}

// ID returns the worker index.
func (w *Worker) ID() int { return w.id }

// IsBusy reports whether the worker holds a request.
func (w *Worker) IsBusy() bool { return w.busy.Load() }

// TryAcquire marks the worker busy. It fails when the worker already is.
func (w *Worker) TryAcquire() bool {
	return w.busy.CompareAndSwap(false, true)
}

// Current returns the request in progress, if any.
func (w *Worker) Current() (ProcessingInfo, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.current, w.busy.Load() && !w.current.StartedAt.IsZero()
}

// ProcessSafely runs the processor for req on a worker acquired with
// TryAcquire and releases it afterwards. Panics become errors; failures are
// passed to the ExceptionHandler.
func (w *Worker) ProcessSafely(ctx context.Context, req *PendingRequest) (err error) {
	if !w.busy.Load() {
		return ErrWorkerNotAcquired
	}

	info := w.describe(req)

	w.mu.Lock()
	w.current = ProcessingInfo{RequestInfo: info, StartedAt: time.Now()}
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.current = ProcessingInfo{}
		w.mu.Unlock()

		w.busy.Store(false)
	}()

	defer func() {
		if recovered := recover(); recovered != nil {
			runtime.HandlePanicValue(ctx, w.logger, recovered, "dispatcher", "worker")
			err = runtime.PanicAsError(recovered)
		}

		if err != nil {
			err = fmt.Errorf("%s: %w", info, err)
			w.handleException(ctx, req, err)
		}
	}()

	return w.params.Processor.ProcessRequest(ctx, req)
}

func (w *Worker) describe(req *PendingRequest) (info string) {
	defer func() {
		if recover() != nil {
			info = req.String()
		}
	}()

	info = w.params.Processor.RequestInfo(req)
	if info == "" {
		info = req.String()
	}

	return info
}

func (w *Worker) handleException(ctx context.Context, req *PendingRequest, err error) {
	if w.params.ExceptionHandler == nil {
		w.logger.Log(ctx, log.LevelError, "request processing failed", log.Err(err))
		return
	}

	defer runtime.RecoverAndLogWithContext(ctx, w.logger, "dispatcher", "worker_exception_handler")

	w.params.ExceptionHandler(ctx, req, err)
}
