// Package errgroup runs a set of goroutines that share a cancellation
// context and converts their panics into errors.
package errgroup

import (
	"context"
	"errors"
	"sync"

	libLog "github.com/LerianStudio/lib-relay/relay/log"
	"github.com/LerianStudio/lib-relay/relay/runtime"
)

// ErrPanicRecovered is returned by Wait when a goroutine panicked.
var ErrPanicRecovered = errors.New("errgroup: panic recovered")

// Group collects the first error of its goroutines. That error cancels the
// group context and is what Wait returns. When the group was built with
// Collect, every error is kept and joined instead.
type Group struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errOnce sync.Once
	mu      sync.Mutex
	err     error
	errs    []error
	collect bool
	logger  libLog.Logger
}

// WithContext returns a new Group and a derived context that is cancelled by
// the first failing goroutine or by Wait.
func WithContext(ctx context.Context) (*Group, context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	return &Group{ctx: ctx, cancel: cancel}, ctx
}

// Collect returns a Group that never cancels siblings and joins every error.
// Shutdown paths use it so one failing stop does not skip the others.
func Collect(ctx context.Context) *Group {
	return &Group{ctx: ctx, collect: true}
}

// SetLogger sets the logger used when a goroutine panics.
func (grp *Group) SetLogger(logger libLog.Logger) {
	if grp == nil {
		return
	}

	grp.logger = logger
}

func (grp *Group) effectiveCtx() context.Context {
	if grp.ctx != nil {
		return grp.ctx
	}

	return context.Background()
}

// Go starts fn on a new goroutine.
func (grp *Group) Go(fn func() error) {
	grp.wg.Add(1)

	go func() {
		defer grp.wg.Done()
		defer func() {
			if recovered := recover(); recovered != nil {
				runtime.HandlePanicValue(grp.effectiveCtx(), grp.logger, recovered, "errgroup", "group.Go")
				grp.record(errors.Join(ErrPanicRecovered, runtime.PanicAsError(recovered)))
			}
		}()

		if err := fn(); err != nil {
			grp.record(err)
		}
	}()
}

func (grp *Group) record(err error) {
	if grp.collect {
		grp.mu.Lock()
		grp.errs = append(grp.errs, err)
		grp.mu.Unlock()

		return
	}

	grp.errOnce.Do(func() {
		grp.err = err
		if grp.cancel != nil {
			grp.cancel()
		}
	})
}

// Wait blocks until every goroutine returned and reports the outcome.
func (grp *Group) Wait() error {
	grp.wg.Wait()

	if grp.cancel != nil {
		grp.cancel()
	}

	if grp.collect {
		grp.mu.Lock()
		defer grp.mu.Unlock()

		return errors.Join(grp.errs...)
	}

	return grp.err
}
