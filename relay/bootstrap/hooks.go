package bootstrap

import (
	"context"

	"github.com/LerianStudio/lib-relay/relay/dispatcher"
	"github.com/LerianStudio/lib-relay/relay/eventsource"
	"github.com/LerianStudio/lib-relay/relay/log"
)

// Hooks is implemented by a concrete processor.
type Hooks interface {
	// Sources resolves the event sources to listen to.
	Sources(ctx context.Context) ([]eventsource.Source, error)
	// ResetStuckRequests releases requests left in progress by a crashed run.
	ResetStuckRequests(ctx context.Context, sources []eventsource.Source) error
	// CreateRequestSource returns the data fetch the dispatcher drives.
	CreateRequestSource(sources []eventsource.Source) (dispatcher.RequestSource, error)
	// CreateWorkerParams is called once per worker.
	CreateWorkerParams(logger log.Logger) (dispatcher.WorkerParams, error)
	// CreateReceiver builds the receiver for source. handler must be passed
	// to it, possibly wrapped.
	CreateReceiver(source eventsource.Source, handler eventsource.Handler) (*eventsource.Receiver, error)
}

// FallbackHook, when implemented by Hooks, replaces the periodic default of
// re-arming the wake signal.
type FallbackHook interface {
	Fallback(ctx context.Context, signal *dispatcher.Signal)
}
