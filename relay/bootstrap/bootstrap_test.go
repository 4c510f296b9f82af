//go:build unit

package bootstrap

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LerianStudio/lib-relay/relay/dispatcher"
	"github.com/LerianStudio/lib-relay/relay/eventsource"
	"github.com/LerianStudio/lib-relay/relay/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	pgSource    = eventsource.Source{Kind: eventsource.KindPostgres, Descriptor: "db:5432/relay"}
	queueSource = eventsource.Source{Kind: eventsource.KindRabbitMQ, Descriptor: "relay.requests"}
)

type idleSubscription struct {
	closed chan struct{}
	events chan eventsource.Event
}

func (s *idleSubscription) Subscribe(context.Context, []string) error { return nil }

func (s *idleSubscription) Next(ctx context.Context) (eventsource.Event, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-ctx.Done():
		return eventsource.Event{}, ctx.Err()
	}
}

func (s *idleSubscription) Ping(context.Context) error { return nil }

func (s *idleSubscription) Close(context.Context) error {
	close(s.closed)
	return nil
}

type idleListener struct {
	sub *idleSubscription
}

func (l *idleListener) Connect(context.Context) (eventsource.Subscription, error) {
	return l.sub, nil
}

type fakeHooks struct {
	mu        sync.Mutex
	steps     []string
	sources   []eventsource.Source
	resetErr  error
	listeners map[eventsource.Source]*idleListener

	fetches   atomic.Int32
	pending   chan *dispatcher.PendingRequest
	processed chan int64
	release   chan struct{}
}

func newFakeHooks(sources ...eventsource.Source) *fakeHooks {
	h := &fakeHooks{
		sources:   sources,
		listeners: map[eventsource.Source]*idleListener{},
		pending:   make(chan *dispatcher.PendingRequest, 8),
		processed: make(chan int64, 8),
	}

	for _, s := range sources {
		h.listeners[s] = &idleListener{sub: &idleSubscription{
			closed: make(chan struct{}),
			events: make(chan eventsource.Event, 1),
		}}
	}

	return h
}

func (h *fakeHooks) record(step string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.steps = append(h.steps, step)
}

func (h *fakeHooks) recorded() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]string(nil), h.steps...)
}

func (h *fakeHooks) Sources(context.Context) ([]eventsource.Source, error) {
	h.record("sources")
	return h.sources, nil
}

func (h *fakeHooks) ResetStuckRequests(context.Context, []eventsource.Source) error {
	h.record("reset")
	return h.resetErr
}

func (h *fakeHooks) CreateRequestSource([]eventsource.Source) (dispatcher.RequestSource, error) {
	h.record("request_source")

	return dispatcher.RequestSourceFunc(func(_ context.Context, maxCount int) ([]*dispatcher.PendingRequest, error) {
		h.fetches.Add(1)

		var out []*dispatcher.PendingRequest

		for len(out) < maxCount {
			select {
			case req := <-h.pending:
				out = append(out, req)
			default:
				return out, nil
			}
		}

		return out, nil
	}), nil
}

func (h *fakeHooks) CreateWorkerParams(log.Logger) (dispatcher.WorkerParams, error) {
	h.record("worker")

	return dispatcher.WorkerParams{Processor: processorFunc(func(_ context.Context, req *dispatcher.PendingRequest) error {
		if h.release != nil {
			<-h.release
		}

		h.processed <- req.ID

		return nil
	})}, nil
}

func (h *fakeHooks) CreateReceiver(source eventsource.Source, handler eventsource.Handler) (*eventsource.Receiver, error) {
	h.record("receiver:" + string(source.Kind))

	return eventsource.NewReceiver(source, h.listeners[source], handler, []string{"request_created"}, log.NewNop())
}

type processorFunc func(ctx context.Context, req *dispatcher.PendingRequest) error

func (f processorFunc) ProcessRequest(ctx context.Context, req *dispatcher.PendingRequest) error {
	return f(ctx, req)
}

func (f processorFunc) RequestInfo(*dispatcher.PendingRequest) string { return "" }

type fallbackHooks struct {
	*fakeHooks
	calls atomic.Int32
}

func (h *fallbackHooks) Fallback(_ context.Context, signal *dispatcher.Signal) {
	h.calls.Add(1)
	signal.Set()
}

type countingAck struct {
	confirms atomic.Int32
}

func (a *countingAck) Confirm(context.Context) error {
	a.confirms.Add(1)
	return nil
}

func (a *countingAck) Reject(context.Context, error) error { return nil }

func TestNewRequiresHooks(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil, nil)
	assert.ErrorIs(t, err, ErrHooksRequired)
}

func TestStartOrderAndPriming(t *testing.T) {
	t.Parallel()

	hooks := newFakeHooks(pgSource, queueSource)

	b, err := New(hooks, log.NewNop(), nil, WithWorkerCount(2))
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	assert.Equal(t, []string{
		"sources", "reset", "request_source", "worker", "worker", "receiver:postgres", "receiver:rabbitmq",
	}, hooks.recorded())

	// Primed once without any event.
	require.Eventually(t, func() bool { return hooks.fetches.Load() >= 1 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, st := range b.Receivers() {
			if st.State != eventsource.StateListening {
				return false
			}
		}

		return true
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, b.Start(context.Background()), ErrAlreadyStarted)
	require.NoError(t, b.Stop(context.Background()))
	assert.ErrorIs(t, b.Stop(context.Background()), ErrNotStarted)
}

func TestEventWakesDispatcher(t *testing.T) {
	t.Parallel()

	hooks := newFakeHooks(pgSource)

	b, err := New(hooks, log.NewNop(), nil, WithWorkerCount(1))
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	require.Eventually(t, func() bool { return hooks.fetches.Load() >= 1 }, time.Second, 5*time.Millisecond)

	hooks.pending <- &dispatcher.PendingRequest{ID: 11}
	hooks.listeners[pgSource].sub.events <- eventsource.Event{Name: "request_created"}

	select {
	case id := <-hooks.processed:
		assert.Equal(t, int64(11), id)
	case <-time.After(2 * time.Second):
		t.Fatal("event did not trigger processing")
	}
}

func TestDuplicateSourceRollsBack(t *testing.T) {
	t.Parallel()

	hooks := newFakeHooks(pgSource)
	hooks.sources = []eventsource.Source{pgSource, pgSource}

	b, err := New(hooks, log.NewNop(), nil, WithWorkerCount(1))
	require.NoError(t, err)

	err = b.Start(context.Background())
	require.ErrorIs(t, err, ErrDuplicateSource)

	d := b.Dispatcher()
	require.NotNil(t, d)
	assert.ErrorIs(t, b.Stop(context.Background()), ErrNotStarted)
	assert.False(t, b.Signal().IsSet())
}

func TestStartFailsWhenResetFails(t *testing.T) {
	t.Parallel()

	hooks := newFakeHooks(pgSource)
	hooks.resetErr = errors.New("db down")

	b, err := New(hooks, log.NewNop(), nil)
	require.NoError(t, err)

	err = b.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reset stuck requests")
	assert.Nil(t, b.Dispatcher())
	assert.Equal(t, []string{"sources", "reset"}, hooks.recorded())
}

func TestStartFailsWithoutSources(t *testing.T) {
	t.Parallel()

	b, err := New(newFakeHooks(), log.NewNop(), nil)
	require.NoError(t, err)

	assert.ErrorIs(t, b.Start(context.Background()), ErrNoSources)
}

func TestStopClosesReceiversAndDrainsWork(t *testing.T) {
	t.Parallel()

	hooks := newFakeHooks(pgSource)
	hooks.release = make(chan struct{})

	b, err := New(hooks, log.NewNop(), nil, WithWorkerCount(1))
	require.NoError(t, err)

	ack := &countingAck{}
	hooks.pending <- &dispatcher.PendingRequest{ID: 5, Ack: ack}

	require.NoError(t, b.Start(context.Background()))
	require.Eventually(t, func() bool { return b.Dispatcher().Stats().WorkersBusy == 1 }, time.Second, 5*time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- b.Stop(context.Background()) }()

	select {
	case <-hooks.listeners[pgSource].sub.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("receiver was not closed")
	}

	select {
	case <-stopped:
		t.Fatal("stop returned before in-flight work finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(hooks.release)

	require.NoError(t, <-stopped)
	assert.Equal(t, int32(1), ack.confirms.Load())
	assert.False(t, b.Signal().IsSet())

	for _, st := range b.Receivers() {
		assert.Equal(t, eventsource.StateStopped, st.State)
	}
}

func TestStatusReadsDoNotWaitForStop(t *testing.T) {
	t.Parallel()

	hooks := newFakeHooks(pgSource)
	hooks.release = make(chan struct{})

	b, err := New(hooks, log.NewNop(), nil, WithWorkerCount(1))
	require.NoError(t, err)

	hooks.pending <- &dispatcher.PendingRequest{ID: 9, Ack: &countingAck{}}

	require.NoError(t, b.Start(context.Background()))
	require.Eventually(t, func() bool { return b.Dispatcher().Stats().WorkersBusy == 1 }, time.Second, 5*time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- b.Stop(context.Background()) }()

	select {
	case <-hooks.listeners[pgSource].sub.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("receiver was not closed")
	}

	read := make(chan []ReceiverStatus, 1)
	go func() {
		assert.NotNil(t, b.Dispatcher())
		read <- b.Receivers()
	}()

	select {
	case statuses := <-read:
		require.Len(t, statuses, 1)
		assert.Equal(t, pgSource, statuses[0].Source)
	case <-time.After(time.Second):
		t.Fatal("status read blocked behind stop")
	}

	select {
	case <-stopped:
		t.Fatal("stop returned before in-flight work finished")
	default:
	}

	close(hooks.release)
	require.NoError(t, <-stopped)
}

func TestFallbackRearmsSignal(t *testing.T) {
	t.Parallel()

	hooks := newFakeHooks(pgSource)

	b, err := New(hooks, log.NewNop(), nil, WithWorkerCount(1), WithFallbackInterval(15*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	require.Eventually(t, func() bool { return hooks.fetches.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestCustomFallbackHook(t *testing.T) {
	t.Parallel()

	hooks := &fallbackHooks{fakeHooks: newFakeHooks(pgSource)}

	b, err := New(hooks, log.NewNop(), nil, WithWorkerCount(1), WithFallbackInterval(15*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	require.Eventually(t, func() bool { return hooks.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestConfigNormalizeAndReceiverOptions(t *testing.T) {
	t.Parallel()

	cfg := Config{WorkerCount: -1, ProcessingTimeout: -time.Second}
	cfg.normalize()

	assert.Equal(t, DefaultConfig().WorkerCount, cfg.WorkerCount)
	assert.Equal(t, time.Duration(0), cfg.ProcessingTimeout)
	assert.Len(t, cfg.ReceiverOptions(), 2)
}
