//go:build unit

package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/lib-relay/relay/eventsource"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestListener(t *testing.T, dialer *fakeDialer, mutate func(*QueueListenerConfig)) *QueueListener {
	t.Helper()

	cfg := QueueListenerConfig{URL: testURL, Queue: "relay.events"}
	if mutate != nil {
		mutate(&cfg)
	}

	listener, err := NewQueueListener(cfg, nil, WithListenerDialer(dialer.dial))
	require.NoError(t, err)

	return listener
}

func TestNewQueueListenerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewQueueListener(QueueListenerConfig{Queue: "q"}, nil)
	require.ErrorIs(t, err, ErrURLRequired)

	_, err = NewQueueListener(QueueListenerConfig{URL: testURL}, nil)
	require.ErrorIs(t, err, ErrQueueRequired)
}

func TestQueueListenerSource(t *testing.T) {
	t.Parallel()

	listener := newTestListener(t, newFakeDialer(), nil)

	source := listener.Source()
	assert.Equal(t, eventsource.KindRabbitMQ, source.Kind)
	assert.Equal(t, "relay.events", source.Descriptor)
	require.NoError(t, source.Validate())
}

func TestQueueListenerDeclaresTopology(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()
	listener := newTestListener(t, dialer, func(cfg *QueueListenerConfig) {
		cfg.Exchange = "relay.events.x"
		cfg.DeadLetterExchange = "relay.dlx"
		cfg.Prefetch = 4
	})

	sub, err := listener.Connect(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close(context.Background()) })

	require.NoError(t, sub.Subscribe(context.Background(), []string{"request.created", "request.retried"}))

	state := dialer.conn(0).channel(0).snapshot()
	assert.Equal(t, 4, state.prefetch)
	assert.Equal(t, []string{"relay.dlx", "relay.events.x"}, state.exchanges)

	require.Len(t, state.queues, 2)
	assert.Equal(t, "relay.events.dlq", state.queues[0].name)
	assert.Equal(t, "relay.events", state.queues[1].name)
	assert.Equal(t, amqp.Table{"x-dead-letter-exchange": "relay.dlx"}, state.queues[1].args)

	assert.Equal(t, []string{
		"relay.dlx->relay.events.dlq:#",
		"relay.events.x->relay.events:request.created",
		"relay.events.x->relay.events:request.retried",
	}, state.bindings)
}

func TestQueueListenerConnectFailure(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()
	dialer.setFailing(true)

	_, err := newTestListener(t, dialer, nil).Connect(context.Background())
	require.ErrorIs(t, err, errDialRefused)
}

func TestQueueSubscriptionNextRequiresSubscribe(t *testing.T) {
	t.Parallel()

	sub, err := newTestListener(t, newFakeDialer(), nil).Connect(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close(context.Background()) })

	_, err = sub.Next(context.Background())
	require.ErrorIs(t, err, ErrNotSubscribed)
}

func TestQueueSubscriptionDeliversAndSettles(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()

	sub, err := newTestListener(t, dialer, nil).Connect(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close(context.Background()) })

	require.NoError(t, sub.Subscribe(context.Background(), []string{"request.created"}))

	ch := dialer.conn(0).channel(0)
	ch.deliver(amqp.Delivery{Type: "request.created", DeliveryTag: 1, CorrelationId: "c-1", Body: []byte(`{"id":7}`)})
	ch.deliver(amqp.Delivery{RoutingKey: "request.retried", DeliveryTag: 2})

	first, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "request.created", first.Name)
	assert.Equal(t, "c-1", first.CorrelationID)
	assert.JSONEq(t, `{"id":7}`, string(first.Payload))

	second, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "request.retried", second.Name)

	require.NoError(t, first.Ack.Confirm(context.Background()))
	require.ErrorIs(t, first.Ack.Reject(context.Background(), nil), ErrAlreadySettled)
	require.NoError(t, second.Ack.Reject(context.Background(), errors.New("handler failed")))

	state := ch.snapshot()
	assert.Equal(t, []uint64{1}, state.acks)
	assert.Equal(t, []uint64{2}, state.nacks)

	require.NoError(t, sub.Ping(context.Background()))
}

func TestQueueSubscriptionBrokenChannel(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()

	sub, err := newTestListener(t, dialer, nil).Connect(context.Background())
	require.NoError(t, err)

	require.NoError(t, sub.Subscribe(context.Background(), []string{"request.created"}))

	ch := dialer.conn(0).channel(0)
	ch.deliver(amqp.Delivery{Type: "request.created", DeliveryTag: 1})

	event, err := sub.Next(context.Background())
	require.NoError(t, err)

	dialer.conn(0).drop(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"})

	_, err = sub.Next(context.Background())
	require.ErrorIs(t, err, ErrSubscriptionClosed)
	require.ErrorIs(t, sub.Ping(context.Background()), amqp.ErrClosed)

	ack, ok := event.Ack.(*DeliveryAck)
	require.True(t, ok)
	assert.True(t, ack.Stale())
	require.ErrorIs(t, ack.Confirm(context.Background()), ErrStaleDelivery)

	require.NoError(t, sub.Close(context.Background()))
	require.NoError(t, sub.Close(context.Background()))
}

func TestQueueSubscriptionNextHonoursContext(t *testing.T) {
	t.Parallel()

	sub, err := newTestListener(t, newFakeDialer(), nil).Connect(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close(context.Background()) })

	require.NoError(t, sub.Subscribe(context.Background(), []string{"request.created"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = sub.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueListenerWithReceiverReconnects(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()
	listener := newTestListener(t, dialer, nil)

	var (
		mu     sync.Mutex
		events []string
	)

	handler := eventsource.HandlerFunc(func(ctx context.Context, _ eventsource.Source, event eventsource.Event) error {
		mu.Lock()
		events = append(events, event.Name)
		mu.Unlock()

		return event.Ack.Confirm(ctx)
	})

	receiver, err := eventsource.NewReceiver(listener.Source(), listener, handler, []string{"request.created"}, nil,
		eventsource.WithReconnectBackoff(10*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, receiver.Start(context.Background()))
	t.Cleanup(func() { _ = receiver.Stop(context.Background()) })

	require.Eventually(t, func() bool { return receiver.State() == eventsource.StateListening }, waitFor, tick)

	dialer.conn(0).channel(0).deliver(amqp.Delivery{Type: "request.created", DeliveryTag: 1})

	require.Eventually(t, func() bool {
		return len(dialer.conn(0).channel(0).snapshot().acks) == 1
	}, waitFor, tick)

	dialer.conn(0).drop(nil)

	require.Eventually(t, func() bool {
		return receiver.Connections() == 2 && receiver.State() == eventsource.StateListening
	}, waitFor, tick)

	dialer.conn(1).channel(0).deliver(amqp.Delivery{RoutingKey: "request.created", DeliveryTag: 1})

	require.Eventually(t, func() bool {
		return len(dialer.conn(1).channel(0).snapshot().acks) == 1
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []string{"request.created", "request.created"}, events)
}
