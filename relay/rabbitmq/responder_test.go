//go:build unit

package rabbitmq

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/LerianStudio/lib-relay/relay/log"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upperHandler(_ context.Context, req Request) ([]byte, error) {
	switch string(req.Body) {
	case "fail":
		return nil, errors.New("cannot serve")
	case "panic":
		panic("handler exploded")
	}

	return []byte(strings.ToUpper(string(req.Body))), nil
}

// startResponder runs a responder until the test ends and waits for its
// first consumer.
func startResponder(t *testing.T, dialer *fakeDialer, logger log.Logger) *fakeChannel {
	t.Helper()

	responder, err := NewResponder(ResponderConfig{URL: testURL, Queue: testRequestQueue, ReconnectBackoff: 10 * time.Millisecond},
		upperHandler, logger, WithResponderDialer(dialer.dial))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- responder.RunContext(ctx) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	return waitForConsumer(t, dialer, 0)
}

func waitForConsumer(t *testing.T, dialer *fakeDialer, conn int) *fakeChannel {
	t.Helper()

	var ch *fakeChannel

	require.Eventually(t, func() bool {
		c := dialer.conn(conn)
		if c == nil {
			return false
		}

		ch = c.channel(0)

		return ch != nil && len(ch.snapshot().queues) == 1
	}, waitFor, tick)

	return ch
}

func TestNewResponderValidation(t *testing.T) {
	t.Parallel()

	_, err := NewResponder(ResponderConfig{Queue: "q"}, upperHandler, nil)
	require.ErrorIs(t, err, ErrURLRequired)

	_, err = NewResponder(ResponderConfig{URL: testURL}, upperHandler, nil)
	require.ErrorIs(t, err, ErrQueueRequired)

	_, err = NewResponder(ResponderConfig{URL: testURL, Queue: "q"}, nil, nil)
	require.ErrorIs(t, err, ErrHandlerRequired)
}

func TestResponderRepliesWithCorrelationID(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()
	ch := startResponder(t, dialer, nil)

	assert.Equal(t, testRequestQueue, ch.snapshot().queues[0].name)

	ch.deliver(amqp.Delivery{
		DeliveryTag:   1,
		CorrelationId: "r-1",
		ReplyTo:       "amq.gen-reply",
		ContentType:   "text/plain",
		Body:          []byte("ping"),
	})

	require.Eventually(t, func() bool { return len(ch.snapshot().acks) == 1 }, waitFor, tick)

	state := ch.snapshot()
	require.Len(t, state.published, 1)

	reply := state.published[0]
	assert.Empty(t, reply.exchange)
	assert.Equal(t, "amq.gen-reply", reply.key)
	assert.Equal(t, "r-1", reply.msg.CorrelationId)
	assert.Equal(t, "text/plain", reply.msg.ContentType)
	assert.Equal(t, "PING", string(reply.msg.Body))
	assert.Equal(t, []uint64{1}, state.acks)
}

func TestResponderRejectsFailedRequests(t *testing.T) {
	t.Parallel()

	logger := &recordingLogger{}
	dialer := newFakeDialer()
	ch := startResponder(t, dialer, logger)

	ch.deliver(amqp.Delivery{DeliveryTag: 1, CorrelationId: "r-1", ReplyTo: "amq.gen-reply", Body: []byte("fail")})
	ch.deliver(amqp.Delivery{DeliveryTag: 2, CorrelationId: "r-2", ReplyTo: "amq.gen-reply", Body: []byte("panic")})
	ch.deliver(amqp.Delivery{DeliveryTag: 3, CorrelationId: "r-3", Body: []byte("orphan")})

	require.Eventually(t, func() bool {
		state := ch.snapshot()
		return len(state.nacks) == 2 && len(state.acks) == 1
	}, waitFor, tick)

	state := ch.snapshot()
	assert.Equal(t, []uint64{1, 2}, state.nacks)
	assert.Equal(t, []uint64{3}, state.acks)
	assert.Empty(t, state.published)

	assert.True(t, logger.has(log.LevelWarn, "rpc request rejected"))
	assert.True(t, logger.has(log.LevelWarn, "rpc request has no reply queue, dropping reply"))
}

func TestResponderReconnects(t *testing.T) {
	t.Parallel()

	logger := &recordingLogger{}
	dialer := newFakeDialer()
	startResponder(t, dialer, logger)

	dialer.conn(0).drop(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"})

	ch := waitForConsumer(t, dialer, 1)
	ch.deliver(amqp.Delivery{DeliveryTag: 1, CorrelationId: "r-1", ReplyTo: "amq.gen-reply", Body: []byte("again")})

	require.Eventually(t, func() bool { return len(ch.snapshot().acks) == 1 }, waitFor, tick)
	assert.True(t, logger.has(log.LevelWarn, "rpc responder lost its connection"))
}

func TestResponderServesRPCClient(t *testing.T) {
	t.Parallel()

	dialer := newFakeDialer()
	responderCh := startResponder(t, dialer, nil)

	// route published requests from the client connection to the responder
	// and replies back to the client's consumer
	var reqTag, replyTag uint64

	clientDialer := newFakeDialer()
	clientDialer.setOnPublish(func(_ *fakeConnection, _, _ string, msg amqp.Publishing) error {
		reqTag++
		responderCh.deliver(amqp.Delivery{
			DeliveryTag:   reqTag,
			CorrelationId: msg.CorrelationId,
			ReplyTo:       msg.ReplyTo,
			Body:          msg.Body,
		})

		return nil
	})

	client := newTestRPCClient(t, clientDialer, nil)

	dialer.setOnPublish(func(_ *fakeConnection, _, key string, msg amqp.Publishing) error {
		if key != client.ReplyQueue() {
			return errors.New("unexpected reply queue " + key)
		}

		replyTag++
		clientDialer.conn(0).channel(1).deliver(amqp.Delivery{
			DeliveryTag:   replyTag,
			CorrelationId: msg.CorrelationId,
			Body:          msg.Body,
		})

		return nil
	})

	body, err := client.Call(context.Background(), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(body))
}
