//go:build unit

package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/lib-relay/relay/log"
	"github.com/LerianStudio/lib-relay/relay/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type recordingSender struct {
	mu      sync.Mutex
	sent    []string
	gate    chan struct{}
	entered chan string
	errFor  func(msg Message) error
}

func newRecordingSender() *recordingSender {
	return &recordingSender{entered: make(chan string, 16)}
}

func (s *recordingSender) Send(_ context.Context, msg Message) error {
	s.entered <- msg.ID

	if s.gate != nil {
		<-s.gate
	}

	s.mu.Lock()
	s.sent = append(s.sent, msg.ID)
	s.mu.Unlock()

	if s.errFor != nil {
		return s.errFor(msg)
	}

	return nil
}

func (s *recordingSender) sentIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.sent...)
}

func newTestChannel(t *testing.T, sender Sender, opts ...Option) *Channel {
	t.Helper()

	ch, err := NewChannel("mail", sender, log.NewNop(), opts...)
	require.NoError(t, err)

	t.Cleanup(func() { _ = ch.Close(context.Background()) })

	return ch
}

// sendAsync queues msg and waits until it is visible in the queue, so
// messages are enqueued in call order.
func sendAsync(t *testing.T, ch *Channel, ctx context.Context, id string, queuedBefore int) <-chan error {
	t.Helper()

	out := make(chan error, 1)

	go func() { out <- ch.SendAndWait(ctx, Message{ID: id}) }()

	require.Eventually(t, func() bool { return ch.Len() == queuedBefore+1 }, time.Second, time.Millisecond)

	return out
}

func waitResult(t *testing.T, out <-chan error) error {
	t.Helper()

	select {
	case err := <-out:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("SendAndWait did not return")
		return nil
	}
}

func TestNewChannelValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChannel(" ", newRecordingSender(), nil)
	require.ErrorIs(t, err, ErrKindRequired)

	_, err = NewChannel("mail", nil, nil)
	require.ErrorIs(t, err, ErrSenderRequired)

	var typedNil *recordingSender
	_, err = NewChannel("mail", typedNil, nil)
	require.ErrorIs(t, err, ErrSenderRequired)
}

func TestChannelSendsInOrder(t *testing.T) {
	t.Parallel()

	sender := newRecordingSender()
	sender.gate = make(chan struct{})
	ch := newTestChannel(t, sender)

	first := make(chan error, 1)
	go func() { first <- ch.SendAndWait(context.Background(), Message{ID: "m-0"}) }()
	assert.Equal(t, "m-0", <-sender.entered)

	var results []<-chan error
	for i := 1; i <= 3; i++ {
		results = append(results, sendAsync(t, ch, context.Background(), fmt.Sprintf("m-%d", i), i-1))
	}

	close(sender.gate)

	require.NoError(t, waitResult(t, first))
	for _, out := range results {
		require.NoError(t, waitResult(t, out))
	}

	assert.Equal(t, []string{"m-0", "m-1", "m-2", "m-3"}, sender.sentIDs())
}

func TestChannelUnrecoverableFailureFailsQueuedMessages(t *testing.T) {
	t.Parallel()

	errProvider := errors.New("provider account suspended")

	sender := newRecordingSender()
	sender.gate = make(chan struct{})
	sender.errFor = func(msg Message) error {
		if msg.ID == "m-0" {
			return Unrecoverable(errProvider)
		}

		return nil
	}

	ch := newTestChannel(t, sender)

	first := make(chan error, 1)
	go func() { first <- ch.SendAndWait(context.Background(), Message{ID: "m-0"}) }()
	<-sender.entered

	second := sendAsync(t, ch, context.Background(), "m-1", 0)
	third := sendAsync(t, ch, context.Background(), "m-2", 1)

	close(sender.gate)

	for _, out := range []<-chan error{first, second, third} {
		err := waitResult(t, out)
		require.ErrorIs(t, err, ErrUnrecoverable)
		require.ErrorIs(t, err, errProvider)
	}

	assert.Equal(t, []string{"m-0"}, sender.sentIDs())

	err := ch.SendAndWait(context.Background(), Message{ID: "m-3"})
	require.ErrorIs(t, err, errProvider)
	require.ErrorIs(t, ch.Err(), ErrUnrecoverable)
}

func TestChannelCloseCancelsQueuedMessages(t *testing.T) {
	t.Parallel()

	sender := newRecordingSender()
	sender.gate = make(chan struct{})
	ch := newTestChannel(t, sender)

	first := make(chan error, 1)
	go func() { first <- ch.SendAndWait(context.Background(), Message{ID: "m-0"}) }()
	<-sender.entered

	queued := sendAsync(t, ch, context.Background(), "m-1", 0)

	closed := make(chan error, 1)
	go func() { closed <- ch.Close(context.Background()) }()

	err := waitResult(t, queued)
	require.ErrorIs(t, err, ErrChannelClosed)
	require.ErrorIs(t, err, context.Canceled)

	close(sender.gate)
	require.NoError(t, waitResult(t, first))
	require.NoError(t, waitResult(t, closed))

	require.ErrorIs(t, ch.SendAndWait(context.Background(), Message{ID: "m-2"}), ErrChannelClosed)
}

func TestChannelSkipsAbandonedMessages(t *testing.T) {
	t.Parallel()

	sender := newRecordingSender()
	sender.gate = make(chan struct{})
	ch := newTestChannel(t, sender)

	first := make(chan error, 1)
	go func() { first <- ch.SendAndWait(context.Background(), Message{ID: "m-0"}) }()
	<-sender.entered

	ctx, cancel := context.WithCancel(context.Background())
	abandoned := sendAsync(t, ch, ctx, "m-1", 0)
	kept := sendAsync(t, ch, context.Background(), "m-2", 1)

	cancel()
	require.ErrorIs(t, waitResult(t, abandoned), context.Canceled)

	close(sender.gate)
	require.NoError(t, waitResult(t, first))
	require.NoError(t, waitResult(t, kept))

	assert.Equal(t, []string{"m-0", "m-2"}, sender.sentIDs())
}

func TestChannelRecoversSenderPanic(t *testing.T) {
	t.Parallel()

	calls := 0
	ch := newTestChannel(t, SenderFunc(func(context.Context, Message) error {
		calls++
		if calls == 1 {
			panic("template missing")
		}

		return nil
	}))

	require.ErrorIs(t, ch.SendAndWait(context.Background(), Message{ID: "m-0"}), runtime.ErrPanic)
	require.NoError(t, ch.SendAndWait(context.Background(), Message{ID: "m-1"}))
}

func TestChannelCircuitBreakerFailsFast(t *testing.T) {
	t.Parallel()

	errTimeout := errors.New("smtp timeout")

	sender := newRecordingSender()
	sender.errFor = func(Message) error { return errTimeout }

	cfg := DefaultBreakerConfig()
	cfg.ConsecutiveFailures = 2
	cfg.Timeout = time.Minute

	ch := newTestChannel(t, sender, WithCircuitBreaker(cfg))
	assert.Equal(t, BreakerClosed, ch.BreakerState())

	require.ErrorIs(t, ch.SendAndWait(context.Background(), Message{ID: "m-0"}), errTimeout)
	require.ErrorIs(t, ch.SendAndWait(context.Background(), Message{ID: "m-1"}), errTimeout)

	err := ch.SendAndWait(context.Background(), Message{ID: "m-2"})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, IsUnrecoverable(err))

	assert.Equal(t, BreakerOpen, ch.BreakerState())
	assert.Equal(t, []string{"m-0", "m-1"}, sender.sentIDs())
}

func TestChannelRecordsMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	sender := newRecordingSender()
	sender.errFor = func(msg Message) error {
		if msg.ID == "bad" {
			return errors.New("rejected")
		}

		return nil
	}

	ch := newTestChannel(t, sender, WithMeterProvider(provider))

	require.NoError(t, ch.SendAndWait(context.Background(), Message{ID: "good"}))
	require.Error(t, ch.SendAndWait(context.Background(), Message{ID: "bad"}))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}

	assert.Equal(t, int64(1), sums["relay.notification.sent"])
	assert.Equal(t, int64(1), sums["relay.notification.failed"])
	assert.Equal(t, int64(0), sums["relay.notification.queued"])
}

func TestUnrecoverable(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Unrecoverable(nil))

	base := errors.New("bad credentials")
	err := fmt.Errorf("send: %w", Unrecoverable(base))

	assert.True(t, IsUnrecoverable(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "send: bad credentials", err.Error())
	assert.False(t, IsUnrecoverable(base))
}
