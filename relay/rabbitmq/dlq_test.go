//go:build unit

package rabbitmq

import (
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeclareDeadLetterTopologyDefaults(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel(&fakeConnection{})

	cfg, err := DeclareDeadLetterTopology(ch)
	require.NoError(t, err)

	assert.Equal(t, "relay.dlx", cfg.Exchange)
	assert.Equal(t, "relay.dlq", cfg.Queue)

	state := ch.snapshot()
	assert.Equal(t, []string{"relay.dlx"}, state.exchanges)
	require.Len(t, state.queues, 1)
	assert.Equal(t, "relay.dlq", state.queues[0].name)
	assert.Nil(t, state.queues[0].args)
	assert.Equal(t, []string{"relay.dlx->relay.dlq:#"}, state.bindings)
}

func TestDeclareDeadLetterTopologyOptions(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel(&fakeConnection{})

	cfg, err := DeclareDeadLetterTopology(ch,
		WithDeadLetterExchange("orders.dlx"),
		WithDeadLetterQueue("orders.dlq"),
		WithDeadLetterTTL(90*time.Second),
		WithDeadLetterMaxLength(1000),
		WithDeadLetterQueue(""),
		nil,
	)
	require.NoError(t, err)

	assert.Equal(t, "orders.dlx", cfg.Exchange)
	assert.Equal(t, "orders.dlq", cfg.Queue)

	args := ch.snapshot().queues[0].args
	assert.Equal(t, int64(90000), args["x-message-ttl"])
	assert.Equal(t, int64(1000), args["x-max-length"])
}

func TestDeclareDeadLetterTopologyNilChannel(t *testing.T) {
	t.Parallel()

	var ch *fakeChannel

	_, err := DeclareDeadLetterTopology(ch)
	require.ErrorIs(t, err, ErrChannelRequired)
}

type failingTopology struct {
	*fakeChannel
}

func (failingTopology) QueueBind(string, string, string, bool, amqp.Table) error {
	return errors.New("bind refused")
}

func TestDeclareDeadLetterTopologyBindFailure(t *testing.T) {
	t.Parallel()

	_, err := DeclareDeadLetterTopology(failingTopology{newFakeChannel(&fakeConnection{})})
	require.ErrorContains(t, err, "bind dead-letter queue")
}

func TestDeadLetterArgs(t *testing.T) {
	t.Parallel()

	assert.Equal(t, amqp.Table{"x-dead-letter-exchange": "relay.dlx"}, DeadLetterArgs(""))
	assert.Equal(t, amqp.Table{"x-dead-letter-exchange": "orders.dlx"}, DeadLetterArgs("orders.dlx"))
}
