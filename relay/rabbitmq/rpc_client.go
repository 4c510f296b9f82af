package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LerianStudio/lib-relay/relay/backoff"
	"github.com/LerianStudio/lib-relay/relay/log"
	relayotel "github.com/LerianStudio/lib-relay/relay/opentelemetry"
	"github.com/LerianStudio/lib-relay/relay/runtime"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	rpcComponent       = "rabbitmq"
	defaultContentType = "application/octet-stream"
	jsonContentType    = "application/json"
)

// RPCClient publishes requests to a shared request queue and matches replies
// arriving on its own response queue by correlation id.
//
// Requests are published by a single send loop; replies are read by a single
// consume loop. When the connection breaks the client rebuilds it and fails
// every call that was in flight with ErrMustRetry.
type RPCClient struct {
	cfg            RPCConfig
	logger         log.Logger
	tracer         trace.Tracer
	dial           Dialer
	meterProvider  metric.MeterProvider
	metrics        rpcMetrics
	healthCallback HealthCallback

	// mu guards the connection fields and serialises every channel operation.
	mu         sync.Mutex
	conn       Connection
	pubCh      Channel
	conCh      Channel
	deliveries <-chan amqp.Delivery
	chanClosed chan *amqp.Error
	replyQueue string
	epoch      uint64

	pending  *pendingCalls
	outbound *outboundQueue
	health   atomic.Int32
	closed   atomic.Bool

	cancelLoops context.CancelFunc
	loops       sync.WaitGroup
}

// NewRPCClient connects, declares the queues and starts the send and consume
// loops. ctx bounds the initial connection only.
func NewRPCClient(ctx context.Context, cfg RPCConfig, opts ...RPCOption) (*RPCClient, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrURLRequired
	}

	if strings.TrimSpace(cfg.RequestQueue) == "" {
		return nil, ErrRequestQueueRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	cfg.normalize()

	c := &RPCClient{
		cfg:      cfg,
		logger:   log.NewNop(),
		tracer:   noop.NewTracerProvider().Tracer("relay.noop"),
		pending:  newPendingCalls(),
		outbound: newOutboundQueue(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	if c.dial == nil {
		c.dial = DefaultDialer(cfg.Heartbeat)
	}

	metrics, err := newRPCMetrics(c.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("rpc metrics: %w", err)
	}

	c.metrics = metrics
	c.health.Store(int32(Disconnected))

	c.mu.Lock()
	err = c.rebuildLocked(ctx)
	c.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("rpc connect: %w", err)
	}

	c.setHealth(Connected)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancelLoops = cancel

	c.loops.Add(2)
	runtime.SafeGoWithContextAndComponent(loopCtx, c.logger, rpcComponent, "rpc.send_loop", runtime.KeepRunning,
		func(ctx context.Context) {
			defer c.loops.Done()
			c.sendLoop(ctx)
		})
	runtime.SafeGoWithContextAndComponent(loopCtx, c.logger, rpcComponent, "rpc.consume_loop", runtime.KeepRunning,
		func(ctx context.Context) {
			defer c.loops.Done()
			c.consumeLoop(ctx)
		})

	return c, nil
}

// HealthState reports the current connection health.
func (c *RPCClient) HealthState() HealthState {
	return HealthState(c.health.Load())
}

// ReplyQueue returns the response queue of the current connection.
func (c *RPCClient) ReplyQueue() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.replyQueue
}

// Pending returns how many calls are waiting for a reply.
func (c *RPCClient) Pending() int {
	return c.pending.len()
}

func (c *RPCClient) setHealth(state HealthState) {
	if prev := HealthState(c.health.Swap(int32(state))); prev != state && c.healthCallback != nil {
		c.healthCallback(state)
	}
}

// Call sends body and returns the reply body. The reply is acknowledged
// before Call returns.
func (c *RPCClient) Call(ctx context.Context, body []byte, opts ...CallOption) ([]byte, error) {
	reply, err := c.CallWithManualAck(ctx, body, opts...)
	if err != nil {
		return nil, err
	}

	if err := reply.Acknowledge(); err != nil {
		c.logger.Log(ctx, log.LevelWarn, "rpc reply could not be acknowledged",
			log.String("correlation_id", reply.CorrelationID), log.Err(err))
	}

	return reply.Body, nil
}

// CallWithManualAck sends body and returns the unacknowledged reply. The
// caller must Acknowledge or Reject it.
func (c *RPCClient) CallWithManualAck(ctx context.Context, body []byte, opts ...CallOption) (*Reply, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	o := callOptions{contentType: defaultContentType}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	if o.correlationID == "" {
		o.correlationID = uuid.NewString()
	}

	ctx, span := c.tracer.Start(ctx, "relay.rpc.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", c.cfg.RequestQueue),
			attribute.String("messaging.message.conversation_id", o.correlationID),
		))
	defer span.End()

	call, err := c.pending.add(o.correlationID)
	if err != nil {
		relayotel.HandleSpanError(span, "rpc call rejected", err)
		return nil, err
	}

	c.outbound.push(&outboundItem{
		ctx:           ctx,
		correlationID: o.correlationID,
		body:          body,
		contentType:   o.contentType,
		headers:       o.headers,
	})

	// Close may have failed the table between the check above and add.
	if c.closed.Load() {
		c.pending.fail(o.correlationID, ErrClientClosed)
	}

	select {
	case res := <-call.done:
		if res.err != nil {
			relayotel.HandleSpanError(span, "rpc call failed", res.err)
			return nil, res.err
		}

		return res.reply, nil
	case <-ctx.Done():
		if _, ok := c.pending.take(o.correlationID); ok {
			relayotel.HandleSpanError(span, "rpc call abandoned", ctx.Err())
			return nil, ctx.Err()
		}

		// a reply or failure won the race; its result is already on the way
		if res := <-call.done; res.reply != nil {
			if err := res.reply.Reject(false); err != nil {
				c.logger.Log(ctx, log.LevelDebug, "late rpc reply could not be rejected", log.Err(err))
			}
		}

		return nil, ctx.Err()
	}
}

// CallJSON marshals req, calls and unmarshals the reply into Resp.
func CallJSON[Req, Resp any](ctx context.Context, c *RPCClient, req Req, opts ...CallOption) (Resp, error) {
	var resp Resp

	body, err := json.Marshal(req)
	if err != nil {
		return resp, fmt.Errorf("marshal rpc request: %w", err)
	}

	out, err := c.Call(ctx, body, append([]CallOption{WithContentType(jsonContentType)}, opts...)...)
	if err != nil {
		return resp, err
	}

	if err := json.Unmarshal(out, &resp); err != nil {
		return resp, fmt.Errorf("unmarshal rpc reply: %w", err)
	}

	return resp, nil
}

func (c *RPCClient) sendLoop(ctx context.Context) {
	for {
		item, err := c.outbound.pop(ctx)
		if err != nil {
			return
		}

		c.send(ctx, item)
	}
}

func (c *RPCClient) send(ctx context.Context, item *outboundItem) {
	defer func() {
		if r := recover(); r != nil {
			runtime.HandlePanicValue(ctx, c.logger, r, rpcComponent, "rpc.send")
			c.pending.fail(item.correlationID, runtime.PanicAsError(r))
		}
	}()

	// abandoned by its caller or invalidated by a rebuild
	if !c.pending.has(item.correlationID) {
		return
	}

	err := c.publish(item)
	if err == nil {
		c.metrics.sent.Add(ctx, 1)
		return
	}

	if !IsConnectivityError(err) {
		c.pending.fail(item.correlationID, fmt.Errorf("publish rpc request: %w", err))
		return
	}

	c.logger.Log(ctx, log.LevelWarn, "rpc publish hit a broken connection",
		log.String("correlation_id", item.correlationID),
		log.String("error", sanitizeAMQPErr(err, c.cfg.URL)))

	if rerr := c.Recover(ctx); rerr != nil {
		c.pending.fail(item.correlationID, rerr)
		return
	}

	// The request was never published. A rebuild has already failed it; when
	// the connection recovered without one it is failed the same way here.
	c.pending.fail(item.correlationID, ErrMustRetry)
}

func (c *RPCClient) publish(item *outboundItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pubCh == nil || c.pubCh.IsClosed() {
		return amqp.ErrClosed
	}

	return c.pubCh.PublishWithContext(item.ctx, c.cfg.RequestExchange, c.cfg.RequestQueue, false, false, amqp.Publishing{
		Headers:       amqp.Table(relayotel.PrepareQueueHeaders(item.ctx, item.headers)),
		ContentType:   item.contentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: item.correlationID,
		ReplyTo:       c.replyQueue,
		MessageId:     uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Body:          item.body,
	})
}

func (c *RPCClient) consumeLoop(ctx context.Context) {
	for ctx.Err() == nil {
		c.mu.Lock()
		deliveries, closed, epoch := c.deliveries, c.chanClosed, c.epoch
		c.mu.Unlock()

		if deliveries != nil {
			reason := c.drain(ctx, deliveries, closed, epoch)
			if ctx.Err() != nil {
				return
			}

			if c.breakConsumer(epoch) {
				c.logger.Log(ctx, log.LevelWarn, "rpc reply consumer stopped", log.String("reason", reason))
			}
		}

		if err := c.Recover(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClientClosed) {
				return
			}

			c.metrics.recordInvalidated(ctx, c.pending.failAll(err), "recovery_exhausted")

			if sleepErr := backoff.SleepWithContext(ctx, c.cfg.RecoveryDelay); sleepErr != nil {
				return
			}
		}
	}
}

// drain handles replies until the delivery stream or its channel ends.
func (c *RPCClient) drain(ctx context.Context, deliveries <-chan amqp.Delivery, closed <-chan *amqp.Error, epoch uint64) string {
	for {
		select {
		case <-ctx.Done():
			return "stopped"
		case reason, ok := <-closed:
			if ok && reason != nil {
				return sanitizeAMQPErr(reason, c.cfg.URL)
			}

			return "channel closed"
		case d, ok := <-deliveries:
			if !ok {
				return "delivery stream ended"
			}

			c.handleDelivery(ctx, d, epoch)
		}
	}
}

func (c *RPCClient) handleDelivery(ctx context.Context, d amqp.Delivery, epoch uint64) {
	call, ok := c.pending.take(d.CorrelationId)
	if !ok {
		c.metrics.orphaned.Add(ctx, 1)
		c.logger.Log(ctx, log.LevelWarn, "rpc reply has no pending call, rejecting",
			log.String("correlation_id", d.CorrelationId))

		if err := c.settleDelivery(epoch, func(ch Channel) error { return ch.Reject(d.DeliveryTag, false) }); err != nil {
			c.logger.Log(ctx, log.LevelDebug, "orphaned rpc reply could not be rejected", log.Err(err))
		}

		return
	}

	c.metrics.replies.Add(ctx, 1)
	c.metrics.latency.Record(ctx, time.Since(call.createdAt).Seconds())

	call.resolve(callResult{reply: &Reply{
		Body:          d.Body,
		ContentType:   d.ContentType,
		Headers:       d.Headers,
		CorrelationID: d.CorrelationId,
		client:        c,
		tag:           d.DeliveryTag,
		epoch:         epoch,
	}})
}

// breakConsumer closes a consumer channel whose delivery stream ended while
// the channel stayed open, so recovery sees it as broken. It reports whether
// epoch is still current, i.e. nobody rebuilt the connection meanwhile.
func (c *RPCClient) breakConsumer(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epoch != epoch {
		return false
	}

	if c.conCh != nil && !c.conCh.IsClosed() {
		_ = c.conCh.Close()
	}

	return true
}

func (c *RPCClient) settleDelivery(epoch uint64, op func(Channel) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epoch != epoch || c.conCh == nil || c.conCh.IsClosed() {
		return ErrStaleDelivery
	}

	return op(c.conCh)
}

// Close stops both loops, fails queued and pending calls with
// ErrClientClosed and releases the connection. It is safe to call twice.
func (c *RPCClient) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	c.cancelLoops()
	c.outbound.drain()
	c.metrics.recordInvalidated(ctx, c.pending.failAll(ErrClientClosed), "closed")

	var errs []error

	done := make(chan struct{})
	go func() {
		c.loops.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for rpc loops: %w", ctx.Err()))
	}

	c.mu.Lock()

	if c.cfg.DeleteResponseQueueOnClose && c.replyQueue != "" && c.conCh != nil && !c.conCh.IsClosed() {
		if _, err := c.conCh.QueueDelete(c.replyQueue, false, false, false); err != nil {
			errs = append(errs, fmt.Errorf("delete response queue: %w", err))
		}
	}

	c.releaseLocked()
	c.mu.Unlock()

	c.setHealth(Disconnected)

	return errors.Join(errs...)
}

// Reply is an unacknowledged RPC reply. Settle it exactly once.
type Reply struct {
	Body          []byte
	ContentType   string
	Headers       amqp.Table
	CorrelationID string

	client  *RPCClient
	tag     uint64
	epoch   uint64
	settled atomic.Bool
}

// Acknowledge acks the reply. A reply received before the connection was
// rebuilt returns ErrStaleDelivery.
func (r *Reply) Acknowledge() error {
	return r.settle(func(ch Channel) error { return ch.Ack(r.tag, false) })
}

// Reject rejects the reply, optionally requeueing it.
func (r *Reply) Reject(requeue bool) error {
	return r.settle(func(ch Channel) error { return ch.Reject(r.tag, requeue) })
}

func (r *Reply) settle(op func(Channel) error) error {
	if !r.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}

	return r.client.settleDelivery(r.epoch, op)
}
