package rabbitmq

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrURLRequired is returned when no broker URL is configured.
	ErrURLRequired = errors.New("rabbitmq url is required")
	// ErrQueueRequired is returned when a queue name is needed but empty.
	ErrQueueRequired = errors.New("rabbitmq queue name is required")
	// ErrChannelRequired is returned when a nil channel is passed to a topology helper.
	ErrChannelRequired = errors.New("rabbitmq channel is required")
	// ErrSubscriptionClosed is returned by Next once the delivery stream ended.
	ErrSubscriptionClosed = errors.New("rabbitmq subscription closed")
	// ErrNotSubscribed is returned by Next before Subscribe succeeded.
	ErrNotSubscribed = errors.New("rabbitmq subscription has no consumer")
	// ErrStaleDelivery is returned when settling a delivery whose channel is gone.
	ErrStaleDelivery = errors.New("delivery belongs to a closed channel")
	// ErrAlreadySettled is returned when a reply or delivery is settled twice.
	ErrAlreadySettled = errors.New("delivery already settled")

	// ErrDuplicateCorrelationID is returned when a call reuses a live correlation id.
	ErrDuplicateCorrelationID = errors.New("correlation id already pending")
	// ErrMustRetry fails calls that were in flight while the connection was rebuilt.
	ErrMustRetry = errors.New("rpc connection was rebuilt, retry the call")
	// ErrRecoveryExhausted is returned when every recovery attempt failed.
	ErrRecoveryExhausted = errors.New("rpc connection recovery attempts exhausted")
	// ErrClientClosed fails calls pending when the client is closed.
	ErrClientClosed = fmt.Errorf("rpc client closed: %w", context.Canceled)
	// ErrRequestQueueRequired is returned when the rpc client has no request queue.
	ErrRequestQueueRequired = errors.New("rpc request queue is required")
	// ErrHandlerRequired is returned when a responder has no handler.
	ErrHandlerRequired = errors.New("responder handler is required")
	// ErrRoutingRequired is returned when a publisher has neither exchange nor routing key.
	ErrRoutingRequired = errors.New("publisher exchange or routing key is required")
)

var (
	// ErrPublishNacked is returned when the broker negatively confirms a publish.
	ErrPublishNacked = errors.New("publish was nacked by the broker")
	// ErrConfirmTimeout is returned when no publisher confirm arrived in time.
	ErrConfirmTimeout = errors.New("timed out waiting for publisher confirm")
	// ErrPublisherClosed is returned by a closed publisher.
	ErrPublisherClosed = errors.New("publisher closed")
)
