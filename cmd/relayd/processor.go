package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/LerianStudio/lib-relay/relay/bootstrap"
	"github.com/LerianStudio/lib-relay/relay/dispatcher"
	"github.com/LerianStudio/lib-relay/relay/eventsource"
	"github.com/LerianStudio/lib-relay/relay/log"
	"github.com/LerianStudio/lib-relay/relay/notification"
	"github.com/LerianStudio/lib-relay/relay/postgres"
	"github.com/LerianStudio/lib-relay/relay/rabbitmq"
)

const resetStuckLockKey = "relay:reset-stuck"

var (
	errUnknownSource  = errors.New("no listener bound to source")
	errEmptyEnvelope  = errors.New("request payload is empty")
	errInvalidRequest = errors.New("invalid enqueue request")
)

type requestStore interface {
	dispatcher.RequestSource
	NotifyChannel() string
	ResetStuck(ctx context.Context) (int64, error)
	Enqueue(ctx context.Context, req postgres.NewRequest) (int64, error)
}

type locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

type notifier interface {
	SendAndWait(ctx context.Context, kind string, msg notification.Message) error
}

// binding ties a listener to the event names it subscribes to. Buffered
// bindings carry the work in the event; the others only wake the dispatcher.
type binding struct {
	listener interface {
		eventsource.Listener
		Source() eventsource.Source
	}
	names    []string
	buffered bool
}

// envelope is the JSON payload of a relay request.
type envelope struct {
	Kind      string            `json:"kind"`
	ID        string            `json:"id"`
	Recipient string            `json:"recipient"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// processor implements bootstrap.Hooks and dispatcher.Processor: requests
// come from the postgres store and from buffered queue deliveries, and each
// one is a notification handed to the registry.
type processor struct {
	store       requestStore
	buffer      *dispatcher.EventBuffer
	bindings    []binding
	lock        locker
	notifier    notifier
	defaultKind string
	receiver    []eventsource.ReceiverOption
	logger      log.Logger
	// redactErrors keeps failure messages, which may quote payloads, out of
	// the logs.
	redactErrors bool
}

var (
	_ bootstrap.Hooks      = (*processor)(nil)
	_ dispatcher.Processor = (*processor)(nil)
)

func (p *processor) Sources(context.Context) ([]eventsource.Source, error) {
	sources := make([]eventsource.Source, 0, len(p.bindings))
	for _, b := range p.bindings {
		sources = append(sources, b.listener.Source())
	}

	return sources, nil
}

// ResetStuckRequests runs under a fleet-wide lock when one is configured, so
// two processes starting together do not release each other's claims.
func (p *processor) ResetStuckRequests(ctx context.Context, _ []eventsource.Source) error {
	reset := func(ctx context.Context) error {
		n, err := p.store.ResetStuck(ctx)
		if err != nil {
			return err
		}

		p.logger.Log(ctx, log.LevelInfo, "stuck requests released", log.Int64("count", n))

		return nil
	}

	if p.lock == nil {
		return reset(ctx)
	}

	return p.lock.WithLock(ctx, resetStuckLockKey, reset)
}

func (p *processor) CreateRequestSource([]eventsource.Source) (dispatcher.RequestSource, error) {
	return dispatcher.NewSourceChain(func(ctx context.Context, err error) {
		p.logger.Log(ctx, log.LevelWarn, "request source failed", log.Err(err))
	}, p.store, p.buffer)
}

func (p *processor) CreateWorkerParams(logger log.Logger) (dispatcher.WorkerParams, error) {
	return dispatcher.WorkerParams{
		Processor: p,
		ExceptionHandler: func(ctx context.Context, req *dispatcher.PendingRequest, err error) {
			log.SafeError(ctx, logger, "request failed", err, p.redactErrors,
				log.String("request", p.RequestInfo(req)))
		},
	}, nil
}

func (p *processor) CreateReceiver(source eventsource.Source, handler eventsource.Handler) (*eventsource.Receiver, error) {
	for _, b := range p.bindings {
		if b.listener.Source() != source {
			continue
		}

		if b.buffered {
			handler = p.buffer.Handler(handler)
		}

		return eventsource.NewReceiver(source, b.listener, handler, b.names, p.logger, p.receiver...)
	}

	return nil, fmt.Errorf("%w: %s", errUnknownSource, source)
}

func (p *processor) ProcessRequest(ctx context.Context, req *dispatcher.PendingRequest) error {
	if len(req.Payload) == 0 {
		return errEmptyEnvelope
	}

	var env envelope
	if err := json.Unmarshal(req.Payload, &env); err != nil {
		return fmt.Errorf("decode request payload: %w", err)
	}

	kind := env.Kind
	if kind == "" {
		kind = p.defaultKind
	}

	id := env.ID
	if id == "" {
		id = strconv.FormatInt(req.ID, 10)
	}

	metadata := env.Metadata
	if req.Locale != "" || req.CorrelationID != "" {
		metadata = make(map[string]string, len(env.Metadata)+2)
		for k, v := range env.Metadata {
			metadata[k] = v
		}

		if req.Locale != "" {
			metadata["locale"] = req.Locale
		}

		if req.CorrelationID != "" {
			metadata["correlation_id"] = req.CorrelationID
		}
	}

	return p.notifier.SendAndWait(ctx, kind, notification.Message{
		ID:        id,
		Recipient: env.Recipient,
		Subject:   env.Subject,
		Body:      []byte(env.Body),
		Metadata:  metadata,
	})
}

func (p *processor) RequestInfo(req *dispatcher.PendingRequest) string {
	return fmt.Sprintf("%s from %s", req, req.Source)
}

// enqueueRequest is the body of an RPC enqueue call.
type enqueueRequest struct {
	Locale   string   `json:"locale"`
	Envelope envelope `json:"notification"`
}

type enqueueReply struct {
	ID int64 `json:"id"`
}

// handleEnqueue serves RPC callers that want a notification relayed: the
// request is stored and the store's NOTIFY wakes the dispatchers.
func (p *processor) handleEnqueue(ctx context.Context, req rabbitmq.Request) ([]byte, error) {
	var in enqueueRequest
	if err := json.Unmarshal(req.Body, &in); err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidRequest, err)
	}

	if in.Envelope.Recipient == "" {
		return nil, fmt.Errorf("%w: recipient is required", errInvalidRequest)
	}

	payload, err := json.Marshal(in.Envelope)
	if err != nil {
		return nil, fmt.Errorf("encode notification: %w", err)
	}

	id, err := p.store.Enqueue(ctx, postgres.NewRequest{
		Locale:        in.Locale,
		Payload:       payload,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		return nil, err
	}

	return json.Marshal(enqueueReply{ID: id})
}
