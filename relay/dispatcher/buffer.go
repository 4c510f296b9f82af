package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/LerianStudio/lib-relay/relay/eventsource"
	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
)

// staleAcknowledger is implemented by acknowledgers whose delivery can no
// longer be settled, such as a queue delivery whose channel closed.
type staleAcknowledger interface {
	Stale() bool
}

// EventBuffer is a RequestSource for queue-consumer sources, where the event
// itself is the work: each offered event becomes a PendingRequest carrying
// the event's acknowledger. Requests leave the buffer in offer order.
type EventBuffer struct {
	mu      sync.Mutex
	queue   []*PendingRequest
	seq     atomic.Int64
	dropped atomic.Int64
}

var _ RequestSource = (*EventBuffer)(nil)

// NewEventBuffer returns an empty buffer.
func NewEventBuffer() *EventBuffer {
	return &EventBuffer{}
}

// Offer appends event as a new request and returns it.
func (b *EventBuffer) Offer(source eventsource.Source, event eventsource.Event) *PendingRequest {
	req := &PendingRequest{
		ID:            b.seq.Add(1),
		Payload:       event.Payload,
		CorrelationID: event.CorrelationID,
		Source:        source,
	}

	if !nilcheck.Interface(event.Ack) {
		req.Ack = event.Ack
	}

	b.mu.Lock()
	b.queue = append(b.queue, req)
	b.mu.Unlock()

	return req
}

// GetRequests pops at most maxCount requests. Requests whose acknowledger
// went stale are dropped; the broker redelivers them.
func (b *EventBuffer) GetRequests(ctx context.Context, maxCount int) ([]*PendingRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if maxCount <= 0 {
		return nil, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*PendingRequest, 0, min(maxCount, len(b.queue)))

	taken := 0
	for _, req := range b.queue {
		if len(out) == maxCount {
			break
		}

		taken++

		if stale, ok := req.Ack.(staleAcknowledger); ok && stale.Stale() {
			b.dropped.Add(1)
			continue
		}

		out = append(out, req)
	}

	clear(b.queue[:taken])
	b.queue = b.queue[taken:]

	return out, nil
}

// Len returns the number of buffered requests.
func (b *EventBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.queue)
}

// Dropped counts stale requests discarded by GetRequests.
func (b *EventBuffer) Dropped() int64 { return b.dropped.Load() }

// Handler buffers every event that carries a payload or an acknowledger,
// then passes the event on to next, which normally wakes the dispatcher.
// Bare notifications only reach next.
func (b *EventBuffer) Handler(next eventsource.Handler) eventsource.Handler {
	return eventsource.HandlerFunc(func(ctx context.Context, source eventsource.Source, event eventsource.Event) error {
		if len(event.Payload) > 0 || !nilcheck.Interface(event.Ack) {
			b.Offer(source, event)
		}

		if nilcheck.Interface(next) {
			return nil
		}

		return next.HandleEventReceived(ctx, source, event)
	})
}
