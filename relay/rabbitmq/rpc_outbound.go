package rabbitmq

import (
	"context"
	"sync"
)

type outboundItem struct {
	ctx           context.Context
	correlationID string
	body          []byte
	contentType   string
	headers       map[string]any
}

// outboundQueue is the FIFO between callers and the single send loop.
type outboundQueue struct {
	mu    sync.Mutex
	items []*outboundItem
	ready chan struct{}
}

func newOutboundQueue() *outboundQueue {
	return &outboundQueue{ready: make(chan struct{}, 1)}
}

func (q *outboundQueue) push(item *outboundItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop blocks until an item is queued or ctx is done.
func (q *outboundQueue) pop(ctx context.Context) (*outboundItem, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()

			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// drain removes and returns everything queued.
func (q *outboundQueue) drain() []*outboundItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil

	return items
}

func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}
