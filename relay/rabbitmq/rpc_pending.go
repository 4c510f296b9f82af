package rabbitmq

import (
	"sync"
	"time"
)

type callResult struct {
	reply *Reply
	err   error
}

// pendingCall is one outstanding request. Whoever removes it from the table
// owns resolving it, so it is resolved exactly once.
type pendingCall struct {
	correlationID string
	createdAt     time.Time
	done          chan callResult
}

func (p *pendingCall) resolve(res callResult) {
	p.done <- res
}

type pendingCalls struct {
	mu      sync.Mutex
	entries map[string]*pendingCall
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{entries: make(map[string]*pendingCall)}
}

func (p *pendingCalls) add(correlationID string) (*pendingCall, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[correlationID]; exists {
		return nil, ErrDuplicateCorrelationID
	}

	call := &pendingCall{correlationID: correlationID, createdAt: time.Now(), done: make(chan callResult, 1)}
	p.entries[correlationID] = call

	return call, nil
}

func (p *pendingCalls) take(correlationID string) (*pendingCall, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	call, ok := p.entries[correlationID]
	if ok {
		delete(p.entries, correlationID)
	}

	return call, ok
}

func (p *pendingCalls) has(correlationID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.entries[correlationID]

	return ok
}

// fail resolves the call with err if it is still pending.
func (p *pendingCalls) fail(correlationID string, err error) bool {
	call, ok := p.take(correlationID)
	if ok {
		call.resolve(callResult{err: err})
	}

	return ok
}

// failAll resolves every pending call with err and returns how many there were.
func (p *pendingCalls) failAll(err error) int {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*pendingCall)
	p.mu.Unlock()

	for _, call := range entries {
		call.resolve(callResult{err: err})
	}

	return len(entries)
}

func (p *pendingCalls) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.entries)
}
