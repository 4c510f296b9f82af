package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/LerianStudio/lib-relay/relay/eventsource"
)

// Acknowledger settles the notification a request came from.
// eventsource.Acknowledger values satisfy it.
type Acknowledger interface {
	Confirm(ctx context.Context) error
	Reject(ctx context.Context, cause error) error
}

// PendingRequest is one unit of work handed to exactly one worker.
type PendingRequest struct {
	ID            int64
	Locale        string
	Payload       []byte
	CorrelationID string
	Source        eventsource.Source
	// Ack is optional.
	Ack Acknowledger
}

func (req *PendingRequest) String() string {
	if req.CorrelationID != "" {
		return fmt.Sprintf("request %d (%s)", req.ID, req.CorrelationID)
	}

	return fmt.Sprintf("request %d", req.ID)
}

// RequestSource fetches at most maxCount pending requests. It must not block
// past ctx.
type RequestSource interface {
	GetRequests(ctx context.Context, maxCount int) ([]*PendingRequest, error)
}

// RequestSourceFunc adapts a function to RequestSource.
type RequestSourceFunc func(ctx context.Context, maxCount int) ([]*PendingRequest, error)

// GetRequests calls f.
func (f RequestSourceFunc) GetRequests(ctx context.Context, maxCount int) ([]*PendingRequest, error) {
	return f(ctx, maxCount)
}

// settlement guards an Acknowledger so it is confirmed or rejected once.
type settlement struct {
	once sync.Once
	ack  Acknowledger
}

func newSettlement(ack Acknowledger) *settlement {
	return &settlement{ack: ack}
}

// settle confirms when cause is nil and rejects otherwise. Later calls
// return ErrAlreadySettled.
func (s *settlement) settle(ctx context.Context, cause error) error {
	err := ErrAlreadySettled

	s.once.Do(func() {
		switch {
		case s.ack == nil:
			err = nil
		case cause == nil:
			err = s.ack.Confirm(ctx)
		default:
			err = s.ack.Reject(ctx, cause)
		}
	})

	return err
}
