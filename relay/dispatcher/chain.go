package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
)

// SourceChain fetches from several RequestSources in one cycle. Each call
// starts from the source after the one that went first last time, so a
// steadily busy source cannot starve the others.
//
// A failing source does not void what the others returned: when at least
// one request was fetched the errors go to the error callback and the call
// succeeds. Only when nothing was fetched are the errors returned.
type SourceChain struct {
	sources []RequestSource
	onError func(ctx context.Context, err error)
	next    atomic.Uint64
}

var _ RequestSource = (*SourceChain)(nil)

// NewSourceChain drops nil sources. onError may be nil.
func NewSourceChain(onError func(ctx context.Context, err error), sources ...RequestSource) (*SourceChain, error) {
	kept := make([]RequestSource, 0, len(sources))

	for _, s := range sources {
		if !nilcheck.Interface(s) {
			kept = append(kept, s)
		}
	}

	if len(kept) == 0 {
		return nil, ErrRequestSourceRequired
	}

	return &SourceChain{sources: kept, onError: onError}, nil
}

// GetRequests asks each source for what is still missing up to maxCount.
func (c *SourceChain) GetRequests(ctx context.Context, maxCount int) ([]*PendingRequest, error) {
	if maxCount <= 0 {
		return nil, nil
	}

	n := len(c.sources)
	first := int(c.next.Add(1)-1) % n

	var (
		out  []*PendingRequest
		errs []error
	)

	for i := range n {
		remaining := maxCount - len(out)
		if remaining <= 0 {
			break
		}

		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		requests, err := c.sources[(first+i)%n].GetRequests(ctx, remaining)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if len(requests) > remaining {
			// the dispatcher rejects the surplus
			out = append(out, requests...)
			break
		}

		out = append(out, requests...)
	}

	if len(errs) == 0 {
		return out, nil
	}

	joined := errors.Join(errs...)

	if len(out) == 0 {
		return nil, joined
	}

	if c.onError != nil {
		c.onError(ctx, joined)
	}

	return out, nil
}
