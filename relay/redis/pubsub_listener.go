package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/LerianStudio/lib-relay/relay/eventsource"
	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
	"github.com/redis/go-redis/v9"
)

// pollInterval bounds one blocking read when Next's ctx has no deadline, so
// cancellation is noticed.
const pollInterval = time.Second

// ClientProvider hands out a connected go-redis client. *Client satisfies it.
type ClientProvider interface {
	GetClient(ctx context.Context) (redis.UniversalClient, error)
}

// PubSubListener raises an event for every message published on the
// subscribed channels. Names containing glob characters are pattern
// subscriptions. Delivery is at-most-once: messages published while the
// listener is reconnecting are lost, so pair it with a fallback poll.
type PubSubListener struct {
	clients    ClientProvider
	descriptor string
	logger     log.Logger
}

var _ eventsource.Listener = (*PubSubListener)(nil)

// NewPubSubListener returns a listener identified by descriptor, usually the
// server address.
func NewPubSubListener(clients ClientProvider, descriptor string, logger log.Logger) (*PubSubListener, error) {
	if nilcheck.Interface(clients) {
		return nil, ErrNilClient
	}

	if strings.TrimSpace(descriptor) == "" {
		return nil, eventsource.ErrEmptyDescriptor
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &PubSubListener{clients: clients, descriptor: descriptor, logger: logger}, nil
}

// Source identifies the listener's server.
func (l *PubSubListener) Source() eventsource.Source {
	return eventsource.Source{Kind: eventsource.KindRedis, Descriptor: l.descriptor}
}

// Connect checks the server answers and opens an unsubscribed pubsub
// connection.
//
//nolint:ireturn
func (l *PubSubListener) Connect(ctx context.Context) (eventsource.Subscription, error) {
	rdb, err := l.clients.GetClient(ctx)
	if err != nil {
		return nil, err
	}

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	l.logger.Log(ctx, log.LevelDebug, "redis pubsub listener connected", log.String("source", l.descriptor))

	return &pubSubSubscription{rdb: rdb}, nil
}

type pubSubSubscription struct {
	rdb      redis.UniversalClient
	ps       *redis.PubSub
	released atomic.Bool
}

func isPattern(name string) bool {
	return strings.ContainsAny(name, "*?[")
}

func (s *pubSubSubscription) Subscribe(ctx context.Context, eventNames []string) error {
	var channels, patterns []string

	for _, name := range eventNames {
		if isPattern(name) {
			patterns = append(patterns, name)
		} else {
			channels = append(channels, name)
		}
	}

	ps := s.rdb.Subscribe(ctx)

	if len(channels) > 0 {
		if err := ps.Subscribe(ctx, channels...); err != nil {
			_ = ps.Close()
			return fmt.Errorf("subscribe %v: %w", channels, err)
		}
	}

	if len(patterns) > 0 {
		if err := ps.PSubscribe(ctx, patterns...); err != nil {
			_ = ps.Close()
			return fmt.Errorf("psubscribe %v: %w", patterns, err)
		}
	}

	s.ps = ps

	return nil
}

func (s *pubSubSubscription) Next(ctx context.Context) (eventsource.Event, error) {
	if s.ps == nil {
		return eventsource.Event{}, ErrNotSubscribed
	}

	for {
		if err := ctx.Err(); err != nil {
			return eventsource.Event{}, err
		}

		timeout := pollInterval
		if deadline, ok := ctx.Deadline(); ok {
			timeout = min(timeout, time.Until(deadline))
			if timeout <= 0 {
				return eventsource.Event{}, context.DeadlineExceeded
			}
		}

		// a positive timeout keeps go-redis from treating the expiry as a
		// broken connection
		msg, err := s.ps.ReceiveTimeout(ctx, timeout)
		if err != nil {
			if isTimeout(err) {
				continue
			}

			if ctxErr := ctx.Err(); ctxErr != nil {
				return eventsource.Event{}, ctxErr
			}

			return eventsource.Event{}, fmt.Errorf("%w: %w", ErrSubscriptionLost, err)
		}

		if m, ok := msg.(*redis.Message); ok {
			return eventsource.Event{Name: m.Channel, Payload: []byte(m.Payload)}, nil
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}

func (s *pubSubSubscription) Ping(ctx context.Context) error {
	if s.released.Load() {
		return ErrSubscriptionLost
	}

	if s.ps == nil {
		return s.rdb.Ping(ctx).Err()
	}

	return s.ps.Ping(ctx)
}

func (s *pubSubSubscription) Close(context.Context) error {
	if !s.released.CompareAndSwap(false, true) || s.ps == nil {
		return nil
	}

	// closing the pubsub connection drops its subscriptions
	return s.ps.Close()
}
