package redis

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
	"github.com/LerianStudio/lib-relay/relay/notification"
	relayotel "github.com/LerianStudio/lib-relay/relay/opentelemetry"
	"github.com/redis/go-redis/v9"
)

const metadataFieldPrefix = "meta."

// StreamConfig configures a StreamSender.
type StreamConfig struct {
	Stream string `env:"RELAY_NOTIFY_STREAM" envDefault:"relay:notifications"`
	// MaxLen trims the stream approximately; zero keeps every entry.
	MaxLen int64 `env:"RELAY_NOTIFY_STREAM_MAXLEN" envDefault:"100000"`
}

// StreamSender is a notification.Sender appending every message to a Redis
// stream with XADD. The entry carries id, recipient, subject and body fields,
// one meta.<key> field per metadata entry and the caller's trace context.
type StreamSender struct {
	cfg     StreamConfig
	clients ClientProvider
	logger  log.Logger
	closed  atomic.Bool
}

var _ notification.Sender = (*StreamSender)(nil)

// NewStreamSender validates cfg.
func NewStreamSender(clients ClientProvider, cfg StreamConfig, logger log.Logger) (*StreamSender, error) {
	if nilcheck.Interface(clients) {
		return nil, ErrNilClient
	}

	if strings.TrimSpace(cfg.Stream) == "" {
		return nil, ErrStreamRequired
	}

	if cfg.MaxLen < 0 {
		cfg.MaxLen = 0
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &StreamSender{cfg: cfg, clients: clients, logger: logger}, nil
}

// Send appends msg to the stream. Permission and type errors are
// unrecoverable; connectivity errors are returned as is.
func (s *StreamSender) Send(ctx context.Context, msg notification.Message) error {
	if s.closed.Load() {
		return notification.Unrecoverable(ErrSenderClosed)
	}

	rdb, err := s.clients.GetClient(ctx)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: s.cfg.Stream,
		Values: streamValues(ctx, msg),
	}

	if s.cfg.MaxLen > 0 {
		args.MaxLen = s.cfg.MaxLen
		args.Approx = true
	}

	entryID, err := rdb.XAdd(ctx, args).Result()
	if err != nil {
		if isRefusal(err) {
			return notification.Unrecoverable(fmt.Errorf("xadd %s: %w", s.cfg.Stream, err))
		}

		return fmt.Errorf("xadd %s: %w", s.cfg.Stream, err)
	}

	s.logger.Log(ctx, log.LevelDebug, "notification appended to stream",
		log.String("stream", s.cfg.Stream), log.String("entry_id", entryID), log.String("message_id", msg.ID))

	return nil
}

// Close makes later sends fail as unrecoverable. The shared client stays
// open.
func (s *StreamSender) Close() error {
	s.closed.Store(true)
	return nil
}

func streamValues(ctx context.Context, msg notification.Message) []any {
	values := []any{
		"id", msg.ID,
		"recipient", msg.Recipient,
		"subject", msg.Subject,
		"body", msg.Body,
	}

	for _, key := range slices.Sorted(maps.Keys(msg.Metadata)) {
		values = append(values, metadataFieldPrefix+key, msg.Metadata[key])
	}

	for key, value := range relayotel.InjectQueueTraceContext(ctx) {
		values = append(values, key, value)
	}

	return values
}

// isRefusal matches server errors retrying cannot fix.
func isRefusal(err error) bool {
	for _, prefix := range []string{"WRONGTYPE", "NOPERM", "NOAUTH", "WRONGPASS"} {
		if redis.HasErrorPrefix(err, prefix) {
			return true
		}
	}

	return false
}
