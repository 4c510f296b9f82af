package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/LerianStudio/lib-relay/relay/eventsource"
	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgconn/ctxwatch"
)

// notifyConn is the part of *pgx.Conn a subscription drives.
type notifyConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
	IsClosed() bool
}

type connectFunc func(ctx context.Context, cfg *pgx.ConnConfig) (notifyConn, error)

func connectPgx(ctx context.Context, cfg *pgx.ConnConfig) (notifyConn, error) {
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// NotifyListenerOption customises a NotifyListener.
type NotifyListenerOption func(*NotifyListener)

func withConnectFunc(fn connectFunc) NotifyListenerOption {
	return func(l *NotifyListener) {
		if fn != nil {
			l.connect = fn
		}
	}
}

// NotifyListener raises an event for every NOTIFY on the subscribed channels.
// Each Connect opens a dedicated connection outside the pool, since LISTEN
// state belongs to one session.
type NotifyListener struct {
	cfg     *pgx.ConnConfig
	source  eventsource.Source
	logger  log.Logger
	connect connectFunc
}

var _ eventsource.Listener = (*NotifyListener)(nil)

// NewNotifyListener parses dsn. The source descriptor is host:port/database.
func NewNotifyListener(dsn string, logger log.Logger, opts ...NotifyListenerOption) (*NotifyListener, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, ErrPrimaryDSNRequired
	}

	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, newSanitizedError(err, "failed to parse listener dsn")
	}

	// a cancel request could land on the next statement of this session
	cfg.BuildContextWatcherHandler = func(pgConn *pgconn.PgConn) ctxwatch.Handler {
		return &pgconn.DeadlineContextWatcherHandler{Conn: pgConn.Conn()}
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	l := &NotifyListener{
		cfg: cfg,
		source: eventsource.Source{
			Kind:       eventsource.KindPostgres,
			Descriptor: fmt.Sprintf("%s:%d/%s", cfg.Host, cfg.Port, cfg.Database),
		},
		logger:  logger,
		connect: connectPgx,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}

	return l, nil
}

// Source identifies the listener's database.
func (l *NotifyListener) Source() eventsource.Source { return l.source }

// Connect opens the LISTEN connection.
//
//nolint:ireturn
func (l *NotifyListener) Connect(ctx context.Context) (eventsource.Subscription, error) {
	conn, err := l.connect(ctx, l.cfg.Copy())
	if err != nil {
		return nil, newSanitizedError(err, "failed to open listen connection")
	}

	l.logger.Log(ctx, log.LevelDebug, "postgres notify listener connected",
		log.String("source", l.source.Descriptor))

	return &notifySubscription{conn: conn}, nil
}

type notifySubscription struct {
	conn       notifyConn
	subscribed bool
	released   atomic.Bool
}

func (s *notifySubscription) Subscribe(ctx context.Context, eventNames []string) error {
	for _, name := range eventNames {
		if !channelNamePattern.MatchString(name) {
			return fmt.Errorf("%w: %q", ErrChannelNameInvalid, name)
		}

		if _, err := s.conn.Exec(ctx, "LISTEN "+pgx.Identifier{name}.Sanitize()); err != nil {
			return fmt.Errorf("listen %s: %w", name, err)
		}
	}

	s.subscribed = true

	return nil
}

func (s *notifySubscription) Next(ctx context.Context) (eventsource.Event, error) {
	if !s.subscribed {
		return eventsource.Event{}, ErrNotSubscribed
	}

	n, err := s.conn.WaitForNotification(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return eventsource.Event{}, ctxErr
		}

		return eventsource.Event{}, newSanitizedError(err, "wait for notification")
	}

	return eventsource.Event{Name: n.Channel, Payload: []byte(n.Payload)}, nil
}

func (s *notifySubscription) Ping(ctx context.Context) error {
	if s.released.Load() || s.conn.IsClosed() {
		return ErrNotConnected
	}

	return s.conn.Ping(ctx)
}

func (s *notifySubscription) Close(ctx context.Context) error {
	if !s.released.CompareAndSwap(false, true) {
		return nil
	}

	if !s.conn.IsClosed() && s.subscribed {
		_, _ = s.conn.Exec(ctx, "UNLISTEN *")
	}

	return s.conn.Close(ctx)
}
