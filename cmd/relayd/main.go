// Command relayd is the reference relay process: it drains a PostgreSQL
// request table, and optionally a RabbitMQ queue, into notification senders
// backed by a Redis stream and a RabbitMQ exchange.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/LerianStudio/lib-relay/relay"
	"github.com/LerianStudio/lib-relay/relay/bootstrap"
	"github.com/LerianStudio/lib-relay/relay/dispatcher"
	"github.com/LerianStudio/lib-relay/relay/log"
	relayhttp "github.com/LerianStudio/lib-relay/relay/net/http"
	"github.com/LerianStudio/lib-relay/relay/notification"
	relayotel "github.com/LerianStudio/lib-relay/relay/opentelemetry"
	"github.com/LerianStudio/lib-relay/relay/postgres"
	"github.com/LerianStudio/lib-relay/relay/rabbitmq"
	"github.com/LerianStudio/lib-relay/relay/redis"
	"github.com/LerianStudio/lib-relay/relay/runtime"
	relayzap "github.com/LerianStudio/lib-relay/relay/zap"
	"go.opentelemetry.io/otel/metric"
)

const (
	streamKind    = "stream"
	publisherKind = "amqp"

	cleanupTimeout = 15 * time.Second
)

type config struct {
	Logger    relayzap.Config
	Telemetry relayotel.TelemetryConfig
	Bootstrap bootstrap.Config
	HTTP      relayhttp.ServerConfig

	Postgres      postgres.Config
	NotifyChannel string        `env:"RELAY_PG_NOTIFY_CHANNEL" envDefault:"relay_requests"`
	MaxAttempts   int           `env:"RELAY_MAX_ATTEMPTS" envDefault:"5"`
	RetryDelay    time.Duration `env:"RELAY_RETRY_DELAY" envDefault:"30s"`
	DefaultKind   string        `env:"RELAY_DEFAULT_NOTIFICATION_KIND" envDefault:"stream"`

	RedisEnabled  bool     `env:"RELAY_REDIS_ENABLED"`
	RedisChannels []string `env:"RELAY_REDIS_CHANNELS" envDefault:"relay.wake" envSeparator:","`
	Redis         redis.Config
	Stream        redis.StreamConfig

	RabbitMQEnabled bool     `env:"RELAY_RABBITMQ_ENABLED"`
	QueueEvents     []string `env:"RELAY_RABBITMQ_EVENTS" envSeparator:","`
	Queue           rabbitmq.QueueListenerConfig
	Publisher       rabbitmq.PublisherConfig
	Responder       rabbitmq.ResponderConfig
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "relayd:", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := relay.SetConfigFromEnvVars(&cfg); err != nil {
		return err
	}

	logger, err := relayzap.New(cfg.Logger)
	if err != nil {
		return err
	}

	runtime.SetProductionMode(cfg.Logger.Environment == relayzap.EnvironmentProduction)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg.Telemetry.Logger = logger

	telemetry, err := relayotel.InitializeTelemetry(ctx, &cfg.Telemetry)
	if err != nil {
		return err
	}

	if err := runtime.InitPanicMetrics(telemetry.MeterProvider); err != nil {
		return err
	}

	var cleanups []func(context.Context) error

	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()

		for i := len(cleanups) - 1; i >= 0; i-- {
			if err := cleanups[i](cleanupCtx); err != nil {
				logger.Log(cleanupCtx, log.LevelWarn, "cleanup failed", log.Err(err))
			}
		}

		_ = telemetry.Shutdown(cleanupCtx)
		_ = logger.Sync(cleanupCtx)
	}()

	tracer := telemetry.TracerProvider.Tracer(cfg.Telemetry.LibraryName)

	w, err := wire(ctx, cfg, logger, telemetry.MeterProvider, &cleanups)
	if err != nil {
		return err
	}

	boot, err := bootstrap.New(w.proc, logger, tracer,
		bootstrap.WithConfig(cfg.Bootstrap),
		bootstrap.WithMeterProvider(telemetry.MeterProvider),
	)
	if err != nil {
		return err
	}

	app := relayhttp.NewApp(relayhttp.Routes{
		Health: w.checks,
		Status: statusSections(boot, w),
	}, logger, tracer)

	srv, err := relayhttp.NewServer(cfg.HTTP, app, logger)
	if err != nil {
		return err
	}

	opts := []relay.LauncherOption{
		relay.WithLogger(logger),
		relay.WithContext(ctx),
		relay.RunApp("bootstrap", boot),
		relay.RunApp("http", srv),
	}

	if w.responder != nil {
		opts = append(opts, relay.RunApp("rpc-responder", w.responder))
	}

	return relay.NewLauncher(opts...).RunWithError()
}

// wiring is everything run builds from configuration.
type wiring struct {
	proc      *processor
	store     *postgres.RequestStore
	registry  *notification.Registry
	responder *rabbitmq.Responder
	checks    []relayhttp.DependencyCheck
}

func wire(
	ctx context.Context,
	cfg config,
	logger log.Logger,
	meters metric.MeterProvider,
	cleanups *[]func(context.Context) error,
) (*wiring, error) {
	pg, err := postgres.New(cfg.Postgres, logger)
	if err != nil {
		return nil, err
	}

	if err := pg.Connect(ctx); err != nil {
		return nil, err
	}

	*cleanups = append(*cleanups, func(context.Context) error { return pg.Close() })

	resolver, err := pg.Resolver(ctx)
	if err != nil {
		return nil, err
	}

	pgListener, err := postgres.NewNotifyListener(cfg.Postgres.PrimaryDSN, logger)
	if err != nil {
		return nil, err
	}

	store, err := postgres.NewRequestStore(resolver,
		postgres.WithNotifyChannel(cfg.NotifyChannel),
		postgres.WithMaxAttempts(cfg.MaxAttempts),
		postgres.WithRetryDelay(cfg.RetryDelay),
		postgres.WithStoreSource(pgListener.Source()),
	)
	if err != nil {
		return nil, err
	}

	registry := notification.NewRegistry()
	*cleanups = append(*cleanups, registry.Close)

	w := &wiring{
		store:    store,
		registry: registry,
		proc: &processor{
			store:        store,
			buffer:       dispatcher.NewEventBuffer(),
			bindings:     []binding{{listener: pgListener, names: []string{store.NotifyChannel()}}},
			notifier:     registry,
			defaultKind:  cfg.DefaultKind,
			receiver:     cfg.Bootstrap.ReceiverOptions(),
			logger:       logger,
			redactErrors: cfg.Logger.Environment == relayzap.EnvironmentProduction,
		},
		checks: []relayhttp.DependencyCheck{{
			Name: "postgres",
			HealthCheck: func(ctx context.Context) error {
				db, err := pg.Primary()
				if err != nil {
					return err
				}

				return db.PingContext(ctx)
			},
		}},
	}

	channelOpts := []notification.Option{
		notification.WithCircuitBreaker(notification.DefaultBreakerConfig()),
		notification.WithMeterProvider(meters),
	}

	if cfg.RedisEnabled {
		if err := wireRedis(ctx, cfg, logger, w, channelOpts, cleanups); err != nil {
			return nil, err
		}
	}

	if cfg.RabbitMQEnabled {
		if err := wireRabbitMQ(cfg, logger, w, channelOpts, cleanups); err != nil {
			return nil, err
		}
	}

	if len(registry.Kinds()) == 0 {
		return nil, errors.New("no notification sender configured: enable redis or rabbitmq")
	}

	return w, nil
}

func wireRedis(
	ctx context.Context,
	cfg config,
	logger log.Logger,
	w *wiring,
	channelOpts []notification.Option,
	cleanups *[]func(context.Context) error,
) error {
	rc, err := redis.New(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}

	*cleanups = append(*cleanups, func(context.Context) error { return rc.Close() })

	sub, err := redis.NewPubSubListener(rc, strings.Join(cfg.Redis.Addresses, ","), logger)
	if err != nil {
		return err
	}

	sender, err := redis.NewStreamSender(rc, cfg.Stream, logger)
	if err != nil {
		return err
	}

	ch, err := notification.NewChannel(streamKind, sender, logger, channelOpts...)
	if err != nil {
		return err
	}

	if err := w.registry.Register(ch); err != nil {
		return err
	}

	lock, err := redis.NewLockManager(rc, logger)
	if err != nil {
		return err
	}

	w.proc.lock = lock
	w.proc.bindings = append(w.proc.bindings, binding{listener: sub, names: cfg.RedisChannels})
	w.checks = append(w.checks, relayhttp.DependencyCheck{
		Name: "redis",
		HealthCheck: func(ctx context.Context) error {
			client, err := rc.GetClient(ctx)
			if err != nil {
				return err
			}

			return client.Ping(ctx).Err()
		},
	})

	return nil
}

func wireRabbitMQ(
	cfg config,
	logger log.Logger,
	w *wiring,
	channelOpts []notification.Option,
	cleanups *[]func(context.Context) error,
) error {
	ql, err := rabbitmq.NewQueueListener(cfg.Queue, logger)
	if err != nil {
		return err
	}

	w.proc.bindings = append(w.proc.bindings, binding{listener: ql, names: cfg.QueueEvents, buffered: true})

	pub, err := rabbitmq.NewPublisherSender(cfg.Publisher, logger)
	if err != nil {
		return err
	}

	*cleanups = append(*cleanups, func(context.Context) error { return pub.Close() })

	ch, err := notification.NewChannel(publisherKind, pub, logger, channelOpts...)
	if err != nil {
		return err
	}

	if err := w.registry.Register(ch); err != nil {
		return err
	}

	if strings.TrimSpace(cfg.Responder.Queue) == "" {
		return nil
	}

	if cfg.Responder.URL == "" {
		cfg.Responder.URL = cfg.Queue.URL
	}

	w.responder, err = rabbitmq.NewResponder(cfg.Responder, w.proc.handleEnqueue, logger)

	return err
}
