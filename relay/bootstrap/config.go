package bootstrap

import (
	"time"

	"github.com/LerianStudio/lib-relay/relay/eventsource"
	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultWorkerCount      = 10
	defaultFallbackInterval = 30 * time.Second
	defaultStateLogInterval = time.Minute
	defaultShutdownTimeout  = 30 * time.Second
)

// Config is loaded with relay.SetConfigFromEnvVars.
type Config struct {
	WorkerCount       int           `env:"RELAY_WORKER_COUNT" envDefault:"10"`
	FallbackInterval  time.Duration `env:"RELAY_FALLBACK_INTERVAL" envDefault:"30s"`
	StateLogInterval  time.Duration `env:"RELAY_STATE_LOG_INTERVAL" envDefault:"1m"`
	ReconnectBackoff  time.Duration `env:"RELAY_RECONNECT_BACKOFF" envDefault:"5s"`
	KeepAliveInterval time.Duration `env:"RELAY_KEEPALIVE_INTERVAL" envDefault:"30s"`
	ProcessingTimeout time.Duration `env:"RELAY_PROCESSING_TIMEOUT"`
	ShutdownTimeout   time.Duration `env:"RELAY_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	MeterProvider metric.MeterProvider `env:"-"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() Config {
	receiver := eventsource.DefaultReceiverConfig()

	return Config{
		WorkerCount:       defaultWorkerCount,
		FallbackInterval:  defaultFallbackInterval,
		StateLogInterval:  defaultStateLogInterval,
		ReconnectBackoff:  receiver.ReconnectBackoff,
		KeepAliveInterval: receiver.KeepAliveInterval,
		ShutdownTimeout:   defaultShutdownTimeout,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = defaults.WorkerCount
	}

	if cfg.FallbackInterval <= 0 {
		cfg.FallbackInterval = defaults.FallbackInterval
	}

	if cfg.StateLogInterval <= 0 {
		cfg.StateLogInterval = defaults.StateLogInterval
	}

	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = defaults.ReconnectBackoff
	}

	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = defaults.KeepAliveInterval
	}

	if cfg.ProcessingTimeout < 0 {
		cfg.ProcessingTimeout = 0
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
}

// ReceiverOptions turns the receiver part of cfg into eventsource options
// for CreateReceiver implementations.
func (cfg Config) ReceiverOptions() []eventsource.ReceiverOption {
	return []eventsource.ReceiverOption{
		eventsource.WithReconnectBackoff(cfg.ReconnectBackoff),
		eventsource.WithKeepAliveInterval(cfg.KeepAliveInterval),
	}
}

// Option mutates bootstrapper configuration at construction.
type Option func(*Bootstrapper)

// WithConfig replaces the configuration.
func WithConfig(cfg Config) Option {
	return func(b *Bootstrapper) {
		b.cfg = cfg
	}
}

// WithWorkerCount sets the worker pool size.
func WithWorkerCount(n int) Option {
	return func(b *Bootstrapper) {
		if n > 0 {
			b.cfg.WorkerCount = n
		}
	}
}

// WithFallbackInterval sets the period of the fallback action.
func WithFallbackInterval(d time.Duration) Option {
	return func(b *Bootstrapper) {
		if d > 0 {
			b.cfg.FallbackInterval = d
		}
	}
}

// WithMeterProvider sets the meter provider handed to the dispatcher.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(b *Bootstrapper) {
		if !nilcheck.Interface(provider) {
			b.cfg.MeterProvider = provider
		}
	}
}
