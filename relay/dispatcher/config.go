package dispatcher

import (
	"time"

	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"go.opentelemetry.io/otel/metric"
)

const defaultStateLogInterval = time.Minute

// Config controls dispatcher logging, processing bounds and metrics.
type Config struct {
	// StateLogInterval is the minimum time between two load log lines.
	StateLogInterval time.Duration
	// ProcessingTimeout bounds one request; zero means unbounded.
	ProcessingTimeout time.Duration
	// MeterProvider overrides the global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultConfig returns the baseline dispatcher configuration.
func DefaultConfig() Config {
	return Config{StateLogInterval: defaultStateLogInterval}
}

func (cfg *Config) normalize() {
	if cfg.StateLogInterval <= 0 {
		cfg.StateLogInterval = defaultStateLogInterval
	}

	if cfg.ProcessingTimeout < 0 {
		cfg.ProcessingTimeout = 0
	}
}

// Option mutates dispatcher configuration at construction.
type Option func(*Dispatcher)

// WithStateLogInterval sets how often the load line may be logged.
func WithStateLogInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.cfg.StateLogInterval = interval
		}
	}
}

// WithProcessingTimeout bounds each request's processing context.
func WithProcessingTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.cfg.ProcessingTimeout = timeout
		}
	}
}

// WithMeterProvider sets the meter provider for dispatcher metrics.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(d *Dispatcher) {
		if !nilcheck.Interface(provider) {
			d.cfg.MeterProvider = provider
		}
	}
}
