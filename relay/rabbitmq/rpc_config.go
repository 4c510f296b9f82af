package rabbitmq

import (
	"time"

	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultRPCPrefetch         = 10
	defaultMaxRecoveryAttempts = 5
	defaultRecoveryDelay       = 6 * time.Second
)

// RPCConfig configures an RPCClient.
type RPCConfig struct {
	URL string `env:"RABBITMQ_URL"`
	// RequestExchange is empty for the default exchange, where RequestQueue
	// doubles as routing key.
	RequestExchange string `env:"RPC_REQUEST_EXCHANGE"`
	RequestQueue    string `env:"RPC_REQUEST_QUEUE"`
	// ResponseQueue is the per-client reply queue. Empty means a
	// server-named exclusive queue, renamed on every reconnect.
	ResponseQueue              string        `env:"RPC_RESPONSE_QUEUE"`
	PrefetchCount              int           `env:"RPC_PREFETCH_COUNT" envDefault:"10"`
	MaxRecoveryAttempts        int           `env:"RPC_MAX_RECOVERY_ATTEMPTS" envDefault:"5"`
	RecoveryDelay              time.Duration `env:"RPC_RECOVERY_DELAY" envDefault:"6s"`
	DeleteResponseQueueOnClose bool          `env:"RPC_DELETE_RESPONSE_QUEUE_ON_CLOSE"`
	DeclareRequestQueue        bool          `env:"RPC_DECLARE_REQUEST_QUEUE" envDefault:"true"`
	Heartbeat                  time.Duration `env:"RABBITMQ_HEARTBEAT" envDefault:"10s"`
}

// DefaultRPCConfig returns the baseline configuration without broker addressing.
func DefaultRPCConfig() RPCConfig {
	return RPCConfig{
		PrefetchCount:       defaultRPCPrefetch,
		MaxRecoveryAttempts: defaultMaxRecoveryAttempts,
		RecoveryDelay:       defaultRecoveryDelay,
		DeclareRequestQueue: true,
		Heartbeat:           defaultHeartbeat,
	}
}

func (cfg *RPCConfig) normalize() {
	defaults := DefaultRPCConfig()

	if cfg.PrefetchCount <= 0 {
		cfg.PrefetchCount = defaults.PrefetchCount
	}

	if cfg.MaxRecoveryAttempts <= 0 {
		cfg.MaxRecoveryAttempts = defaults.MaxRecoveryAttempts
	}

	if cfg.RecoveryDelay <= 0 {
		cfg.RecoveryDelay = defaults.RecoveryDelay
	}

	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaults.Heartbeat
	}
}

// RPCOption customises an RPCClient.
type RPCOption func(*RPCClient)

// WithRPCLogger sets the client logger.
func WithRPCLogger(logger log.Logger) RPCOption {
	return func(c *RPCClient) {
		if !nilcheck.Interface(logger) {
			c.logger = logger
		}
	}
}

// WithRPCTracer sets the tracer used for call and recovery spans.
func WithRPCTracer(tracer trace.Tracer) RPCOption {
	return func(c *RPCClient) {
		if !nilcheck.Interface(tracer) {
			c.tracer = tracer
		}
	}
}

// WithRPCDialer replaces the broker dialer.
func WithRPCDialer(dial Dialer) RPCOption {
	return func(c *RPCClient) {
		if dial != nil {
			c.dial = dial
		}
	}
}

// WithRPCMeterProvider sets the meter provider for client metrics.
func WithRPCMeterProvider(provider metric.MeterProvider) RPCOption {
	return func(c *RPCClient) {
		if !nilcheck.Interface(provider) {
			c.meterProvider = provider
		}
	}
}

// WithHealthCallback registers fn for health state transitions.
func WithHealthCallback(fn HealthCallback) RPCOption {
	return func(c *RPCClient) {
		if fn != nil {
			c.healthCallback = fn
		}
	}
}

// CallOption customises one call.
type CallOption func(*callOptions)

type callOptions struct {
	correlationID string
	contentType   string
	headers       map[string]any
}

// WithCorrelationID uses id instead of a generated correlation id.
func WithCorrelationID(id string) CallOption {
	return func(o *callOptions) {
		if id != "" {
			o.correlationID = id
		}
	}
}

// WithContentType sets the request content type.
func WithContentType(contentType string) CallOption {
	return func(o *callOptions) {
		if contentType != "" {
			o.contentType = contentType
		}
	}
}

// WithHeaders adds AMQP headers to the request.
func WithHeaders(headers map[string]any) CallOption {
	return func(o *callOptions) {
		if len(headers) == 0 {
			return
		}

		if o.headers == nil {
			o.headers = make(map[string]any, len(headers))
		}

		for k, v := range headers {
			o.headers[k] = v
		}
	}
}
