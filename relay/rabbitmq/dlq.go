package rabbitmq

import (
	"fmt"
	"time"

	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultDLXExchangeName = "relay.dlx"
	defaultDLQName         = "relay.dlq"
	defaultDLXType         = "topic"
	defaultDLQBindingKey   = "#"
)

// TopologyChannel is what DeclareDeadLetterTopology needs from a channel.
type TopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DeadLetterConfig names the exchange and queue that receive rejected events.
type DeadLetterConfig struct {
	Exchange   string
	Queue      string
	BindingKey string
	MessageTTL time.Duration
	MaxLength  int64
}

// DeadLetterOption configures DeclareDeadLetterTopology.
type DeadLetterOption func(*DeadLetterConfig)

// WithDeadLetterExchange overrides the dead-letter exchange name.
func WithDeadLetterExchange(name string) DeadLetterOption {
	return func(cfg *DeadLetterConfig) {
		if name != "" {
			cfg.Exchange = name
		}
	}
}

// WithDeadLetterQueue overrides the dead-letter queue name.
func WithDeadLetterQueue(name string) DeadLetterOption {
	return func(cfg *DeadLetterConfig) {
		if name != "" {
			cfg.Queue = name
		}
	}
}

// WithDeadLetterTTL sets x-message-ttl on the dead-letter queue.
func WithDeadLetterTTL(ttl time.Duration) DeadLetterOption {
	return func(cfg *DeadLetterConfig) {
		if ttl > 0 {
			cfg.MessageTTL = ttl
		}
	}
}

// WithDeadLetterMaxLength sets x-max-length on the dead-letter queue.
func WithDeadLetterMaxLength(n int64) DeadLetterOption {
	return func(cfg *DeadLetterConfig) {
		if n > 0 {
			cfg.MaxLength = n
		}
	}
}

func defaultDeadLetterConfig() DeadLetterConfig {
	return DeadLetterConfig{
		Exchange:   defaultDLXExchangeName,
		Queue:      defaultDLQName,
		BindingKey: defaultDLQBindingKey,
	}
}

func (cfg DeadLetterConfig) queueArgs() amqp.Table {
	args := amqp.Table{}

	if cfg.MessageTTL > 0 {
		args["x-message-ttl"] = max(cfg.MessageTTL.Milliseconds(), 1)
	}

	if cfg.MaxLength > 0 {
		args["x-max-length"] = cfg.MaxLength
	}

	if len(args) == 0 {
		return nil
	}

	return args
}

// DeclareDeadLetterTopology declares the dead-letter exchange and queue and
// binds them. It returns the effective configuration.
func DeclareDeadLetterTopology(ch TopologyChannel, opts ...DeadLetterOption) (DeadLetterConfig, error) {
	cfg := defaultDeadLetterConfig()

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if nilcheck.Interface(ch) {
		return cfg, fmt.Errorf("declare dead-letter topology: %w", ErrChannelRequired)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, defaultDLXType, true, false, false, false, nil); err != nil {
		return cfg, fmt.Errorf("declare dead-letter exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, cfg.queueArgs()); err != nil {
		return cfg, fmt.Errorf("declare dead-letter queue: %w", err)
	}

	if err := ch.QueueBind(cfg.Queue, cfg.BindingKey, cfg.Exchange, false, nil); err != nil {
		return cfg, fmt.Errorf("bind dead-letter queue: %w", err)
	}

	return cfg, nil
}

// DeadLetterArgs returns the queue arguments routing rejected messages to exchange.
func DeadLetterArgs(exchange string) amqp.Table {
	if exchange == "" {
		exchange = defaultDLXExchangeName
	}

	return amqp.Table{"x-dead-letter-exchange": exchange}
}
