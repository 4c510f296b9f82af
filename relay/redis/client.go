package redis

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-relay/relay/backoff"
	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
	relayotel "github.com/LerianStudio/lib-relay/relay/opentelemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	maxPoolSize         = 1000
	reconnectBackoffCap = 30 * time.Second
	reconnectBase       = 500 * time.Millisecond
)

var dbSystemAttr = attribute.String("db.system", "redis")

// Config selects the topology and connection settings. A MasterName selects
// Sentinel; Cluster selects cluster mode; otherwise the first address is used
// as a standalone server.
type Config struct {
	Addresses     []string      `env:"REDIS_ADDRESSES" envDefault:"localhost:6379"`
	MasterName    string        `env:"REDIS_MASTER_NAME"`
	Cluster       bool          `env:"REDIS_CLUSTER"`
	Password      string        `env:"REDIS_PASSWORD"`
	DB            int           `env:"REDIS_DB"`
	Protocol      int           `env:"REDIS_PROTOCOL" envDefault:"3"`
	CACertBase64  string        `env:"REDIS_CA_CERT_BASE64"`
	TLSMinVersion uint16        `env:"REDIS_TLS_MIN_VERSION"`
	PoolSize      int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns  int           `env:"REDIS_MIN_IDLE_CONNS"`
	ReadTimeout   time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout  time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
	DialTimeout   time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	PoolTimeout   time.Duration `env:"REDIS_POOL_TIMEOUT" envDefault:"2s"`
	MaxRetries    int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
}

// String keeps the password out of logs.
func (cfg Config) String() string {
	return fmt.Sprintf("redis.Config{Addresses:%v, MasterName:%s, Cluster:%t, DB:%d, TLS:%t}",
		cfg.Addresses, cfg.MasterName, cfg.Cluster, cfg.DB, cfg.CACertBase64 != "")
}

func (cfg Config) normalize() (Config, error) {
	addrs := make([]string, 0, len(cfg.Addresses))

	for _, addr := range cfg.Addresses {
		if addr = strings.TrimSpace(addr); addr != "" {
			addrs = append(addrs, addr)
		}
	}

	cfg.Addresses = addrs

	if len(cfg.Addresses) == 0 {
		return Config{}, configError("at least one address is required")
	}

	if cfg.Cluster && cfg.MasterName != "" {
		return Config{}, configError("cluster and sentinel are mutually exclusive")
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}

	if cfg.PoolSize > maxPoolSize {
		cfg.PoolSize = maxPoolSize
	}

	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 3 * time.Second
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 3 * time.Second
	}

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	if cfg.PoolTimeout <= 0 {
		cfg.PoolTimeout = 2 * time.Second
	}

	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	return cfg, nil
}

func (cfg Config) options() (*redis.UniversalOptions, error) {
	opts := &redis.UniversalOptions{
		Addrs:        cfg.Addresses,
		MasterName:   cfg.MasterName,
		Password:     cfg.Password,
		DB:           cfg.DB,
		Protocol:     cfg.Protocol,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		DialTimeout:  cfg.DialTimeout,
		PoolTimeout:  cfg.PoolTimeout,
		MaxRetries:   cfg.MaxRetries,
	}

	if cfg.CACertBase64 != "" {
		tlsCfg, err := buildTLSConfig(cfg.CACertBase64, cfg.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("redis: TLS config: %w", err)
		}

		opts.TLSConfig = tlsCfg
	}

	return opts, nil
}

//nolint:ireturn
func (cfg Config) newUniversalClient(opts *redis.UniversalOptions) redis.UniversalClient {
	switch {
	case cfg.Cluster:
		return redis.NewClusterClient(opts.Cluster())
	case cfg.MasterName != "":
		return redis.NewFailoverClient(opts.Failover())
	default:
		return redis.NewClient(opts.Simple())
	}
}

func buildTLSConfig(caCertBase64 string, minVersion uint16) (*tls.Config, error) {
	caCert, err := base64.StdEncoding.DecodeString(caCertBase64)
	if err != nil {
		return nil, err
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("adding CA cert failed")
	}

	tlsConfig := &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}

	if minVersion == tls.VersionTLS13 {
		tlsConfig.MinVersion = tls.VersionTLS13
	}

	return tlsConfig, nil
}

// Client owns a go-redis universal client and reconnects it on demand, with
// exponential backoff between failed attempts.
type Client struct {
	cfg    Config
	logger log.Logger

	mu                   sync.RWMutex
	client               redis.UniversalClient
	lastReconnectAttempt time.Time
	reconnectAttempts    int
}

// New validates cfg and connects.
func New(ctx context.Context, cfg Config, logger log.Logger) (*Client, error) {
	normalized, err := cfg.normalize()
	if err != nil {
		return nil, err
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	c := &Client{cfg: normalized, logger: logger.With(log.String("component", "redis"))}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// Connect replaces the current connection with a freshly pinged one.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer("redis").Start(ctx, "redis.connect")
	defer span.End()

	span.SetAttributes(dbSystemAttr)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		relayotel.HandleSpanError(span, "Failed to connect to redis", err)
		return err
	}

	return nil
}

// GetClient returns the connected client, reconnecting when Close or a
// failed Connect left none.
//
//nolint:ireturn
func (c *Client) GetClient(ctx context.Context) (redis.UniversalClient, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.RLock()
	if c.client != nil {
		client := c.client
		c.mu.RUnlock()

		return client, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	if c.reconnectAttempts > 0 {
		delay := backoff.Capped(reconnectBase, reconnectBackoffCap, c.reconnectAttempts-1)

		if elapsed := time.Since(c.lastReconnectAttempt); elapsed < delay {
			return nil, fmt.Errorf("redis reconnect: rate-limited (next attempt in %s)", delay-elapsed)
		}
	}

	c.lastReconnectAttempt = time.Now()

	ctx, span := otel.Tracer("redis").Start(ctx, "redis.reconnect")
	defer span.End()

	span.SetAttributes(dbSystemAttr)

	if err := c.connectLocked(ctx); err != nil {
		c.reconnectAttempts++
		relayotel.HandleSpanError(span, "Failed to reconnect redis", err)

		return nil, err
	}

	c.reconnectAttempts = 0

	return c.client, nil
}

func (c *Client) connectLocked(ctx context.Context) error {
	opts, err := c.cfg.options()
	if err != nil {
		return fmt.Errorf("redis connect: build options: %w", err)
	}

	rdb := c.cfg.newUniversalClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()

		c.logger.Log(ctx, log.LevelError, "redis ping failed", log.Err(err))

		return fmt.Errorf("redis connect: ping: %w", err)
	}

	if c.client != nil {
		if err := c.client.Close(); err != nil {
			c.logger.Log(ctx, log.LevelWarn, "close before connect failed", log.Err(err))
		}
	}

	c.client = rdb

	switch rdb.(type) {
	case *redis.ClusterClient:
		c.logger.Log(ctx, log.LevelInfo, "connected to redis in cluster mode")
	default:
		c.logger.Log(ctx, log.LevelInfo, "connected to redis", log.Bool("sentinel", c.cfg.MasterName != ""))
	}

	if opts.TLSConfig == nil {
		c.logger.Log(ctx, log.LevelWarn, "redis connection established without TLS")
	}

	return nil
}

// IsConnected reports whether a client is held.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.client != nil
}

// Close releases the connection; GetClient reconnects afterwards.
func (c *Client) Close() error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil

	return err
}
