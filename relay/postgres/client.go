package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
	"github.com/bxcodec/dbresolver/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	dbOpenFn = sql.Open

	createResolverFn = func(primaryDB, replicaDB *sql.DB, _ log.Logger) (_ dbresolver.DB, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("failed to create resolver: %v", recovered)
			}
		}()

		connectionDB := dbresolver.New(
			dbresolver.WithPrimaryDBs(primaryDB),
			dbresolver.WithReplicaDBs(replicaDB),
			dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
		)

		if connectionDB == nil {
			return nil, errors.New("resolver returned nil connection")
		}

		return connectionDB, nil
	}

	runMigrationsFn = runMigrations

	dbNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Config configures a Client. ReplicaDSN defaults to PrimaryDSN.
type Config struct {
	PrimaryDSN      string        `env:"POSTGRES_PRIMARY_DSN"`
	ReplicaDSN      string        `env:"POSTGRES_REPLICA_DSN"`
	DatabaseName    string        `env:"POSTGRES_DB_NAME" envDefault:"relay"`
	MaxOpenConns    int           `env:"POSTGRES_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"POSTGRES_MAX_IDLE_CONNS" envDefault:"10"`
	ConnMaxLifetime time.Duration `env:"POSTGRES_CONN_MAX_LIFETIME" envDefault:"30m"`
	ConnMaxIdleTime time.Duration `env:"POSTGRES_CONN_MAX_IDLE_TIME" envDefault:"5m"`
	// SkipMigrations leaves the schema alone on Connect.
	SkipMigrations bool `env:"POSTGRES_SKIP_MIGRATIONS"`
}

func (cfg Config) withDefaults() Config {
	if cfg.ReplicaDSN == "" {
		cfg.ReplicaDSN = cfg.PrimaryDSN
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = defaultMaxOpenConns
	}

	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = defaultMaxIdleConns
	}

	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = defaultConnMaxLifetime
	}

	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = defaultConnMaxIdleTime
	}

	return cfg
}

func (cfg Config) validate() error {
	if strings.TrimSpace(cfg.PrimaryDSN) == "" {
		return ErrPrimaryDSNRequired
	}

	if !cfg.SkipMigrations && !dbNamePattern.MatchString(cfg.DatabaseName) {
		return fmt.Errorf("%w: %q", ErrInvalidDatabaseName, cfg.DatabaseName)
	}

	return nil
}

// Client owns the primary and replica pools behind a dbresolver.DB: writes
// and transactions go to the primary, plain queries to the replica.
type Client struct {
	cfg    Config
	logger log.Logger

	mu       sync.RWMutex
	resolver dbresolver.DB
	primary  *sql.DB
}

// New validates cfg; it does not connect.
func New(cfg Config, logger log.Logger) (*Client, error) {
	cfg = cfg.withDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &Client{cfg: cfg, logger: logger.With(log.String("component", "postgres"))}, nil
}

// Connect opens both pools, migrates the primary and pings through the
// resolver. A previous resolver is replaced only when the new one works.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	primary, err := c.open(c.cfg.PrimaryDSN)
	if err != nil {
		return err
	}

	replica, err := c.open(c.cfg.ReplicaDSN)
	if err != nil {
		_ = primary.Close()
		return err
	}

	resolver, err := createResolverFn(primary, replica, c.logger)
	if err != nil {
		_ = primary.Close()
		_ = replica.Close()

		return fmt.Errorf("failed to create resolver: %w", err)
	}

	if !c.cfg.SkipMigrations {
		if err := runMigrationsFn(ctx, primary, c.cfg.DatabaseName, c.logger); err != nil {
			_ = resolver.Close()
			return err
		}
	}

	if err := resolver.PingContext(ctx); err != nil {
		_ = resolver.Close()
		return newSanitizedError(err, "failed to ping database")
	}

	if c.resolver != nil {
		if err := c.resolver.Close(); err != nil {
			c.logger.Log(ctx, log.LevelWarn, "failed to close previous postgres resolver",
				log.String("error", sanitizeSensitiveString(err.Error())))
		}
	}

	c.resolver, c.primary = resolver, primary

	c.logger.Log(ctx, log.LevelInfo, "connected to postgres")

	return nil
}

func (c *Client) open(dsn string) (*sql.DB, error) {
	db, err := dbOpenFn("pgx", dsn)
	if err != nil {
		return nil, newSanitizedError(err, "failed to open database")
	}

	db.SetMaxOpenConns(c.cfg.MaxOpenConns)
	db.SetMaxIdleConns(c.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(c.cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.cfg.ConnMaxIdleTime)

	return db, nil
}

// Resolver returns the resolver, connecting on first use.
//
//nolint:ireturn
func (c *Client) Resolver(ctx context.Context) (dbresolver.DB, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.RLock()
	if c.resolver != nil {
		resolver := c.resolver
		c.mu.RUnlock()

		return resolver, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver != nil {
		return c.resolver, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c.resolver, nil
}

// Primary returns the primary pool of a connected client.
func (c *Client) Primary() (*sql.DB, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.primary == nil {
		return nil, ErrNotConnected
	}

	return c.primary, nil
}

// PrimaryDSN is the DSN LISTEN connections use.
func (c *Client) PrimaryDSN() string { return c.cfg.PrimaryDSN }

// IsConnected reports whether Connect succeeded and Close was not called.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.resolver != nil
}

// Close releases both pools. It is safe to call twice.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver == nil {
		return nil
	}

	err := c.resolver.Close()
	c.resolver, c.primary = nil, nil

	return err
}
