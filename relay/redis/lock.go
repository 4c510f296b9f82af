package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
	relayotel "github.com/LerianStudio/lib-relay/relay/opentelemetry"
	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"go.opentelemetry.io/otel"
)

const maxLockTries = 1000

var (
	ErrLockExpiryInvalid      = errors.New("lock expiry must be greater than 0")
	ErrLockTriesInvalid       = errors.New("lock tries must be between 1 and 1000")
	ErrLockRetryDelayNegative = errors.New("lock retry delay cannot be negative")
	ErrNilLockFn              = errors.New("lock function is nil")
)

// LockOptions tune one acquisition.
type LockOptions struct {
	// Expiry releases a lock whose holder died.
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
}

// DefaultLockOptions suit operations finishing within seconds.
func DefaultLockOptions() LockOptions {
	return LockOptions{
		Expiry:     30 * time.Second,
		Tries:      20,
		RetryDelay: 500 * time.Millisecond,
	}
}

func (o LockOptions) validate() error {
	if o.Expiry <= 0 {
		return ErrLockExpiryInvalid
	}

	if o.Tries < 1 || o.Tries > maxLockTries {
		return ErrLockTriesInvalid
	}

	if o.RetryDelay < 0 {
		return ErrLockRetryDelayNegative
	}

	return nil
}

// clientPool resolves the current client on every Get so the pool survives
// reconnects.
type clientPool struct {
	clients ClientProvider
}

//nolint:ireturn
func (p *clientPool) Get(ctx context.Context) (redsyncredis.Conn, error) {
	rdb, err := p.clients.GetClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get redis client for lock pool: %w", err)
	}

	return goredis.NewPool(rdb).Get(ctx)
}

// LockManager runs work that only one process of a fleet may run at a time,
// using redsync mutexes.
type LockManager struct {
	redsync *redsync.Redsync
	logger  log.Logger
}

// NewLockManager builds a lock manager over clients.
func NewLockManager(clients ClientProvider, logger log.Logger) (*LockManager, error) {
	if nilcheck.Interface(clients) {
		return nil, ErrNilClient
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &LockManager{
		redsync: redsync.New(&clientPool{clients: clients}),
		logger:  logger,
	}, nil
}

// WithLock runs fn while holding lockKey, waiting for it with the default
// options.
func (m *LockManager) WithLock(ctx context.Context, lockKey string, fn func(context.Context) error) error {
	return m.WithLockOptions(ctx, lockKey, DefaultLockOptions(), fn)
}

// WithLockOptions runs fn while holding lockKey. The lock is released when fn
// returns or panics.
func (m *LockManager) WithLockOptions(ctx context.Context, lockKey string, opts LockOptions, fn func(context.Context) error) error {
	if m == nil {
		return ErrNilLockManager
	}

	if fn == nil {
		return ErrNilLockFn
	}

	if strings.TrimSpace(lockKey) == "" {
		return ErrLockKeyRequired
	}

	if err := opts.validate(); err != nil {
		return err
	}

	ctx, span := otel.Tracer("redis").Start(ctx, "redis.lock.with_lock")
	defer span.End()

	safeKey := safeLockKeyForLogs(lockKey)

	mutex := m.redsync.NewMutex(lockKey,
		redsync.WithExpiry(opts.Expiry),
		redsync.WithTries(opts.Tries),
		redsync.WithRetryDelay(opts.RetryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		relayotel.HandleSpanError(span, "Failed to acquire lock", err)
		return fmt.Errorf("failed to acquire lock %s: %w", safeKey, err)
	}

	m.logger.Log(ctx, log.LevelDebug, "lock acquired", log.String("lock_key", safeKey))

	defer func() {
		if ok, err := mutex.UnlockContext(ctx); !ok || err != nil {
			m.logger.Log(ctx, log.LevelWarn, "failed to release lock",
				log.String("lock_key", safeKey), log.Bool("unlock_ok", ok), log.Err(err))
		}
	}()

	if err := fn(ctx); err != nil {
		relayotel.HandleSpanError(span, "Function execution failed", err)
		return fmt.Errorf("distributed lock: function execution: %w", err)
	}

	return nil
}

// LockHandle releases a lock taken by TryLock.
type LockHandle struct {
	mutex *redsync.Mutex
}

// Unlock releases the lock. ErrLockNotHeld means it had already expired.
func (h *LockHandle) Unlock(ctx context.Context) error {
	if h == nil || h.mutex == nil {
		return ErrLockNotHeld
	}

	ok, err := h.mutex.UnlockContext(ctx)
	if err != nil {
		return fmt.Errorf("distributed lock: unlock: %w", err)
	}

	if !ok {
		return ErrLockNotHeld
	}

	return nil
}

// TryLock makes one attempt. A lock held elsewhere returns false without an
// error.
func (m *LockManager) TryLock(ctx context.Context, lockKey string, expiry time.Duration) (*LockHandle, bool, error) {
	if m == nil {
		return nil, false, ErrNilLockManager
	}

	if strings.TrimSpace(lockKey) == "" {
		return nil, false, ErrLockKeyRequired
	}

	if expiry <= 0 {
		expiry = DefaultLockOptions().Expiry
	}

	safeKey := safeLockKeyForLogs(lockKey)
	mutex := m.redsync.NewMutex(lockKey, redsync.WithExpiry(expiry), redsync.WithTries(1))

	if err := mutex.LockContext(ctx); err != nil {
		msg := err.Error()
		if errors.Is(err, redsync.ErrFailed) ||
			strings.Contains(msg, "lock already taken") || strings.Contains(msg, "failed to acquire lock") {
			m.logger.Log(ctx, log.LevelDebug, "lock held elsewhere", log.String("lock_key", safeKey))
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("failed to attempt lock acquisition for %s: %w", safeKey, err)
	}

	return &LockHandle{mutex: mutex}, true, nil
}

func safeLockKeyForLogs(lockKey string) string {
	const maxLen = 128

	quoted := strconv.QuoteToASCII(lockKey)
	if len(quoted) <= maxLen {
		return quoted
	}

	return quoted[:maxLen] + "...(truncated)"
}
