package postgres

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/LerianStudio/lib-relay/relay/dispatcher"
	"github.com/LerianStudio/lib-relay/relay/eventsource"
	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/google/uuid"
)

const (
	defaultNotifyChannel = "relay_requests"
	defaultMaxAttempts   = 3
	defaultRetryDelay    = 30 * time.Second
	defaultLockTimeout   = 5 * time.Minute
	maxLastErrorLength   = 1024
)

var channelNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// Status is the lifecycle state of a stored request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// NewRequest is the input of Enqueue.
type NewRequest struct {
	Locale        string
	Payload       []byte
	CorrelationID string
}

// RequestStoreOption customises a RequestStore.
type RequestStoreOption func(*RequestStore)

// WithWorkerID names this process in locked_by. Defaults to hostname plus a
// random suffix.
func WithWorkerID(id string) RequestStoreOption {
	return func(s *RequestStore) {
		if id != "" {
			s.workerID = id
		}
	}
}

// WithMaxAttempts bounds how often a rejected request is retried.
func WithMaxAttempts(n int) RequestStoreOption {
	return func(s *RequestStore) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithRetryDelay sets how long a rejected request waits before it is
// claimable again.
func WithRetryDelay(d time.Duration) RequestStoreOption {
	return func(s *RequestStore) {
		if d >= 0 {
			s.retryDelay = d
		}
	}
}

// WithLockTimeout sets after how long another worker's claim counts as stuck.
func WithLockTimeout(d time.Duration) RequestStoreOption {
	return func(s *RequestStore) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithNotifyChannel sets the channel Enqueue notifies.
func WithNotifyChannel(name string) RequestStoreOption {
	return func(s *RequestStore) {
		if name != "" {
			s.channel = name
		}
	}
}

// WithStoreSource tags fetched requests with source.
func WithStoreSource(source eventsource.Source) RequestStoreOption {
	return func(s *RequestStore) {
		s.source = source
	}
}

// RequestStore keeps requests in the relay_requests table and is the
// dispatcher's RequestSource. Claims use FOR UPDATE SKIP LOCKED so several
// processes can share the table.
type RequestStore struct {
	db          dbresolver.DB
	workerID    string
	maxAttempts int
	retryDelay  time.Duration
	lockTimeout time.Duration
	channel     string
	source      eventsource.Source
}

var _ dispatcher.RequestSource = (*RequestStore)(nil)

// NewRequestStore builds a store over db. Writes run on db's first primary;
// Counts is served by a replica.
func NewRequestStore(db dbresolver.DB, opts ...RequestStoreOption) (*RequestStore, error) {
	if nilcheck.Interface(db) {
		return nil, ErrDBRequired
	}

	s := &RequestStore{
		db:          db,
		workerID:    defaultWorkerID(),
		maxAttempts: defaultMaxAttempts,
		retryDelay:  defaultRetryDelay,
		lockTimeout: defaultLockTimeout,
		channel:     defaultNotifyChannel,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if !channelNamePattern.MatchString(s.channel) {
		return nil, fmt.Errorf("%w: %q", ErrChannelNameInvalid, s.channel)
	}

	return s, nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relay"
	}

	return host + "-" + uuid.NewString()[:8]
}

// WorkerID returns the locked_by value of this store.
func (s *RequestStore) WorkerID() string { return s.workerID }

// NotifyChannel returns the channel Enqueue notifies.
func (s *RequestStore) NotifyChannel() string { return s.channel }

func (s *RequestStore) primaryDB() (*sql.DB, error) {
	primaries := s.db.PrimaryDBs()
	if len(primaries) == 0 || primaries[0] == nil {
		return nil, ErrNoPrimaryDB
	}

	return primaries[0], nil
}

// withTx runs fn in a primary transaction and commits when fn succeeds.
func withTx[T any](ctx context.Context, s *RequestStore, fn func(*sql.Tx) (T, error)) (T, error) {
	var zero T

	primary, err := s.primaryDB()
	if err != nil {
		return zero, err
	}

	tx, err := primary.BeginTx(ctx, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	result, err := fn(tx)
	if err != nil {
		return zero, err
	}

	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

// Enqueue inserts a pending request and notifies the channel with its id.
// The notification is delivered when the insert commits.
func (s *RequestStore) Enqueue(ctx context.Context, req NewRequest) (int64, error) {
	id, err := withTx(ctx, s, func(tx *sql.Tx) (int64, error) {
		var id int64

		err := tx.QueryRowContext(ctx,
			`INSERT INTO relay_requests (locale, payload, correlation_id) VALUES ($1, $2, $3) RETURNING id`,
			req.Locale, req.Payload, req.CorrelationID,
		).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("insert request: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, s.channel, strconv.FormatInt(id, 10)); err != nil {
			return 0, fmt.Errorf("notify %s: %w", s.channel, err)
		}

		return id, nil
	})
	if err != nil {
		return 0, newSanitizedError(err, "enqueue request")
	}

	return id, nil
}

const claimQuery = `
UPDATE relay_requests
SET status = 'processing', locked_by = $1, locked_at = now(), attempts = attempts + 1, updated_at = now()
WHERE id IN (
    SELECT id FROM relay_requests
    WHERE status = 'pending' AND available_at <= now()
    ORDER BY id
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
RETURNING id, locale, payload, correlation_id, attempts`

// GetRequests claims at most maxCount pending requests, oldest first. Each
// request's acknowledger completes or fails it.
func (s *RequestStore) GetRequests(ctx context.Context, maxCount int) ([]*dispatcher.PendingRequest, error) {
	if maxCount <= 0 {
		return nil, nil
	}

	reqs, err := withTx(ctx, s, func(tx *sql.Tx) ([]*dispatcher.PendingRequest, error) {
		return s.claim(ctx, tx, maxCount)
	})
	if err != nil {
		return nil, newSanitizedError(err, "claim requests")
	}

	slices.SortFunc(reqs, func(a, b *dispatcher.PendingRequest) int {
		return cmp.Compare(a.ID, b.ID)
	})

	return reqs, nil
}

func (s *RequestStore) claim(ctx context.Context, tx *sql.Tx, maxCount int) ([]*dispatcher.PendingRequest, error) {
	rows, err := tx.QueryContext(ctx, claimQuery, s.workerID, maxCount)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	var reqs []*dispatcher.PendingRequest

	for rows.Next() {
		var (
			req      dispatcher.PendingRequest
			attempts int
		)

		if err := rows.Scan(&req.ID, &req.Locale, &req.Payload, &req.CorrelationID, &attempts); err != nil {
			return nil, fmt.Errorf("scan claimed request: %w", err)
		}

		req.Source = s.source
		req.Ack = &requestAck{store: s, id: req.ID, attempts: attempts}
		reqs = append(reqs, &req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read claimed requests: %w", err)
	}

	return reqs, nil
}

// ResetStuck returns requests left processing by this worker id, or by any
// worker whose claim is older than the lock timeout, to pending.
func (s *RequestStore) ResetStuck(ctx context.Context) (int64, error) {
	primary, err := s.primaryDB()
	if err != nil {
		return 0, err
	}

	res, err := primary.ExecContext(ctx, `
UPDATE relay_requests
SET status = 'pending', locked_by = NULL, locked_at = NULL, updated_at = now()
WHERE status = 'processing'
  AND (locked_by = $1 OR locked_at < now() - make_interval(secs => $2))`,
		s.workerID, s.lockTimeout.Seconds())
	if err != nil {
		return 0, fmt.Errorf("reset stuck requests: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset stuck requests: %w", err)
	}

	return n, nil
}

// Counts returns the number of requests per status, read from the replica.
func (s *RequestStore) Counts(ctx context.Context) (map[Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, count(*) FROM relay_requests GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count requests: %w", err)
	}

	defer rows.Close()

	counts := make(map[Status]int64, 4)

	for rows.Next() {
		var (
			status string
			n      int64
		)

		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan request count: %w", err)
		}

		counts[Status(status)] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read request counts: %w", err)
	}

	return counts, nil
}

func (s *RequestStore) complete(ctx context.Context, id int64) error {
	primary, err := s.primaryDB()
	if err != nil {
		return err
	}

	res, err := primary.ExecContext(ctx, `
UPDATE relay_requests
SET status = 'completed', locked_by = NULL, locked_at = NULL, last_error = NULL, updated_at = now()
WHERE id = $1 AND status = 'processing' AND locked_by = $2`,
		id, s.workerID)

	return claimedUpdate(res, err, "complete request")
}

// fail releases a claimed request: back to pending while attempts remain,
// failed otherwise. refund gives back the attempt the claim counted.
func (s *RequestStore) fail(ctx context.Context, id int64, attempts int, refund bool, cause error) error {
	next := StatusFailed
	if refund || attempts < s.maxAttempts {
		next = StatusPending
	}

	primary, err := s.primaryDB()
	if err != nil {
		return err
	}

	res, err := primary.ExecContext(ctx, `
UPDATE relay_requests
SET status = $3,
    available_at = now() + make_interval(secs => $4),
    attempts = CASE WHEN $6 THEN GREATEST(attempts - 1, 0) ELSE attempts END,
    locked_by = NULL, locked_at = NULL, last_error = $5, updated_at = now()
WHERE id = $1 AND status = 'processing' AND locked_by = $2`,
		id, s.workerID, string(next), s.retryDelay.Seconds(), lastError(cause), refund)

	return claimedUpdate(res, err, "fail request")
}

func claimedUpdate(res sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if n == 0 {
		return ErrRequestNotClaimed
	}

	return nil
}

func lastError(cause error) string {
	if cause == nil {
		return "rejected"
	}

	// Postgres text rejects NUL and invalid UTF-8, and the update would
	// leave the row claimed.
	msg := strings.ToValidUTF8(sanitizeSensitiveString(cause.Error()), "\uFFFD")
	msg = strings.ReplaceAll(msg, "\x00", "")

	if len(msg) > maxLastErrorLength {
		n := maxLastErrorLength
		for n > 0 && !utf8.RuneStart(msg[n]) {
			n--
		}

		msg = msg[:n]
	}

	return msg
}

// requestAck settles one claimed request.
type requestAck struct {
	store    *RequestStore
	id       int64
	attempts int
}

func (a *requestAck) Confirm(ctx context.Context) error {
	return a.store.complete(ctx, a.id)
}

func (a *requestAck) Reject(ctx context.Context, cause error) error {
	return a.store.fail(ctx, a.id, a.attempts, errors.Is(cause, context.Canceled), cause)
}
