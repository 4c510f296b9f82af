package postgres

import (
	"errors"
	"regexp"
)

var (
	ErrPrimaryDSNRequired  = errors.New("postgres primary dsn is required")
	ErrInvalidDatabaseName = errors.New("invalid database name")
	ErrNotConnected        = errors.New("postgres client is not connected")
	ErrNilClient           = errors.New("postgres client is nil")
	ErrDBRequired          = errors.New("database handle is required")
	ErrChannelNameInvalid  = errors.New("invalid notification channel name")
	ErrNotSubscribed       = errors.New("notify listener is not subscribed")
	ErrNoPrimaryDB         = errors.New("no primary database configured")

	// ErrRequestNotClaimed means the request is no longer processing under
	// this store's worker id, typically because ResetStuck released it.
	ErrRequestNotClaimed = errors.New("request is not claimed by this worker")
)

var (
	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
)

// SanitizedError carries a message with credentials removed while keeping the
// original error reachable through errors.Is/As.
type SanitizedError struct {
	Message string
	Err     error
}

func (e *SanitizedError) Error() string { return e.Message }

func (e *SanitizedError) Unwrap() error { return e.Err }

func newSanitizedError(err error, prefix string) error {
	if err == nil {
		return nil
	}

	return &SanitizedError{Message: prefix + ": " + sanitizeSensitiveString(err.Error()), Err: err}
}

func sanitizeSensitiveString(s string) string {
	s = connectionStringCredentialsPattern.ReplaceAllString(s, "://***@")
	return connectionStringPasswordPattern.ReplaceAllString(s, "${1}***")
}
