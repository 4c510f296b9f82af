package log

import "context"

type nopLogger struct{}

// NewNop returns a Logger that discards everything. Components fall back to
// it when handed a nil logger.
func NewNop() Logger { return nopLogger{} }

func (nopLogger) Log(context.Context, Level, string, ...Field) {}

//nolint:ireturn
func (n nopLogger) With(...Field) Logger { return n }

//nolint:ireturn
func (n nopLogger) WithGroup(string) Logger { return n }

func (nopLogger) Enabled(Level) bool { return false }

func (nopLogger) Sync(context.Context) error { return nil }
