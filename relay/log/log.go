package log

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Logger is accepted by every relay component. Implementations must be safe
// for concurrent use.
type Logger interface {
	Log(ctx context.Context, level Level, msg string, fields ...Field)
	With(fields ...Field) Logger
	WithGroup(name string) Logger
	Enabled(level Level) bool
	Sync(ctx context.Context) error
}

// Level orders severities with the most severe first: a logger set to
// LevelInfo also emits LevelWarn and LevelError.
type Level uint8

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

var levelNames = [...]string{
	LevelError: "error",
	LevelWarn:  "warn",
	LevelInfo:  "info",
	LevelDebug: "debug",
}

func (level Level) String() string {
	if int(level) < len(levelNames) {
		return levelNames[level]
	}

	return "unknown"
}

// ParseLevel accepts the names produced by Level.String, case-insensitively,
// plus "warning".
func ParseLevel(name string) (Level, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "warning" {
		return LevelWarn, nil
	}

	for level, n := range levelNames {
		if n == normalized {
			return Level(level), nil
		}
	}

	return LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// Field is one key/value attribute of a log entry.
type Field struct {
	Key   string
	Value any
}

// Any wraps an arbitrary value. Adapters pass it through without inspection,
// so avoid it for payload data.
func Any(key string, value any) Field { return Field{Key: key, Value: value} }

func String(key, value string) Field { return Field{Key: key, Value: value} }

func Int(key string, value int) Field { return Field{Key: key, Value: value} }

func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value} }

// Err returns the conventional "error" field.
func Err(err error) Field { return Field{Key: "error", Value: err} }
