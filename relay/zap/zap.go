// Package zap adapts go.uber.org/zap to the relay log.Logger interface.
package zap

import (
	"context"
	"errors"
	"syscall"

	logpkg "github.com/LerianStudio/lib-relay/relay/log"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger implements log.Logger on top of a zap logger. The zero value and a
// nil *Logger discard everything.
type Logger struct {
	base  *zap.Logger
	level zap.AtomicLevel
}

var _ logpkg.Logger = (*Logger)(nil)

var zapLevels = [...]zapcore.Level{
	logpkg.LevelError: zapcore.ErrorLevel,
	logpkg.LevelWarn:  zapcore.WarnLevel,
	logpkg.LevelInfo:  zapcore.InfoLevel,
	logpkg.LevelDebug: zapcore.DebugLevel,
}

func zapLevel(level logpkg.Level) zapcore.Level {
	if int(level) < len(zapLevels) {
		return zapLevels[level]
	}

	return zapcore.InfoLevel
}

// Wrap adapts an existing zap logger. Filtering is left to its core.
func Wrap(base *zap.Logger) *Logger {
	return &Logger{base: base, level: zap.NewAtomicLevelAt(zapcore.DebugLevel)}
}

func (l *Logger) logger() *zap.Logger {
	if l == nil || l.base == nil {
		return zap.NewNop()
	}

	return l.base
}

// Log writes msg at level. A valid span context in ctx adds trace_id and
// span_id.
func (l *Logger) Log(ctx context.Context, level logpkg.Level, msg string, fields ...logpkg.Field) {
	entry := l.logger().Check(zapLevel(level), sanitizeString(msg))
	if entry == nil {
		return
	}

	entry.Write(append(encodeFields(fields), traceFields(ctx)...)...)
}

//nolint:ireturn
func (l *Logger) With(fields ...logpkg.Field) logpkg.Logger {
	return &Logger{base: l.logger().With(encodeFields(fields)...), level: l.Level()}
}

// WithGroup nests the fields of later entries under name.
//
//nolint:ireturn
func (l *Logger) WithGroup(name string) logpkg.Logger {
	return &Logger{base: l.logger().With(zap.Namespace(name)), level: l.Level()}
}

func (l *Logger) Enabled(level logpkg.Level) bool {
	return l.logger().Core().Enabled(zapLevel(level))
}

// Sync flushes buffered entries, giving up when ctx ends first. Terminals
// reject fsync, and that error is swallowed.
func (l *Logger) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	flushed := make(chan error, 1)
	go func() { flushed <- l.logger().Sync() }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-flushed:
		if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) {
			return nil
		}

		return err
	}
}

// Raw exposes the underlying zap logger for libraries that want one.
func (l *Logger) Raw() *zap.Logger {
	return l.logger()
}

// Level is the runtime-adjustable level handle.
func (l *Logger) Level() zap.AtomicLevel {
	if l == nil {
		return zap.NewAtomicLevel()
	}

	return l.level
}

func traceFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}

	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil
	}

	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

func encodeFields(fields []logpkg.Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+2)

	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			out = append(out, zap.String(f.Key, sanitizeString(v)))
		case error:
			out = append(out, zap.NamedError(f.Key, v))
		default:
			out = append(out, zap.Any(f.Key, v))
		}
	}

	return out
}
