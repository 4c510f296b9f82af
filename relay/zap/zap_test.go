//go:build unit

package zap

import (
	"context"
	"errors"
	"testing"

	logpkg "github.com/LerianStudio/lib-relay/relay/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, observed := observer.New(level)

	return &Logger{base: zap.New(core), level: zap.NewAtomicLevelAt(level)}, observed
}

func TestNilLoggerFallsBackToNop(t *testing.T) {
	t.Parallel()

	var nilLogger *Logger

	assert.NotPanics(t, func() {
		nilLogger.Log(context.Background(), logpkg.LevelInfo, "message")
		(&Logger{}).Log(context.Background(), logpkg.LevelError, "message")
	})
}

func TestLogMapsLevelsAndFields(t *testing.T) {
	t.Parallel()

	logger, observed := newObservedLogger(zapcore.DebugLevel)

	logger.Log(context.Background(), logpkg.LevelDebug, "debug")
	logger.Log(context.Background(), logpkg.LevelInfo, "info", logpkg.String("queue", "rpc.requests"))
	logger.Log(context.Background(), logpkg.LevelWarn, "warn", logpkg.Int("attempt", 2))
	logger.Log(context.Background(), logpkg.LevelError, "error", logpkg.Err(errors.New("boom")))

	entries := observed.All()
	require.Len(t, entries, 4)

	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, "rpc.requests", entries[1].ContextMap()["queue"])
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, int64(2), entries[2].ContextMap()["attempt"])
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
	assert.Equal(t, "boom", entries[3].ContextMap()["error"])
}

func TestLogAddsTraceCorrelation(t *testing.T) {
	t.Parallel()

	logger, observed := newObservedLogger(zapcore.InfoLevel)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	logger.Log(ctx, logpkg.LevelInfo, "traced")

	fields := observed.All()[0].ContextMap()
	assert.Equal(t, traceID.String(), fields["trace_id"])
	assert.Equal(t, spanID.String(), fields["span_id"])
}

func TestLogSanitizesControlCharacters(t *testing.T) {
	t.Parallel()

	logger, observed := newObservedLogger(zapcore.InfoLevel)

	logger.Log(context.Background(), logpkg.LevelInfo, "a\nb", logpkg.String("payload", "x\ty"))

	entry := observed.All()[0]
	assert.Equal(t, `a\nb`, entry.Message)
	assert.Equal(t, `x\ty`, entry.ContextMap()["payload"])
}

func TestWithAndWithGroup(t *testing.T) {
	t.Parallel()

	logger, observed := newObservedLogger(zapcore.InfoLevel)

	child := logger.With(logpkg.String("component", "dispatcher"))
	child.Log(context.Background(), logpkg.LevelInfo, "with")

	grouped := logger.WithGroup("rpc")
	grouped.Log(context.Background(), logpkg.LevelInfo, "group", logpkg.String("queue", "q"))

	entries := observed.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "dispatcher", entries[0].ContextMap()["component"])

	nested, ok := entries[1].ContextMap()["rpc"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "q", nested["queue"])
}

func TestEnabled(t *testing.T) {
	t.Parallel()

	logger, _ := newObservedLogger(zapcore.WarnLevel)

	assert.False(t, logger.Enabled(logpkg.LevelInfo))
	assert.True(t, logger.Enabled(logpkg.LevelWarn))
	assert.True(t, logger.Enabled(logpkg.LevelError))
}

func TestSyncHonoursCancelledContext(t *testing.T) {
	t.Parallel()

	logger, _ := newObservedLogger(zapcore.InfoLevel)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, logger.Sync(ctx), context.Canceled)
	assert.NoError(t, logger.Sync(context.Background()))
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Environment: EnvironmentProduction})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OTelLibraryName is required")

	_, err = New(Config{Environment: Environment("banana"), OTelLibraryName: "svc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid environment")

	_, err = New(Config{Environment: EnvironmentProduction, OTelLibraryName: "svc", Level: "loud"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid level")
}

func TestNewLevels(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{Environment: EnvironmentLocal, OTelLibraryName: "svc"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, logger.Level().Level())

	logger, err = New(Config{Environment: EnvironmentProduction, OTelLibraryName: "svc"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, logger.Level().Level())

	logger, err = New(Config{Environment: EnvironmentStaging, Level: "error", DisableOTelBridge: true})
	require.NoError(t, err)
	assert.Equal(t, zapcore.ErrorLevel, logger.Level().Level())
}

func TestWrap(t *testing.T) {
	t.Parallel()

	core, observed := observer.New(zapcore.InfoLevel)
	logger := Wrap(zap.New(core))

	logger.Log(context.Background(), logpkg.LevelInfo, "wrapped")

	assert.Equal(t, 1, observed.Len())
}
