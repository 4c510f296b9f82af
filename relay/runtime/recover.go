package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
)

// Logger is the minimal logging contract runtime needs. Every log.Logger
// satisfies it.
type Logger interface {
	Log(ctx context.Context, level log.Level, msg string, fields ...log.Field)
}

const defaultComponent = "relay"

// RecoverAndLog recovers a panic and logs it with the stack trace.
//
//	defer runtime.RecoverAndLog(logger, "worker")
func RecoverAndLog(logger Logger, name string) {
	if r := recover(); r != nil {
		stack := debug.Stack()
		logPanicWithStack(context.Background(), logger, name, r, stack)
		recordPanicObservability(context.Background(), r, stack, defaultComponent, name)
	}
}

// RecoverAndLogWithContext recovers a panic, logs it and records it on the
// metric, the active span and the configured ErrorReporter.
func RecoverAndLogWithContext(ctx context.Context, logger Logger, component, name string) {
	if r := recover(); r != nil {
		stack := debug.Stack()
		logPanicWithStack(ctx, logger, name, r, stack)
		recordPanicObservability(ctx, r, stack, component, name)
	}
}

// RecoverWithPolicyAndContext is RecoverAndLogWithContext followed by a
// re-panic when policy is CrashProcess.
func RecoverWithPolicyAndContext(ctx context.Context, logger Logger, component, name string, policy PanicPolicy) {
	if recovered := recover(); recovered != nil {
		stack := debug.Stack()
		logPanicWithStack(ctx, logger, name, recovered, stack)
		recordPanicObservability(ctx, recovered, stack, component, name)

		if policy == CrashProcess {
			panic(recovered)
		}
	}
}

// HandlePanicValue processes a panic value recovered by someone else
// (a framework middleware or a worker boundary that converts panics to errors).
func HandlePanicValue(ctx context.Context, logger Logger, panicValue any, component, name string) {
	if panicValue == nil {
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	stack := debug.Stack()
	logPanicWithStack(ctx, logger, name, panicValue, stack)
	recordPanicObservability(ctx, panicValue, stack, component, name)
}

// PanicAsError converts a recovered value into an error wrapping ErrPanic.
func PanicAsError(panicValue any) error {
	if err, ok := panicValue.(error); ok {
		return fmt.Errorf("%w: %w", ErrPanic, err)
	}

	return fmt.Errorf("%w: %s", ErrPanic, formatPanicValue(panicValue))
}

func logPanicWithStack(ctx context.Context, logger Logger, name string, panicValue any, stack []byte) {
	if nilcheck.Interface(logger) {
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	fields := []log.Field{
		log.String("source", name),
		log.String("panic_value", formatPanicValue(panicValue)),
	}

	if !IsProductionMode() {
		fields = append(fields, log.String("stack_trace", string(stack)))
	}

	logger.Log(ctx, log.LevelError, "panic recovered", fields...)
}

func recordPanicObservability(ctx context.Context, panicValue any, stack []byte, component, name string) {
	if ctx == nil {
		ctx = context.Background()
	}

	recordPanicMetric(ctx, component, name)
	RecordPanicToSpanWithComponent(ctx, panicValue, stack, component, name)
	reportPanicToErrorService(ctx, panicValue, stack, component, name)
}
