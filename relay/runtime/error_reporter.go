package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrorReporter receives recovered panics, for example to forward them to an
// external tracker. It is called from the panicking goroutine and must not
// panic itself.
type ErrorReporter interface {
	CaptureException(ctx context.Context, err error, tags map[string]string)
}

const (
	redactedPanicMsg = "panic recovered (details redacted)"
	maxReportedStack = 4096
)

type reporterSlot struct{ ErrorReporter }

var (
	reporter   atomic.Pointer[reporterSlot]
	production atomic.Bool
)

// SetErrorReporter installs the process-wide reporter; nil removes it.
func SetErrorReporter(r ErrorReporter) {
	if r == nil {
		reporter.Store(nil)
		return
	}

	reporter.Store(&reporterSlot{r})
}

func GetErrorReporter() ErrorReporter {
	if slot := reporter.Load(); slot != nil {
		return slot.ErrorReporter
	}

	return nil
}

// SetProductionMode hides panic values and stack traces from logs, spans and
// the reporter.
func SetProductionMode(enabled bool) { production.Store(enabled) }

func IsProductionMode() bool { return production.Load() }

func reportPanicToErrorService(ctx context.Context, panicValue any, stack []byte, component, name string) {
	r := GetErrorReporter()
	if r == nil {
		return
	}

	tags := map[string]string{
		"component":      component,
		"goroutine_name": name,
		"panic_type":     "recovered",
	}

	redact := IsProductionMode()
	if !redact && len(stack) > 0 {
		tags["stack_trace"] = truncateStack(stack)
	}

	r.CaptureException(ctx, reportedError(panicValue, redact), tags)
}

func truncateStack(stack []byte) string {
	if len(stack) <= maxReportedStack {
		return string(stack)
	}

	return string(stack[:maxReportedStack]) + "\n...[truncated]"
}

func reportedError(panicValue any, redact bool) error {
	if redact {
		return errors.New(redactedPanicMsg)
	}

	if err, ok := panicValue.(error); ok {
		return err
	}

	if s, ok := panicValue.(string); ok {
		return errors.New(s)
	}

	return errors.New("panic: " + formatPanicValue(panicValue))
}

func formatPanicValue(value any) string {
	if value == nil {
		return "<nil>"
	}

	if err, ok := value.(error); ok {
		return err.Error()
	}

	return fmt.Sprint(value)
}
