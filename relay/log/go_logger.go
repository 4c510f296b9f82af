package log

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// logControlCharReplacer escapes control characters that can forge log
// entries (CWE-117).
var logControlCharReplacer = strings.NewReplacer(
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

func sanitizeLogString(s string) string {
	return logControlCharReplacer.Replace(s)
}

// GoLogger writes through the standard library logger. It is the fallback
// when no zap logger is configured, mostly for tools and tests.
//
// Message text and string field values are sanitized before writing.
type GoLogger struct {
	Level  Level
	fields []Field
	group  string
}

var _ Logger = (*GoLogger)(nil)

// Log writes one line when level is enabled.
func (l *GoLogger) Log(_ context.Context, level Level, msg string, fields ...Field) {
	if !l.Enabled(level) {
		return
	}

	log.Print(l.render(level, msg, fields))
}

// With returns a child logger carrying the extra fields.
//
//nolint:ireturn
func (l *GoLogger) With(fields ...Field) Logger {
	if l == nil {
		return &GoLogger{}
	}

	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, l.qualify(fields)...)

	return &GoLogger{Level: l.Level, fields: merged, group: l.group}
}

// WithGroup returns a child logger whose subsequent fields are prefixed by name.
//
//nolint:ireturn
func (l *GoLogger) WithGroup(name string) Logger {
	if l == nil {
		return &GoLogger{}
	}

	group := name
	if l.group != "" {
		group = l.group + "." + name
	}

	return &GoLogger{Level: l.Level, fields: l.fields, group: group}
}

// Enabled reports whether level is within the configured verbosity.
func (l *GoLogger) Enabled(level Level) bool {
	if l == nil {
		return false
	}

	return l.Level >= level
}

// Sync is a no-op; the standard logger is unbuffered.
func (l *GoLogger) Sync(_ context.Context) error { return nil }

func (l *GoLogger) qualify(fields []Field) []Field {
	if l.group == "" {
		return fields
	}

	out := make([]Field, len(fields))
	for i, f := range fields {
		out[i] = Field{Key: l.group + "." + f.Key, Value: f.Value}
	}

	return out
}

func (l *GoLogger) render(level Level, msg string, fields []Field) string {
	parts := make([]string, 0, 3)
	parts = append(parts, fmt.Sprintf("[%s]", level.String()))
	parts = append(parts, sanitizeLogString(msg))

	all := make([]Field, 0, len(l.fields)+len(fields))
	all = append(all, l.fields...)
	all = append(all, l.qualify(fields)...)

	if len(all) > 0 {
		kv := make([]string, 0, len(all))
		for _, f := range all {
			kv = append(kv, fmt.Sprintf("%s=%s", sanitizeLogString(f.Key), renderValue(f.Value)))
		}

		parts = append(parts, "["+strings.Join(kv, ", ")+"]")
	}

	return strings.Join(parts, " ")
}

func renderValue(value any) string {
	switch v := value.(type) {
	case string:
		return sanitizeLogString(v)
	case error:
		if v == nil {
			return "<nil>"
		}

		return sanitizeLogString(v.Error())
	default:
		return sanitizeLogString(fmt.Sprint(v))
	}
}
