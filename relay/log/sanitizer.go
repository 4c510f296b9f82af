package log

import (
	"context"
	"fmt"

	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
)

// SafeError logs err at error level together with fields. With redact set
// only the error's type is written: request failures can quote payloads.
func SafeError(ctx context.Context, logger Logger, msg string, err error, redact bool, fields ...Field) {
	if nilcheck.Interface(logger) || err == nil || !logger.Enabled(LevelError) {
		return
	}

	if redact {
		fields = append(fields, String("error_type", fmt.Sprintf("%T", err)))
	} else {
		fields = append(fields, Err(err))
	}

	logger.Log(ctx, LevelError, msg, fields...)
}
