package http

import (
	"context"
	"errors"
	"time"

	"github.com/LerianStudio/lib-relay/relay"
	"github.com/LerianStudio/lib-relay/relay/internal/nilcheck"
	"github.com/LerianStudio/lib-relay/relay/log"
	relayotel "github.com/LerianStudio/lib-relay/relay/opentelemetry"
	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/trace"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
	// TraceID lets an operator find the failed request in the trace backend.
	TraceID string `json:"traceId,omitempty"`
}

// Ping returns HTTP Status 200 with response "pong".
func Ping(c *fiber.Ctx) error {
	return c.SendString("pong")
}

// Version returns HTTP Status 200 with the VERSION environment variable.
func Version(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"version":     relay.GetenvOrDefault("VERSION", "0.0.0"),
		"requestDate": time.Now().UTC(),
	})
}

// RespondError writes an ErrorResponse with the given status.
func RespondError(c *fiber.Ctx, status int, title, message string) error {
	return c.Status(status).JSON(ErrorResponse{Code: status, Title: title, Message: message})
}

// FiberErrorHandler renders fiber errors as they are and logs anything else
// as a 500 without leaking its text.
func FiberErrorHandler(logger log.Logger) fiber.ErrorHandler {
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return func(c *fiber.Ctx, err error) error {
		ctx := c.UserContext()
		if ctx == nil {
			ctx = context.Background()
		}

		relayotel.HandleSpanError(trace.SpanFromContext(ctx), "handler error", err)

		var fe *fiber.Error
		if errors.As(err, &fe) {
			return RespondError(c, fe.Code, "request_failed", fe.Message)
		}

		logger.Log(ctx, log.LevelError, "handler error",
			log.String("method", c.Method()),
			log.String("path", c.Path()),
			log.Err(err),
		)

		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Code:    fiber.StatusInternalServerError,
			Title:   "internal_error",
			Message: "internal server error",
			TraceID: relayotel.GetTraceIDFromContext(ctx),
		})
	}
}
