package http

import (
	"slices"

	relayotel "github.com/LerianStudio/lib-relay/relay/opentelemetry"
	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// requestCarrier reads propagation headers from the incoming request.
type requestCarrier struct {
	c *fiber.Ctx
}

func (rc requestCarrier) Get(key string) string { return rc.c.Get(key) }

func (rc requestCarrier) Set(key, value string) { rc.c.Request().Header.Set(key, value) }

func (rc requestCarrier) Keys() []string {
	var keys []string

	rc.c.Request().Header.VisitAll(func(key, _ []byte) {
		keys = append(keys, string(key))
	})

	return keys
}

// WithTelemetry starts a server span per request, continuing any trace the
// caller propagated. Excluded paths are served untraced.
func WithTelemetry(tracer trace.Tracer, excludedRoutes ...string) fiber.Handler {
	if tracer == nil {
		tracer = otel.Tracer("relay.http")
	}

	return func(c *fiber.Ctx) error {
		if slices.Contains(excludedRoutes, c.Path()) {
			return c.Next()
		}

		ctx := otel.GetTextMapPropagator().Extract(c.UserContext(), requestCarrier{c: c})

		ctx, span := tracer.Start(ctx, c.Method()+" "+c.Path(), trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", c.Method()),
			attribute.String("http.route", c.Route().Path),
			attribute.String("http.user_agent", c.Get(fiber.HeaderUserAgent)),
		)

		c.SetUserContext(ctx)

		err := c.Next()
		if err != nil {
			relayotel.HandleSpanError(span, "request failed", err)
		}

		span.SetAttributes(attribute.Int("http.status_code", c.Response().StatusCode()))

		return err
	}
}
