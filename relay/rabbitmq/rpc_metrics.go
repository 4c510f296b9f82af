package rabbitmq

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type rpcMetrics struct {
	sent        metric.Int64Counter
	replies     metric.Int64Counter
	orphaned    metric.Int64Counter
	invalidated metric.Int64Counter
	recoveries  metric.Int64Counter
	latency     metric.Float64Histogram
}

func newRPCMetrics(provider metric.MeterProvider) (rpcMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("relay.rpc")

	sent, err1 := meter.Int64Counter("relay.rpc.requests.sent",
		metric.WithDescription("Requests published to the request queue"), metric.WithUnit("{request}"))
	replies, err2 := meter.Int64Counter("relay.rpc.replies.received",
		metric.WithDescription("Replies matched to a pending call"), metric.WithUnit("{reply}"))
	orphaned, err3 := meter.Int64Counter("relay.rpc.replies.orphaned",
		metric.WithDescription("Replies rejected because no call was waiting for them"), metric.WithUnit("{reply}"))
	invalidated, err4 := meter.Int64Counter("relay.rpc.calls.invalidated",
		metric.WithDescription("Pending calls failed by a connection rebuild, exhaustion or close"), metric.WithUnit("{request}"))
	recoveries, err5 := meter.Int64Counter("relay.rpc.recovery.attempts",
		metric.WithDescription("Connection recovery attempts"), metric.WithUnit("{attempt}"))
	latency, err6 := meter.Float64Histogram("relay.rpc.call.latency",
		metric.WithDescription("Time from publish to reply"), metric.WithUnit("s"))

	if err := errors.Join(err1, err2, err3, err4, err5, err6); err != nil {
		return rpcMetrics{}, err
	}

	return rpcMetrics{
		sent:        sent,
		replies:     replies,
		orphaned:    orphaned,
		invalidated: invalidated,
		recoveries:  recoveries,
		latency:     latency,
	}, nil
}

func (m rpcMetrics) recordInvalidated(ctx context.Context, n int, reason string) {
	if n == 0 {
		return
	}

	m.invalidated.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}
