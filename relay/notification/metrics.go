package notification

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type channelMetrics struct {
	attrs   metric.MeasurementOption
	sent    metric.Int64Counter
	failed  metric.Int64Counter
	queued  metric.Int64UpDownCounter
	latency metric.Float64Histogram
}

func newChannelMetrics(provider metric.MeterProvider, kind string) (channelMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("relay.notification")

	sent, err1 := meter.Int64Counter("relay.notification.sent",
		metric.WithDescription("Messages the sender accepted"), metric.WithUnit("{message}"))
	failed, err2 := meter.Int64Counter("relay.notification.failed",
		metric.WithDescription("Messages the sender failed, including open-circuit rejections"), metric.WithUnit("{message}"))
	queued, err3 := meter.Int64UpDownCounter("relay.notification.queued",
		metric.WithDescription("Messages waiting for the consumer"), metric.WithUnit("{message}"))
	latency, err4 := meter.Float64Histogram("relay.notification.send.latency",
		metric.WithDescription("Time spent in the sender"), metric.WithUnit("s"))

	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return channelMetrics{}, err
	}

	return channelMetrics{
		attrs:   metric.WithAttributes(attribute.String("kind", kind)),
		sent:    sent,
		failed:  failed,
		queued:  queued,
		latency: latency,
	}, nil
}

func (m channelMetrics) record(ctx context.Context, err error, elapsed time.Duration) {
	m.latency.Record(ctx, elapsed.Seconds(), m.attrs)

	if err != nil {
		m.failed.Add(ctx, 1, m.attrs)
		return
	}

	m.sent.Add(ctx, 1, m.attrs)
}
