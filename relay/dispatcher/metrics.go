package dispatcher

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type dispatcherMetrics struct {
	fetched      metric.Int64Counter
	assigned     metric.Int64Counter
	completed    metric.Int64Counter
	failed       metric.Int64Counter
	fetchErrors  metric.Int64Counter
	cycleLatency metric.Float64Histogram
	workersBusy  metric.Int64Gauge
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("relay.dispatcher")

	var (
		m   dispatcherMetrics
		err error
	)

	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&m.fetched, "relay.dispatcher.requests.fetched", "Pending requests returned by the request source"},
		{&m.assigned, "relay.dispatcher.requests.assigned", "Pending requests assigned to a worker"},
		{&m.completed, "relay.dispatcher.requests.completed", "Requests whose processing succeeded"},
		{&m.failed, "relay.dispatcher.requests.failed", "Requests whose processing failed or panicked"},
		{&m.fetchErrors, "relay.dispatcher.fetch.errors", "Request source calls that returned an error"},
	}

	for _, c := range counters {
		*c.target, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("{request}"))
		if err != nil {
			return dispatcherMetrics{}, fmt.Errorf("create %s counter: %w", c.name, err)
		}
	}

	m.cycleLatency, err = meter.Float64Histogram(
		"relay.dispatcher.cycle.latency",
		metric.WithDescription("Time taken by one fetch and assign cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create relay.dispatcher.cycle.latency histogram: %w", err)
	}

	m.workersBusy, err = meter.Int64Gauge(
		"relay.dispatcher.workers.busy",
		metric.WithDescription("Workers busy at the start of a cycle"),
		metric.WithUnit("{worker}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create relay.dispatcher.workers.busy gauge: %w", err)
	}

	return m, nil
}
