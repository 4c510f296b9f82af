// Package opentelemetry bootstraps the OTLP trace, metric and log pipelines
// and carries W3C trace context across AMQP message headers.
package opentelemetry
