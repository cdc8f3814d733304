// Package opentelemetry bootstraps OTLP trace, metric and log pipelines for
// processes hosting the delivery loops, and offers span helpers shared by
// the loops and stores.
package opentelemetry
