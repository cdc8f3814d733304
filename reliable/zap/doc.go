// Package zap adapts go.uber.org/zap to the reliable/log Logger contract.
//
// Entries logged with a context carrying an OpenTelemetry span are tagged
// with trace_id and span_id, and every entry is also forwarded to the
// OpenTelemetry log bridge.
package zap
