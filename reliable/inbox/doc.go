// Package inbox makes message consumption idempotent.
//
// Wrapper records each inbound bus message as an inbox row keyed by
// consumer and track id before the registered handler runs, so a
// redelivered message is recognized and skipped. Dispatcher retries rows
// whose handling failed or was abandoned. The cleaner returned by
// NewCleaner enforces row retention.
//
// Handlers are registered explicitly at startup with Register.
package inbox
