// Package circuitbreaker guards outbound transports with sony/gobreaker
// circuit breakers.
//
// A Transport decorates an outbox.Transport so that, once the broker keeps
// failing, publishes are rejected immediately instead of waiting for
// timeouts. Rejections surface as publish errors, so the relay records them
// as ordinary transport failures and retries the messages later. A
// HealthChecker probes open breakers and closes them once the service
// answers again.
package circuitbreaker
