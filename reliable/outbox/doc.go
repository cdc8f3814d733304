// Package outbox records outgoing messages in the transaction that produces
// them and relays them to a Transport once that transaction commits.
//
// Producer persists a row per message and schedules its transmission after
// the owning unit of work completes. Sender recovers rows that were never
// transmitted, failed, or were abandoned by a crashed instance. The cleaner
// returned by NewCleaner enforces row retention.
//
// Delivery is at-least-once: a message may be published again if the row
// update after a successful publish is lost. Consumers must be idempotent.
package outbox
