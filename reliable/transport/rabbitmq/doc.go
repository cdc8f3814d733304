// Package rabbitmq carries outbox messages over AMQP 0-9-1.
//
// Transport publishes outbox rows through a ConfirmablePublisher and only
// reports success once the broker confirmed the message. Consumer reads a
// queue and hands every delivery to an inbox wrapper, acking when the
// outcome was recorded and dead-lettering it otherwise.
package rabbitmq
