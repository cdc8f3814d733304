package outbox

import "errors"

var (
	ErrTransportRequired       = errors.New("outbox transport is required")
	ErrProducerRequired        = errors.New("outbox producer is required")
	ErrSenderRequired          = errors.New("outbox sender is required")
	ErrRoutingKeyRequired      = errors.New("outbox routing key is required")
	ErrRoutingKeyTooLong       = errors.New("outbox routing key exceeds maximum length")
	ErrPayloadTypeTooLong      = errors.New("outbox payload type exceeds maximum length")
	ErrMessageRequired         = errors.New("outbox message is required")
	ErrSourceUnitOfWorkManager = errors.New("source unit of work requested without a manager in context")
	ErrProducerShutdown        = errors.New("outbox producer is shut down")
)
