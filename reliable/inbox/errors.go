package inbox

import "errors"

var (
	ErrRegistryRequired          = errors.New("inbox consumer registry is required")
	ErrConsumerKeyRequired       = errors.New("inbox consumer key is required")
	ErrConsumerKeyTooLong        = errors.New("inbox consumer key exceeds maximum length")
	ErrHandlerRequired           = errors.New("inbox handler is required")
	ErrConsumerAlreadyRegistered = errors.New("inbox consumer already registered")
	ErrConsumerNotFound          = errors.New("inbox consumer not found")
	ErrPayloadDecode             = errors.New("inbox payload cannot be decoded")
	ErrWrapperRequired           = errors.New("inbox wrapper is required")
	ErrDispatcherRequired        = errors.New("inbox dispatcher is required")
	ErrWrapperShutdown           = errors.New("inbox wrapper is shut down")
)
