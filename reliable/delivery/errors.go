package delivery

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict is returned by stores when the concurrency token
	// of an update does not match the stored row.
	ErrConcurrencyConflict = errors.New("message row concurrency conflict")
	ErrNotFound            = errors.New("message row not found")
	ErrAlreadyExists       = errors.New("message row already exists")
	ErrInvalidStatus       = errors.New("invalid message status")
	ErrInvalidTransition   = errors.New("invalid message status transition")
	ErrIDTooLong           = errors.New("message id exceeds maximum length")
	ErrIDRequired          = errors.New("message id is required")
	ErrStoreRequired       = errors.New("message store is required")
	ErrLoopRunning         = errors.New("loop is already running")
	ErrLoopRequired        = errors.New("loop is required")
	ErrCycleRequired       = errors.New("loop cycle function is required")
	ErrCycleInFlight       = errors.New("loop cycle already in flight")

	// ErrTransportFailure classifies publish and handler failures recorded on
	// a row as Failed with backoff.
	ErrTransportFailure = errors.New("transport failure")
	// ErrResolutionFailure classifies unknown consumers and undecodable
	// payloads. Retrying cannot heal these without operator action.
	ErrResolutionFailure = errors.New("message resolution failure")
)

// TransportError wraps an error raised by a transport or a handler.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrTransportFailure.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransportFailure
}

// IsConflict reports whether err is a concurrency conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
