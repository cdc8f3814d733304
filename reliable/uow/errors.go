package uow

import (
	"errors"
	"fmt"
)

var (
	ErrNoActiveUnitOfWork   = errors.New("no active unit of work")
	ErrUnitOfWorkInactive   = errors.New("unit of work is not active")
	ErrUnitOfWorkNotFound   = errors.New("unit of work not found")
	ErrUnitOfWorkDisposed   = errors.New("unit of work is disposed")
	ErrManagerDisposed      = errors.New("unit of work manager is disposed")
	ErrManagerRequired      = errors.New("unit of work manager is required")
	ErrBackendRequired      = errors.New("unit of work backend is required")
	ErrUnitOfWorkCompletion = errors.New("unit of work completion failed")
)

// CompletionError wraps a persistence failure raised while completing a
// unit. Stack is the call stack captured when Complete was entered.
type CompletionError struct {
	UnitID string
	Stack  string
	Err    error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("unit of work %s completion failed: %v", e.UnitID, e.Err)
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrUnitOfWorkCompletion.
func (e *CompletionError) Is(target error) bool {
	return target == ErrUnitOfWorkCompletion
}

// StackTrace returns the captured stack.
func (e *CompletionError) StackTrace() string {
	return e.Stack
}
