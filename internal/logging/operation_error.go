package logging

import (
	"fmt"

	"github.com/example/cropscan/internal/apperr"
)

// OperationError annotates an error with the operation and the session or request it served.
type OperationError struct {
	Operation string
	ID        string
	Err       error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.ID != "" {
		return fmt.Sprintf("%s (id=%s): %v", e.Operation, e.ID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Kind exposes the pipeline error kind of the wrapped error, if any.
func (e *OperationError) Kind() apperr.Kind {
	if e == nil {
		return apperr.Unknown
	}
	return apperr.KindOf(e.Err)
}

// NewOperationError wraps err with the operation and id it occurred in. nil stays nil.
func NewOperationError(operation, id string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, ID: id, Err: err}
}
