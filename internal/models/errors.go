package models

import (
	"errors"
	"fmt"
)

// ErrValidation is wrapped by every ValidationError so callers can match the
// whole class with errors.Is.
var ErrValidation = errors.New("validation failed")

// ValidationError describes a rejected field. Reason is meant to be shown to
// the client as is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
