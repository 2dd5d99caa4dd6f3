package utils

import (
	"errors"
	"fmt"
)

// AppError wraps an operation, human-facing message, and underlying error.
type AppError struct {
	Op  string
	Msg string
	Err error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}

// Failure taxonomy shared by every pipeline stage. Only ErrAllSourcesFailed and
// ErrInvalidConfiguration abort an analysis; the rest are recovered per series
// and surface as report annotations.
var (
	ErrDataSourceUnavailable = errors.New("data source unavailable")
	ErrEmptySeries           = errors.New("empty series")
	ErrInsufficientHistory   = errors.New("insufficient history")
	ErrAllSourcesFailed      = errors.New("all sources failed")
	ErrInvalidConfiguration  = errors.New("invalid configuration")
	ErrPartialFailure        = errors.New("partial failure")
)

// InvalidConfig builds an AppError classified as ErrInvalidConfiguration.
func InvalidConfig(op, format string, args ...any) error {
	return &AppError{Op: op, Msg: fmt.Sprintf(format, args...), Err: ErrInvalidConfiguration}
}
