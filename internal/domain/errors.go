package domain

import (
	"errors"
	"fmt"
)

// Errors reported by the reduction pipeline. Each maps to a distinct
// user-facing message.
var (
	ErrDatasetNotFound       = errors.New("file not found")
	ErrVariableNotFound      = errors.New("variable not found")
	ErrCoordinatesUnresolved = errors.New("coordinate variables not found")
	ErrUnsupportedDimensions = errors.New("unsupported variable dimensions")
	ErrShapeMismatch         = errors.New("data shape does not match coordinate lengths")
	ErrInvalidMaxPoints      = errors.New("maxPoints must be a positive integer")

	// ErrEmptyInput is returned when no valid data point survived filtering.
	ErrEmptyInput = errors.New("no valid data points")
	// ErrEmptyValidData is the request-level name for ErrEmptyInput.
	ErrEmptyValidData = ErrEmptyInput
)

// UpstreamError wraps a failure reported by a dataset adapter.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Upstream wraps err as an UpstreamError unless it is nil or already one of
// the pipeline errors above.
func Upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		ErrDatasetNotFound, ErrVariableNotFound, ErrCoordinatesUnresolved,
		ErrUnsupportedDimensions, ErrShapeMismatch, ErrEmptyInput,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	var up *UpstreamError
	if errors.As(err, &up) {
		return err
	}
	return &UpstreamError{Op: op, Err: err}
}
