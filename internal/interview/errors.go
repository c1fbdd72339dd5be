package interview

import (
	"errors"
	"fmt"
)

// ErrInvalidState is returned when an operation is invoked while the
// machine is not in the mode that operation requires. It signals caller
// misuse and must not be retried.
var ErrInvalidState = errors.New("operation is not valid in the current mode")

// GenerationError wraps a failure of the text-generation dependency. The
// machine guarantees no state was mutated, so the caller may retry the
// same composite operation.
type GenerationError struct {
	Op  string
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s generation failed: %v", e.Op, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

func generationFailed(op string, err error) error {
	return &GenerationError{Op: op, Err: err}
}
