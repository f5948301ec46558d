package pickle

import (
	"errors"
	"fmt"
)

var (
	ErrPickling   = errors.New("pickling error")
	ErrUnpickling = errors.New("unpickling error")
)

// PicklingError reports a value that could not be written.
type PicklingError struct {
	Message string
}

func (e *PicklingError) Error() string {
	return "pickle: " + e.Message
}

func (e *PicklingError) Is(target error) bool {
	return target == ErrPickling
}

// UnpicklingError reports a malformed or unreplayable stream.
type UnpicklingError struct {
	Offset  int
	Message string
	Err     error
}

func (e *UnpicklingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unpickle at %d: %s: %v", e.Offset, e.Message, e.Err)
	}
	return fmt.Sprintf("unpickle at %d: %s", e.Offset, e.Message)
}

func (e *UnpicklingError) Is(target error) bool {
	return target == ErrUnpickling
}

func (e *UnpicklingError) Unwrap() error {
	return e.Err
}

func picklingErrorf(format string, args ...any) error {
	return &PicklingError{Message: fmt.Sprintf(format, args...)}
}
