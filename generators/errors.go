package generators

import "errors"

var (
	// ErrUnsupportedState is returned for a generator that is executing.
	ErrUnsupportedState = errors.New("generator is executing and cannot be captured")
	// ErrShapeMismatch is returned when a snapshot does not fit the code it
	// is restored into.
	ErrShapeMismatch = errors.New("generator shape mismatch")
	// ErrExhausted signals that the generator's frame is gone and the
	// spent-generator path must be used.
	ErrExhausted = errors.New("generator is exhausted")
)
