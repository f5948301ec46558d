package runtime

import (
	"errors"
	"fmt"
)

// Exception is raised by running code and is also what Go callers receive as
// the error. Two exceptions match under errors.Is when their kinds are equal.
type Exception struct {
	Kind    string
	Message string
	// Value carries the return value of a generator for StopIteration.
	Value Value
}

func NewException(kind, format string, args ...any) *Exception {
	return &Exception{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Exception) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Message
}

func (e *Exception) Is(target error) bool {
	t, ok := target.(*Exception)
	return ok && t.Kind == e.Kind
}

// Kinds used by the machine itself.
var (
	ErrStopIteration    = &Exception{Kind: "StopIteration"}
	ErrTypeError        = &Exception{Kind: "TypeError"}
	ErrValueError       = &Exception{Kind: "ValueError"}
	ErrNameError        = &Exception{Kind: "NameError"}
	ErrUnboundLocal     = &Exception{Kind: "UnboundLocalError"}
	ErrIndexError       = &Exception{Kind: "IndexError"}
	ErrZeroDivision     = &Exception{Kind: "ZeroDivisionError"}
	ErrGeneratorExit    = &Exception{Kind: "GeneratorExit"}
	ErrRuntimeException = &Exception{Kind: "RuntimeError"}
)

// Errors returned by the frame capability in introspect.go.
var (
	ErrFrameReleased    = errors.New("generator frame has been released")
	ErrGeneratorRunning = errors.New("generator is currently executing")
	ErrFrameShape       = errors.New("frame shape mismatch")
)

func stopIteration(v Value) *Exception {
	return &Exception{Kind: ErrStopIteration.Kind, Value: v}
}

// StopValue returns the value a generator returned, if err is a StopIteration.
func StopValue(err error) (Value, bool) {
	var exc *Exception
	if errors.As(err, &exc) && exc.Kind == ErrStopIteration.Kind {
		return exc.Value, true
	}
	return nil, false
}
