package runtime

import (
	"errors"
	"fmt"
	"strings"
)

func registerBuiltins(m *Machine) {
	m.RegisterNative("print", builtinPrint)
	m.RegisterNative("len", builtinLen)
	m.RegisterNative("next", builtinNext)
	m.RegisterNative("range", builtinRange)
	m.RegisterNative("str", builtinStr)
	m.RegisterNative("exception", builtinException)
}

func expectArgs(name string, args []Value, min, max int) error {
	if len(args) < min || len(args) > max {
		if min == max {
			return NewException(ErrTypeError.Kind, "%s() takes %d arguments (%d given)", name, min, len(args))
		}
		return NewException(ErrTypeError.Kind, "%s() takes %d to %d arguments (%d given)", name, min, max, len(args))
	}
	return nil
}

func builtinPrint(m *Machine, args []Value) (Value, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = Str(a)
	}
	fmt.Fprintln(m.out, strings.Join(parts, " "))
	return nil, nil
}

func builtinLen(m *Machine, args []Value) (Value, error) {
	if err := expectArgs("len", args, 1, 1); err != nil {
		return nil, err
	}
	switch v := args[0].(type) {
	case string:
		return int64(len(v)), nil
	case []byte:
		return int64(len(v)), nil
	case Tuple:
		return int64(len(v)), nil
	case *List:
		return int64(len(v.Elements)), nil
	case *Dict:
		return int64(v.Len()), nil
	}
	return nil, NewException(ErrTypeError.Kind, "object of type '%s' has no len()", TypeName(args[0]))
}

// next(it[, default]) advances an iterator. With a default, exhaustion
// returns the default instead of raising StopIteration.
func builtinNext(m *Machine, args []Value) (Value, error) {
	if err := expectArgs("next", args, 1, 2); err != nil {
		return nil, err
	}
	v, ok, err := m.iterNext(args[0])
	if err != nil {
		return nil, err
	}
	if ok {
		return v, nil
	}
	if len(args) == 2 {
		return args[1], nil
	}
	return nil, stopIteration(nil)
}

func builtinRange(m *Machine, args []Value) (Value, error) {
	if err := expectArgs("range", args, 1, 3); err != nil {
		return nil, err
	}
	bounds := make([]int64, len(args))
	for i, a := range args {
		n, ok := a.(int64)
		if !ok {
			return nil, NewException(ErrTypeError.Kind, "range() arguments must be int, not '%s'", TypeName(a))
		}
		bounds[i] = n
	}
	start, stop, step := int64(0), bounds[0], int64(1)
	if len(bounds) > 1 {
		start, stop = bounds[0], bounds[1]
	}
	if len(bounds) > 2 {
		step = bounds[2]
	}
	if step == 0 {
		return nil, NewException(ErrValueError.Kind, "range() step must not be zero")
	}
	result := NewList()
	for i := start; (step > 0 && i < stop) || (step < 0 && i > stop); i += step {
		result.Append(i)
	}
	return result, nil
}

func builtinStr(m *Machine, args []Value) (Value, error) {
	if err := expectArgs("str", args, 1, 1); err != nil {
		return nil, err
	}
	return Str(args[0]), nil
}

func builtinException(m *Machine, args []Value) (Value, error) {
	if err := expectArgs("exception", args, 1, 2); err != nil {
		return nil, err
	}
	kind, ok := args[0].(string)
	if !ok {
		return nil, NewException(ErrTypeError.Kind, "exception kind must be str, not '%s'", TypeName(args[0]))
	}
	exc := &Exception{Kind: kind}
	if len(args) == 2 {
		exc.Message = Str(args[1])
	}
	return exc, nil
}

// ErrorValue turns a Go error returned by the machine into the value running
// code would see in an except handler.
func ErrorValue(err error) *Exception {
	var exc *Exception
	if errors.As(err, &exc) {
		return exc
	}
	return NewException(ErrRuntimeException.Kind, "%v", err)
}
