package runtime

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// MaxCallDepth bounds nested, non-generator calls.
const MaxCallDepth = 512

type Machine struct {
	builtins map[string]*Native
	out      io.Writer
	depth    int

	TraceValues    bool
	TraceFrames    bool
	TraceExecution bool
}

func NewDebugMachine() *Machine {
	m := NewReleaseMachine()
	m.TraceValues = true
	m.TraceFrames = true
	m.TraceExecution = true
	return m
}

func NewReleaseMachine() *Machine {
	m := new(Machine)
	m.builtins = make(map[string]*Native)
	m.out = os.Stdout
	registerBuiltins(m)

	m.TraceValues = false
	m.TraceFrames = false
	m.TraceExecution = false
	return m
}

func (m *Machine) SetOutput(w io.Writer) {
	m.out = w
}

func (m *Machine) Output() io.Writer {
	return m.out
}

func (m *Machine) RegisterNative(name string, fn NativeFn) {
	m.builtins[name] = &Native{Name: name, Fn: fn}
}

func (m *Machine) Builtin(name string) (*Native, bool) {
	n, ok := m.builtins[name]
	return n, ok
}

// BuiltinNames lists the registered natives in sorted order.
func (m *Machine) BuiltinNames() []string {
	names := maps.Keys(m.builtins)
	slices.Sort(names)
	return names
}

// Call invokes a function or native. Calling generator code does not run
// any of the body: it returns a new, not-started Generator.
func (m *Machine) Call(callee Value, args []Value, kwargs map[string]Value) (Value, error) {
	switch fn := callee.(type) {
	case *Native:
		if len(kwargs) > 0 {
			return nil, NewException(ErrTypeError.Kind, "%s() takes no keyword arguments", fn.Name)
		}
		return fn.Fn(m, args)
	case *Function:
		frame, err := bindArguments(fn, args, kwargs)
		if err != nil {
			return nil, err
		}
		if fn.Code.IsGenerator() {
			return &Generator{Name: fn.Name, QualName: fn.QualName, machine: m, frame: frame}, nil
		}
		if m.depth >= MaxCallDepth {
			return nil, NewException("RecursionError", "maximum recursion depth exceeded")
		}
		m.depth++
		defer func() { m.depth-- }()
		result, _, err := m.execute(frame, nil, nil)
		return result, err
	default:
		return nil, NewException(ErrTypeError.Kind, "'%s' object is not callable", TypeName(callee))
	}
}

// bindArguments builds the initial frame for a call. Parameters that are also
// cell variables are moved into their cells and their fast slot left unset.
func bindArguments(fn *Function, args []Value, kwargs map[string]Value) (*Frame, error) {
	code := fn.Code
	frame := newFrame(code, fn.Globals, fn.Closure)

	if len(args) > code.ArgCount && !code.HasVarargs() {
		return nil, NewException(ErrTypeError.Kind, "%s() takes %d positional arguments but %d were given",
			code.Name, code.ArgCount, len(args))
	}
	for i := 0; i < len(args) && i < code.ArgCount; i++ {
		frame.fast[i] = args[i]
	}

	slot := code.ArgCount + code.KwOnlyCount
	if code.HasVarargs() {
		extra := Tuple{}
		if len(args) > code.ArgCount {
			extra = append(extra, args[code.ArgCount:]...)
		}
		frame.fast[slot] = extra
		slot++
	}
	var kwDict *Dict
	if code.HasVarkw() {
		kwDict = NewDict()
		frame.fast[slot] = kwDict
	}

	named := code.VarNames[:code.ArgCount+code.KwOnlyCount]
	keys := maps.Keys(kwargs)
	slices.Sort(keys)
	for _, key := range keys {
		idx := slices.Index(named, key)
		switch {
		case idx >= 0:
			if frame.fast[idx] != Unset {
				return nil, NewException(ErrTypeError.Kind, "%s() got multiple values for argument '%s'", code.Name, key)
			}
			frame.fast[idx] = kwargs[key]
		case kwDict != nil:
			kwDict.Set(key, kwargs[key])
		default:
			return nil, NewException(ErrTypeError.Kind, "%s() got an unexpected keyword argument '%s'", code.Name, key)
		}
	}
	for i, name := range named {
		if frame.fast[i] == Unset {
			return nil, NewException(ErrTypeError.Kind, "%s() missing required argument: '%s'", code.Name, name)
		}
	}

	params := code.VarNames[:code.ParamCount()]
	for i, name := range code.CellVars {
		if idx := slices.Index(params, name); idx >= 0 {
			frame.cells[i].Set(frame.fast[idx])
			frame.fast[idx] = Unset
		}
	}
	return frame, nil
}

// execute runs frame until it yields, returns or lets an exception escape.
// A frame that has started receives sent as the value of its paused yield,
// or has thrown raised at that point instead.
func (m *Machine) execute(f *Frame, sent Value, thrown *Exception) (result Value, yielded bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, yielded = nil, false
			err = NewException(ErrRuntimeException.Kind, "%v", r)
		}
	}()

	switch {
	case f.ip == NotStarted:
		f.ip = 0
	case thrown != nil:
		if !f.unwind(thrown) {
			return nil, false, thrown
		}
	default:
		f.PushValue(sent)
	}

	code := f.code
	for {
		if f.ip >= len(code.Instructions) {
			return nil, false, nil
		}
		if m.TraceValues {
			m.PrintFrameValueStack(f)
		}
		if m.TraceFrames {
			m.PrintBlockStack(f)
		}
		if m.TraceExecution {
			DisassembleInstruction(m.out, code, f.ip)
		}

		var opErr error
		switch f.ReadInstruction() {
		case NOP:
			// do nothing
		case POP_TOP:
			f.PopOneValue()
		case DUP_TOP:
			f.PushValue(f.PeekOneValue())
		case ROT_TWO:
			a, b := f.PopTwoValues()
			f.PushValue(b)
			f.PushValue(a)
		case LOAD_CONST:
			f.PushValue(code.Consts[f.ReadUInt16()])

		// LOCAL VARIABLES
		case LOAD_FAST:
			idx := f.ReadUInt16()
			if v := f.fast[idx]; v != Unset {
				f.PushValue(v)
			} else {
				opErr = NewException(ErrUnboundLocal.Kind, "local variable '%s' referenced before assignment", code.VarNames[idx])
			}
		case STORE_FAST:
			f.fast[f.ReadUInt16()] = f.PopOneValue()
		case DELETE_FAST:
			idx := f.ReadUInt16()
			if f.fast[idx] == Unset {
				opErr = NewException(ErrUnboundLocal.Kind, "local variable '%s' referenced before assignment", code.VarNames[idx])
			}
			f.fast[idx] = Unset

		// CELLS
		case LOAD_DEREF:
			idx := f.ReadUInt16()
			if v, ok := f.cells[idx].Get(); ok {
				f.PushValue(v)
			} else {
				opErr = NewException(ErrNameError.Kind, "free variable '%s' referenced before assignment", code.CellSlots()[idx])
			}
		case STORE_DEREF:
			f.cells[f.ReadUInt16()].Set(f.PopOneValue())
		case DELETE_DEREF:
			idx := f.ReadUInt16()
			if f.cells[idx].Empty() {
				opErr = NewException(ErrNameError.Kind, "free variable '%s' referenced before assignment", code.CellSlots()[idx])
			}
			f.cells[idx].Clear()
		case LOAD_CLOSURE:
			f.PushValue(f.cells[f.ReadUInt16()])

		// GLOBALS
		case LOAD_GLOBAL:
			name := code.Names[f.ReadUInt16()]
			if v, ok := f.globals.Vars[name]; ok {
				f.PushValue(v)
			} else if n, ok := m.builtins[name]; ok {
				f.PushValue(n)
			} else {
				opErr = NewException(ErrNameError.Kind, "name '%s' is not defined", name)
			}
		case STORE_GLOBAL:
			f.globals.Vars[code.Names[f.ReadUInt16()]] = f.PopOneValue()

		// OPERATORS
		case ADD, SUB, MUL, DIV, MOD:
			instr := code.Instructions[f.ip-1]
			l, r := f.PopTwoValues()
			var v Value
			if v, opErr = Binary(instr, l, r); opErr == nil {
				f.PushValue(v)
			}
		case NEG:
			var v Value
			if v, opErr = Negate(f.PopOneValue()); opErr == nil {
				f.PushValue(v)
			}
		case NOT:
			f.PushValue(!Truthy(f.PopOneValue()))
		case COMPARE:
			cmp := f.ReadUInt8()
			l, r := f.PopTwoValues()
			var v bool
			if v, opErr = Compare(cmp, l, r); opErr == nil {
				f.PushValue(v)
			}

		// JUMPS
		case JUMP:
			f.ip = int(f.ReadUInt32())
		case JUMP_TRUE:
			target := int(f.ReadUInt32())
			if Truthy(f.PopOneValue()) {
				f.ip = target
			}
		case JUMP_FALSE:
			target := int(f.ReadUInt32())
			if !Truthy(f.PopOneValue()) {
				f.ip = target
			}

		// CONTAINERS
		case BUILD_TUPLE:
			f.PushValue(Tuple(f.PopValues(int(f.ReadUInt16()))))
		case BUILD_LIST:
			f.PushValue(NewList(f.PopValues(int(f.ReadUInt16()))...))
		case BUILD_DICT:
			pairs := f.PopValues(2 * int(f.ReadUInt16()))
			d := NewDict()
			for i := 0; i < len(pairs) && opErr == nil; i += 2 {
				if key, ok := pairs[i].(string); ok {
					d.Set(key, pairs[i+1])
				} else {
					opErr = NewException(ErrTypeError.Kind, "dict keys must be str, not '%s'", TypeName(pairs[i]))
				}
			}
			if opErr == nil {
				f.PushValue(d)
			}
		case INDEX:
			seq, idx := f.PopTwoValues()
			var v Value
			if v, opErr = Index(seq, idx); opErr == nil {
				f.PushValue(v)
			}

		// ITERATION
		case GET_ITER:
			var it Value
			if it, opErr = Iter(f.PopOneValue()); opErr == nil {
				f.PushValue(it)
			}
		case FOR_ITER:
			target := int(f.ReadUInt32())
			v, ok, iterErr := m.iterNext(f.PeekOneValue())
			switch {
			case iterErr != nil:
				opErr = iterErr
			case ok:
				f.PushValue(v)
			default:
				f.PopOneValue()
				f.ip = target
			}

		// FUNCTIONS
		case MAKE_FUNCTION:
			var fn *Function
			if fn, opErr = makeFunction(f, f.ReadUInt8()); opErr == nil {
				f.PushValue(fn)
			}
		case CALL:
			args := f.PopValues(int(f.ReadUInt8()))
			callee := f.PopOneValue()
			var v Value
			if v, opErr = m.Call(callee, args, nil); opErr == nil {
				f.PushValue(v)
			}
		case YIELD_VALUE:
			if !code.IsGenerator() {
				opErr = NewException(ErrRuntimeException.Kind, "yield outside generator in %s", code.QualName)
				break
			}
			return f.PopOneValue(), true, nil
		case RETURN_VALUE:
			return f.PopOneValue(), false, nil

		// EXCEPTIONS
		case SETUP_EXCEPT:
			handler := int(f.ReadUInt32())
			f.PushBlock(Block{Kind: BlockExcept, Handler: handler, Level: len(f.values)})
		case POP_BLOCK:
			f.PopBlock()
		case RAISE:
			switch v := f.PopOneValue().(type) {
			case *Exception:
				opErr = v
			case string:
				opErr = &Exception{Kind: "Exception", Message: v}
			default:
				opErr = NewException(ErrTypeError.Kind, "exceptions must be exception or str, not '%s'", TypeName(v))
			}
		default:
			return nil, false, fmt.Errorf("unknown opcode %d in %s at %d", code.Instructions[f.ip-1], code.QualName, f.ip-1)
		}

		if opErr != nil {
			var exc *Exception
			if errors.As(opErr, &exc) && f.unwind(exc) {
				continue
			}
			return nil, false, opErr
		}
	}
}

func makeFunction(f *Frame, flags uint8) (*Function, error) {
	qualname, ok := f.PopOneValue().(string)
	if !ok {
		return nil, NewException(ErrTypeError.Kind, "MAKE_FUNCTION expects a qualified name")
	}
	code, ok := f.PopOneValue().(*Code)
	if !ok {
		return nil, NewException(ErrTypeError.Kind, "MAKE_FUNCTION expects a code object")
	}
	var closure []*Cell
	if flags&1 != 0 {
		cells, ok := f.PopOneValue().(Tuple)
		if !ok {
			return nil, NewException(ErrTypeError.Kind, "MAKE_FUNCTION expects a closure tuple")
		}
		for _, c := range cells {
			cell, ok := c.(*Cell)
			if !ok {
				return nil, NewException(ErrTypeError.Kind, "closure items must be cells, not '%s'", TypeName(c))
			}
			closure = append(closure, cell)
		}
	}
	fn, err := NewFunction(code, f.globals, code.Name, closure)
	if err != nil {
		return nil, NewException(ErrValueError.Kind, "%v", err)
	}
	fn.QualName = qualname
	if i := strings.LastIndex(qualname, "."); i >= 0 {
		fn.Name = qualname[i+1:]
	} else {
		fn.Name = qualname
	}
	return fn, nil
}

// Iter returns the iterator GET_ITER pushes for v.
func Iter(v Value) (Value, error) {
	switch v := v.(type) {
	case *List, Tuple:
		return &ListIterator{Seq: v}, nil
	case *Generator, *ListIterator:
		return v, nil
	}
	return nil, NewException(ErrTypeError.Kind, "'%s' object is not iterable", TypeName(v))
}

func (m *Machine) iterNext(it Value) (Value, bool, error) {
	switch it := it.(type) {
	case *ListIterator:
		v, ok := it.next()
		return v, ok, nil
	case *Generator:
		v, err := it.Next()
		if errors.Is(err, ErrStopIteration) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return v, true, nil
	}
	return nil, false, NewException(ErrTypeError.Kind, "'%s' object is not an iterator", TypeName(it))
}

// Index implements INDEX for lists, tuples, strings and dicts.
func Index(seq Value, idx Value) (Value, error) {
	if d, ok := seq.(*Dict); ok {
		key, ok := idx.(string)
		if !ok {
			return nil, NewException(ErrTypeError.Kind, "dict keys must be str, not '%s'", TypeName(idx))
		}
		v, ok := d.Get(key)
		if !ok {
			return nil, NewException("KeyError", "%q", key)
		}
		return v, nil
	}
	i, ok := asInt(idx)
	if !ok {
		return nil, NewException(ErrTypeError.Kind, "indices must be integers, not '%s'", TypeName(idx))
	}
	var n int
	switch s := seq.(type) {
	case *List:
		n = len(s.Elements)
	case Tuple:
		n = len(s)
	case string:
		n = len(s)
	default:
		return nil, NewException(ErrTypeError.Kind, "'%s' object is not subscriptable", TypeName(seq))
	}
	if i < 0 {
		i += int64(n)
	}
	if i < 0 || i >= int64(n) {
		return nil, NewException(ErrIndexError.Kind, "index out of range")
	}
	switch s := seq.(type) {
	case *List:
		return s.Elements[i], nil
	case Tuple:
		return s[i], nil
	default:
		return string(s.(string)[i]), nil
	}
}

func (m *Machine) PrintFrameValueStack(f *Frame) {
	fmt.Fprintf(m.out, "VALUES:    ")
	if len(f.values) <= 0 {
		fmt.Fprintf(m.out, "<empty>")
	}
	for _, v := range f.values {
		fmt.Fprintf(m.out, "%s ~ ", Repr(v))
	}
	fmt.Fprintln(m.out)
}

func (m *Machine) PrintBlockStack(f *Frame) {
	fmt.Fprintf(m.out, "BLOCKS:    ")
	if len(f.blocks) <= 0 {
		fmt.Fprintf(m.out, "<empty>")
	}
	for _, b := range f.blocks {
		fmt.Fprintf(m.out, "(k:%d h:%d l:%d) ~ ", b.Kind, b.Handler, b.Level)
	}
	fmt.Fprintln(m.out)
}
