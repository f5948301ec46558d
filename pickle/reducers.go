package pickle

import (
	"fmt"

	"github.com/ddn0/cloudpickle-generators/runtime"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Names of the reconstructors for the runtime's own types.
const (
	MakeFunction = "runtime.make_function"
	FillFunction = "runtime.fill_function"
	MakeCell     = "runtime.make_cell"
	FillCell     = "runtime.fill_cell"
	MakeModule   = "runtime.make_module"
	FillModule   = "runtime.fill_module"
	NewCode      = "runtime.code"
	LookupNative = "runtime.builtin"
	NewException = "runtime.exception"
	NewIterator  = "runtime.list_iterator"
)

func init() {
	Register(MakeFunction, makeFunction)
	Register(FillFunction, fillFunction)
	Register(MakeCell, makeCell)
	Register(FillCell, fillCell)
	Register(MakeModule, makeModule)
	Register(FillModule, fillModule)
	Register(NewCode, newCode)
	Register(LookupNative, lookupNative)
	Register(NewException, newException)
	Register(NewIterator, newIterator)
}

func (p *Pickler) saveBuiltin(v runtime.Value) error {
	switch v := v.(type) {
	case *runtime.List:
		p.Write(EMPTY_LIST)
		p.Memoize(v)
		if len(v.Elements) == 0 {
			return nil
		}
		p.Write(MARK)
		for _, item := range v.Elements {
			if err := p.Save(item); err != nil {
				return err
			}
		}
		p.Write(APPENDS)
		return nil
	case *runtime.Dict:
		p.Write(EMPTY_DICT)
		p.Memoize(v)
		if v.Len() == 0 {
			return nil
		}
		p.Write(MARK)
		for _, key := range v.Keys() {
			item, _ := v.Get(key)
			p.Write(STRING)
			p.WriteString(key)
			if err := p.Save(item); err != nil {
				return err
			}
		}
		p.Write(SETITEMS)
		return nil
	case *runtime.Function:
		closure := make(runtime.Tuple, len(v.Closure))
		for i, c := range v.Closure {
			closure[i] = c
		}
		var globals runtime.Value
		if v.Globals != nil {
			globals = v.Globals
		}
		return p.SaveMakeFill(FillFunction, MakeFunction,
			runtime.Tuple{v.Code, v.Name, v.QualName}, v,
			globals, closure)
	case *runtime.Cell:
		inner, full := v.Get()
		return p.SaveMakeFill(FillCell, MakeCell, runtime.Tuple{}, v, full, inner)
	case *runtime.Module:
		names := maps.Keys(v.Vars)
		slices.Sort(names)
		vars := make(runtime.Tuple, 0, 2*len(names))
		for _, name := range names {
			vars = append(vars, name, v.Vars[name])
		}
		return p.SaveMakeFill(FillModule, MakeModule, runtime.Tuple{v.Name}, v, vars)
	case *runtime.Code:
		return p.SaveReduce(NewCode, codeArgs(v), v)
	case *runtime.Native:
		return p.SaveReduce(LookupNative, runtime.Tuple{v.Name}, v)
	case *runtime.Exception:
		return p.SaveReduce(NewException, runtime.Tuple{v.Kind, v.Message, v.Value}, v)
	case *runtime.ListIterator:
		return p.SaveReduce(NewIterator, runtime.Tuple{v.Seq, int64(v.Index)}, v)
	case *runtime.Generator:
		return picklingErrorf("cannot pickle generator %s: no handler for %T", v.QualName, v)
	}
	return picklingErrorf("cannot pickle %s value %v", runtime.TypeName(v), runtime.Repr(v))
}

func stringTuple(names []string) runtime.Tuple {
	t := make(runtime.Tuple, len(names))
	for i, n := range names {
		t[i] = n
	}
	return t
}

func codeArgs(c *runtime.Code) runtime.Tuple {
	lines := make(runtime.Tuple, len(c.Lines))
	for i, l := range c.Lines {
		lines[i] = int64(l)
	}
	offsets := maps.Keys(c.Labels)
	slices.Sort(offsets)
	labels := make(runtime.Tuple, 0, 2*len(offsets))
	for _, off := range offsets {
		labels = append(labels, int64(off), c.Labels[off])
	}
	return runtime.Tuple{
		c.Name,
		c.QualName,
		int64(c.ArgCount),
		int64(c.KwOnlyCount),
		int64(c.Flags),
		stringTuple(c.VarNames),
		stringTuple(c.CellVars),
		stringTuple(c.FreeVars),
		runtime.Tuple(slices.Clone(c.Consts)),
		stringTuple(c.Names),
		slices.Clone(c.Instructions),
		lines,
		labels,
	}
}

// args unpacks a reconstructor's argument tuple with type checks.
type args struct {
	name  string
	tuple runtime.Tuple
	err   error
}

func unpack(name string, tuple runtime.Tuple, n int) *args {
	a := &args{name: name, tuple: tuple}
	if len(tuple) != n {
		a.err = fmt.Errorf("%s takes %d arguments, got %d", name, n, len(tuple))
	}
	return a
}

func (a *args) fail(i int, want string) {
	if a.err == nil {
		a.err = fmt.Errorf("%s argument %d must be %s, not %s", a.name, i, want, runtime.TypeName(a.tuple[i]))
	}
}

func (a *args) value(i int) runtime.Value {
	if a.err != nil {
		return nil
	}
	return a.tuple[i]
}

func (a *args) str(i int) string {
	if a.err != nil {
		return ""
	}
	s, ok := a.tuple[i].(string)
	if !ok {
		a.fail(i, "str")
	}
	return s
}

func (a *args) int(i int) int {
	if a.err != nil {
		return 0
	}
	n, ok := a.tuple[i].(int64)
	if !ok {
		a.fail(i, "int")
	}
	return int(n)
}

func (a *args) bool(i int) bool {
	if a.err != nil {
		return false
	}
	b, ok := a.tuple[i].(bool)
	if !ok {
		a.fail(i, "bool")
	}
	return b
}

func (a *args) tupleAt(i int) runtime.Tuple {
	if a.err != nil {
		return nil
	}
	t, ok := a.tuple[i].(runtime.Tuple)
	if !ok {
		a.fail(i, "tuple")
	}
	return t
}

func (a *args) strings(i int) []string {
	t := a.tupleAt(i)
	out := make([]string, len(t))
	for j, item := range t {
		s, ok := item.(string)
		if !ok {
			a.fail(i, "tuple of str")
			return nil
		}
		out[j] = s
	}
	return out
}

func makeFunction(u *Unpickler, tuple runtime.Tuple) (runtime.Value, error) {
	a := unpack(MakeFunction, tuple, 3)
	code, ok := a.value(0).(*runtime.Code)
	if !ok && a.err == nil {
		a.fail(0, "code")
	}
	name, qualname := a.str(1), a.str(2)
	if a.err != nil {
		return nil, a.err
	}
	return &runtime.Function{Code: code, Name: name, QualName: qualname}, nil
}

func fillFunction(u *Unpickler, tuple runtime.Tuple) (runtime.Value, error) {
	a := unpack(FillFunction, tuple, 3)
	fn, ok := a.value(0).(*runtime.Function)
	if !ok && a.err == nil {
		a.fail(0, "function")
	}
	var globals *runtime.Module
	if g := a.value(1); g != nil {
		if globals, ok = g.(*runtime.Module); !ok {
			a.fail(1, "module")
		}
	}
	cells := a.tupleAt(2)
	if a.err != nil {
		return nil, a.err
	}
	closure := make([]*runtime.Cell, len(cells))
	for i, c := range cells {
		if closure[i], ok = c.(*runtime.Cell); !ok {
			return nil, fmt.Errorf("%s: closure item %d is %s, not cell", FillFunction, i, runtime.TypeName(c))
		}
	}
	if len(closure) != len(fn.Code.FreeVars) {
		return nil, fmt.Errorf("%s: %s needs %d closure cells, got %d", FillFunction, fn.QualName, len(fn.Code.FreeVars), len(closure))
	}
	fn.Globals = globals
	fn.Closure = closure
	return fn, nil
}

func makeCell(u *Unpickler, tuple runtime.Tuple) (runtime.Value, error) {
	if a := unpack(MakeCell, tuple, 0); a.err != nil {
		return nil, a.err
	}
	return runtime.NewEmptyCell(), nil
}

func fillCell(u *Unpickler, tuple runtime.Tuple) (runtime.Value, error) {
	a := unpack(FillCell, tuple, 3)
	cell, ok := a.value(0).(*runtime.Cell)
	if !ok && a.err == nil {
		a.fail(0, "cell")
	}
	full := a.bool(1)
	if a.err != nil {
		return nil, a.err
	}
	if full {
		cell.Set(tuple[2])
	}
	return cell, nil
}

func makeModule(u *Unpickler, tuple runtime.Tuple) (runtime.Value, error) {
	a := unpack(MakeModule, tuple, 1)
	name := a.str(0)
	if a.err != nil {
		return nil, a.err
	}
	return runtime.NewModule(name), nil
}

func fillModule(u *Unpickler, tuple runtime.Tuple) (runtime.Value, error) {
	a := unpack(FillModule, tuple, 2)
	mod, ok := a.value(0).(*runtime.Module)
	if !ok && a.err == nil {
		a.fail(0, "module")
	}
	vars := a.tupleAt(1)
	if a.err != nil {
		return nil, a.err
	}
	if len(vars)%2 != 0 {
		return nil, fmt.Errorf("%s: odd number of items", FillModule)
	}
	for i := 0; i < len(vars); i += 2 {
		name, ok := vars[i].(string)
		if !ok {
			return nil, fmt.Errorf("%s: variable name must be str, not %s", FillModule, runtime.TypeName(vars[i]))
		}
		mod.Vars[name] = vars[i+1]
	}
	return mod, nil
}

func newCode(u *Unpickler, tuple runtime.Tuple) (runtime.Value, error) {
	a := unpack(NewCode, tuple, 13)
	c := &runtime.Code{
		Name:        a.str(0),
		QualName:    a.str(1),
		ArgCount:    a.int(2),
		KwOnlyCount: a.int(3),
		Flags:       runtime.CodeFlags(a.int(4)),
		VarNames:    a.strings(5),
		CellVars:    a.strings(6),
		FreeVars:    a.strings(7),
		Consts:      []runtime.Value(slices.Clone(a.tupleAt(8))),
		Names:       a.strings(9),
		Labels:      make(map[int]string),
	}
	instructions, ok := a.value(10).([]byte)
	if !ok && a.err == nil {
		a.fail(10, "bytes")
	}
	lines := a.tupleAt(11)
	labels := a.tupleAt(12)
	if a.err != nil {
		return nil, a.err
	}
	c.Instructions = instructions
	for _, l := range lines {
		n, ok := l.(int64)
		if !ok || n < 0 {
			return nil, fmt.Errorf("%s: bad line number %v", NewCode, runtime.Repr(l))
		}
		c.Lines = append(c.Lines, uint(n))
	}
	if len(labels)%2 != 0 {
		return nil, fmt.Errorf("%s: odd number of label items", NewCode)
	}
	for i := 0; i < len(labels); i += 2 {
		off, ok1 := labels[i].(int64)
		name, ok2 := labels[i+1].(string)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%s: bad label entry", NewCode)
		}
		c.Labels[int(off)] = name
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", NewCode, err)
	}
	return c, nil
}

func lookupNative(u *Unpickler, tuple runtime.Tuple) (runtime.Value, error) {
	a := unpack(LookupNative, tuple, 1)
	name := a.str(0)
	if a.err != nil {
		return nil, a.err
	}
	n, ok := u.Machine().Builtin(name)
	if !ok {
		return nil, fmt.Errorf("%s: machine has no builtin %q", LookupNative, name)
	}
	return n, nil
}

func newException(u *Unpickler, tuple runtime.Tuple) (runtime.Value, error) {
	a := unpack(NewException, tuple, 3)
	kind, message := a.str(0), a.str(1)
	if a.err != nil {
		return nil, a.err
	}
	return &runtime.Exception{Kind: kind, Message: message, Value: tuple[2]}, nil
}

func newIterator(u *Unpickler, tuple runtime.Tuple) (runtime.Value, error) {
	a := unpack(NewIterator, tuple, 2)
	seq := a.value(0)
	index := a.int(1)
	if a.err != nil {
		return nil, a.err
	}
	switch seq.(type) {
	case *runtime.List, runtime.Tuple:
	default:
		return nil, fmt.Errorf("%s: cannot iterate %s", NewIterator, runtime.TypeName(seq))
	}
	return &runtime.ListIterator{Seq: seq, Index: index}, nil
}
