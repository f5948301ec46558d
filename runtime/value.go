package runtime

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// Value is anything the machine can push onto an operand stack. The scalar
// values are plain Go values: nil is None, then bool, int64, float64, string
// and []byte. Everything else is one of the types in this file.
type Value interface{}

type unsetValue struct{}

func (unsetValue) String() string { return "<unset>" }

// Unset marks a local slot that has never been bound. It is distinct from
// None and is never produced by running code.
var Unset Value = &unsetValue{}

// Tuple is an immutable sequence. Tuples are values, not objects, and are
// never tracked by identity.
type Tuple []Value

type List struct {
	Elements []Value
}

func NewList(elements ...Value) *List {
	return &List{Elements: elements}
}

func (l *List) Append(v Value) {
	l.Elements = append(l.Elements, v)
}

// Dict maps strings to values and remembers insertion order.
type Dict struct {
	keys    []string
	entries map[string]Value
}

func NewDict() *Dict {
	return &Dict{entries: make(map[string]Value)}
}

func (d *Dict) Get(key string) (Value, bool) {
	v, ok := d.entries[key]
	return v, ok
}

func (d *Dict) Set(key string, v Value) {
	if _, ok := d.entries[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.entries[key] = v
}

func (d *Dict) Delete(key string) {
	if _, ok := d.entries[key]; !ok {
		return
	}
	delete(d.entries, key)
	idx := slices.Index(d.keys, key)
	d.keys = slices.Delete(d.keys, idx, idx+1)
}

func (d *Dict) Len() int {
	return len(d.keys)
}

// Keys returns the keys in insertion order.
func (d *Dict) Keys() []string {
	return slices.Clone(d.keys)
}

// Cell is a box shared between a function and the closures it creates. An
// empty cell holds nothing at all, which is different from holding None.
type Cell struct {
	value Value
	full  bool
}

func NewEmptyCell() *Cell {
	return &Cell{}
}

func NewCell(v Value) *Cell {
	return &Cell{value: v, full: true}
}

func (c *Cell) Get() (Value, bool) {
	return c.value, c.full
}

func (c *Cell) Set(v Value) {
	c.value = v
	c.full = true
}

func (c *Cell) Clear() {
	c.value = nil
	c.full = false
}

func (c *Cell) Empty() bool {
	return !c.full
}

// Module is a global namespace. Functions defined in the same source share
// the module they were assembled into.
type Module struct {
	Name string
	Vars map[string]Value
}

func NewModule(name string) *Module {
	return &Module{Name: name, Vars: make(map[string]Value)}
}

type Function struct {
	Code     *Code
	Globals  *Module
	Name     string
	QualName string
	Closure  []*Cell
}

// NewFunction builds a function over code. The closure must hold exactly one
// cell per free variable of the code.
func NewFunction(code *Code, globals *Module, name string, closure []*Cell) (*Function, error) {
	if len(closure) != len(code.FreeVars) {
		return nil, fmt.Errorf("%s requires closure of length %d, not %d", code.QualName, len(code.FreeVars), len(closure))
	}
	return &Function{
		Code:     code,
		Globals:  globals,
		Name:     name,
		QualName: code.QualName,
		Closure:  closure,
	}, nil
}

type NativeFn = func(*Machine, []Value) (Value, error)

// Native is a builtin implemented in Go. Natives are looked up by name, so a
// serialized reference to one stays valid in another machine.
type Native struct {
	Name string
	Fn   NativeFn
}

// ListIterator walks a List or a Tuple. It is what GET_ITER leaves on the
// stack for sequences, so it can be part of a suspended frame.
type ListIterator struct {
	Seq   Value
	Index int
}

func (it *ListIterator) next() (Value, bool) {
	var elements []Value
	switch seq := it.Seq.(type) {
	case *List:
		elements = seq.Elements
	case Tuple:
		elements = seq
	}
	if it.Index >= len(elements) {
		return nil, false
	}
	v := elements[it.Index]
	it.Index++
	return v, true
}

func Truthy(v Value) bool {
	switch v := v.(type) {
	case nil:
		return false
	case bool:
		return v
	case int64:
		return v != 0
	case float64:
		return v != 0
	case string:
		return v != ""
	case []byte:
		return len(v) > 0
	case Tuple:
		return len(v) > 0
	case *List:
		return len(v.Elements) > 0
	case *Dict:
		return v.Len() > 0
	default:
		return true
	}
}

func TypeName(v Value) string {
	switch v.(type) {
	case nil:
		return "NoneType"
	case bool:
		return "bool"
	case int64:
		return "int"
	case float64:
		return "float"
	case string:
		return "str"
	case []byte:
		return "bytes"
	case Tuple:
		return "tuple"
	case *List:
		return "list"
	case *Dict:
		return "dict"
	case *Cell:
		return "cell"
	case *Code:
		return "code"
	case *Function:
		return "function"
	case *Native:
		return "builtin_function"
	case *Module:
		return "module"
	case *Generator:
		return "generator"
	case *ListIterator:
		return "list_iterator"
	case *Exception:
		return "exception"
	default:
		if v == Unset {
			return "unset"
		}
		return fmt.Sprintf("%T", v)
	}
}

// Repr renders a value the way print shows it.
func Repr(v Value) string {
	switch v := v.(type) {
	case nil:
		return "None"
	case bool:
		if v {
			return "True"
		}
		return "False"
	case int64:
		return fmt.Sprint(v)
	case float64:
		return fmt.Sprint(v)
	case string:
		return fmt.Sprintf("%q", v)
	case []byte:
		return fmt.Sprintf("b%q", v)
	case Tuple:
		if len(v) == 1 {
			return "(" + Repr(v[0]) + ",)"
		}
		return "(" + joinRepr(v) + ")"
	case *List:
		return "[" + joinRepr(v.Elements) + "]"
	case *Dict:
		parts := make([]string, 0, v.Len())
		for _, k := range v.keys {
			parts = append(parts, fmt.Sprintf("%q: %s", k, Repr(v.entries[k])))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case *Cell:
		if inner, ok := v.Get(); ok {
			return "<cell: " + Repr(inner) + ">"
		}
		return "<cell: empty>"
	case *Code:
		return fmt.Sprintf("<code %s>", v.QualName)
	case *Function:
		return fmt.Sprintf("<function %s>", v.QualName)
	case *Native:
		return fmt.Sprintf("<built-in function %s>", v.Name)
	case *Module:
		return fmt.Sprintf("<module %s>", v.Name)
	case *Generator:
		return fmt.Sprintf("<generator object %s>", v.QualName)
	case *ListIterator:
		return "<list_iterator>"
	case *Exception:
		return v.Error()
	default:
		if v == Unset {
			return "<unset>"
		}
		return fmt.Sprint(v)
	}
}

// Str is Repr without quotes around strings.
func Str(v Value) string {
	if s, ok := v.(string); ok {
		return s
	}
	return Repr(v)
}

func joinRepr(vs []Value) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = Repr(v)
	}
	return strings.Join(parts, ", ")
}
