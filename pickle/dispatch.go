package pickle

import (
	"reflect"

	"github.com/ddn0/cloudpickle-generators/runtime"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Handler writes the reconstruction recipe for one value. Handlers are
// compared by identity, so implementations should be pointers.
type Handler interface {
	Reduce(p *Pickler, v runtime.Value) error
}

// Dispatch maps concrete types to handlers. It is owned by the caller and
// handed to a Pickler; handlers in it take precedence over the built-in
// reducers. A nil *Dispatch reads as an empty table.
type Dispatch struct {
	handlers map[reflect.Type]Handler
}

func NewDispatch() *Dispatch {
	return &Dispatch{handlers: make(map[reflect.Type]Handler)}
}

// Set installs h for t. d must not be nil.
func (d *Dispatch) Set(t reflect.Type, h Handler) {
	if d == nil {
		panic("pickle: Set on nil Dispatch")
	}
	d.handlers[t] = h
}

func (d *Dispatch) Get(t reflect.Type) (Handler, bool) {
	if d == nil {
		return nil, false
	}
	h, ok := d.handlers[t]
	return h, ok
}

func (d *Dispatch) Delete(t reflect.Type) {
	if d == nil {
		return
	}
	delete(d.handlers, t)
}

// Types lists the types with a handler, ordered by name.
func (d *Dispatch) Types() []reflect.Type {
	if d == nil {
		return nil
	}
	types := maps.Keys(d.handlers)
	slices.SortFunc(types, func(a, b reflect.Type) bool {
		return a.String() < b.String()
	})
	return types
}
