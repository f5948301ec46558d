package pickle

import (
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"
	"math"
	"reflect"

	"github.com/ddn0/cloudpickle-generators/internal/logging"
	"github.com/ddn0/cloudpickle-generators/runtime"
)

// Pickler writes an object graph as a sequence of opcodes. Every value with
// identity (pointers) is memoized the first time it is written, so shared
// and cyclic references come back as the same object.
type Pickler struct {
	w        io.Writer
	buf      bytes.Buffer
	memo     map[runtime.Value]int
	dispatch *Dispatch
	logger   *slog.Logger
}

// NewPickler returns a pickler writing to w. A nil dispatch leaves only the
// built-in reducers.
func NewPickler(w io.Writer, dispatch *Dispatch, logger *slog.Logger) *Pickler {
	return &Pickler{
		w:        w,
		memo:     make(map[runtime.Value]int),
		dispatch: dispatch,
		logger:   logging.Or(logger),
	}
}

func (p *Pickler) Logger() *slog.Logger {
	return p.logger
}

// Dump writes one complete stream holding v.
func (p *Pickler) Dump(v runtime.Value) error {
	p.Write(PROTO)
	p.buf.WriteByte(Protocol)
	if err := p.Save(v); err != nil {
		return err
	}
	p.Write(STOP)
	p.logger.Debug("pickled value", "type", runtime.TypeName(v), "bytes", p.buf.Len(), "memo", len(p.memo))
	_, err := p.w.Write(p.buf.Bytes())
	p.buf.Reset()
	return err
}

func (p *Pickler) Write(op Opcode) {
	p.buf.WriteByte(op)
}

func (p *Pickler) WriteUvarint(n uint64) {
	var scratch [binary.MaxVarintLen64]byte
	p.buf.Write(scratch[:binary.PutUvarint(scratch[:], n)])
}

// WriteString writes a length-prefixed operand.
func (p *Pickler) WriteString(s string) {
	p.WriteUvarint(uint64(len(s)))
	p.buf.WriteString(s)
}

// Memoize binds v to the object on top of the replay stack.
func (p *Pickler) Memoize(v runtime.Value) {
	p.memo[v] = len(p.memo)
	p.Write(MEMOIZE)
}

// Memoized reports the memo slot of v, if it has been written already.
func (p *Pickler) Memoized(v runtime.Value) (int, bool) {
	if !hasIdentity(v) {
		return 0, false
	}
	idx, ok := p.memo[v]
	return idx, ok
}

func (p *Pickler) WriteGet(idx int) {
	p.Write(GET)
	p.WriteUvarint(uint64(idx))
}

// SaveGlobal pushes a reference to a registered reconstructor.
func (p *Pickler) SaveGlobal(name string) error {
	if _, ok := Lookup(name); !ok {
		return picklingErrorf("no reconstructor registered as %q", name)
	}
	p.Write(GLOBAL)
	p.WriteString(name)
	return nil
}

func (p *Pickler) SaveTuple(items runtime.Tuple) error {
	p.Write(MARK)
	for _, item := range items {
		if err := p.Save(item); err != nil {
			return err
		}
	}
	p.Write(TUPLE)
	return nil
}

// SaveReduce writes a call of the named reconstructor with args. When obj is
// not nil the result is memoized as obj; if saving args already wrote obj,
// the fresh result is dropped in favour of the memoized one.
func (p *Pickler) SaveReduce(name string, args runtime.Tuple, obj runtime.Value) error {
	if err := p.SaveGlobal(name); err != nil {
		return err
	}
	if err := p.SaveTuple(args); err != nil {
		return err
	}
	p.Write(REDUCE)
	if obj == nil {
		return nil
	}
	if idx, ok := p.Memoized(obj); ok {
		p.Write(POP)
		p.WriteGet(idx)
		return nil
	}
	p.Memoize(obj)
	return nil
}

// SaveMakeFill writes the two-phase recipe fill(make(makeArgs...), fillArgs...).
// The made object is memoized before fillArgs are written, so fillArgs may
// refer back to obj.
func (p *Pickler) SaveMakeFill(fill string, make string, makeArgs runtime.Tuple, obj runtime.Value, fillArgs ...runtime.Value) error {
	if err := p.SaveGlobal(fill); err != nil {
		return err
	}
	p.Write(MARK)
	if err := p.SaveGlobal(make); err != nil {
		return err
	}
	if err := p.SaveTuple(makeArgs); err != nil {
		return err
	}
	if idx, ok := p.Memoized(obj); ok {
		p.Write(POP_MARK)
		p.Write(POP)
		p.WriteGet(idx)
		return nil
	}
	p.Write(REDUCE)
	p.Memoize(obj)
	for _, arg := range fillArgs {
		if err := p.Save(arg); err != nil {
			return err
		}
	}
	p.Write(TUPLE)
	p.Write(REDUCE)
	return nil
}

func hasIdentity(v runtime.Value) bool {
	return v != nil && reflect.TypeOf(v).Kind() == reflect.Pointer
}

// Save writes v. Lookup order is memo, then the dispatch table, then the
// built-in reducers.
func (p *Pickler) Save(v runtime.Value) error {
	switch v := v.(type) {
	case nil:
		p.Write(NONE)
		return nil
	case bool:
		if v {
			p.Write(TRUE)
		} else {
			p.Write(FALSE)
		}
		return nil
	case int64:
		var scratch [binary.MaxVarintLen64]byte
		p.Write(INT)
		p.buf.Write(scratch[:binary.PutVarint(scratch[:], v)])
		return nil
	case float64:
		var scratch [8]byte
		binary.BigEndian.PutUint64(scratch[:], math.Float64bits(v))
		p.Write(FLOAT)
		p.buf.Write(scratch[:])
		return nil
	case string:
		p.Write(STRING)
		p.WriteString(v)
		return nil
	case []byte:
		p.Write(BYTES)
		p.WriteString(string(v))
		return nil
	case runtime.Tuple:
		return p.SaveTuple(v)
	}
	if v == runtime.Unset {
		p.Write(UNSET)
		return nil
	}
	if idx, ok := p.Memoized(v); ok {
		p.WriteGet(idx)
		return nil
	}
	if h, ok := p.dispatch.Get(reflect.TypeOf(v)); ok {
		return h.Reduce(p, v)
	}
	return p.saveBuiltin(v)
}
