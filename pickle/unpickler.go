package pickle

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"

	"github.com/ddn0/cloudpickle-generators/internal/logging"
	"github.com/ddn0/cloudpickle-generators/runtime"
)

// global is what GLOBAL leaves on the replay stack. It only ever appears
// there, never in a loaded value.
type global struct {
	name string
	fn   Reconstructor
}

// Unpickler replays a stream written by a Pickler. Reconstructors run
// against the unpickler's machine, which owns builtins and any generators
// created during the load.
type Unpickler struct {
	data    []byte
	pos     int
	op      int
	stack   []runtime.Value
	marks   []int
	memo    []runtime.Value
	machine *runtime.Machine
	logger  *slog.Logger
}

func NewUnpickler(data []byte, m *runtime.Machine, logger *slog.Logger) *Unpickler {
	return &Unpickler{data: data, machine: m, logger: logging.Or(logger)}
}

func (u *Unpickler) Machine() *runtime.Machine {
	return u.machine
}

func (u *Unpickler) Logger() *slog.Logger {
	return u.logger
}

func (u *Unpickler) errorf(err error, format string, args ...any) error {
	return &UnpicklingError{Offset: u.op, Message: fmt.Sprintf(format, args...), Err: err}
}

func (u *Unpickler) readByte() (byte, error) {
	if u.pos >= len(u.data) {
		return 0, u.errorf(nil, "unexpected end of stream")
	}
	b := u.data[u.pos]
	u.pos++
	return b, nil
}

func (u *Unpickler) readUvarint() (uint64, error) {
	n, size := binary.Uvarint(u.data[u.pos:])
	if size <= 0 {
		return 0, u.errorf(nil, "bad varint")
	}
	u.pos += size
	return n, nil
}

func (u *Unpickler) readVarint() (int64, error) {
	n, size := binary.Varint(u.data[u.pos:])
	if size <= 0 {
		return 0, u.errorf(nil, "bad varint")
	}
	u.pos += size
	return n, nil
}

func (u *Unpickler) readString() (string, error) {
	n, err := u.readUvarint()
	if err != nil {
		return "", err
	}
	if n > uint64(len(u.data)-u.pos) {
		return "", u.errorf(nil, "string of %d bytes overruns stream", n)
	}
	s := string(u.data[u.pos : u.pos+int(n)])
	u.pos += int(n)
	return s, nil
}

func (u *Unpickler) push(v runtime.Value) {
	u.stack = append(u.stack, v)
}

func (u *Unpickler) pop() (runtime.Value, error) {
	floor := 0
	if len(u.marks) > 0 {
		floor = u.marks[len(u.marks)-1]
	}
	if len(u.stack) <= floor {
		return nil, u.errorf(nil, "stack underflow")
	}
	v := u.stack[len(u.stack)-1]
	u.stack = u.stack[:len(u.stack)-1]
	return v, nil
}

// popMark removes everything above the innermost mark and the mark itself.
func (u *Unpickler) popMark() ([]runtime.Value, error) {
	if len(u.marks) == 0 {
		return nil, u.errorf(nil, "no mark on the stack")
	}
	mark := u.marks[len(u.marks)-1]
	u.marks = u.marks[:len(u.marks)-1]
	items := make([]runtime.Value, len(u.stack)-mark)
	copy(items, u.stack[mark:])
	u.stack = u.stack[:mark]
	return items, nil
}

func (u *Unpickler) top() (runtime.Value, error) {
	if len(u.stack) == 0 {
		return nil, u.errorf(nil, "stack underflow")
	}
	return u.stack[len(u.stack)-1], nil
}

// Load replays the stream and returns the value it describes.
func (u *Unpickler) Load() (runtime.Value, error) {
	for {
		u.op = u.pos
		op, err := u.readByte()
		if err != nil {
			return nil, err
		}
		if op == STOP {
			return u.stop()
		}
		if err := u.step(op); err != nil {
			return nil, err
		}
	}
}

func (u *Unpickler) stop() (runtime.Value, error) {
	if len(u.marks) > 0 {
		return nil, u.errorf(nil, "STOP with an open mark")
	}
	v, err := u.pop()
	if err != nil {
		return nil, err
	}
	if len(u.stack) != 0 {
		return nil, u.errorf(nil, "STOP with %d values left on the stack", len(u.stack))
	}
	u.logger.Debug("unpickled value", "type", runtime.TypeName(v), "bytes", len(u.data), "memo", len(u.memo))
	return v, nil
}

func (u *Unpickler) step(op Opcode) error {
	switch op {
	case PROTO:
		version, err := u.readByte()
		if err != nil {
			return err
		}
		if version != Protocol {
			return u.errorf(nil, "unsupported protocol %d", version)
		}
	case NONE:
		u.push(nil)
	case TRUE:
		u.push(true)
	case FALSE:
		u.push(false)
	case INT:
		n, err := u.readVarint()
		if err != nil {
			return err
		}
		u.push(n)
	case FLOAT:
		if len(u.data)-u.pos < 8 {
			return u.errorf(nil, "truncated float")
		}
		u.push(math.Float64frombits(binary.BigEndian.Uint64(u.data[u.pos:])))
		u.pos += 8
	case STRING:
		s, err := u.readString()
		if err != nil {
			return err
		}
		u.push(s)
	case BYTES:
		s, err := u.readString()
		if err != nil {
			return err
		}
		u.push([]byte(s))
	case UNSET:
		u.push(runtime.Unset)
	case MARK:
		u.marks = append(u.marks, len(u.stack))
	case TUPLE:
		items, err := u.popMark()
		if err != nil {
			return err
		}
		u.push(runtime.Tuple(items))
	case EMPTY_LIST:
		u.push(runtime.NewList())
	case APPENDS:
		items, err := u.popMark()
		if err != nil {
			return err
		}
		v, err := u.top()
		if err != nil {
			return err
		}
		list, ok := v.(*runtime.List)
		if !ok {
			return u.errorf(nil, "APPENDS to %s", runtime.TypeName(v))
		}
		list.Elements = append(list.Elements, items...)
	case EMPTY_DICT:
		u.push(runtime.NewDict())
	case SETITEMS:
		items, err := u.popMark()
		if err != nil {
			return err
		}
		v, err := u.top()
		if err != nil {
			return err
		}
		dict, ok := v.(*runtime.Dict)
		if !ok || len(items)%2 != 0 {
			return u.errorf(nil, "SETITEMS to %s with %d items", runtime.TypeName(v), len(items))
		}
		for i := 0; i < len(items); i += 2 {
			key, ok := items[i].(string)
			if !ok {
				return u.errorf(nil, "dict key must be str, not %s", runtime.TypeName(items[i]))
			}
			dict.Set(key, items[i+1])
		}
	case GLOBAL:
		name, err := u.readString()
		if err != nil {
			return err
		}
		fn, ok := Lookup(name)
		if !ok {
			return u.errorf(nil, "unknown global %q", name)
		}
		u.push(&global{name: name, fn: fn})
	case REDUCE:
		argv, err := u.pop()
		if err != nil {
			return err
		}
		callee, err := u.pop()
		if err != nil {
			return err
		}
		args, ok := argv.(runtime.Tuple)
		if !ok {
			return u.errorf(nil, "REDUCE arguments are %s, not tuple", runtime.TypeName(argv))
		}
		g, ok := callee.(*global)
		if !ok {
			return u.errorf(nil, "REDUCE of non-global %s", runtime.TypeName(callee))
		}
		v, err := g.fn(u, args)
		if err != nil {
			return u.errorf(err, "%s failed", g.name)
		}
		u.push(v)
	case MEMOIZE:
		v, err := u.top()
		if err != nil {
			return err
		}
		u.memo = append(u.memo, v)
	case GET:
		idx, err := u.readUvarint()
		if err != nil {
			return err
		}
		if idx >= uint64(len(u.memo)) {
			return u.errorf(nil, "memo slot %d not set", idx)
		}
		u.push(u.memo[idx])
	case POP:
		if _, err := u.pop(); err != nil {
			return err
		}
	case POP_MARK:
		if _, err := u.popMark(); err != nil {
			return err
		}
	default:
		return u.errorf(nil, "unknown opcode %s", OpcodeName(op))
	}
	return nil
}
