package runtime

// NotStarted is the instruction pointer of a frame that has not executed
// anything yet.
const NotStarted = -1

type BlockKind uint8

const (
	BlockExcept BlockKind = iota
)

// Block is an entry of the block stack. An exception raised while the block
// is active truncates the operand stack to Level, pushes the exception and
// continues at Handler.
type Block struct {
	Kind    BlockKind
	Handler int
	Level   int
}

type Frame struct {
	code    *Code
	globals *Module
	ip      int
	fast    []Value
	cells   []*Cell
	values  []Value
	blocks  []Block
}

// newFrame lays out a frame for code: every local unset, a fresh empty cell
// per cell variable, followed by the closure's cells for the free variables.
func newFrame(code *Code, globals *Module, closure []*Cell) *Frame {
	f := &Frame{
		code:    code,
		globals: globals,
		ip:      NotStarted,
		fast:    make([]Value, len(code.VarNames)),
		cells:   make([]*Cell, 0, len(code.CellVars)+len(code.FreeVars)),
	}
	for i := range f.fast {
		f.fast[i] = Unset
	}
	for range code.CellVars {
		f.cells = append(f.cells, NewEmptyCell())
	}
	f.cells = append(f.cells, closure...)
	return f
}

func (f *Frame) Code() *Code {
	return f.code
}

func (f *Frame) PushValue(v Value) {
	f.values = append(f.values, v)
}

func (f *Frame) PopOneValue() Value {
	stackLen := len(f.values)
	if stackLen <= 0 {
		panic("Stack underflow detected.")
	}

	result := f.values[stackLen-1]
	f.values = f.values[:stackLen-1]
	return result
}

// PopTwoValues pops the top value into snd and the one beneath into fst.
func (f *Frame) PopTwoValues() (fst Value, snd Value) {
	stackLen := len(f.values)
	if stackLen <= 1 {
		panic("Stack underflow detected.")
	}

	r1 := f.values[stackLen-2]
	r2 := f.values[stackLen-1]
	f.values = f.values[:stackLen-2]
	return r1, r2
}

// PopValues pops count values and returns them in push order.
func (f *Frame) PopValues(count int) []Value {
	stackLen := len(f.values)
	if stackLen < count {
		panic("Stack underflow detected.")
	}
	result := make([]Value, count)
	copy(result, f.values[stackLen-count:])
	f.values = f.values[:stackLen-count]
	return result
}

func (f *Frame) PeekOneValue() Value {
	stackLen := len(f.values)
	if stackLen <= 0 {
		panic("Stack underflow detected.")
	}
	return f.values[stackLen-1]
}

func (f *Frame) PushBlock(b Block) {
	f.blocks = append(f.blocks, b)
}

func (f *Frame) PopBlock() Block {
	stackLen := len(f.blocks)
	if stackLen <= 0 {
		panic("Block stack underflow detected.")
	}
	result := f.blocks[stackLen-1]
	f.blocks = f.blocks[:stackLen-1]
	return result
}

// unwind hands exc to the innermost active handler. It reports false when
// no handler is left and the exception escapes the frame.
func (f *Frame) unwind(exc *Exception) bool {
	if len(f.blocks) == 0 {
		return false
	}
	block := f.PopBlock()
	if block.Level < len(f.values) {
		f.values = f.values[:block.Level]
	}
	f.PushValue(exc)
	f.ip = block.Handler
	return true
}
