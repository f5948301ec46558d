package runtime

import (
	"fmt"
	"strings"
)

type CodeFlags uint8

const (
	FlagVarargs CodeFlags = 1 << iota
	FlagVarkw
	FlagGenerator
)

// Code is the immutable body of a function. Parameters come first in
// VarNames: positional, then keyword-only, then the *args and **kw names
// when the matching flags are set. Plain locals follow.
type Code struct {
	Name        string
	QualName    string
	ArgCount    int
	KwOnlyCount int
	Flags       CodeFlags

	VarNames []string
	CellVars []string
	FreeVars []string
	Consts   []Value
	Names    []string

	Instructions []byte
	Lines        []uint
	Labels       map[int]string
}

func (c *Code) IsGenerator() bool { return c.Flags&FlagGenerator != 0 }
func (c *Code) HasVarargs() bool  { return c.Flags&FlagVarargs != 0 }
func (c *Code) HasVarkw() bool    { return c.Flags&FlagVarkw != 0 }

// ParamCount counts every parameter slot at the front of VarNames.
func (c *Code) ParamCount() int {
	n := c.ArgCount + c.KwOnlyCount
	if c.HasVarargs() {
		n++
	}
	if c.HasVarkw() {
		n++
	}
	return n
}

// KwOnlyNames returns the keyword-only parameter names.
func (c *Code) KwOnlyNames() []string {
	return c.VarNames[c.ArgCount : c.ArgCount+c.KwOnlyCount]
}

// CellSlots is the cell layout of a frame: cell variables, then free
// variables.
func (c *Code) CellSlots() []string {
	slots := make([]string, 0, len(c.CellVars)+len(c.FreeVars))
	slots = append(slots, c.CellVars...)
	return append(slots, c.FreeVars...)
}

// CheckNames rejects variable tables where one name has two slots. The only
// overlap allowed is a parameter that is also a cell variable: it is bound
// into its cell on entry.
func (c *Code) CheckNames() error {
	params := c.ParamCount()
	if params > len(c.VarNames) {
		params = len(c.VarNames)
	}
	direct := make(map[string]int, len(c.VarNames))
	for i, name := range c.VarNames {
		if _, dup := direct[name]; dup {
			return fmt.Errorf("%s: duplicate variable %q", c.QualName, name)
		}
		direct[name] = i
	}
	cells := make(map[string]bool, len(c.CellVars)+len(c.FreeVars))
	for _, name := range c.CellVars {
		if cells[name] {
			return fmt.Errorf("%s: duplicate cell variable %q", c.QualName, name)
		}
		if i, ok := direct[name]; ok && i >= params {
			return fmt.Errorf("%s: local %q is also a cell variable", c.QualName, name)
		}
		cells[name] = true
	}
	for _, name := range c.FreeVars {
		if cells[name] {
			return fmt.Errorf("%s: free variable %q is already a cell variable", c.QualName, name)
		}
		if _, ok := direct[name]; ok {
			return fmt.Errorf("%s: local %q is also a free variable", c.QualName, name)
		}
		cells[name] = true
	}
	return nil
}

// Validate walks the instructions and checks every operand against the
// tables it indexes. Code coming out of a stream is validated before use.
func (c *Code) Validate() error {
	if c.ParamCount() > len(c.VarNames) {
		return fmt.Errorf("%s: %d parameters but only %d variable names", c.QualName, c.ParamCount(), len(c.VarNames))
	}
	if len(c.Lines) != 0 && len(c.Lines) != len(c.Instructions) {
		return fmt.Errorf("%s: line table covers %d of %d bytes", c.QualName, len(c.Lines), len(c.Instructions))
	}
	if err := c.CheckNames(); err != nil {
		return err
	}
	starts := make(map[int]bool)
	var jumps []int
	cellCount := len(c.CellVars) + len(c.FreeVars)
	for offset := 0; offset < len(c.Instructions); {
		starts[offset] = true
		op := c.Instructions[offset]
		if _, known := instructionNames[op]; !known {
			return fmt.Errorf("%s: unknown opcode %d at %d", c.QualName, op, offset)
		}
		width := OperandWidth(op)
		if offset+1+width > len(c.Instructions) {
			return fmt.Errorf("%s: truncated %s at %d", c.QualName, InstructionName(op), offset)
		}
		limit := -1
		switch op {
		case LOAD_CONST:
			limit = len(c.Consts)
		case LOAD_FAST, STORE_FAST, DELETE_FAST:
			limit = len(c.VarNames)
		case LOAD_DEREF, STORE_DEREF, DELETE_DEREF, LOAD_CLOSURE:
			limit = cellCount
		case LOAD_GLOBAL, STORE_GLOBAL:
			limit = len(c.Names)
		case JUMP, JUMP_TRUE, JUMP_FALSE, FOR_ITER, SETUP_EXCEPT:
			target, _ := c.ReadUInt32(offset + 1)
			jumps = append(jumps, int(target))
		case COMPARE:
			arg, _ := c.ReadUInt8(offset + 1)
			if int(arg) >= len(compareNames) {
				return fmt.Errorf("%s: bad comparison %d at %d", c.QualName, arg, offset)
			}
		}
		if limit >= 0 {
			idx, _ := c.ReadUInt16(offset + 1)
			if int(idx) >= limit {
				return fmt.Errorf("%s: %s operand %d out of range at %d", c.QualName, InstructionName(op), idx, offset)
			}
		}
		offset += 1 + width
	}
	for _, target := range jumps {
		if !starts[target] {
			return fmt.Errorf("%s: jump to %d is not an instruction boundary", c.QualName, target)
		}
	}
	return nil
}

type fixup struct {
	at    int
	label string
	line  uint
}

// CodeBuilder accumulates the instructions of one Code. Jumps may refer to
// labels defined later; they are patched by Finish.
type CodeBuilder struct {
	code   *Code
	labels map[string]int
	fixups []fixup
}

func NewCodeBuilder(qualname string) *CodeBuilder {
	name := qualname
	if i := strings.LastIndex(qualname, "."); i >= 0 {
		name = qualname[i+1:]
	}
	return &CodeBuilder{
		code: &Code{
			Name:     name,
			QualName: qualname,
			Labels:   make(map[int]string),
		},
		labels: make(map[string]int),
	}
}

// Code exposes the code under construction so callers can fill in the
// parameter and variable tables.
func (b *CodeBuilder) Code() *Code {
	return b.code
}

func (b *CodeBuilder) Offset() int {
	return len(b.code.Instructions)
}

func (b *CodeBuilder) WriteU8(val uint8, line uint) {
	b.code.Instructions = append(b.code.Instructions, val)
	b.code.Lines = append(b.code.Lines, line)
}

func (b *CodeBuilder) WriteU16(val uint16, line uint) {
	b.WriteU8(byte(val>>8), line)
	b.WriteU8(byte(val), line)
}

func (b *CodeBuilder) WriteU32(val uint32, line uint) {
	b.WriteU8(byte(val>>24), line)
	b.WriteU8(byte(val>>16), line)
	b.WriteU8(byte(val>>8), line)
	b.WriteU8(byte(val), line)
}

func (b *CodeBuilder) WriteOp(op Instruction, line uint) {
	b.WriteU8(op, line)
}

func (b *CodeBuilder) WriteOpU16(op Instruction, arg uint16, line uint) {
	b.WriteOp(op, line)
	b.WriteU16(arg, line)
}

func (b *CodeBuilder) WriteOpU8(op Instruction, arg uint8, line uint) {
	b.WriteOp(op, line)
	b.WriteU8(arg, line)
}

// WriteJump emits a jump-style instruction whose target is a label.
func (b *CodeBuilder) WriteJump(op Instruction, label string, line uint) {
	b.WriteOp(op, line)
	b.fixups = append(b.fixups, fixup{at: b.Offset(), label: label, line: line})
	b.WriteU32(0, line)
}

func (b *CodeBuilder) Label(name string) error {
	if _, exists := b.labels[name]; exists {
		return fmt.Errorf("label %q defined twice", name)
	}
	b.labels[name] = b.Offset()
	b.code.Labels[b.Offset()] = name
	return nil
}

// AddConst interns a constant and returns its index. Scalars are shared;
// code objects are compared by identity.
func (b *CodeBuilder) AddConst(v Value) uint16 {
	for i, existing := range b.code.Consts {
		if sameConst(existing, v) {
			return uint16(i)
		}
	}
	b.code.Consts = append(b.code.Consts, v)
	return uint16(len(b.code.Consts) - 1)
}

func sameConst(a, b Value) bool {
	switch a.(type) {
	case nil, bool, int64, float64, string, *Code:
		return a == b
	}
	return false
}

func (b *CodeBuilder) AddName(name string) uint16 {
	for i, existing := range b.code.Names {
		if existing == name {
			return uint16(i)
		}
	}
	b.code.Names = append(b.code.Names, name)
	return uint16(len(b.code.Names) - 1)
}

func (b *CodeBuilder) LocalIndex(name string) (uint16, bool) {
	for i, v := range b.code.VarNames {
		if v == name {
			return uint16(i), true
		}
	}
	return 0, false
}

func (b *CodeBuilder) CellIndex(name string) (uint16, bool) {
	for i, v := range b.code.CellSlots() {
		if v == name {
			return uint16(i), true
		}
	}
	return 0, false
}

// Finish patches jumps and validates the result.
func (b *CodeBuilder) Finish() (*Code, error) {
	for _, f := range b.fixups {
		target, ok := b.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("line %d: undefined label %q", f.line, f.label)
		}
		b.code.Instructions[f.at] = byte(target >> 24)
		b.code.Instructions[f.at+1] = byte(target >> 16)
		b.code.Instructions[f.at+2] = byte(target >> 8)
		b.code.Instructions[f.at+3] = byte(target)
	}
	if err := b.code.Validate(); err != nil {
		return nil, err
	}
	return b.code, nil
}
