package runtime

import (
	"fmt"
	"io"
)

type Instruction = byte

const (
	NOP Instruction = iota
	POP_TOP
	DUP_TOP
	ROT_TWO

	LOAD_CONST

	LOAD_FAST
	STORE_FAST
	DELETE_FAST

	LOAD_DEREF
	STORE_DEREF
	DELETE_DEREF
	LOAD_CLOSURE

	LOAD_GLOBAL
	STORE_GLOBAL

	ADD
	SUB
	MUL
	DIV
	MOD
	NEG
	NOT
	COMPARE

	JUMP
	JUMP_TRUE
	JUMP_FALSE

	BUILD_TUPLE
	BUILD_LIST
	BUILD_DICT
	INDEX

	GET_ITER
	FOR_ITER

	MAKE_FUNCTION
	CALL
	YIELD_VALUE
	RETURN_VALUE

	SETUP_EXCEPT
	POP_BLOCK
	RAISE
)

// Operators for the COMPARE instruction.
const (
	CMP_LT byte = iota
	CMP_LE
	CMP_EQ
	CMP_NE
	CMP_GT
	CMP_GE
	CMP_EXC_MATCH
)

var instructionNames = map[Instruction]string{
	NOP:           "NOP",
	POP_TOP:       "POP_TOP",
	DUP_TOP:       "DUP_TOP",
	ROT_TWO:       "ROT_TWO",
	LOAD_CONST:    "LOAD_CONST",
	LOAD_FAST:     "LOAD_FAST",
	STORE_FAST:    "STORE_FAST",
	DELETE_FAST:   "DELETE_FAST",
	LOAD_DEREF:    "LOAD_DEREF",
	STORE_DEREF:   "STORE_DEREF",
	DELETE_DEREF:  "DELETE_DEREF",
	LOAD_CLOSURE:  "LOAD_CLOSURE",
	LOAD_GLOBAL:   "LOAD_GLOBAL",
	STORE_GLOBAL:  "STORE_GLOBAL",
	ADD:           "ADD",
	SUB:           "SUB",
	MUL:           "MUL",
	DIV:           "DIV",
	MOD:           "MOD",
	NEG:           "NEG",
	NOT:           "NOT",
	COMPARE:       "COMPARE",
	JUMP:          "JUMP",
	JUMP_TRUE:     "JUMP_TRUE",
	JUMP_FALSE:    "JUMP_FALSE",
	BUILD_TUPLE:   "BUILD_TUPLE",
	BUILD_LIST:    "BUILD_LIST",
	BUILD_DICT:    "BUILD_DICT",
	INDEX:         "INDEX",
	GET_ITER:      "GET_ITER",
	FOR_ITER:      "FOR_ITER",
	MAKE_FUNCTION: "MAKE_FUNCTION",
	CALL:          "CALL",
	YIELD_VALUE:   "YIELD_VALUE",
	RETURN_VALUE:  "RETURN_VALUE",
	SETUP_EXCEPT:  "SETUP_EXCEPT",
	POP_BLOCK:     "POP_BLOCK",
	RAISE:         "RAISE",
}

var compareNames = []string{"<", "<=", "==", "!=", ">", ">=", "exc_match"}

// LookupInstruction maps a mnemonic back to its opcode.
func LookupInstruction(name string) (Instruction, bool) {
	for op, n := range instructionNames {
		if n == name {
			return op, true
		}
	}
	return 0, false
}

// LookupCompare maps a comparison operator symbol to its COMPARE operand.
func LookupCompare(symbol string) (byte, bool) {
	for i, s := range compareNames {
		if s == symbol {
			return byte(i), true
		}
	}
	return 0, false
}

func InstructionName(op Instruction) string {
	if name, ok := instructionNames[op]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", op)
}

// OperandWidth is the number of operand bytes following an opcode.
func OperandWidth(op Instruction) int {
	switch op {
	case LOAD_CONST, LOAD_FAST, STORE_FAST, DELETE_FAST,
		LOAD_DEREF, STORE_DEREF, DELETE_DEREF, LOAD_CLOSURE,
		LOAD_GLOBAL, STORE_GLOBAL,
		BUILD_TUPLE, BUILD_LIST, BUILD_DICT:
		return 2
	case JUMP, JUMP_TRUE, JUMP_FALSE, FOR_ITER, SETUP_EXCEPT:
		return 4
	case COMPARE, MAKE_FUNCTION, CALL:
		return 1
	default:
		return 0
	}
}

func (c *Code) ReadUInt8(offset int) (uint8, int) {
	return c.Instructions[offset], offset + 1
}

func (c *Code) ReadUInt16(offset int) (uint16, int) {
	result := (uint16(c.Instructions[offset]) << 8) | uint16(c.Instructions[offset+1])
	return result, offset + 2
}

func (c *Code) ReadUInt32(offset int) (uint32, int) {
	result := (uint32(c.Instructions[offset]) << 24) | (uint32(c.Instructions[offset+1]) << 16) | (uint32(c.Instructions[offset+2]) << 8) | uint32(c.Instructions[offset+3])
	return result, offset + 4
}

func (f *Frame) ReadInstruction() Instruction {
	return f.ReadUInt8()
}

func (f *Frame) ReadUInt8() uint8 {
	result, next := f.code.ReadUInt8(f.ip)
	f.ip = next
	return result
}

func (f *Frame) ReadUInt16() uint16 {
	result, next := f.code.ReadUInt16(f.ip)
	f.ip = next
	return result
}

func (f *Frame) ReadUInt32() uint32 {
	result, next := f.code.ReadUInt32(f.ip)
	f.ip = next
	return result
}

// Disassemble prints every instruction of code, one per line.
func Disassemble(w io.Writer, code *Code) {
	fmt.Fprintf(w, "== %s ==\n", code.QualName)
	for i := 0; i < len(code.Instructions); {
		if label, hasLabel := code.Labels[i]; hasLabel {
			fmt.Fprintf(w, "%s:\n", label)
		}
		i = DisassembleInstruction(w, code, i)
	}
}

// DisassembleInstruction prints the instruction at offset and returns the
// offset of the one after it.
func DisassembleInstruction(w io.Writer, code *Code, offset int) int {
	fmt.Fprintf(w, "%04d ", offset)
	if offset > 0 && offset < len(code.Lines) && code.Lines[offset] == code.Lines[offset-1] {
		fmt.Fprintf(w, "   | ")
	} else if offset < len(code.Lines) {
		fmt.Fprintf(w, "%4d ", code.Lines[offset])
	} else {
		fmt.Fprintf(w, "   ? ")
	}

	instruction := code.Instructions[offset]
	name := InstructionName(instruction)
	switch instruction {
	case LOAD_CONST:
		return constInstruction(w, code, name, offset)
	case LOAD_FAST, STORE_FAST, DELETE_FAST:
		return namedInstruction(w, code, name, offset, code.VarNames)
	case LOAD_DEREF, STORE_DEREF, DELETE_DEREF, LOAD_CLOSURE:
		return namedInstruction(w, code, name, offset, code.CellSlots())
	case LOAD_GLOBAL, STORE_GLOBAL:
		return namedInstruction(w, code, name, offset, code.Names)
	case BUILD_TUPLE, BUILD_LIST, BUILD_DICT:
		arg, next := code.ReadUInt16(offset + 1)
		fmt.Fprintf(w, "%-16s %d\n", name, arg)
		return next
	case JUMP, JUMP_TRUE, JUMP_FALSE, FOR_ITER, SETUP_EXCEPT:
		return jumpInstruction(w, code, name, offset)
	case COMPARE:
		arg, next := code.ReadUInt8(offset + 1)
		symbol := "?"
		if int(arg) < len(compareNames) {
			symbol = compareNames[arg]
		}
		fmt.Fprintf(w, "%-16s %s\n", name, symbol)
		return next
	case MAKE_FUNCTION, CALL:
		arg, next := code.ReadUInt8(offset + 1)
		fmt.Fprintf(w, "%-16s %d\n", name, arg)
		return next
	default:
		if _, known := instructionNames[instruction]; !known {
			fmt.Fprintf(w, "Unknown opcode: %d\n", instruction)
			return offset + 1
		}
		fmt.Fprintln(w, name)
		return offset + 1
	}
}

func constInstruction(w io.Writer, code *Code, name string, offset int) int {
	idx, next := code.ReadUInt16(offset + 1)
	if int(idx) < len(code.Consts) {
		fmt.Fprintf(w, "%-16s %d (%s)\n", name, idx, Repr(code.Consts[idx]))
	} else {
		fmt.Fprintf(w, "%-16s %d (?)\n", name, idx)
	}
	return next
}

func namedInstruction(w io.Writer, code *Code, name string, offset int, names []string) int {
	idx, next := code.ReadUInt16(offset + 1)
	if int(idx) < len(names) {
		fmt.Fprintf(w, "%-16s %d (%s)\n", name, idx, names[idx])
	} else {
		fmt.Fprintf(w, "%-16s %d (?)\n", name, idx)
	}
	return next
}

func jumpInstruction(w io.Writer, code *Code, name string, offset int) int {
	target, next := code.ReadUInt32(offset + 1)
	if label, hasLabel := code.Labels[int(target)]; hasLabel {
		fmt.Fprintf(w, "%-16s %s\n", name, label)
	} else {
		fmt.Fprintf(w, "%-16s %d\n", name, target)
	}
	return next
}
