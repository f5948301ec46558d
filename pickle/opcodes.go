package pickle

import "fmt"

// Protocol is written after PROTO at the start of every stream.
const Protocol = 1

type Opcode = byte

const (
	PROTO      Opcode = 0x80
	STOP       Opcode = '.'
	NONE       Opcode = 'N'
	TRUE       Opcode = 0x88
	FALSE      Opcode = 0x89
	INT        Opcode = 'I' // zig-zag varint
	FLOAT      Opcode = 'F' // 8 bytes, big endian IEEE 754
	STRING     Opcode = 'S' // uvarint length, then bytes
	BYTES      Opcode = 'B' // uvarint length, then bytes
	UNSET      Opcode = 'U'
	MARK       Opcode = '('
	TUPLE      Opcode = 't'
	EMPTY_LIST Opcode = ']'
	APPENDS    Opcode = 'e'
	EMPTY_DICT Opcode = '}'
	SETITEMS   Opcode = 'u'
	GLOBAL     Opcode = 'c' // string operand: reconstructor name
	REDUCE     Opcode = 'R'
	MEMOIZE    Opcode = 0x94
	GET        Opcode = 'g' // uvarint memo index
	POP        Opcode = '0'
	POP_MARK   Opcode = '1'
)

var opcodeNames = map[Opcode]string{
	PROTO:      "PROTO",
	STOP:       "STOP",
	NONE:       "NONE",
	TRUE:       "TRUE",
	FALSE:      "FALSE",
	INT:        "INT",
	FLOAT:      "FLOAT",
	STRING:     "STRING",
	BYTES:      "BYTES",
	UNSET:      "UNSET",
	MARK:       "MARK",
	TUPLE:      "TUPLE",
	EMPTY_LIST: "EMPTY_LIST",
	APPENDS:    "APPENDS",
	EMPTY_DICT: "EMPTY_DICT",
	SETITEMS:   "SETITEMS",
	GLOBAL:     "GLOBAL",
	REDUCE:     "REDUCE",
	MEMOIZE:    "MEMOIZE",
	GET:        "GET",
	POP:        "POP",
	POP_MARK:   "POP_MARK",
}

func OpcodeName(op Opcode) string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", op)
}
