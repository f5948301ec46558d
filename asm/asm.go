// Package asm turns the textual assembly format into runtime code objects.
//
//	; comment
//	.func counter(start, *rest, step, **kw) generator
//	.locals i
//	.cellvars total
//	.freevars scale
//	loop:
//	    LOAD_FAST start
//	    JUMP loop
//	.end
//
// A function whose name has no dot is bound as a global of the assembled
// module. Nested functions are referenced from LOAD_CONST as @qualname and
// turned into functions at run time with MAKE_FUNCTION.
package asm

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/ddn0/cloudpickle-generators/runtime"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Program is the result of assembling one source text.
type Program struct {
	Module *runtime.Module
	Codes  map[string]*runtime.Code
}

// Function returns the module-level function bound to name.
func (p *Program) Function(name string) (*runtime.Function, error) {
	v, ok := p.Module.Vars[name]
	if !ok {
		return nil, fmt.Errorf("no function %q in module %s", name, p.Module.Name)
	}
	fn, ok := v.(*runtime.Function)
	if !ok {
		return nil, fmt.Errorf("%q is a %s, not a function", name, runtime.TypeName(v))
	}
	return fn, nil
}

// QualNames lists the assembled code objects in sorted order.
func (p *Program) QualNames() []string {
	names := maps.Keys(p.Codes)
	slices.Sort(names)
	return names
}

type sourceLine struct {
	number uint
	text   string
}

type funcDecl struct {
	header  sourceLine
	builder *runtime.CodeBuilder
	body    []sourceLine
}

type Error struct {
	Line    uint
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Message)
}

func errorf(line uint, format string, args ...any) error {
	return &Error{Line: line, Message: fmt.Sprintf(format, args...)}
}

// Assemble builds every function in src into a module named moduleName.
func Assemble(moduleName string, src string) (*Program, error) {
	decls, err := split(src)
	if err != nil {
		return nil, err
	}

	prog := &Program{Module: runtime.NewModule(moduleName), Codes: make(map[string]*runtime.Code)}
	builders := make(map[string]*runtime.CodeBuilder)
	for _, d := range decls {
		if err := declare(d); err != nil {
			return nil, err
		}
		qualname := d.builder.Code().QualName
		if _, dup := builders[qualname]; dup {
			return nil, errorf(d.header.number, "function %s defined twice", qualname)
		}
		builders[qualname] = d.builder
	}

	for _, d := range decls {
		for _, line := range d.body {
			if err := emit(d.builder, builders, line); err != nil {
				return nil, err
			}
		}
		code, err := d.builder.Finish()
		if err != nil {
			return nil, errorf(d.header.number, "%v", err)
		}
		prog.Codes[code.QualName] = code
	}

	for _, d := range decls {
		code := d.builder.Code()
		if strings.Contains(code.QualName, ".") {
			continue
		}
		fn, err := runtime.NewFunction(code, prog.Module, code.Name, nil)
		if err != nil {
			return nil, errorf(d.header.number, "%v", err)
		}
		prog.Module.Vars[code.Name] = fn
	}
	return prog, nil
}

// split groups the source into function declarations.
func split(src string) ([]*funcDecl, error) {
	var decls []*funcDecl
	var current *funcDecl
	scanner := bufio.NewScanner(strings.NewReader(src))
	var number uint
	for scanner.Scan() {
		number++
		text := strings.TrimSpace(stripComment(scanner.Text()))
		if text == "" {
			continue
		}
		line := sourceLine{number: number, text: text}
		switch {
		case strings.HasPrefix(text, ".func"):
			if current != nil {
				return nil, errorf(number, ".func inside %s", current.header.text)
			}
			current = &funcDecl{header: line}
		case text == ".end":
			if current == nil {
				return nil, errorf(number, ".end without .func")
			}
			decls = append(decls, current)
			current = nil
		default:
			if current == nil {
				return nil, errorf(number, "%q outside of a function", text)
			}
			current.body = append(current.body, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if current != nil {
		return nil, errorf(current.header.number, "missing .end")
	}
	return decls, nil
}

func stripComment(s string) string {
	inString := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if inString {
				i++
			}
		case '"':
			inString = !inString
		case ';':
			if !inString {
				return s[:i]
			}
		}
	}
	return s
}

// declare parses the header and the directives, which must precede the
// first instruction since they fix the variable layout.
func declare(d *funcDecl) error {
	header := strings.TrimSpace(strings.TrimPrefix(d.header.text, ".func"))
	open := strings.Index(header, "(")
	end := strings.LastIndex(header, ")")
	if open <= 0 || end < open {
		return errorf(d.header.number, "malformed function header %q", d.header.text)
	}
	qualname := strings.TrimSpace(header[:open])
	d.builder = runtime.NewCodeBuilder(qualname)
	code := d.builder.Code()

	switch modifier := strings.TrimSpace(header[end+1:]); modifier {
	case "":
	case "generator":
		code.Flags |= runtime.FlagGenerator
	default:
		return errorf(d.header.number, "unknown function modifier %q", modifier)
	}

	var positional, kwonly []string
	var varargs, varkw string
	seenStar := false
	params := strings.TrimSpace(header[open+1 : end])
	if params != "" {
		for _, p := range strings.Split(params, ",") {
			p = strings.TrimSpace(p)
			switch {
			case varkw != "":
				return errorf(d.header.number, "parameter %q after **%s", p, varkw)
			case strings.HasPrefix(p, "**"):
				varkw = p[2:]
			case p == "*":
				seenStar = true
			case strings.HasPrefix(p, "*"):
				if seenStar {
					return errorf(d.header.number, "second star parameter %q", p)
				}
				seenStar = true
				varargs = p[1:]
			case seenStar:
				kwonly = append(kwonly, p)
			default:
				positional = append(positional, p)
			}
		}
	}

	code.ArgCount = len(positional)
	code.KwOnlyCount = len(kwonly)
	code.VarNames = append(append(code.VarNames, positional...), kwonly...)
	if varargs != "" {
		code.Flags |= runtime.FlagVarargs
		code.VarNames = append(code.VarNames, varargs)
	}
	if varkw != "" {
		code.Flags |= runtime.FlagVarkw
		code.VarNames = append(code.VarNames, varkw)
	}

	body := d.body[:0]
	for _, line := range d.body {
		fields := strings.Fields(line.text)
		switch fields[0] {
		case ".locals":
			code.VarNames = append(code.VarNames, fields[1:]...)
		case ".cellvars":
			code.CellVars = append(code.CellVars, fields[1:]...)
		case ".freevars":
			code.FreeVars = append(code.FreeVars, fields[1:]...)
		default:
			if strings.HasPrefix(fields[0], ".") {
				return errorf(line.number, "unknown directive %s", fields[0])
			}
			body = append(body, line)
			continue
		}
		if len(body) > 0 {
			return errorf(line.number, "%s after the first instruction", fields[0])
		}
	}
	d.body = body

	if err := code.CheckNames(); err != nil {
		return errorf(d.header.number, "%v", err)
	}
	return nil
}

func emit(b *runtime.CodeBuilder, builders map[string]*runtime.CodeBuilder, line sourceLine) error {
	text := line.text
	if strings.HasSuffix(text, ":") && !strings.ContainsAny(text, " \t") {
		if err := b.Label(strings.TrimSuffix(text, ":")); err != nil {
			return errorf(line.number, "%v", err)
		}
		return nil
	}

	mnemonic, operand := text, ""
	if i := strings.IndexAny(text, " \t"); i >= 0 {
		mnemonic, operand = text[:i], strings.TrimSpace(text[i+1:])
	}
	op, ok := runtime.LookupInstruction(strings.ToUpper(mnemonic))
	if !ok {
		return errorf(line.number, "unknown instruction %s", mnemonic)
	}
	width := runtime.OperandWidth(op)
	if width == 0 {
		if operand != "" {
			return errorf(line.number, "%s takes no operand", mnemonic)
		}
		b.WriteOp(op, line.number)
		return nil
	}
	if operand == "" {
		return errorf(line.number, "%s needs an operand", mnemonic)
	}

	switch op {
	case runtime.LOAD_CONST:
		v, err := parseLiteral(operand, builders)
		if err != nil {
			return errorf(line.number, "%v", err)
		}
		b.WriteOpU16(op, b.AddConst(v), line.number)
	case runtime.LOAD_FAST, runtime.STORE_FAST, runtime.DELETE_FAST:
		idx, ok := b.LocalIndex(operand)
		if !ok {
			return errorf(line.number, "unknown local %q", operand)
		}
		b.WriteOpU16(op, idx, line.number)
	case runtime.LOAD_DEREF, runtime.STORE_DEREF, runtime.DELETE_DEREF, runtime.LOAD_CLOSURE:
		idx, ok := b.CellIndex(operand)
		if !ok {
			return errorf(line.number, "unknown cell %q", operand)
		}
		b.WriteOpU16(op, idx, line.number)
	case runtime.LOAD_GLOBAL, runtime.STORE_GLOBAL:
		b.WriteOpU16(op, b.AddName(operand), line.number)
	case runtime.BUILD_TUPLE, runtime.BUILD_LIST, runtime.BUILD_DICT:
		n, err := strconv.ParseUint(operand, 10, 16)
		if err != nil {
			return errorf(line.number, "bad count %q", operand)
		}
		b.WriteOpU16(op, uint16(n), line.number)
	case runtime.JUMP, runtime.JUMP_TRUE, runtime.JUMP_FALSE, runtime.FOR_ITER, runtime.SETUP_EXCEPT:
		b.WriteJump(op, operand, line.number)
	case runtime.COMPARE:
		cmp, ok := runtime.LookupCompare(operand)
		if !ok {
			return errorf(line.number, "unknown comparison %q", operand)
		}
		b.WriteOpU8(op, cmp, line.number)
	case runtime.MAKE_FUNCTION, runtime.CALL:
		n, err := strconv.ParseUint(operand, 10, 8)
		if err != nil {
			return errorf(line.number, "bad argument %q", operand)
		}
		b.WriteOpU8(op, uint8(n), line.number)
	default:
		return errorf(line.number, "cannot assemble %s", mnemonic)
	}
	return nil
}

func parseLiteral(s string, builders map[string]*runtime.CodeBuilder) (runtime.Value, error) {
	switch s {
	case "None":
		return nil, nil
	case "True":
		return true, nil
	case "False":
		return false, nil
	}
	if strings.HasPrefix(s, "@") {
		b, ok := builders[s[1:]]
		if !ok {
			return nil, fmt.Errorf("unknown code reference %s", s)
		}
		return b.Code(), nil
	}
	if strings.HasPrefix(s, `"`) {
		str, err := strconv.Unquote(s)
		if err != nil {
			return nil, fmt.Errorf("bad string literal %s", s)
		}
		return str, nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}
	return nil, fmt.Errorf("bad literal %q", s)
}

// ParseValue reads a single scalar literal as it would appear after
// LOAD_CONST. Code references are not allowed.
func ParseValue(s string) (runtime.Value, error) {
	return parseLiteral(s, nil)
}
