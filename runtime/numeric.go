package runtime

import (
	"math"

	"golang.org/x/exp/constraints"
)

type number interface {
	constraints.Integer | constraints.Float
}

func arith[T number](instr Instruction, l T, r T) T {
	switch instr {
	case ADD:
		return l + r
	case SUB:
		return l - r
	case MUL:
		return l * r
	default:
		panic("Invalid arithmetic instruction.")
	}
}

func compareOrdered[T constraints.Ordered](cmp byte, l T, r T) bool {
	switch cmp {
	case CMP_LT:
		return l < r
	case CMP_LE:
		return l <= r
	case CMP_EQ:
		return l == r
	case CMP_NE:
		return l != r
	case CMP_GT:
		return l > r
	case CMP_GE:
		return l >= r
	default:
		panic("Invalid comparison operator.")
	}
}

// Floor division and modulo round toward negative infinity.
func divFloor(n int64, m int64) int64 {
	q := n / m
	r := n % m
	if (r > 0 && m < 0) || (r < 0 && m > 0) {
		return q - 1
	}
	return q
}

func modulo(n int64, m int64) int64 {
	r := n % m
	if (r > 0 && m < 0) || (r < 0 && m > 0) {
		return r + m
	}
	return r
}

func asFloat(v Value) (float64, bool) {
	switch v := v.(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func asInt(v Value) (int64, bool) {
	switch v := v.(type) {
	case int64:
		return v, true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// Binary applies one of ADD, SUB, MUL, DIV or MOD.
func Binary(instr Instruction, l Value, r Value) (Value, error) {
	if li, ok := asInt(l); ok {
		if ri, ok := asInt(r); ok {
			switch instr {
			case DIV:
				if ri == 0 {
					return nil, NewException(ErrZeroDivision.Kind, "integer division by zero")
				}
				return divFloor(li, ri), nil
			case MOD:
				if ri == 0 {
					return nil, NewException(ErrZeroDivision.Kind, "integer modulo by zero")
				}
				return modulo(li, ri), nil
			default:
				return arith(instr, li, ri), nil
			}
		}
	}
	if lf, ok := asFloat(l); ok {
		if rf, ok := asFloat(r); ok {
			switch instr {
			case DIV:
				if rf == 0 {
					return nil, NewException(ErrZeroDivision.Kind, "float division by zero")
				}
				return lf / rf, nil
			case MOD:
				if rf == 0 {
					return nil, NewException(ErrZeroDivision.Kind, "float modulo")
				}
				return lf - math.Floor(lf/rf)*rf, nil
			default:
				return arith(instr, lf, rf), nil
			}
		}
	}
	if instr == ADD {
		switch l := l.(type) {
		case string:
			if r, ok := r.(string); ok {
				return l + r, nil
			}
		case Tuple:
			if r, ok := r.(Tuple); ok {
				joined := make(Tuple, 0, len(l)+len(r))
				return append(append(joined, l...), r...), nil
			}
		case *List:
			if r, ok := r.(*List); ok {
				joined := make([]Value, 0, len(l.Elements)+len(r.Elements))
				return NewList(append(append(joined, l.Elements...), r.Elements...)...), nil
			}
		}
	}
	if instr == MUL {
		if s, ok := l.(string); ok {
			if n, ok := asInt(r); ok {
				return repeat(s, n), nil
			}
		}
	}
	return nil, NewException(ErrTypeError.Kind, "unsupported operand type(s) for %s: '%s' and '%s'",
		InstructionName(instr), TypeName(l), TypeName(r))
}

func repeat(s string, n int64) string {
	result := ""
	for i := int64(0); i < n; i++ {
		result += s
	}
	return result
}

func Negate(v Value) (Value, error) {
	switch v := v.(type) {
	case int64:
		return -v, nil
	case float64:
		return -v, nil
	case bool:
		if v {
			return int64(-1), nil
		}
		return int64(0), nil
	}
	return nil, NewException(ErrTypeError.Kind, "bad operand type for unary -: '%s'", TypeName(v))
}

// Compare evaluates a COMPARE operator. Equality works across all values;
// ordering needs two numbers or two strings.
func Compare(cmp byte, l Value, r Value) (bool, error) {
	if cmp == CMP_EXC_MATCH {
		exc, ok := l.(*Exception)
		kind, isStr := r.(string)
		if !ok || !isStr {
			return false, NewException(ErrTypeError.Kind, "exc_match needs an exception and a kind")
		}
		return exc.Kind == kind, nil
	}
	if li, ok := asInt(l); ok {
		if ri, ok := asInt(r); ok {
			return compareOrdered(cmp, li, ri), nil
		}
	}
	if lf, ok := asFloat(l); ok {
		if rf, ok := asFloat(r); ok {
			return compareOrdered(cmp, lf, rf), nil
		}
	}
	if ls, ok := l.(string); ok {
		if rs, ok := r.(string); ok {
			return compareOrdered(cmp, ls, rs), nil
		}
	}
	switch cmp {
	case CMP_EQ:
		return Equal(l, r), nil
	case CMP_NE:
		return !Equal(l, r), nil
	}
	return false, NewException(ErrTypeError.Kind, "'%s' not supported between instances of '%s' and '%s'",
		compareNames[cmp], TypeName(l), TypeName(r))
}

// Equal is structural for scalars and tuples and by identity for objects.
func Equal(l Value, r Value) bool {
	switch lv := l.(type) {
	case Tuple:
		rv, ok := r.(Tuple)
		if !ok || len(lv) != len(rv) {
			return false
		}
		for i := range lv {
			if !Equal(lv[i], rv[i]) {
				return false
			}
		}
		return true
	case []byte:
		rv, ok := r.([]byte)
		return ok && string(lv) == string(rv)
	case *List:
		rv, ok := r.(*List)
		if !ok || len(lv.Elements) != len(rv.Elements) {
			return false
		}
		for i := range lv.Elements {
			if !Equal(lv.Elements[i], rv.Elements[i]) {
				return false
			}
		}
		return true
	}
	if lf, ok := asFloat(l); ok {
		if rf, ok := asFloat(r); ok {
			return lf == rf
		}
		return false
	}
	switch r.(type) {
	case Tuple, []byte, *List:
		return false
	}
	return l == r
}
