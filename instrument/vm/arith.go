package vm

import (
	"math"

	"github.com/mrproliu/go-agent-weaver/instrument/code"
	"github.com/pkg/errors"
)

// promote widens the sub-int types to int32, like the operand stack of the
// JVM does.
func promote(v any) any {
	switch n := v.(type) {
	case int8:
		return int32(n)
	case int16:
		return int32(n)
	case uint16:
		return int32(n)
	}
	return v
}

func toInt(v any) (int, error) {
	if n, ok := promote(v).(int32); ok {
		return int(n), nil
	}
	return 0, errors.Errorf("expected int, got %T", v)
}

func truth(v any) (bool, error) {
	switch b := promote(v).(type) {
	case bool:
		return b, nil
	case int32:
		return b != 0, nil
	}
	return false, errors.Errorf("expected boolean, got %T", v)
}

type number interface {
	~int32 | ~int64 | ~float32 | ~float64
}

func arithOf[T number](op code.Opcode, a, b T) T {
	switch op {
	case code.OpAdd:
		return a + b
	case code.OpSub:
		return a - b
	case code.OpMul:
		return a * b
	}
	return a / b
}

// arith applies op to two operands of the same type. It reports integer
// division by zero separately so the caller can throw.
func arith(op code.Opcode, a, b any) (any, bool, error) {
	a, b = promote(a), promote(b)
	switch x := a.(type) {
	case int32:
		y, ok := b.(int32)
		if !ok {
			break
		}
		if (op == code.OpDiv || op == code.OpRem) && y == 0 {
			return nil, true, nil
		}
		if op == code.OpRem {
			return x % y, false, nil
		}
		return arithOf(op, x, y), false, nil
	case int64:
		y, ok := b.(int64)
		if !ok {
			break
		}
		if (op == code.OpDiv || op == code.OpRem) && y == 0 {
			return nil, true, nil
		}
		if op == code.OpRem {
			return x % y, false, nil
		}
		return arithOf(op, x, y), false, nil
	case float32:
		y, ok := b.(float32)
		if !ok {
			break
		}
		if op == code.OpRem {
			return float32(math.Mod(float64(x), float64(y))), false, nil
		}
		return arithOf(op, x, y), false, nil
	case float64:
		y, ok := b.(float64)
		if !ok {
			break
		}
		if op == code.OpRem {
			return math.Mod(x, y), false, nil
		}
		return arithOf(op, x, y), false, nil
	case string:
		if y, ok := b.(string); ok && op == code.OpAdd {
			return x + y, false, nil
		}
	}
	return nil, false, errors.Errorf("%s on %T and %T", op, a, b)
}

func negate(v any) (any, error) {
	switch n := promote(v).(type) {
	case int32:
		return -n, nil
	case int64:
		return -n, nil
	case float32:
		return -n, nil
	case float64:
		return -n, nil
	}
	return nil, errors.Errorf("neg on %T", v)
}

func asFloat(v any) (float64, bool) {
	switch n := promote(v).(type) {
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func saturate(f float64, min, max float64) float64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f <= min:
		return min
	case f >= max:
		return max
	}
	return f
}

// convert implements the primitive widening and narrowing conversions.
// Floating point to integer conversions saturate.
func convert(v any, to code.Kind) (any, error) {
	p := promote(v)
	if to == code.KindBoolean {
		if b, ok := p.(bool); ok {
			return b, nil
		}
		return nil, errors.Errorf("convert %T to boolean", v)
	}
	var i int64
	var f float64
	isInt := true
	switch n := p.(type) {
	case int32:
		i = int64(n)
	case int64:
		i = n
	case float32:
		f, isInt = float64(n), false
	case float64:
		f, isInt = n, false
	default:
		return nil, errors.Errorf("convert %T", v)
	}
	if !isInt {
		switch to {
		case code.KindFloat:
			return float32(f), nil
		case code.KindDouble:
			return f, nil
		case code.KindLong:
			switch {
			case math.IsNaN(f):
				return int64(0), nil
			case f >= math.MaxInt64:
				return int64(math.MaxInt64), nil
			case f <= math.MinInt64:
				return int64(math.MinInt64), nil
			}
			return int64(f), nil
		}
		i = int64(saturate(f, math.MinInt32, math.MaxInt32))
	}
	switch to {
	case code.KindByte:
		return int8(i), nil
	case code.KindShort:
		return int16(i), nil
	case code.KindChar:
		return uint16(i), nil
	case code.KindInt:
		return int32(i), nil
	case code.KindLong:
		return i, nil
	case code.KindFloat:
		return float32(i), nil
	case code.KindDouble:
		return float64(i), nil
	}
	return nil, errors.Errorf("convert to %d", to)
}

func compare(op code.Opcode, a, b any) (bool, error) {
	a, b = promote(a), promote(b)
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		if !ok {
			return false, errors.Errorf("%s on %T and %T", op, a, b)
		}
		// int64 values above 2^53 lose precision as float64
		if ia, ok := a.(int64); ok {
			if ib, ok := b.(int64); ok {
				return ordered(op, ia, ib), nil
			}
		}
		return ordered(op, fa, fb), nil
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return ordered(op, sa, sb), nil
		}
	}
	switch op {
	case code.OpEq:
		return same(a, b), nil
	case code.OpNe:
		return !same(a, b), nil
	}
	return false, errors.Errorf("%s on %T and %T", op, a, b)
}

func ordered[T int64 | float64 | string](op code.Opcode, a, b T) bool {
	switch op {
	case code.OpEq:
		return a == b
	case code.OpNe:
		return a != b
	case code.OpLt:
		return a < b
	case code.OpLe:
		return a <= b
	case code.OpGt:
		return a > b
	}
	return a >= b
}

func same(a, b any) bool {
	if isNull(a) || isNull(b) {
		return isNull(a) && isNull(b)
	}
	switch x := a.(type) {
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case *Object:
		y, ok := b.(*Object)
		return ok && x == y
	case *Array:
		y, ok := b.(*Array)
		return ok && x == y
	}
	return false
}
