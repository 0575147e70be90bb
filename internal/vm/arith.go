package vm

import (
	"math"
	"strings"

	"tachyon/internal/bytecode"
	"tachyon/internal/errors"
	"tachyon/internal/ic"
	"tachyon/internal/value"
)

// Generic binary dispatch: full dynamic typing, int/float promotion,
// string and list behavior on the operators that define it. Integer
// arithmetic wraps, so the generic path, the cached path, and the
// compiled path agree bit for bit.

func opName(op bytecode.OpCode) string {
	switch op {
	case bytecode.OpAdd:
		return "addition"
	case bytecode.OpSub:
		return "subtraction"
	case bytecode.OpMul:
		return "multiplication"
	case bytecode.OpDiv:
		return "division"
	case bytecode.OpMod:
		return "modulo"
	case bytecode.OpEq, bytecode.OpNe:
		return "equality"
	case bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe:
		return "comparison"
	}
	return op.String()
}

func binaryArith(op bytecode.OpCode, l, r value.Slot) (value.Value, *errors.EngineError) {
	lv, rv := l.ToValue(), r.ToValue()
	switch op {
	case bytecode.OpAdd:
		return genericAdd(lv, rv)
	case bytecode.OpSub:
		return numericOp(op, lv, rv,
			value.FastSub, func(a, b float64) float64 { return a - b })
	case bytecode.OpMul:
		return genericMul(lv, rv)
	case bytecode.OpDiv:
		return genericDiv(lv, rv)
	case bytecode.OpMod:
		return genericMod(lv, rv)
	case bytecode.OpEq:
		return value.Bool(value.Equal(lv, rv)), nil
	case bytecode.OpNe:
		return value.Bool(!value.Equal(lv, rv)), nil
	case bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe:
		return genericCompare(op, lv, rv)
	}
	return value.Nil(), errors.New(errors.RuntimeError, "no dispatch for %s", op)
}

func bothInts(l, r value.Value) bool { return l.IsInt() && r.IsInt() }

func bothNumeric(l, r value.Value) bool {
	return (l.IsInt() || l.IsFloat()) && (r.IsInt() || r.IsFloat())
}

func widen(v value.Value) float64 {
	if v.IsInt() {
		return float64(v.Int())
	}
	return v.Float()
}

func genericAdd(l, r value.Value) (value.Value, *errors.EngineError) {
	switch {
	case bothInts(l, r):
		return value.Int(value.FastAdd(l.Int(), r.Int())), nil
	case bothNumeric(l, r):
		return value.Float(widen(l) + widen(r)), nil
	case l.IsStr() && r.IsStr():
		return value.Str(l.Str() + r.Str()), nil
	case l.Kind() == value.KindList && r.Kind() == value.KindList:
		le, re := l.ListElems(), r.ListElems()
		out := make([]value.Value, 0, len(le)+len(re))
		out = append(out, le...)
		out = append(out, re...)
		return value.List(out), nil
	}
	return value.Nil(), errors.NewTypeError("addition", l.Kind().String(), r.Kind().String())
}

func genericMul(l, r value.Value) (value.Value, *errors.EngineError) {
	switch {
	case bothInts(l, r):
		return value.Int(value.FastMul(l.Int(), r.Int())), nil
	case bothNumeric(l, r):
		return value.Float(widen(l) * widen(r)), nil
	case l.IsStr() && r.IsInt():
		return value.Str(repeatStr(l.Str(), r.Int())), nil
	case l.IsInt() && r.IsStr():
		return value.Str(repeatStr(r.Str(), l.Int())), nil
	}
	return value.Nil(), errors.NewTypeError("multiplication", l.Kind().String(), r.Kind().String())
}

func repeatStr(s string, n int64) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat(s, int(n))
}

func numericOp(op bytecode.OpCode, l, r value.Value,
	ints func(a, b int64) int64, floats func(a, b float64) float64) (value.Value, *errors.EngineError) {
	switch {
	case bothInts(l, r):
		return value.Int(ints(l.Int(), r.Int())), nil
	case bothNumeric(l, r):
		return value.Float(floats(widen(l), widen(r))), nil
	}
	return value.Nil(), errors.NewTypeError(opName(op), l.Kind().String(), r.Kind().String())
}

// genericDiv truncates towards zero for integer operands; division by
// zero raises for both integer and float operands.
func genericDiv(l, r value.Value) (value.Value, *errors.EngineError) {
	switch {
	case bothInts(l, r):
		if r.Int() == 0 {
			return value.Nil(), errors.NewDivisionByZero()
		}
		if l.Int() == math.MinInt64 && r.Int() == -1 {
			return value.Int(math.MinInt64), nil // wraps like the rest
		}
		return value.Int(l.Int() / r.Int()), nil
	case bothNumeric(l, r):
		if widen(r) == 0 {
			return value.Nil(), errors.NewDivisionByZero()
		}
		return value.Float(widen(l) / widen(r)), nil
	}
	return value.Nil(), errors.NewTypeError("division", l.Kind().String(), r.Kind().String())
}

func genericMod(l, r value.Value) (value.Value, *errors.EngineError) {
	switch {
	case bothInts(l, r):
		if r.Int() == 0 {
			return value.Nil(), errors.NewDivisionByZero()
		}
		if l.Int() == math.MinInt64 && r.Int() == -1 {
			return value.Int(0), nil
		}
		return value.Int(l.Int() % r.Int()), nil
	case bothNumeric(l, r):
		if widen(r) == 0 {
			return value.Nil(), errors.NewDivisionByZero()
		}
		return value.Float(math.Mod(widen(l), widen(r))), nil
	}
	return value.Nil(), errors.NewTypeError("modulo", l.Kind().String(), r.Kind().String())
}

func genericCompare(op bytecode.OpCode, l, r value.Value) (value.Value, *errors.EngineError) {
	var lt, eq bool
	switch {
	case bothNumeric(l, r):
		a, b := widen(l), widen(r)
		lt, eq = a < b, a == b
	case l.IsStr() && r.IsStr():
		lt, eq = l.Str() < r.Str(), l.Str() == r.Str()
	default:
		return value.Nil(), errors.NewTypeError("comparison", l.Kind().String(), r.Kind().String())
	}
	switch op {
	case bytecode.OpLt:
		return value.Bool(lt), nil
	case bytecode.OpLe:
		return value.Bool(lt || eq), nil
	case bytecode.OpGt:
		return value.Bool(!lt && !eq), nil
	default: // OpGe
		return value.Bool(!lt), nil
	}
}

// runCached dispatches to the inline-cache fast path for the cached
// opcode family.
func runCached(op bytecode.OpCode, site *ic.BinaryCache, l, r value.Slot) (value.Value, bool) {
	switch op {
	case bytecode.OpAddIC:
		return ic.CachedAdd(site, l, r)
	case bytecode.OpSubIC:
		return ic.CachedSub(site, l, r)
	case bytecode.OpMulIC:
		return ic.CachedMul(site, l, r)
	case bytecode.OpLtIC:
		return ic.CachedLess(site, l, r)
	case bytecode.OpEqIC:
		return ic.CachedEqual(site, l, r)
	}
	return value.Value{}, false
}

// genericOf maps a cached opcode to its slow-path twin.
func genericOf(op bytecode.OpCode) bytecode.OpCode {
	switch op {
	case bytecode.OpAddIC:
		return bytecode.OpAdd
	case bytecode.OpSubIC:
		return bytecode.OpSub
	case bytecode.OpMulIC:
		return bytecode.OpMul
	case bytecode.OpLtIC:
		return bytecode.OpLt
	default:
		return bytecode.OpEq
	}
}

// getIndex reads container[index] for lists, tuples, dicts, and
// strings.
func getIndex(container, index value.Slot) (value.Value, *errors.EngineError) {
	cv := container.ToValue()
	switch cv.Kind() {
	case value.KindList, value.KindTuple:
		elems := cv.ListElems()
		i, ok := index.AsInt()
		if !ok {
			return value.Nil(), errors.New(errors.TypeError,
				"list index must be an integer, got %s", index.ValueKind())
		}
		if i < 0 {
			i += int64(len(elems))
		}
		if i < 0 || i >= int64(len(elems)) {
			return value.Nil(), errors.New(errors.IndexError, "index %d out of range", i)
		}
		return elems[i], nil
	case value.KindStr:
		s := cv.Str()
		i, ok := index.AsInt()
		if !ok {
			return value.Nil(), errors.New(errors.TypeError,
				"string index must be an integer, got %s", index.ValueKind())
		}
		if i < 0 {
			i += int64(len(s))
		}
		if i < 0 || i >= int64(len(s)) {
			return value.Nil(), errors.New(errors.IndexError, "index %d out of range", i)
		}
		return value.Str(string(s[i])), nil
	case value.KindDict:
		k, ok := index.AsStr()
		if !ok {
			return value.Nil(), errors.New(errors.TypeError,
				"dict key must be a string, got %s", index.ValueKind())
		}
		v, ok := cv.DictMap()[k]
		if !ok {
			return value.Nil(), errors.New(errors.IndexError, "key %q not found", k)
		}
		return v, nil
	}
	return value.Nil(), errors.New(errors.TypeError,
		"%s is not indexable", cv.Kind())
}

// setIndex writes container[index] = v through the container's cell,
// applying copy-on-write.
func setIndex(container *value.Slot, index, v value.Slot) *errors.EngineError {
	cell := container.Cell()
	if cell == nil {
		return errors.New(errors.TypeError, "%s is not indexable", container.ValueKind())
	}
	cv := cell.Read()
	switch cv.Kind() {
	case value.KindList:
		elems := cv.ListElems()
		i, ok := index.AsInt()
		if !ok {
			return errors.New(errors.TypeError,
				"list index must be an integer, got %s", index.ValueKind())
		}
		if i < 0 {
			i += int64(len(elems))
		}
		if i < 0 || i >= int64(len(elems)) {
			return errors.New(errors.IndexError, "index %d out of range", i)
		}
		out := make([]value.Value, len(elems))
		copy(out, elems)
		out[i] = v.ToValue()
		if next := cell.Write(value.List(out)); next != cell {
			*container = value.BoxedSlot(next)
		}
		return nil
	case value.KindDict:
		k, ok := index.AsStr()
		if !ok {
			return errors.New(errors.TypeError,
				"dict key must be a string, got %s", index.ValueKind())
		}
		m := cv.DictMap()
		out := make(map[string]value.Value, len(m)+1)
		for mk, mv := range m {
			out[mk] = mv
		}
		out[k] = v.ToValue()
		if next := cell.Write(value.Dict(out)); next != cell {
			*container = value.BoxedSlot(next)
		}
		return nil
	}
	return errors.New(errors.TypeError, "%s does not support item assignment", cv.Kind())
}
