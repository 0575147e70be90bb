// Package value implements the runtime value model: dynamically typed
// values, shared copy-on-write cells, the interned small-integer pool,
// and the unboxed register slot representation used by the interpreter
// and the native code generator.
package value

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Kind identifies the dynamic type of a Value. The set is closed: the
// execution engine switches over kinds and treats an unknown kind as a
// corrupted value.
type Kind uint8

const (
	KindNil Kind = iota
	KindInt
	KindFloat
	KindBool
	KindStr
	KindList
	KindDict
	KindTuple
	KindSet
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindStr:
		return "str"
	case KindList:
		return "list"
	case KindDict:
		return "dict"
	case KindTuple:
		return "tuple"
	case KindSet:
		return "set"
	case KindObject:
		return "object"
	}
	return "invalid"
}

// Value is a boxed dynamic value. Scalars are stored inline; heap kinds
// (str, list, dict, tuple, set, object) share their backing allocation
// when a Value is copied, so cloning a Value is always cheap.
type Value struct {
	kind Kind
	num  uint64 // int64 bits, float64 bits, or bool 0/1
	str  string
	ref  interface{} // []Value, map[string]Value, *Object
}

// Object is an opaque host value carried through the engine untouched.
type Object struct {
	Class string
	Data  interface{}
}

func Nil() Value            { return Value{kind: KindNil} }
func Int(i int64) Value     { return Value{kind: KindInt, num: uint64(i)} }
func Float(f float64) Value { return Value{kind: KindFloat, num: math.Float64bits(f)} }
func Str(s string) Value    { return Value{kind: KindStr, str: s} }

func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.num = 1
	}
	return v
}

func List(elems []Value) Value  { return Value{kind: KindList, ref: elems} }
func Tuple(elems []Value) Value { return Value{kind: KindTuple, ref: elems} }

func Dict(m map[string]Value) Value {
	if m == nil {
		m = make(map[string]Value)
	}
	return Value{kind: KindDict, ref: m}
}

// Set holds its members keyed by their canonical rendering; only
// scalar members are expected.
func Set(members map[string]Value) Value {
	if members == nil {
		members = make(map[string]Value)
	}
	return Value{kind: KindSet, ref: members}
}

func Obj(o *Object) Value { return Value{kind: KindObject, ref: o} }

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsNil() bool   { return v.kind == KindNil }
func (v Value) IsInt() bool   { return v.kind == KindInt }
func (v Value) IsFloat() bool { return v.kind == KindFloat }
func (v Value) IsBool() bool  { return v.kind == KindBool }
func (v Value) IsStr() bool   { return v.kind == KindStr }

func (v Value) Int() int64     { return int64(v.num) }
func (v Value) Float() float64 { return math.Float64frombits(v.num) }
func (v Value) Bool() bool     { return v.num != 0 }
func (v Value) Str() string    { return v.str }

func (v Value) ListElems() []Value {
	elems, _ := v.ref.([]Value)
	return elems
}

func (v Value) TupleElems() []Value {
	elems, _ := v.ref.([]Value)
	return elems
}

func (v Value) DictMap() map[string]Value {
	m, _ := v.ref.(map[string]Value)
	return m
}

func (v Value) SetMembers() map[string]Value {
	m, _ := v.ref.(map[string]Value)
	return m
}

func (v Value) Object() *Object {
	o, _ := v.ref.(*Object)
	return o
}

// Truthy reports the boolean interpretation of v: nil and false are
// falsy, numeric zero and NaN are falsy, empty containers and strings
// are falsy, everything else is truthy.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNil:
		return false
	case KindBool:
		return v.num != 0
	case KindInt:
		return v.num != 0
	case KindFloat:
		f := v.Float()
		return f != 0 && !math.IsNaN(f)
	case KindStr:
		return v.str != ""
	case KindList, KindTuple:
		return len(v.ListElems()) > 0
	case KindDict:
		return len(v.DictMap()) > 0
	case KindSet:
		return len(v.SetMembers()) > 0
	}
	return true
}

// Equal reports deep structural equality of the same kind; values of
// different kinds are never equal except int/float pairs, which compare
// numerically.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		if a.isNumeric() && b.isNumeric() {
			return a.asFloat() == b.asFloat()
		}
		return false
	}
	switch a.kind {
	case KindNil:
		return true
	case KindInt, KindBool:
		return a.num == b.num
	case KindFloat:
		return a.Float() == b.Float()
	case KindStr:
		return a.str == b.str
	case KindList, KindTuple:
		ae, be := a.ListElems(), b.ListElems()
		if len(ae) != len(be) {
			return false
		}
		for i := range ae {
			if !Equal(ae[i], be[i]) {
				return false
			}
		}
		return true
	case KindDict:
		am, bm := a.DictMap(), b.DictMap()
		if len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	case KindSet:
		am, bm := a.SetMembers(), b.SetMembers()
		if len(am) != len(bm) {
			return false
		}
		for k := range am {
			if _, ok := bm[k]; !ok {
				return false
			}
		}
		return true
	case KindObject:
		return a.ref == b.ref
	}
	return false
}

func (v Value) isNumeric() bool { return v.kind == KindInt || v.kind == KindFloat }

func (v Value) asFloat() float64 {
	if v.kind == KindInt {
		return float64(int64(v.num))
	}
	return v.Float()
}

// String renders v for diagnostics and the print builtin.
func (v Value) String() string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindInt:
		return fmt.Sprintf("%d", int64(v.num))
	case KindFloat:
		return formatFloat(v.Float())
	case KindBool:
		if v.num != 0 {
			return "true"
		}
		return "false"
	case KindStr:
		return v.str
	case KindList:
		return renderSeq("[", "]", v.ListElems())
	case KindTuple:
		return renderSeq("(", ")", v.TupleElems())
	case KindDict:
		m := v.DictMap()
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s: %s", k, m[k].String())
		}
		sb.WriteByte('}')
		return sb.String()
	case KindSet:
		m := v.SetMembers()
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return "{" + strings.Join(keys, ", ") + "}"
	case KindObject:
		if o := v.Object(); o != nil {
			return fmt.Sprintf("<object %s>", o.Class)
		}
		return "<object>"
	}
	return "<invalid>"
}

func renderSeq(open, close string, elems []Value) string {
	var sb strings.Builder
	sb.WriteString(open)
	for i, e := range elems {
		if i > 0 {
			sb.WriteString(", ")
		}
		if e.kind == KindStr {
			fmt.Fprintf(&sb, "%q", e.str)
		} else {
			sb.WriteString(e.String())
		}
	}
	sb.WriteString(close)
	return sb.String()
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1e15 {
		return fmt.Sprintf("%.1f", f)
	}
	return fmt.Sprintf("%g", f)
}
