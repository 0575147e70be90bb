package value

import (
	"math"
	"unsafe"
)

// SlotKind tags the representation held in a register slot. It is a
// full machine word so the native backend can address the tag and the
// payload as two adjacent 8-byte fields.
type SlotKind uint64

const (
	SlotNil   SlotKind = iota // zero value of Slot
	SlotInt                   // payload holds int64 bits
	SlotFloat                 // payload holds float64 bits
	SlotBool                  // payload holds 0 or 1
	SlotBoxed                 // cell points at the boxed value
)

// Slot is one virtual register. Integers, floats, and booleans live
// unboxed in the payload word; everything else is carried as a pointer
// to a shared cell. The layout is fixed: tag word, payload word, cell
// pointer. Compiled code addresses slots as base + index*SlotSize and
// reads the payload at +SlotPayloadOff, so these constants must match
// the struct exactly.
type Slot struct {
	kind SlotKind
	bits uint64
	cell *Cell
}

const (
	SlotSize       = unsafe.Sizeof(Slot{})
	SlotKindOff    = unsafe.Offsetof(Slot{}.kind)
	SlotPayloadOff = unsafe.Offsetof(Slot{}.bits)
)

func IntSlot(i int64) Slot     { return Slot{kind: SlotInt, bits: uint64(i)} }
func FloatSlot(f float64) Slot { return Slot{kind: SlotFloat, bits: math.Float64bits(f)} }
func NilSlot() Slot            { return Slot{} }

func BoolSlot(b bool) Slot {
	s := Slot{kind: SlotBool}
	if b {
		s.bits = 1
	}
	return s
}

// BoxedSlot wraps an existing cell without touching its count; the
// slot takes over the caller's reference.
func BoxedSlot(c *Cell) Slot {
	return Slot{kind: SlotBoxed, cell: c}
}

// FromValue converts a boxed value into its slot representation,
// unboxing scalar kinds and boxing the rest into a fresh or pooled
// cell.
func FromValue(v Value) Slot {
	switch v.kind {
	case KindNil:
		return NilSlot()
	case KindInt:
		return IntSlot(int64(v.num))
	case KindFloat:
		return Slot{kind: SlotFloat, bits: v.num}
	case KindBool:
		return Slot{kind: SlotBool, bits: v.num}
	}
	return BoxedSlot(NewCell(v))
}

// ToValue converts the slot back into a boxed value. The round trip
// FromValue -> ToValue preserves the observable value for every kind.
func (s Slot) ToValue() Value {
	switch s.kind {
	case SlotNil:
		return Nil()
	case SlotInt:
		return Value{kind: KindInt, num: s.bits}
	case SlotFloat:
		return Value{kind: KindFloat, num: s.bits}
	case SlotBool:
		return Value{kind: KindBool, num: s.bits}
	case SlotBoxed:
		if s.cell == nil {
			return Nil()
		}
		return s.cell.Read()
	}
	return Nil()
}

func (s Slot) Kind() SlotKind { return s.kind }
func (s Slot) IsInt() bool    { return s.kind == SlotInt }
func (s Slot) IsFloat() bool  { return s.kind == SlotFloat }
func (s Slot) IsBoxed() bool  { return s.kind == SlotBoxed }

// Cell returns the backing cell of a boxed slot, nil otherwise.
func (s Slot) Cell() *Cell {
	if s.kind == SlotBoxed {
		return s.cell
	}
	return nil
}

// AsInt returns the unboxed integer, also looking through a boxed cell
// holding an int. The bool reports whether the slot was an integer.
func (s Slot) AsInt() (int64, bool) {
	switch s.kind {
	case SlotInt:
		return int64(s.bits), true
	case SlotBoxed:
		if s.cell != nil && s.cell.val.kind == KindInt {
			return s.cell.val.Int(), true
		}
	}
	return 0, false
}

// AsFloat returns the float payload, widening an integer slot. The
// bool reports whether the slot was numeric.
func (s Slot) AsFloat() (float64, bool) {
	switch s.kind {
	case SlotFloat:
		return math.Float64frombits(s.bits), true
	case SlotInt:
		return float64(int64(s.bits)), true
	case SlotBoxed:
		if s.cell != nil && s.cell.val.isNumeric() {
			return s.cell.val.asFloat(), true
		}
	}
	return 0, false
}

// AsBool returns the boolean payload; the bool reports whether the
// slot held one.
func (s Slot) AsBool() (bool, bool) {
	if s.kind == SlotBool {
		return s.bits != 0, true
	}
	return false, false
}

// AsStr returns the string behind a boxed string slot.
func (s Slot) AsStr() (string, bool) {
	if s.kind == SlotBoxed && s.cell != nil && s.cell.val.kind == KindStr {
		return s.cell.val.str, true
	}
	return "", false
}

// Truthy mirrors Value.Truthy without boxing scalar slots.
func (s Slot) Truthy() bool {
	switch s.kind {
	case SlotNil:
		return false
	case SlotInt, SlotBool:
		return s.bits != 0
	case SlotFloat:
		f := math.Float64frombits(s.bits)
		return f != 0 && !math.IsNaN(f)
	case SlotBoxed:
		if s.cell == nil {
			return false
		}
		return s.cell.val.Truthy()
	}
	return false
}

// ValueKind reports the dynamic kind the slot represents, looking
// through boxed cells.
func (s Slot) ValueKind() Kind {
	switch s.kind {
	case SlotNil:
		return KindNil
	case SlotInt:
		return KindInt
	case SlotFloat:
		return KindFloat
	case SlotBool:
		return KindBool
	case SlotBoxed:
		if s.cell == nil {
			return KindNil
		}
		return s.cell.val.kind
	}
	return KindNil
}

// SetValue overwrites the slot with v, releasing any previously held
// cell reference.
func (s *Slot) SetValue(v Value) {
	if s.kind == SlotBoxed && s.cell != nil {
		s.cell.Release()
	}
	*s = FromValue(v)
}

// Clear resets the slot to nil, releasing any held reference.
func (s *Slot) Clear() {
	if s.kind == SlotBoxed && s.cell != nil {
		s.cell.Release()
	}
	*s = Slot{}
}

// Copy duplicates the slot into dst, retaining the cell of a boxed
// source so both slots hold an owned reference.
func (s Slot) Copy() Slot {
	if s.kind == SlotBoxed && s.cell != nil {
		s.cell.Retain()
	}
	return s
}

func (s Slot) String() string { return s.ToValue().String() }
