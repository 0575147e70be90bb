package value

// Unchecked arithmetic. The fast paths below skip all type checks, so
// they are reachable only through proof tokens: ProveInts (and friends)
// inspect a slot pair once and hand back a token carrying the raw
// payloads. Callers with a token may use the wrapping operations
// freely; callers without one have no way to name them. The emitter's
// job is reduced to proving operand kinds once, not to every arithmetic
// site being individually audited.

// IntPair witnesses that both operands were integer slots when the
// proof was taken.
type IntPair struct {
	A, B int64
}

// FloatPair witnesses two float slots.
type FloatPair struct {
	A, B float64
}

// ProveInts returns a proof token when both slots hold unboxed or
// boxed integers.
func ProveInts(l, r Slot) (IntPair, bool) {
	a, ok := l.AsInt()
	if !ok {
		return IntPair{}, false
	}
	b, ok := r.AsInt()
	if !ok {
		return IntPair{}, false
	}
	return IntPair{A: a, B: b}, true
}

// ProveFloats returns a proof token when both slots are numeric,
// widening integers.
func ProveFloats(l, r Slot) (FloatPair, bool) {
	if !isNumericSlot(l) || !isNumericSlot(r) {
		return FloatPair{}, false
	}
	a, _ := l.AsFloat()
	b, _ := r.AsFloat()
	return FloatPair{A: a, B: b}, true
}

func isNumericSlot(s Slot) bool {
	k := s.Kind()
	if k == SlotInt || k == SlotFloat {
		return true
	}
	if k == SlotBoxed && s.cell != nil {
		return s.cell.val.isNumeric()
	}
	return false
}

// Add wraps on overflow with two's-complement semantics.
func (p IntPair) Add() int64 { return p.A + p.B }

// Sub wraps on overflow.
func (p IntPair) Sub() int64 { return p.A - p.B }

// Mul wraps on overflow.
func (p IntPair) Mul() int64 { return p.A * p.B }

func (p IntPair) Less() bool  { return p.A < p.B }
func (p IntPair) Equal() bool { return p.A == p.B }

func (p FloatPair) Add() float64 { return p.A + p.B }
func (p FloatPair) Sub() float64 { return p.A - p.B }
func (p FloatPair) Mul() float64 { return p.A * p.B }
func (p FloatPair) Less() bool   { return p.A < p.B }
func (p FloatPair) Equal() bool  { return p.A == p.B }
