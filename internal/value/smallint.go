package value

// The small-integer pool interns one immortal cell per integer in
// [SmallIntMin, SmallIntMax]. Boxing an integer in that range always
// yields the pooled cell, so identity comparison of two boxed small
// integers with the same magnitude succeeds. Pooled cells report a
// reference count pinned above one, which keeps the copy-on-write rule
// from ever mutating them in place.

const (
	SmallIntMin = -5
	SmallIntMax = 256
)

var smallInts [SmallIntMax - SmallIntMin + 1]Cell

func init() {
	for i := range smallInts {
		smallInts[i].refs = 2 // never reported as uniquely held
		smallInts[i].pooled = true
		smallInts[i].val = Int(int64(i + SmallIntMin))
	}
}

// InternedInt returns the pooled cell for i, or nil when i is outside
// the pooled range.
func InternedInt(i int64) *Cell {
	if i < SmallIntMin || i > SmallIntMax {
		return nil
	}
	return &smallInts[i-SmallIntMin]
}

// FastAdd adds without overflow checks, wrapping with two's-complement
// semantics. FastSub and FastMul behave the same way. These back the
// unchecked integer opcodes; the emitter only selects those opcodes for
// operands it has proven to be integers.
func FastAdd(a, b int64) int64 { return a + b }

// FastSub subtracts, wrapping on overflow.
func FastSub(a, b int64) int64 { return a - b }

// FastMul multiplies, wrapping on overflow.
func FastMul(a, b int64) int64 { return a * b }

// BoxInt boxes i, reusing the interned cell when possible.
func BoxInt(i int64) *Cell {
	if c := InternedInt(i); c != nil {
		return c
	}
	return NewCell(Int(i))
}
