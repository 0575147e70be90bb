// Package ic implements per-callsite inline caches for binary
// operations. Each cache remembers the single most recent operand kind
// pair seen at its site; a hit on a supported pair takes a monomorphic
// fast path, anything else falls back to generic dispatch and
// reinstalls the cache.
package ic

import "tachyon/internal/value"

// KindPair classifies the two operand kinds observed at a site.
type KindPair uint8

const (
	Empty KindPair = iota // no observation yet
	IntInt
	FloatFloat
	IntFloat
	FloatInt
	StrStr
	BoolBool
	ListList
	Other
)

var pairNames = [...]string{
	Empty:      "empty",
	IntInt:     "int*int",
	FloatFloat: "float*float",
	IntFloat:   "int*float",
	FloatInt:   "float*int",
	StrStr:     "str*str",
	BoolBool:   "bool*bool",
	ListList:   "list*list",
	Other:      "other",
}

func (p KindPair) String() string {
	if int(p) < len(pairNames) {
		return pairNames[p]
	}
	return "invalid"
}

// PairOf derives the kind pair for two register slots, looking through
// boxed cells.
func PairOf(l, r value.Slot) KindPair {
	lk, rk := l.ValueKind(), r.ValueKind()
	switch {
	case lk == value.KindInt && rk == value.KindInt:
		return IntInt
	case lk == value.KindFloat && rk == value.KindFloat:
		return FloatFloat
	case lk == value.KindInt && rk == value.KindFloat:
		return IntFloat
	case lk == value.KindFloat && rk == value.KindInt:
		return FloatInt
	case lk == value.KindStr && rk == value.KindStr:
		return StrStr
	case lk == value.KindBool && rk == value.KindBool:
		return BoolBool
	case lk == value.KindList && rk == value.KindList:
		return ListList
	}
	return Other
}

// BinaryCache is one callsite's cache: depth one, most recent pair
// wins.
type BinaryCache struct {
	pair   KindPair
	hits   uint64
	misses uint64
}

// Check reports whether p matches the cached pair. On a miss the
// observed pair replaces the cached one, so the next occurrence of the
// same pair hits.
func (c *BinaryCache) Check(p KindPair) bool {
	if c.pair == p && p != Empty {
		c.hits++
		return true
	}
	c.pair = p
	c.misses++
	return false
}

// Pair returns the currently installed kind pair.
func (c *BinaryCache) Pair() KindPair { return c.pair }

// Stats returns the hit and miss counts recorded so far.
func (c *BinaryCache) Stats() (hits, misses uint64) { return c.hits, c.misses }

// Reset clears the cache back to the empty state, keeping counters.
func (c *BinaryCache) Reset() { c.pair = Empty }
