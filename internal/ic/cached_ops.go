package ic

import "tachyon/internal/value"

// Cached fast paths. Each returns the computed value and true only
// when the cache hit on a pair the operation supports monomorphically;
// in every other case the caller must run generic dispatch. Integer
// arithmetic wraps, matching the unchecked opcodes, so a site
// producing a value through its cache is indistinguishable from the
// slow path.

// CachedAdd handles int+int, float+float, and string concatenation.
func CachedAdd(c *BinaryCache, l, r value.Slot) (value.Value, bool) {
	p := PairOf(l, r)
	if !c.Check(p) {
		return value.Value{}, false
	}
	switch p {
	case IntInt:
		a, _ := l.AsInt()
		b, _ := r.AsInt()
		return value.Int(value.FastAdd(a, b)), true
	case FloatFloat:
		a, _ := l.AsFloat()
		b, _ := r.AsFloat()
		return value.Float(a + b), true
	case StrStr:
		a, _ := l.AsStr()
		b, _ := r.AsStr()
		return value.Str(a + b), true
	}
	return value.Value{}, false
}

// CachedSub handles int-int and float-float.
func CachedSub(c *BinaryCache, l, r value.Slot) (value.Value, bool) {
	p := PairOf(l, r)
	if !c.Check(p) {
		return value.Value{}, false
	}
	switch p {
	case IntInt:
		a, _ := l.AsInt()
		b, _ := r.AsInt()
		return value.Int(value.FastSub(a, b)), true
	case FloatFloat:
		a, _ := l.AsFloat()
		b, _ := r.AsFloat()
		return value.Float(a - b), true
	}
	return value.Value{}, false
}

// CachedMul handles int*int and float*float.
func CachedMul(c *BinaryCache, l, r value.Slot) (value.Value, bool) {
	p := PairOf(l, r)
	if !c.Check(p) {
		return value.Value{}, false
	}
	switch p {
	case IntInt:
		a, _ := l.AsInt()
		b, _ := r.AsInt()
		return value.Int(value.FastMul(a, b)), true
	case FloatFloat:
		a, _ := l.AsFloat()
		b, _ := r.AsFloat()
		return value.Float(a * b), true
	}
	return value.Value{}, false
}

// CachedLess handles ordered comparison for int, float, and string
// pairs.
func CachedLess(c *BinaryCache, l, r value.Slot) (value.Value, bool) {
	p := PairOf(l, r)
	if !c.Check(p) {
		return value.Value{}, false
	}
	switch p {
	case IntInt:
		a, _ := l.AsInt()
		b, _ := r.AsInt()
		return value.Bool(a < b), true
	case FloatFloat:
		a, _ := l.AsFloat()
		b, _ := r.AsFloat()
		return value.Bool(a < b), true
	case StrStr:
		a, _ := l.AsStr()
		b, _ := r.AsStr()
		return value.Bool(a < b), true
	}
	return value.Value{}, false
}

// CachedEqual additionally supports bool pairs.
func CachedEqual(c *BinaryCache, l, r value.Slot) (value.Value, bool) {
	p := PairOf(l, r)
	if !c.Check(p) {
		return value.Value{}, false
	}
	switch p {
	case IntInt:
		a, _ := l.AsInt()
		b, _ := r.AsInt()
		return value.Bool(a == b), true
	case FloatFloat:
		a, _ := l.AsFloat()
		b, _ := r.AsFloat()
		return value.Bool(a == b), true
	case StrStr:
		a, _ := l.AsStr()
		b, _ := r.AsStr()
		return value.Bool(a == b), true
	case BoolBool:
		a, _ := l.AsBool()
		b, _ := r.AsBool()
		return value.Bool(a == b), true
	}
	return value.Value{}, false
}
