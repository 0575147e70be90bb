package ic

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tachyon/internal/value"
)

func TestPairOf(t *testing.T) {
	tests := []struct {
		name string
		l, r value.Slot
		want KindPair
	}{
		{"int int", value.IntSlot(1), value.IntSlot(2), IntInt},
		{"boxed int int", value.BoxedSlot(value.BoxInt(1)), value.IntSlot(2), IntInt},
		{"float float", value.FloatSlot(1), value.FloatSlot(2), FloatFloat},
		{"int float", value.IntSlot(1), value.FloatSlot(2), IntFloat},
		{"float int", value.FloatSlot(1), value.IntSlot(2), FloatInt},
		{"str str", value.FromValue(value.Str("a")), value.FromValue(value.Str("b")), StrStr},
		{"bool bool", value.BoolSlot(true), value.BoolSlot(false), BoolBool},
		{"list list", value.FromValue(value.List(nil)), value.FromValue(value.List(nil)), ListList},
		{"nil int", value.NilSlot(), value.IntSlot(1), Other},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PairOf(tt.l, tt.r))
		})
	}
}

func TestCacheStateMachine(t *testing.T) {
	var c BinaryCache
	assert.Equal(t, Empty, c.Pair())

	// First observation misses and installs.
	assert.False(t, c.Check(IntInt))
	assert.Equal(t, IntInt, c.Pair())

	// Same pair now hits, repeatedly.
	assert.True(t, c.Check(IntInt))
	assert.True(t, c.Check(IntInt))

	// A different pair misses and replaces the entry.
	assert.False(t, c.Check(FloatFloat))
	assert.Equal(t, FloatFloat, c.Pair())
	assert.True(t, c.Check(FloatFloat))

	// The evicted pair must miss again before re-installing.
	assert.False(t, c.Check(IntInt))
	assert.True(t, c.Check(IntInt))

	hits, misses := c.Stats()
	assert.Equal(t, uint64(4), hits)
	assert.Equal(t, uint64(3), misses)
}

func TestCachedAdd(t *testing.T) {
	t.Run("int fast path after warmup", func(t *testing.T) {
		var c BinaryCache
		_, ok := CachedAdd(&c, value.IntSlot(3), value.IntSlot(4))
		require.False(t, ok, "first observation must fall back")
		v, ok := CachedAdd(&c, value.IntSlot(3), value.IntSlot(4))
		require.True(t, ok)
		assert.Equal(t, int64(7), v.Int())
	})
	t.Run("int add wraps", func(t *testing.T) {
		var c BinaryCache
		CachedAdd(&c, value.IntSlot(0), value.IntSlot(0))
		v, ok := CachedAdd(&c, value.IntSlot(math.MaxInt64), value.IntSlot(1))
		require.True(t, ok)
		assert.Equal(t, int64(math.MinInt64), v.Int())
	})
	t.Run("string concat", func(t *testing.T) {
		var c BinaryCache
		l := value.FromValue(value.Str("foo"))
		r := value.FromValue(value.Str("bar"))
		CachedAdd(&c, l, r)
		v, ok := CachedAdd(&c, l, r)
		require.True(t, ok)
		assert.Equal(t, "foobar", v.Str())
	})
	t.Run("mixed numeric never fast", func(t *testing.T) {
		var c BinaryCache
		CachedAdd(&c, value.IntSlot(1), value.FloatSlot(2))
		_, ok := CachedAdd(&c, value.IntSlot(1), value.FloatSlot(2))
		assert.False(t, ok, "int*float is cached but unsupported")
	})
	t.Run("list pairs never fast", func(t *testing.T) {
		var c BinaryCache
		l := value.FromValue(value.List(nil))
		CachedAdd(&c, l, l)
		_, ok := CachedAdd(&c, l, l)
		assert.False(t, ok)
	})
}

func TestCachedSubMul(t *testing.T) {
	var c BinaryCache
	CachedSub(&c, value.IntSlot(10), value.IntSlot(3))
	v, ok := CachedSub(&c, value.IntSlot(10), value.IntSlot(3))
	require.True(t, ok)
	assert.Equal(t, int64(7), v.Int())

	var m BinaryCache
	CachedMul(&m, value.FloatSlot(1.5), value.FloatSlot(2))
	v, ok = CachedMul(&m, value.FloatSlot(1.5), value.FloatSlot(2))
	require.True(t, ok)
	assert.Equal(t, 3.0, v.Float())

	// Strings multiply only through generic dispatch.
	var s BinaryCache
	l := value.FromValue(value.Str("a"))
	CachedMul(&s, l, l)
	_, ok = CachedMul(&s, l, l)
	assert.False(t, ok)
}

func TestCachedCompare(t *testing.T) {
	var c BinaryCache
	CachedLess(&c, value.IntSlot(1), value.IntSlot(2))
	v, ok := CachedLess(&c, value.IntSlot(1), value.IntSlot(2))
	require.True(t, ok)
	assert.True(t, v.Bool())

	var s BinaryCache
	l := value.FromValue(value.Str("abc"))
	r := value.FromValue(value.Str("abd"))
	CachedLess(&s, l, r)
	v, ok = CachedLess(&s, l, r)
	require.True(t, ok)
	assert.True(t, v.Bool())

	// Equality additionally supports bool pairs; ordering does not.
	var e BinaryCache
	CachedEqual(&e, value.BoolSlot(true), value.BoolSlot(true))
	v, ok = CachedEqual(&e, value.BoolSlot(true), value.BoolSlot(true))
	require.True(t, ok)
	assert.True(t, v.Bool())

	var o BinaryCache
	CachedLess(&o, value.BoolSlot(true), value.BoolSlot(false))
	_, ok = CachedLess(&o, value.BoolSlot(true), value.BoolSlot(false))
	assert.False(t, ok)
}

func TestTable(t *testing.T) {
	tbl := NewTable()
	a := tbl.Site(4)
	b := tbl.Site(4)
	assert.Same(t, a, b, "one cache per offset")
	tbl.Site(9).Check(IntInt)
	tbl.Site(9).Check(IntInt)
	assert.Equal(t, 2, tbl.Len())
	hits, misses := tbl.TotalStats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}
