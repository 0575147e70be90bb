//go:build linux && amd64

package jit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tachyon/internal/bytecode"
	"tachyon/internal/value"
)

func TestNativeLoopMatchesClosure(t *testing.T) {
	chunk, back := sumLoopChunk(t, 0, 1000, 1)
	loop, err := Analyze(chunk, back)
	require.NoError(t, err)

	native, err := NewNativeBackend().Compile(loop)
	require.NoError(t, err)
	defer native.Release()
	closure, err := NewClosureBackend().Compile(loop)
	require.NoError(t, err)

	nRegs := loopEntryRegs(0, 1000, 1, chunk.NumRegs)
	cRegs := loopEntryRegs(0, 1000, 1, chunk.NumRegs)
	require.Equal(t, StatusOK, native.Run(nRegs, 1000))
	require.Equal(t, StatusOK, closure.Run(cRegs, 1000))

	for i := range nRegs {
		nv, cv := nRegs[i].ToValue(), cRegs[i].ToValue()
		assert.True(t, value.Equal(nv, cv), "r%d: native %s vs closure %s", i, nv, cv)
	}
	acc, _ := nRegs[0].AsInt()
	assert.Equal(t, int64(499500), acc)
}

func TestNativeLoopDivZero(t *testing.T) {
	c := bytecode.NewChunk("divloop")
	c.NumRegs = 8
	c.Emit(bytecode.CreateABC(bytecode.OpDiv, 4, 0, 5))
	back := c.Emit(bytecode.CreateAsBx(bytecode.OpForLoop, 1, -2))
	loop, err := Analyze(c, back)
	require.NoError(t, err)
	native, err := NewNativeBackend().Compile(loop)
	require.NoError(t, err)
	defer native.Release()

	regs := loopEntryRegs(0, 10, 1, c.NumRegs)
	regs[5] = value.IntSlot(0)
	assert.Equal(t, StatusDivZero, native.Run(regs, 10))
}

func TestNativeLoopEntryGuard(t *testing.T) {
	chunk, back := sumLoopChunk(t, 0, 10, 1)
	loop, err := Analyze(chunk, back)
	require.NoError(t, err)
	native, err := NewNativeBackend().Compile(loop)
	require.NoError(t, err)
	defer native.Release()

	regs := loopEntryRegs(0, 10, 1, chunk.NumRegs)
	regs[1] = value.FloatSlot(0)
	assert.Equal(t, StatusDeopt, native.Run(regs, 10))
}

func TestNativeRejectsHelperLoops(t *testing.T) {
	c := bytecode.NewChunk("appendloop")
	c.NumRegs = 8
	c.Emit(bytecode.CreateABC(bytecode.OpAppend, 4, 1, 0))
	back := c.Emit(bytecode.CreateAsBx(bytecode.OpForLoop, 1, -2))
	loop, err := Analyze(c, back)
	require.NoError(t, err)
	_, err = NewNativeBackend().Compile(loop)
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestNativeLoopReleasesScratchCells(t *testing.T) {
	// Generated code rewrites payload and tag words only, so a boxed
	// value sitting in a destination slot must be released Go-side
	// before the loop runs.
	c := bytecode.NewChunk("scratch")
	c.NumRegs = 8
	k := c.AddConstant(value.Int(7))
	c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 4, uint16(k)))
	back := c.Emit(bytecode.CreateAsBx(bytecode.OpForLoop, 1, -2))
	loop, err := Analyze(c, back)
	require.NoError(t, err)
	native, err := NewNativeBackend().Compile(loop)
	require.NoError(t, err)
	defer native.Release()

	cell := value.NewCell(value.Str("stale"))
	regs := loopEntryRegs(0, 5, 1, c.NumRegs)
	regs[4] = value.BoxedSlot(cell.Retain())
	require.Equal(t, StatusOK, native.Run(regs, 5))

	v, ok := regs[4].AsInt()
	require.True(t, ok)
	assert.Equal(t, int64(7), v)
	assert.True(t, cell.IsUnique(), "overwritten slot must release its cell")
	assert.Nil(t, regs[4].Cell(), "integer slot must not retain a cell pointer")
}

func TestNativeWrapsOnOverflow(t *testing.T) {
	// acc starts near the int64 ceiling; the add must wrap, not trap.
	c := bytecode.NewChunk("wraploop")
	c.NumRegs = 8
	c.Emit(bytecode.CreateABC(bytecode.OpAdd, 0, 0, 0))
	back := c.Emit(bytecode.CreateAsBx(bytecode.OpForLoop, 1, -2))
	loop, err := Analyze(c, back)
	require.NoError(t, err)
	native, err := NewNativeBackend().Compile(loop)
	require.NoError(t, err)
	defer native.Release()

	regs := loopEntryRegs(0, 1, 1, c.NumRegs)
	regs[0] = value.IntSlot(1 << 62)
	require.Equal(t, StatusOK, native.Run(regs, 1))
	acc, _ := regs[0].AsInt()
	assert.Equal(t, int64(-1)<<63, acc)
}
