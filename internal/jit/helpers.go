package jit

import (
	"unsafe"

	"tachyon/internal/bytecode"
	"tachyon/internal/value"
)

// Helper is the runtime call convention for loop body operations that
// allocate or touch boxed cells. Every helper takes the register base
// pointer plus the three operand fields and returns a status; nonzero
// aborts the loop. The table below is closed: compiled code can only
// reach helpers registered here.
type Helper func(regs *value.Slot, a, b, c int32) int32

func slotAt(regs *value.Slot, idx int32) *value.Slot {
	return (*value.Slot)(unsafe.Add(unsafe.Pointer(regs), uintptr(idx)*value.SlotSize))
}

// helperAppend appends the value of R(b) to the list in R(a), applying
// copy-on-write to the list cell.
func helperAppend(regs *value.Slot, a, b, _ int32) int32 {
	dst := slotAt(regs, a)
	cell := dst.Cell()
	if cell == nil || cell.Read().Kind() != value.KindList {
		return int32(StatusTypeError)
	}
	elems := cell.Read().ListElems()
	if cell.IsUnique() {
		elems = append(elems, slotAt(regs, b).ToValue())
	} else {
		// A diverted cell must not share spare capacity with the old
		// cell's slice, so the copy happens before the append.
		out := make([]value.Value, len(elems), len(elems)+1)
		copy(out, elems)
		elems = append(out, slotAt(regs, b).ToValue())
	}
	next := cell.Write(value.List(elems))
	if next != cell {
		*dst = value.BoxedSlot(next)
	}
	return int32(StatusOK)
}

// helperLen stores the length of the container in R(b) into R(a).
func helperLen(regs *value.Slot, a, b, _ int32) int32 {
	src := slotAt(regs, b)
	cell := src.Cell()
	if cell == nil {
		return int32(StatusTypeError)
	}
	var n int
	switch v := cell.Read(); v.Kind() {
	case value.KindList, value.KindTuple:
		n = len(v.ListElems())
	case value.KindStr:
		n = len(v.Str())
	case value.KindDict:
		n = len(v.DictMap())
	case value.KindSet:
		n = len(v.SetMembers())
	default:
		return int32(StatusTypeError)
	}
	*slotAt(regs, a) = value.IntSlot(int64(n))
	return int32(StatusOK)
}

// helperTable is the complete set of opcodes executable through the
// helper convention.
var helperTable = map[bytecode.OpCode]Helper{
	bytecode.OpAppend: helperAppend,
	bytecode.OpLen:    helperLen,
}

// HelperFor returns the helper for an opcode, if one exists.
func HelperFor(op bytecode.OpCode) (Helper, bool) {
	h, ok := helperTable[op]
	return h, ok
}
