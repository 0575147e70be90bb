package jit

import (
	"github.com/pkg/errors"

	"tachyon/internal/bytecode"
	"tachyon/internal/value"
)

// ClosureBackend lowers loops to specialized Go code. It is portable,
// supports the full compilable instruction set including helper calls,
// and is the fallback wherever the machine backend is unavailable.
type ClosureBackend struct{}

func NewClosureBackend() *ClosureBackend { return &ClosureBackend{} }

func (b *ClosureBackend) Name() string { return "closure" }

// closureStep is one pre-decoded body instruction. Constants are
// resolved at compile time so the run loop never consults the chunk.
type closureStep struct {
	op      bytecode.OpCode
	a, b, c uint8
	imm     int64
	target  int // branch target, body-relative
	helper  Helper
}

type closureLoop struct {
	loop  *Loop
	steps []closureStep
}

func (b *ClosureBackend) Compile(loop *Loop) (Compiled, error) {
	body := loop.Body()
	steps := make([]closureStep, len(body))
	for i, ins := range body {
		st := closureStep{op: ins.Op(), a: ins.A(), b: ins.B(), c: ins.C()}
		switch st.op {
		case bytecode.OpLoadK:
			st.imm = loop.Chunk.Constants[ins.Bx()].Int()
		case bytecode.OpJmp, bytecode.OpJmpIf, bytecode.OpJmpNot:
			st.target = i + 1 + int(ins.SBx())
		case bytecode.OpAppend, bytecode.OpLen:
			h, ok := HelperFor(st.op)
			if !ok {
				return nil, errors.Wrapf(ErrUnsupported, "no helper for %s", st.op)
			}
			st.helper = h
		}
		steps[i] = st
	}
	return &closureLoop{loop: loop, steps: steps}, nil
}

// Run iterates the counter from zero against the bound, computing the
// induction value as start + counter*step, and executes the body with
// unchecked integer operations. The entry guard validates everything
// the static proof assumed; after it passes, no further type checks
// run.
func (c *closureLoop) Run(regs []value.Slot, limit int64) Status {
	l := c.loop
	if !l.EntryGuard(regs) {
		return StatusDeopt
	}
	start, _ := regs[l.CounterReg].AsInt()
	step, _ := regs[l.StepReg].AsInt()

	ints := make([]int64, len(regs))
	bools := make([]bool, len(regs))
	for i := range regs {
		if v, ok := regs[i].AsInt(); ok {
			ints[i] = v
		} else if v, ok := regs[i].AsBool(); ok {
			bools[i] = v
		}
	}
	// Scratch destinations may hold stale boxed values from before the
	// loop; drop those references before the first flush overwrites
	// the slots.
	for _, r := range l.ScratchRegs {
		regs[r].Clear()
	}

	flush := func() {
		for _, r := range l.GuardRegs {
			regs[r] = value.IntSlot(ints[r])
		}
		for i := range c.steps {
			st := &c.steps[i]
			switch st.op {
			case bytecode.OpFastAdd, bytecode.OpFastSub, bytecode.OpFastMul,
				bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul,
				bytecode.OpDiv, bytecode.OpMod, bytecode.OpMove, bytecode.OpLoadK,
				bytecode.OpAddIC, bytecode.OpSubIC, bytecode.OpMulIC, bytecode.OpLen:
				regs[st.a] = value.IntSlot(ints[st.a])
			case bytecode.OpEq, bytecode.OpNe, bytecode.OpLt, bytecode.OpLe,
				bytecode.OpGt, bytecode.OpGe, bytecode.OpLtIC, bytecode.OpEqIC:
				regs[st.a] = value.BoolSlot(bools[st.a])
			}
		}
	}

	var counter int64
	for {
		counter++
		ind := value.FastAdd(start, value.FastMul(counter, step))
		ints[l.CounterReg] = ind
		regs[l.CounterReg] = value.IntSlot(ind)
		if ind >= limit {
			flush()
			return StatusOK
		}

		pc := 0
		for pc < len(c.steps) {
			st := &c.steps[pc]
			pc++
			switch st.op {
			case bytecode.OpFastAdd, bytecode.OpAdd, bytecode.OpAddIC:
				ints[st.a] = value.FastAdd(ints[st.b], ints[st.c])
			case bytecode.OpFastSub, bytecode.OpSub, bytecode.OpSubIC:
				ints[st.a] = value.FastSub(ints[st.b], ints[st.c])
			case bytecode.OpFastMul, bytecode.OpMul, bytecode.OpMulIC:
				ints[st.a] = value.FastMul(ints[st.b], ints[st.c])
			case bytecode.OpDiv:
				if ints[st.c] == 0 {
					flush()
					return StatusDivZero
				}
				ints[st.a] = ints[st.b] / ints[st.c]
			case bytecode.OpMod:
				if ints[st.c] == 0 {
					flush()
					return StatusDivZero
				}
				ints[st.a] = ints[st.b] % ints[st.c]
			case bytecode.OpMove:
				ints[st.a] = ints[st.b]
			case bytecode.OpLoadK:
				ints[st.a] = st.imm
			case bytecode.OpEq, bytecode.OpEqIC:
				bools[st.a] = ints[st.b] == ints[st.c]
			case bytecode.OpNe:
				bools[st.a] = ints[st.b] != ints[st.c]
			case bytecode.OpLt, bytecode.OpLtIC:
				bools[st.a] = ints[st.b] < ints[st.c]
			case bytecode.OpLe:
				bools[st.a] = ints[st.b] <= ints[st.c]
			case bytecode.OpGt:
				bools[st.a] = ints[st.b] > ints[st.c]
			case bytecode.OpGe:
				bools[st.a] = ints[st.b] >= ints[st.c]
			case bytecode.OpJmp:
				pc = st.target
			case bytecode.OpJmpIf:
				if bools[st.a] {
					pc = st.target
				}
			case bytecode.OpJmpNot:
				if !bools[st.a] {
					pc = st.target
				}
			case bytecode.OpAppend:
				// Helpers read operand slots, so the live scalar
				// shadow must be visible to them.
				switch l.Kinds[st.b] {
				case KindBool:
					regs[st.b] = value.BoolSlot(bools[st.b])
				case KindBoxed:
					// already live in regs
				default:
					regs[st.b] = value.IntSlot(ints[st.b])
				}
				if s := st.helper(&regs[0], int32(st.a), int32(st.b), int32(st.c)); s != int32(StatusOK) {
					flush()
					return Status(s)
				}
			case bytecode.OpLen:
				if s := st.helper(&regs[0], int32(st.a), int32(st.b), int32(st.c)); s != int32(StatusOK) {
					flush()
					return Status(s)
				}
				v, _ := regs[st.a].AsInt()
				ints[st.a] = v
			}
		}
	}
}

func (c *closureLoop) Release() {}
