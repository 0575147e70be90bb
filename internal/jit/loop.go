package jit

import (
	"github.com/pkg/errors"

	"tachyon/internal/bytecode"
	"tachyon/internal/value"
)

// RegKind is the statically proven kind of a register inside a loop
// body. The analysis is flow-insensitive: one kind per register for
// the whole body, and a register written with conflicting kinds
// rejects the loop.
type RegKind uint8

const (
	KindUnknown RegKind = iota
	KindInt
	KindBool
	KindBoxed // container operand, handled by helpers only
)

// Loop is an analyzed counted loop, the unit of compilation. The
// backedge is a FORLOOP whose counter register walks start towards the
// limit by a positive integer step.
type Loop struct {
	Chunk     *bytecode.Chunk
	HeaderPC  int // offset of the FORLOOP backedge
	BodyStart int // first body instruction

	CounterReg uint8
	LimitReg   uint8
	StepReg    uint8

	// GuardRegs must hold integers when the compiled loop is entered;
	// the entry guard checks them and bails out to the interpreter on
	// any mismatch.
	GuardRegs []uint8
	// BoxedRegs must hold boxed container values at entry; only
	// helper instructions touch them.
	BoxedRegs []uint8
	// BoolRegs are branch condition registers. A condition may be read
	// before the body rewrites it, so these must hold booleans at entry
	// and their live values carry into the compiled loop.
	BoolRegs []uint8
	// ScratchRegs are written before any proven read. Compiled code
	// clears them at entry so a stale boxed reference in a destination
	// slot is released rather than silently overwritten.
	ScratchRegs []uint8

	Kinds       [256]RegKind
	UsesHelpers bool
	Branches    bool
}

// Key identifies the loop for caching and logs.
func (l *Loop) Key() string { return loopKey(l.Chunk, l.HeaderPC) }

// Body returns the body instruction window, excluding the backedge.
func (l *Loop) Body() []bytecode.Instruction {
	return l.Chunk.Code[l.BodyStart:l.HeaderPC]
}

// Analyze validates the loop ending with the backward edge at pc and
// proves register kinds for its body. Only loops whose body stays
// inside the compilable instruction set are accepted; anything else
// returns ErrUnsupported so the site is left to the interpreter.
func Analyze(chunk *bytecode.Chunk, pc int) (*Loop, error) {
	if pc < 0 || pc >= len(chunk.Code) {
		return nil, errors.Wrap(ErrUnsupported, "offset out of range")
	}
	ins := chunk.Code[pc]
	op := ins.Op()
	if op == bytecode.OpJmpHot {
		return nil, errors.Wrap(ErrUnsupported, "already patched")
	}
	if op != bytecode.OpForLoop {
		return nil, errors.Wrap(ErrUnsupported, "backedge is not a counted loop")
	}
	off := int(ins.SBx())
	if off >= 0 {
		return nil, errors.Wrap(ErrUnsupported, "forward edge")
	}
	start := pc + 1 + off
	if start < 0 || start >= pc {
		return nil, errors.Wrap(ErrUnsupported, "empty or inverted body")
	}

	l := &Loop{
		Chunk:      chunk,
		HeaderPC:   pc,
		BodyStart:  start,
		CounterReg: ins.A(),
		LimitReg:   ins.A() + 1,
		StepReg:    ins.A() + 2,
	}
	l.Kinds[l.CounterReg] = KindInt
	l.Kinds[l.LimitReg] = KindInt
	l.Kinds[l.StepReg] = KindInt

	if err := l.scanBody(); err != nil {
		return nil, err
	}
	return l, nil
}

// scanBody walks the body twice: first collecting written kinds, then
// validating reads against them.
func (l *Loop) scanBody() error {
	body := l.Body()

	for i, ins := range body {
		switch ins.Op() {
		case bytecode.OpFastAdd, bytecode.OpFastSub, bytecode.OpFastMul,
			bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul,
			bytecode.OpDiv, bytecode.OpMod,
			bytecode.OpAddIC, bytecode.OpSubIC, bytecode.OpMulIC:
			if err := l.setKind(ins.A(), KindInt); err != nil {
				return err
			}
		case bytecode.OpEq, bytecode.OpNe, bytecode.OpLt, bytecode.OpLe,
			bytecode.OpGt, bytecode.OpGe, bytecode.OpLtIC, bytecode.OpEqIC:
			if err := l.setKind(ins.A(), KindBool); err != nil {
				return err
			}
		case bytecode.OpMove:
			// Kind propagates from the source; resolved in the read
			// pass once all writes are known.
		case bytecode.OpLoadK:
			k := int(ins.Bx())
			if k >= len(l.Chunk.Constants) || !l.Chunk.Constants[k].IsInt() {
				return errors.Wrap(ErrUnsupported, "non-integer constant in body")
			}
			if err := l.setKind(ins.A(), KindInt); err != nil {
				return err
			}
		case bytecode.OpJmp, bytecode.OpJmpIf, bytecode.OpJmpNot:
			target := l.BodyStart + i + 1 + int(ins.SBx())
			if target <= l.BodyStart+i || target > l.HeaderPC {
				return errors.Wrap(ErrUnsupported, "branch leaves the body")
			}
			l.Branches = true
		case bytecode.OpAppend, bytecode.OpLen:
			l.UsesHelpers = true
			if err := l.markHelperRegs(ins); err != nil {
				return err
			}
		default:
			return errors.Wrapf(ErrUnsupported, "opcode %s in body", ins.Op())
		}
	}

	// Read validation pass. MOVE kinds are pinned here too.
	for _, ins := range body {
		switch ins.Op() {
		case bytecode.OpFastAdd, bytecode.OpFastSub, bytecode.OpFastMul,
			bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul,
			bytecode.OpDiv, bytecode.OpMod,
			bytecode.OpAddIC, bytecode.OpSubIC, bytecode.OpMulIC,
			bytecode.OpEq, bytecode.OpNe, bytecode.OpLt, bytecode.OpLe,
			bytecode.OpGt, bytecode.OpGe, bytecode.OpLtIC, bytecode.OpEqIC:
			if err := l.requireInt(ins.B()); err != nil {
				return err
			}
			if err := l.requireInt(ins.C()); err != nil {
				return err
			}
		case bytecode.OpMove:
			if err := l.requireInt(ins.B()); err != nil {
				return err
			}
			if err := l.setKind(ins.A(), KindInt); err != nil {
				return err
			}
		case bytecode.OpJmpIf, bytecode.OpJmpNot:
			if l.Kinds[ins.A()] != KindBool {
				return errors.Wrap(ErrUnsupported, "branch condition not a proven bool")
			}
			if !containsReg(l.BoolRegs, ins.A()) {
				l.BoolRegs = append(l.BoolRegs, ins.A())
			}
		case bytecode.OpAppend:
			// The appended register's live value must be visible to
			// the helper, so its kind has to be pinned.
			if k := l.Kinds[ins.B()]; k == KindUnknown || k == KindInt {
				if err := l.requireInt(ins.B()); err != nil {
					return err
				}
			}
		}
	}

	// Writing the loop control registers inside the body would break
	// the induction contract.
	for _, r := range []uint8{l.CounterReg, l.LimitReg, l.StepReg} {
		for _, ins := range body {
			if writesReg(ins, r) {
				return errors.Wrap(ErrUnsupported, "body writes a loop control register")
			}
		}
	}

	for _, ins := range body {
		r, ok := destReg(ins)
		if !ok || r == l.CounterReg || r == l.LimitReg || r == l.StepReg {
			continue
		}
		if containsReg(l.GuardRegs, r) || containsReg(l.BoolRegs, r) || containsReg(l.ScratchRegs, r) {
			continue
		}
		l.ScratchRegs = append(l.ScratchRegs, r)
	}
	return nil
}

// destReg reports the scalar register an instruction writes, if any.
// APPEND mutates its container cell in place and writes no scalar.
func destReg(ins bytecode.Instruction) (uint8, bool) {
	switch ins.Op() {
	case bytecode.OpJmp, bytecode.OpJmpIf, bytecode.OpJmpNot, bytecode.OpAppend:
		return 0, false
	}
	return ins.A(), true
}

func containsReg(regs []uint8, r uint8) bool {
	for _, g := range regs {
		if g == r {
			return true
		}
	}
	return false
}

func writesReg(ins bytecode.Instruction, r uint8) bool {
	switch ins.Op() {
	case bytecode.OpJmp, bytecode.OpJmpIf, bytecode.OpJmpNot,
		bytecode.OpAppend, bytecode.OpSetIndex, bytecode.OpPrint:
		return false
	}
	return ins.A() == r
}

func (l *Loop) setKind(r uint8, k RegKind) error {
	if l.Kinds[r] != KindUnknown && l.Kinds[r] != k {
		return errors.Wrap(ErrUnsupported, "register written with conflicting kinds")
	}
	l.Kinds[r] = k
	return nil
}

// requireInt proves a read register is an integer. The analysis is
// flow-insensitive, so it cannot tell a write-before-read from a
// read-before-write; every integer-read register therefore becomes an
// entry guard, except the loop control triple, which the guard checks
// anyway.
func (l *Loop) requireInt(r uint8) error {
	switch l.Kinds[r] {
	case KindInt:
	case KindUnknown:
		l.Kinds[r] = KindInt
	default:
		return errors.Wrap(ErrUnsupported, "integer operand not provable")
	}
	if r == l.CounterReg || r == l.LimitReg || r == l.StepReg {
		return nil
	}
	if !containsReg(l.GuardRegs, r) {
		l.GuardRegs = append(l.GuardRegs, r)
	}
	return nil
}

func (l *Loop) markHelperRegs(ins bytecode.Instruction) error {
	// Helper container operands: APPEND mutates R(A), LEN reads R(B).
	var container uint8
	switch ins.Op() {
	case bytecode.OpAppend:
		container = ins.A()
	case bytecode.OpLen:
		container = ins.B()
	}
	if l.Kinds[container] == KindUnknown {
		l.Kinds[container] = KindBoxed
		l.BoxedRegs = append(l.BoxedRegs, container)
	}
	if l.Kinds[container] != KindBoxed {
		return errors.Wrap(ErrUnsupported, "container operand already proven scalar")
	}
	if ins.Op() == bytecode.OpLen {
		return l.setKind(ins.A(), KindInt)
	}
	return nil
}

// EntryGuard checks register kinds before native execution. It runs
// on every entry and must reject anything the static proof assumed.
func (l *Loop) EntryGuard(regs []value.Slot) bool {
	for _, r := range []uint8{l.CounterReg, l.LimitReg, l.StepReg} {
		if int(r) >= len(regs) || regs[r].Kind() != value.SlotInt {
			return false
		}
	}
	if step := regs[l.StepReg]; step.Kind() == value.SlotInt {
		if s, _ := step.AsInt(); s <= 0 {
			return false
		}
	}
	for _, r := range l.GuardRegs {
		if int(r) >= len(regs) || regs[r].Kind() != value.SlotInt {
			return false
		}
	}
	for _, r := range l.BoolRegs {
		if int(r) >= len(regs) || regs[r].Kind() != value.SlotBool {
			return false
		}
	}
	for _, r := range l.BoxedRegs {
		if int(r) >= len(regs) || regs[r].Kind() != value.SlotBoxed {
			return false
		}
	}
	return true
}
