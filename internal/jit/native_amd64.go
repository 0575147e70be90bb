//go:build linux && amd64

package jit

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"tachyon/internal/bytecode"
	"tachyon/internal/value"
)

// NativeBackend emits x86-64 machine code into executable pages. It
// lowers the integer whitelist only: straight-line bodies without
// helper calls or branches. Anything richer is refused with
// ErrUnsupported and stays with the closure backend or the
// interpreter; a silently skipped instruction would corrupt the
// program, so refusal is always total.
//
// Generated code receives the register array base in RDI and the loop
// limit in RSI, keeps the base in RBX, the counter in R12, the limit
// in R13, the step in R14, and the start value in R15. Every result
// is persisted to its register slot (payload and tag) the moment it is
// produced; R8-R11 act as a write-through cache so re-reads within an
// iteration skip the memory load. Slots whose tag is not rewritten
// are never touched, and no cell pointers are read or written, so the
// code runs without any runtime involvement and returns its status in
// RAX.
type NativeBackend struct{}

func NewNativeBackend() *NativeBackend { return &NativeBackend{} }

func newPlatformBackend() Backend { return NewNativeBackend() }

func (b *NativeBackend) Name() string { return "native" }

const (
	slotIntTag  = int32(value.SlotInt)
	slotBoolTag = int32(value.SlotBool)
)

func payloadOff(reg uint8) int32 {
	return int32(uintptr(reg)*value.SlotSize + value.SlotPayloadOff)
}

func tagOff(reg uint8) int32 {
	return int32(uintptr(reg)*value.SlotSize + value.SlotKindOff)
}

type nativeLoop struct {
	loop *Loop
	mem  []byte
}

func (b *NativeBackend) Compile(loop *Loop) (Compiled, error) {
	if loop.UsesHelpers {
		return nil, errors.Wrap(ErrUnsupported, "helper call in native body")
	}
	if loop.Branches {
		return nil, errors.Wrap(ErrUnsupported, "control flow in native body")
	}

	g := &loopGen{loop: loop}
	if err := g.generate(); err != nil {
		return nil, err
	}

	mem, err := unix.Mmap(-1, 0, len(g.buf.code),
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrap(err, "map executable pages")
	}
	copy(mem, g.buf.code)
	return &nativeLoop{loop: loop, mem: mem}, nil
}

func (n *nativeLoop) Run(regs []value.Slot, limit int64) Status {
	if !n.loop.EntryGuard(regs) {
		return StatusDeopt
	}
	// The generated code rewrites payload and tag words only. A scratch
	// destination holding a boxed value would keep its cell pointer
	// word alive past the overwrite, so those slots are released here.
	for _, r := range n.loop.ScratchRegs {
		regs[r].Clear()
	}
	return Status(callLoop(uintptr(unsafe.Pointer(&n.mem[0])),
		unsafe.Pointer(&regs[0]), limit))
}

func (n *nativeLoop) Release() {
	if n.mem != nil {
		_ = unix.Munmap(n.mem)
		n.mem = nil
	}
}

// loopGen compiles one loop body.
type loopGen struct {
	loop *Loop
	buf  codeBuf

	// write-through cache: bytecode register -> pool register holding
	// its current value. Valid within one iteration.
	cache map[uint8]hwReg
	owner map[hwReg]uint8
	next  int

	divZero *label
}

var pool = [...]hwReg{r8, r9, r10, r11}

func (g *loopGen) resetCache() {
	g.cache = make(map[uint8]hwReg)
	g.owner = make(map[hwReg]uint8)
}

// load brings bytecode register r into dst, preferring the cache.
func (g *loopGen) load(dst hwReg, r uint8) {
	if hw, ok := g.cache[r]; ok {
		g.buf.movRegReg(dst, hw)
		return
	}
	g.buf.movRegMem(dst, rbx, payloadOff(r))
}

// storeInt persists RAX into register r as an integer and caches it.
func (g *loopGen) storeInt(r uint8) {
	g.buf.movMemReg(rbx, payloadOff(r), rax)
	g.buf.movMemImm32(rbx, tagOff(r), slotIntTag)
	hw := pool[g.next%len(pool)]
	g.next++
	if old, ok := g.owner[hw]; ok {
		delete(g.cache, old)
	}
	g.buf.movRegReg(hw, rax)
	g.cache[r] = hw
	g.owner[hw] = r
}

// storeBool persists RAX (0 or 1) into register r as a bool. Bool
// results are never re-read by compilable bodies, so they bypass the
// cache; the slot must still drop any stale integer mapping.
func (g *loopGen) storeBool(r uint8) {
	g.buf.movMemReg(rbx, payloadOff(r), rax)
	g.buf.movMemImm32(rbx, tagOff(r), slotBoolTag)
	if hw, ok := g.cache[r]; ok {
		delete(g.owner, hw)
		delete(g.cache, r)
	}
}

func (g *loopGen) generate() error {
	b := &g.buf
	l := g.loop

	header := newLabel()
	exitOK := newLabel()
	epilogue := newLabel()
	g.divZero = newLabel()

	// prologue
	for _, r := range []hwReg{rbx, r12, r13, r14, r15} {
		b.pushReg(r)
	}
	b.movRegReg(rbx, rdi) // register array base
	b.movRegReg(r13, rsi) // limit
	b.movRegMem(r15, rbx, payloadOff(l.CounterReg))
	b.movRegMem(r14, rbx, payloadOff(l.StepReg))
	b.xorRegReg(r12, r12) // counter

	b.bind(header)
	g.resetCache()

	// counter++; induction = start + counter*step
	b.incReg(r12)
	b.movRegReg(rax, r12)
	b.imulRegReg(rax, r14)
	b.addRegReg(rax, r15)
	g.storeInt(l.CounterReg)
	b.cmpRegReg(rax, r13)
	b.jcc(ccGE, exitOK)

	for _, ins := range l.Body() {
		if err := g.genIns(ins); err != nil {
			return err
		}
	}
	b.jmp(header)

	b.bind(exitOK)
	b.xorRegReg(rax, rax)
	b.bind(epilogue)
	for _, r := range []hwReg{r15, r14, r13, r12, rbx} {
		b.popReg(r)
	}
	b.ret()

	b.bind(g.divZero)
	b.movEaxImm32(int32(StatusDivZero))
	b.jmp(epilogue)
	return nil
}

func (g *loopGen) genIns(ins bytecode.Instruction) error {
	b := &g.buf
	a, bb, cc := ins.A(), ins.B(), ins.C()
	switch ins.Op() {
	case bytecode.OpFastAdd, bytecode.OpAdd, bytecode.OpAddIC:
		g.load(rax, bb)
		g.load(rcx, cc)
		b.addRegReg(rax, rcx)
		g.storeInt(a)
	case bytecode.OpFastSub, bytecode.OpSub, bytecode.OpSubIC:
		g.load(rax, bb)
		g.load(rcx, cc)
		b.subRegReg(rax, rcx)
		g.storeInt(a)
	case bytecode.OpFastMul, bytecode.OpMul, bytecode.OpMulIC:
		g.load(rax, bb)
		g.load(rcx, cc)
		b.imulRegReg(rax, rcx)
		g.storeInt(a)
	case bytecode.OpDiv, bytecode.OpMod:
		g.load(rax, bb)
		g.load(rcx, cc)
		b.testRegReg(rcx, rcx)
		b.jcc(ccE, g.divZero)
		// idiv traps on MinInt64 / -1; the wrapping result is -rax for
		// the quotient and 0 for the remainder, so handle -1 apart.
		minusOne := newLabel()
		done := newLabel()
		b.cmpRegImm8(rcx, -1)
		b.jcc(ccE, minusOne)
		b.cqo()
		b.idivReg(rcx)
		if ins.Op() == bytecode.OpMod {
			b.movRegReg(rax, rdx)
		}
		b.jmp(done)
		b.bind(minusOne)
		if ins.Op() == bytecode.OpMod {
			b.xorRegReg(rax, rax)
		} else {
			b.negReg(rax)
		}
		b.bind(done)
		g.storeInt(a)
	case bytecode.OpMove:
		g.load(rax, bb)
		g.storeInt(a)
	case bytecode.OpLoadK:
		b.movRegImm64(rax, uint64(g.loop.Chunk.Constants[ins.Bx()].Int()))
		g.storeInt(a)
	case bytecode.OpEq, bytecode.OpEqIC, bytecode.OpNe,
		bytecode.OpLt, bytecode.OpLtIC, bytecode.OpLe,
		bytecode.OpGt, bytecode.OpGe:
		g.load(rax, bb)
		g.load(rcx, cc)
		b.cmpRegReg(rax, rcx)
		b.setccAl(condFor(ins.Op()))
		b.movzxRaxAl()
		g.storeBool(a)
	default:
		return errors.Wrapf(ErrUnsupported, "opcode %s in native body", ins.Op())
	}
	return nil
}

func condFor(op bytecode.OpCode) byte {
	switch op {
	case bytecode.OpEq, bytecode.OpEqIC:
		return ccE
	case bytecode.OpNe:
		return ccNE
	case bytecode.OpLt, bytecode.OpLtIC:
		return ccL
	case bytecode.OpLe:
		return ccLE
	case bytecode.OpGt:
		return ccG
	case bytecode.OpGe:
		return ccGE
	}
	return ccE
}
