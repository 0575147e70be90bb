//go:build linux && amd64

package jit

import "encoding/binary"

// x86-64 encoding. Only the handful of forms the loop compiler needs:
// 64-bit reg/reg and reg/[base+disp32] moves and ALU ops, rel32
// branches, and the prologue furniture. The base register is always
// RBX, which never needs a SIB byte.

type hwReg uint8

const (
	rax hwReg = 0
	rcx hwReg = 1
	rdx hwReg = 2
	rbx hwReg = 3
	rsp hwReg = 4
	rbp hwReg = 5
	rsi hwReg = 6
	rdi hwReg = 7
	r8  hwReg = 8
	r9  hwReg = 9
	r10 hwReg = 10
	r11 hwReg = 11
	r12 hwReg = 12
	r13 hwReg = 13
	r14 hwReg = 14
	r15 hwReg = 15
)

// condition codes for jcc/setcc
const (
	ccE  = 0x4
	ccNE = 0x5
	ccL  = 0xC
	ccGE = 0xD
	ccLE = 0xE
	ccG  = 0xF
)

type codeBuf struct {
	code []byte
}

type label struct {
	pos     int // -1 until bound
	patches []int
}

func newLabel() *label { return &label{pos: -1} }

func (b *codeBuf) emit(bs ...byte) { b.code = append(b.code, bs...) }

func (b *codeBuf) emit32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	b.code = append(b.code, buf[:]...)
}

func (b *codeBuf) emit64(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	b.code = append(b.code, buf[:]...)
}

func rex(w bool, reg, rm hwReg) byte {
	r := byte(0x40)
	if w {
		r |= 0x08
	}
	if reg >= 8 {
		r |= 0x04
	}
	if rm >= 8 {
		r |= 0x01
	}
	return r
}

func modRM(mod byte, reg, rm hwReg) byte {
	return mod<<6 | byte(reg&7)<<3 | byte(rm&7)
}

// movRegMem: mov dst, [base+disp]
func (b *codeBuf) movRegMem(dst, base hwReg, disp int32) {
	b.emit(rex(true, dst, base), 0x8B, modRM(2, dst, base))
	b.emit32(uint32(disp))
}

// movMemReg: mov [base+disp], src
func (b *codeBuf) movMemReg(base hwReg, disp int32, src hwReg) {
	b.emit(rex(true, src, base), 0x89, modRM(2, src, base))
	b.emit32(uint32(disp))
}

// movMemImm32: mov qword [base+disp], imm32 (sign-extended)
func (b *codeBuf) movMemImm32(base hwReg, disp int32, imm int32) {
	b.emit(rex(true, 0, base), 0xC7, modRM(2, 0, base))
	b.emit32(uint32(disp))
	b.emit32(uint32(imm))
}

func (b *codeBuf) movRegReg(dst, src hwReg) {
	b.emit(rex(true, src, dst), 0x89, modRM(3, src, dst))
}

func (b *codeBuf) movRegImm64(dst hwReg, imm uint64) {
	b.emit(rex(true, 0, dst), 0xB8|byte(dst&7))
	b.emit64(imm)
}

// movEaxImm32 zero-extends into RAX; used for status codes.
func (b *codeBuf) movEaxImm32(imm int32) {
	b.emit(0xB8)
	b.emit32(uint32(imm))
}

func (b *codeBuf) addRegReg(dst, src hwReg) {
	b.emit(rex(true, src, dst), 0x01, modRM(3, src, dst))
}

func (b *codeBuf) subRegReg(dst, src hwReg) {
	b.emit(rex(true, src, dst), 0x29, modRM(3, src, dst))
}

func (b *codeBuf) imulRegReg(dst, src hwReg) {
	b.emit(rex(true, dst, src), 0x0F, 0xAF, modRM(3, dst, src))
}

func (b *codeBuf) cmpRegReg(a, c hwReg) {
	b.emit(rex(true, c, a), 0x39, modRM(3, c, a))
}

func (b *codeBuf) testRegReg(a, c hwReg) {
	b.emit(rex(true, c, a), 0x85, modRM(3, c, a))
}

func (b *codeBuf) incReg(r hwReg) {
	b.emit(rex(true, 0, r), 0xFF, modRM(3, 0, r))
}

func (b *codeBuf) xorRegReg(dst, src hwReg) {
	b.emit(rex(true, src, dst), 0x31, modRM(3, src, dst))
}

// cmpRegImm8: cmp r, imm8 (sign-extended)
func (b *codeBuf) cmpRegImm8(r hwReg, imm int8) {
	b.emit(rex(true, 0, r), 0x83, modRM(3, 7, r), byte(imm))
}

// negReg: two's-complement negate, wrapping on the minimum value.
func (b *codeBuf) negReg(r hwReg) {
	b.emit(rex(true, 0, r), 0xF7, modRM(3, 3, r))
}

func (b *codeBuf) cqo() { b.emit(0x48, 0x99) }

// idivReg: signed divide RDX:RAX by r, quotient RAX, remainder RDX.
func (b *codeBuf) idivReg(r hwReg) {
	b.emit(rex(true, 0, r), 0xF7, modRM(3, 7, r))
}

// setccAl: set AL from the last comparison.
func (b *codeBuf) setccAl(cc byte) {
	b.emit(0x0F, 0x90|cc, modRM(3, 0, rax))
}

// movzxRaxAl: zero-extend AL into RAX.
func (b *codeBuf) movzxRaxAl() {
	b.emit(0x48, 0x0F, 0xB6, modRM(3, 0, 0))
}

func (b *codeBuf) pushReg(r hwReg) {
	if r >= 8 {
		b.emit(0x41)
	}
	b.emit(0x50 | byte(r&7))
}

func (b *codeBuf) popReg(r hwReg) {
	if r >= 8 {
		b.emit(0x41)
	}
	b.emit(0x58 | byte(r&7))
}

func (b *codeBuf) ret() { b.emit(0xC3) }

// jcc emits a conditional rel32 jump to l, recording a patch site if l
// is unbound.
func (b *codeBuf) jcc(cc byte, l *label) {
	b.emit(0x0F, 0x80|cc)
	b.jumpSite(l)
}

func (b *codeBuf) jmp(l *label) {
	b.emit(0xE9)
	b.jumpSite(l)
}

func (b *codeBuf) jumpSite(l *label) {
	site := len(b.code)
	if l.pos >= 0 {
		b.emit32(uint32(int32(l.pos - (site + 4))))
		return
	}
	l.patches = append(l.patches, site)
	b.emit32(0)
}

// bind places l at the current position and resolves pending sites.
func (b *codeBuf) bind(l *label) {
	l.pos = len(b.code)
	for _, site := range l.patches {
		binary.LittleEndian.PutUint32(b.code[site:], uint32(int32(l.pos-(site+4))))
	}
	l.patches = nil
}
