//go:build linux && amd64

package jit

import "unsafe"

// callLoop transfers control to generated code. The code pointer goes
// to RAX, the register array base to RDI, and the loop limit to RSI;
// the status comes back in RAX. Implemented in assembly because Go
// cannot call a raw code address.
//
//go:noescape
func callLoop(code uintptr, regs unsafe.Pointer, limit int64) int32
