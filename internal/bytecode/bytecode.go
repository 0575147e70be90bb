// Package bytecode defines the register instruction set: a 32-bit
// fixed-width encoding with an opcode byte and up to three operand
// fields, the chunk container for code and constants, and the
// disassembler.
//
// Instruction Format (32 bits):
//
//	iABC:  [8-bit op][8-bit A][8-bit B][8-bit C]   three-register forms
//	iABx:  [8-bit op][8-bit A][16-bit Bx]          constant/large operands
//	iAsBx: [8-bit op][8-bit A][16-bit sBx]         jumps (signed offset)
package bytecode

// OpCode selects the operation of an instruction.
type OpCode uint8

const (
	// Generic arithmetic. Full type dispatch, mixed int/float, string
	// concatenation on ADD. Raises on unsupported operand kinds.
	OpAdd OpCode = iota // ADD R(A) R(B) R(C)    R(A) = R(B) + R(C)
	OpSub               // SUB R(A) R(B) R(C)    R(A) = R(B) - R(C)
	OpMul               // MUL R(A) R(B) R(C)    R(A) = R(B) * R(C)
	OpDiv               // DIV R(A) R(B) R(C)    R(A) = R(B) / R(C)
	OpMod               // MOD R(A) R(B) R(C)    R(A) = R(B) % R(C)
	OpNeg               // NEG R(A) R(B)         R(A) = -R(B)

	// Unchecked integer arithmetic. No type or overflow checks;
	// results wrap. Only emitted for operands proven to be integers,
	// so these are illegal on anything else and the interpreter
	// aborts the program if the proof was violated.
	OpFastAdd // FASTADD R(A) R(B) R(C)   R(A) = wrap(R(B) + R(C))
	OpFastSub // FASTSUB R(A) R(B) R(C)   R(A) = wrap(R(B) - R(C))
	OpFastMul // FASTMUL R(A) R(B) R(C)   R(A) = wrap(R(B) * R(C))

	// Cached arithmetic and comparison. Same semantics as the generic
	// forms, but each instruction owns an inline cache keyed by the
	// operand kind pair.
	OpAddIC // ADDIC R(A) R(B) R(C)
	OpSubIC // SUBIC R(A) R(B) R(C)
	OpMulIC // MULIC R(A) R(B) R(C)
	OpLtIC  // LTIC  R(A) R(B) R(C)
	OpEqIC  // EQIC  R(A) R(B) R(C)

	// Comparison, boolean result into R(A).
	OpEq // EQ  R(A) R(B) R(C)    R(A) = R(B) == R(C)
	OpNe // NE  R(A) R(B) R(C)
	OpLt // LT  R(A) R(B) R(C)
	OpLe // LE  R(A) R(B) R(C)
	OpGt // GT  R(A) R(B) R(C)
	OpGe // GE  R(A) R(B) R(C)

	OpNot // NOT R(A) R(B)         R(A) = !truthy(R(B))

	// Register and constant movement.
	OpMove     // MOVE R(A) R(B)        R(A) = R(B)
	OpLoadK    // LOADK R(A) Kst(Bx)    R(A) = K(Bx)
	OpLoadNil  // LOADNIL R(A)          R(A) = nil
	OpLoadBool // LOADBOOL R(A) B       R(A) = B != 0

	// Control flow. Jump offsets are relative to the next
	// instruction.
	OpJmp    // JMP sBx               pc += sBx
	OpJmpIf  // JMPIF R(A) sBx        if truthy(R(A)) pc += sBx
	OpJmpNot // JMPNOT R(A) sBx       if !truthy(R(A)) pc += sBx

	// Counted loop pair. R(A) holds the induction variable, R(A+1)
	// the limit, R(A+2) the step.
	OpForPrep // FORPREP R(A) sBx      R(A) -= R(A+2); pc += sBx
	OpForLoop // FORLOOP R(A) sBx      R(A) += R(A+2); if R(A) < R(A+1) pc += sBx

	// Patched form of a hot backward edge (JMP or FORLOOP). All
	// operand fields are preserved, so deoptimization restores the
	// original instruction by rewriting the opcode byte alone. The
	// compiled loop is looked up by instruction offset.
	OpJmpHot // JMPHOT <fields of the patched instruction>

	// Containers.
	OpNewList  // NEWLIST R(A) B        R(A) = [] with capacity hint B
	OpAppend   // APPEND R(A) R(B)      append R(B) to list R(A)
	OpLen      // LEN R(A) R(B)         R(A) = length of R(B)
	OpGetIndex // GETINDEX R(A) R(B) R(C)  R(A) = R(B)[R(C)]
	OpSetIndex // SETINDEX R(A) R(B) R(C)  R(A)[R(B)] = R(C)

	OpPrint  // PRINT R(A)            write render of R(A) to the output sink
	OpReturn // RETURN R(A) B         return R(A) when B != 0, else nil
	OpHalt   // HALT                  stop execution

	opCount
)

var opNames = [opCount]string{
	OpAdd:      "ADD",
	OpSub:      "SUB",
	OpMul:      "MUL",
	OpDiv:      "DIV",
	OpMod:      "MOD",
	OpNeg:      "NEG",
	OpFastAdd:  "FASTADD",
	OpFastSub:  "FASTSUB",
	OpFastMul:  "FASTMUL",
	OpAddIC:    "ADDIC",
	OpSubIC:    "SUBIC",
	OpMulIC:    "MULIC",
	OpLtIC:     "LTIC",
	OpEqIC:     "EQIC",
	OpEq:       "EQ",
	OpNe:       "NE",
	OpLt:       "LT",
	OpLe:       "LE",
	OpGt:       "GT",
	OpGe:       "GE",
	OpNot:      "NOT",
	OpMove:     "MOVE",
	OpLoadK:    "LOADK",
	OpLoadNil:  "LOADNIL",
	OpLoadBool: "LOADBOOL",
	OpJmp:      "JMP",
	OpJmpIf:    "JMPIF",
	OpJmpNot:   "JMPNOT",
	OpForPrep:  "FORPREP",
	OpForLoop:  "FORLOOP",
	OpJmpHot:   "JMPHOT",
	OpNewList:  "NEWLIST",
	OpAppend:   "APPEND",
	OpLen:      "LEN",
	OpGetIndex: "GETINDEX",
	OpSetIndex: "SETINDEX",
	OpPrint:    "PRINT",
	OpReturn:   "RETURN",
	OpHalt:     "HALT",
}

func (op OpCode) String() string {
	if op < opCount {
		return opNames[op]
	}
	return "INVALID"
}

// Instruction is one encoded 32-bit instruction word.
type Instruction uint32

const (
	posOp = 0
	posA  = 8
	posB  = 16
	posC  = 24

	maskOp = 0xFF
	maskA  = 0xFF
	maskB  = 0xFF
	maskC  = 0xFF
	maskBx = 0xFFFF

	MaxArgA   = maskA
	MaxArgB   = maskB
	MaxArgC   = maskC
	MaxArgBx  = maskBx
	MaxArgSBx = MaxArgBx >> 1
)

func CreateABC(op OpCode, a, b, c uint8) Instruction {
	return Instruction(op) |
		Instruction(a)<<posA |
		Instruction(b)<<posB |
		Instruction(c)<<posC
}

func CreateABx(op OpCode, a uint8, bx uint16) Instruction {
	return Instruction(op) |
		Instruction(a)<<posA |
		Instruction(bx)<<posB
}

func CreateAsBx(op OpCode, a uint8, sbx int16) Instruction {
	return CreateABx(op, a, uint16(int32(sbx)+MaxArgSBx))
}

func (i Instruction) Op() OpCode { return OpCode(i & maskOp) }
func (i Instruction) A() uint8   { return uint8((i >> posA) & maskA) }
func (i Instruction) B() uint8   { return uint8((i >> posB) & maskB) }
func (i Instruction) C() uint8   { return uint8((i >> posC) & maskC) }
func (i Instruction) Bx() uint16 { return uint16((i >> posB) & maskBx) }
func (i Instruction) SBx() int16 { return int16(int32(i.Bx()) - MaxArgSBx) }

// WithOp returns the instruction with only the opcode byte replaced,
// preserving all operand fields. Used for hot-jump patching, which
// must be reversible in place.
func (i Instruction) WithOp(op OpCode) Instruction {
	return (i &^ maskOp) | Instruction(op)
}
