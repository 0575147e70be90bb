package bytecode

import (
	"fmt"
	"strings"

	"tachyon/internal/value"
)

// Chunk is a compiled unit: an instruction stream, its constant pool,
// and the register count it needs. Chunks are immutable once built
// except for hot-jump opcode patching.
type Chunk struct {
	Name      string
	Code      []Instruction
	Constants []value.Value
	NumRegs   int
	// Lines maps instruction offsets to source lines when the chunk
	// came from the assembler; may be nil.
	Lines []int
}

// NewChunk returns an empty chunk.
func NewChunk(name string) *Chunk {
	return &Chunk{Name: name}
}

// Emit appends an instruction and returns its offset.
func (c *Chunk) Emit(ins Instruction) int {
	c.Code = append(c.Code, ins)
	return len(c.Code) - 1
}

// AddConstant interns v into the pool and returns its index. Scalar
// constants are deduplicated.
func (c *Chunk) AddConstant(v value.Value) int {
	switch v.Kind() {
	case value.KindInt, value.KindFloat, value.KindBool, value.KindStr, value.KindNil:
		for i, k := range c.Constants {
			if k.Kind() == v.Kind() && value.Equal(k, v) {
				return i
			}
		}
	}
	c.Constants = append(c.Constants, v)
	return len(c.Constants) - 1
}

// Patch rewrites the opcode byte at offset, keeping operands intact.
func (c *Chunk) Patch(offset int, op OpCode) {
	c.Code[offset] = c.Code[offset].WithOp(op)
}

// LineFor returns the source line for an instruction offset, or 0.
func (c *Chunk) LineFor(offset int) int {
	if offset >= 0 && offset < len(c.Lines) {
		return c.Lines[offset]
	}
	return 0
}

// Disassemble renders the whole chunk in a fixed-column listing.
func (c *Chunk) Disassemble() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "; chunk %q  %d instructions  %d constants  %d registers\n",
		c.Name, len(c.Code), len(c.Constants), c.NumRegs)
	for i, k := range c.Constants {
		fmt.Fprintf(&sb, "; const[%d] = %s %s\n", i, k.Kind(), k)
	}
	for pc := range c.Code {
		sb.WriteString(c.DisassembleAt(pc))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// DisassembleAt renders one instruction with its operands decoded
// according to the opcode's format.
func (c *Chunk) DisassembleAt(pc int) string {
	ins := c.Code[pc]
	op := ins.Op()
	switch op {
	case OpLoadK:
		idx := int(ins.Bx())
		kv := "<bad const>"
		if idx < len(c.Constants) {
			kv = c.Constants[idx].String()
		}
		return fmt.Sprintf("%04d  %-9s r%d, k%d        ; %s", pc, op, ins.A(), idx, kv)
	case OpLoadNil, OpPrint, OpHalt:
		return fmt.Sprintf("%04d  %-9s r%d", pc, op, ins.A())
	case OpLoadBool, OpNewList, OpReturn:
		return fmt.Sprintf("%04d  %-9s r%d, %d", pc, op, ins.A(), ins.B())
	case OpMove, OpNeg, OpNot, OpAppend, OpLen:
		return fmt.Sprintf("%04d  %-9s r%d, r%d", pc, op, ins.A(), ins.B())
	case OpJmp:
		return fmt.Sprintf("%04d  %-9s %+d           ; -> %04d", pc, op, ins.SBx(), pc+1+int(ins.SBx()))
	case OpJmpIf, OpJmpNot, OpForPrep, OpForLoop:
		return fmt.Sprintf("%04d  %-9s r%d, %+d       ; -> %04d", pc, op, ins.A(), ins.SBx(), pc+1+int(ins.SBx()))
	case OpJmpHot:
		return fmt.Sprintf("%04d  %-9s r%d, %+d       ; compiled backedge", pc, op, ins.A(), ins.SBx())
	default:
		return fmt.Sprintf("%04d  %-9s r%d, r%d, r%d", pc, op, ins.A(), ins.B(), ins.C())
	}
}
