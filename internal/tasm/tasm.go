// Package tasm assembles the textual instruction format into chunks.
// The format is line oriented: one instruction per line, registers as
// rN, constants as literals, jump targets as labels. Comments start
// with ';' and run to end of line.
//
//	.registers 8
//	        loadk   r0, 0
//	        loadk   r1, 0
//	        loadk   r2, 1000
//	        loadk   r3, 1
//	        forprep r1, check
//	body:   add     r0, r0, r1
//	check:  forloop r1, body
//	        return  r0
package tasm

import (
	"strconv"
	"strings"

	"tachyon/internal/bytecode"
	"tachyon/internal/errors"
	"tachyon/internal/value"
)

type operandForm uint8

const (
	formABC  operandForm = iota // op rA, rB, rC
	formAB                      // op rA, rB
	formA                       // op rA
	formNone                    // op
	formConst                   // op rA, literal
	formBool                    // op rA, true|false
	formList                    // op rA [, capacity]
	formJump                    // op label
	formCondJump                // op rA, label
	formReturn                  // op [rA]
)

var opTable = map[string]struct {
	op   bytecode.OpCode
	form operandForm
}{
	"add":      {bytecode.OpAdd, formABC},
	"sub":      {bytecode.OpSub, formABC},
	"mul":      {bytecode.OpMul, formABC},
	"div":      {bytecode.OpDiv, formABC},
	"mod":      {bytecode.OpMod, formABC},
	"fastadd":  {bytecode.OpFastAdd, formABC},
	"fastsub":  {bytecode.OpFastSub, formABC},
	"fastmul":  {bytecode.OpFastMul, formABC},
	"addic":    {bytecode.OpAddIC, formABC},
	"subic":    {bytecode.OpSubIC, formABC},
	"mulic":    {bytecode.OpMulIC, formABC},
	"ltic":     {bytecode.OpLtIC, formABC},
	"eqic":     {bytecode.OpEqIC, formABC},
	"eq":       {bytecode.OpEq, formABC},
	"ne":       {bytecode.OpNe, formABC},
	"lt":       {bytecode.OpLt, formABC},
	"le":       {bytecode.OpLe, formABC},
	"gt":       {bytecode.OpGt, formABC},
	"ge":       {bytecode.OpGe, formABC},
	"getindex": {bytecode.OpGetIndex, formABC},
	"setindex": {bytecode.OpSetIndex, formABC},
	"move":     {bytecode.OpMove, formAB},
	"neg":      {bytecode.OpNeg, formAB},
	"not":      {bytecode.OpNot, formAB},
	"append":   {bytecode.OpAppend, formAB},
	"len":      {bytecode.OpLen, formAB},
	"print":    {bytecode.OpPrint, formA},
	"loadnil":  {bytecode.OpLoadNil, formA},
	"halt":     {bytecode.OpHalt, formNone},
	"loadk":    {bytecode.OpLoadK, formConst},
	"loadbool": {bytecode.OpLoadBool, formBool},
	"newlist":  {bytecode.OpNewList, formList},
	"jmp":      {bytecode.OpJmp, formJump},
	"jmpif":    {bytecode.OpJmpIf, formCondJump},
	"jmpnot":   {bytecode.OpJmpNot, formCondJump},
	"forprep":  {bytecode.OpForPrep, formCondJump},
	"forloop":  {bytecode.OpForLoop, formCondJump},
	"return":   {bytecode.OpReturn, formReturn},
}

type fixup struct {
	offset int    // instruction to patch
	label  string // target label
	line   int
	a      uint8
	op     bytecode.OpCode
}

// Assemble turns source text into a chunk named name.
func Assemble(name, src string) (*bytecode.Chunk, error) {
	chunk := bytecode.NewChunk(name)
	labels := make(map[string]int)
	var fixups []fixup
	maxReg := -1

	useReg := func(r uint8) {
		if int(r) > maxReg {
			maxReg = int(r)
		}
	}

	for lineNo, raw := range strings.Split(src, "\n") {
		line := raw
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		ln := lineNo + 1

		// label definitions, possibly followed by an instruction
		for {
			i := strings.IndexByte(line, ':')
			if i < 0 || strings.ContainsAny(line[:i], " \t\"") {
				break
			}
			label := line[:i]
			if _, dup := labels[label]; dup {
				return nil, asmErr(name, ln, "duplicate label %q", label)
			}
			labels[label] = len(chunk.Code)
			line = strings.TrimSpace(line[i+1:])
			if line == "" {
				break
			}
		}
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, ".registers") {
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, ".registers")))
			if err != nil || n <= 0 || n > 256 {
				return nil, asmErr(name, ln, "bad register count")
			}
			chunk.NumRegs = n
			continue
		}

		mnemonic, rest := splitMnemonic(line)
		entry, ok := opTable[mnemonic]
		if !ok {
			return nil, asmErr(name, ln, "unknown instruction %q", mnemonic)
		}
		args, err := splitArgs(rest)
		if err != nil {
			return nil, asmErr(name, ln, "%s", err)
		}

		var ins bytecode.Instruction
		switch entry.form {
		case formABC:
			a, b, c, err := regs3(args)
			if err != nil {
				return nil, asmErr(name, ln, "%s: %s", mnemonic, err)
			}
			useReg(a)
			useReg(b)
			useReg(c)
			ins = bytecode.CreateABC(entry.op, a, b, c)
		case formAB:
			a, b, err := regs2(args)
			if err != nil {
				return nil, asmErr(name, ln, "%s: %s", mnemonic, err)
			}
			useReg(a)
			useReg(b)
			ins = bytecode.CreateABC(entry.op, a, b, 0)
		case formA:
			a, err := regs1(args)
			if err != nil {
				return nil, asmErr(name, ln, "%s: %s", mnemonic, err)
			}
			useReg(a)
			ins = bytecode.CreateABC(entry.op, a, 0, 0)
		case formNone:
			if len(args) != 0 {
				return nil, asmErr(name, ln, "%s takes no operands", mnemonic)
			}
			ins = bytecode.CreateABC(entry.op, 0, 0, 0)
		case formConst:
			if len(args) != 2 {
				return nil, asmErr(name, ln, "loadk needs a register and a literal")
			}
			a, err := parseReg(args[0])
			if err != nil {
				return nil, asmErr(name, ln, "%s", err)
			}
			v, err := parseLiteral(args[1])
			if err != nil {
				return nil, asmErr(name, ln, "%s", err)
			}
			useReg(a)
			k := chunk.AddConstant(v)
			if k > bytecode.MaxArgBx {
				return nil, asmErr(name, ln, "constant pool overflow")
			}
			ins = bytecode.CreateABx(entry.op, a, uint16(k))
		case formBool:
			if len(args) != 2 {
				return nil, asmErr(name, ln, "loadbool needs a register and true/false")
			}
			a, err := parseReg(args[0])
			if err != nil {
				return nil, asmErr(name, ln, "%s", err)
			}
			useReg(a)
			var b uint8
			switch args[1] {
			case "true":
				b = 1
			case "false":
				b = 0
			default:
				return nil, asmErr(name, ln, "loadbool wants true or false, got %q", args[1])
			}
			ins = bytecode.CreateABC(entry.op, a, b, 0)
		case formList:
			if len(args) < 1 || len(args) > 2 {
				return nil, asmErr(name, ln, "newlist needs a register and an optional capacity")
			}
			a, err := parseReg(args[0])
			if err != nil {
				return nil, asmErr(name, ln, "%s", err)
			}
			useReg(a)
			var capHint uint8
			if len(args) == 2 {
				n, err := strconv.ParseUint(args[1], 10, 8)
				if err != nil {
					return nil, asmErr(name, ln, "bad capacity %q", args[1])
				}
				capHint = uint8(n)
			}
			ins = bytecode.CreateABC(entry.op, a, capHint, 0)
		case formJump:
			if len(args) != 1 {
				return nil, asmErr(name, ln, "jmp needs a label")
			}
			fixups = append(fixups, fixup{len(chunk.Code), args[0], ln, 0, entry.op})
			ins = bytecode.CreateAsBx(entry.op, 0, 0)
		case formCondJump:
			if len(args) != 2 {
				return nil, asmErr(name, ln, "%s needs a register and a label", mnemonic)
			}
			a, err := parseReg(args[0])
			if err != nil {
				return nil, asmErr(name, ln, "%s", err)
			}
			useReg(a)
			if entry.op == bytecode.OpForPrep || entry.op == bytecode.OpForLoop {
				useReg(a + 2)
			}
			fixups = append(fixups, fixup{len(chunk.Code), args[1], ln, a, entry.op})
			ins = bytecode.CreateAsBx(entry.op, a, 0)
		case formReturn:
			switch len(args) {
			case 0:
				ins = bytecode.CreateABC(entry.op, 0, 0, 0)
			case 1:
				a, err := parseReg(args[0])
				if err != nil {
					return nil, asmErr(name, ln, "%s", err)
				}
				useReg(a)
				ins = bytecode.CreateABC(entry.op, a, 1, 0)
			default:
				return nil, asmErr(name, ln, "return takes at most one register")
			}
		}
		chunk.Emit(ins)
		chunk.Lines = append(chunk.Lines, ln)
	}

	for _, f := range fixups {
		target, ok := labels[f.label]
		if !ok {
			return nil, asmErr(name, f.line, "undefined label %q", f.label)
		}
		off := target - (f.offset + 1)
		if off < -bytecode.MaxArgSBx || off > bytecode.MaxArgSBx {
			return nil, asmErr(name, f.line, "jump to %q out of range", f.label)
		}
		chunk.Code[f.offset] = bytecode.CreateAsBx(f.op, f.a, int16(off))
	}

	if chunk.NumRegs == 0 {
		chunk.NumRegs = maxReg + 1
	}
	if maxReg >= chunk.NumRegs {
		return nil, asmErr(name, 0, "register r%d exceeds declared count %d", maxReg, chunk.NumRegs)
	}
	return chunk, nil
}

func asmErr(chunk string, line int, format string, args ...interface{}) error {
	e := errors.New(errors.AsmError, format, args...)
	e.Chunk = chunk
	e.Line = line
	return e
}

func splitMnemonic(line string) (string, string) {
	i := strings.IndexAny(line, " \t")
	if i < 0 {
		return strings.ToLower(line), ""
	}
	return strings.ToLower(line[:i]), strings.TrimSpace(line[i:])
}

// splitArgs splits on commas, respecting string literals.
func splitArgs(rest string) ([]string, error) {
	if strings.TrimSpace(rest) == "" {
		return nil, nil
	}
	var args []string
	var cur strings.Builder
	inStr := false
	for i := 0; i < len(rest); i++ {
		ch := rest[i]
		switch {
		case ch == '"':
			inStr = !inStr
			cur.WriteByte(ch)
		case ch == '\\' && inStr && i+1 < len(rest):
			cur.WriteByte(ch)
			i++
			cur.WriteByte(rest[i])
		case ch == ',' && !inStr:
			args = append(args, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteByte(ch)
		}
	}
	if inStr {
		return nil, errors.New(errors.AsmError, "unterminated string literal")
	}
	args = append(args, strings.TrimSpace(cur.String()))
	return args, nil
}

func parseReg(s string) (uint8, error) {
	if len(s) < 2 || (s[0] != 'r' && s[0] != 'R') {
		return 0, errors.New(errors.AsmError, "expected a register, got %q", s)
	}
	n, err := strconv.ParseUint(s[1:], 10, 8)
	if err != nil {
		return 0, errors.New(errors.AsmError, "bad register %q", s)
	}
	return uint8(n), nil
}

func parseLiteral(s string) (value.Value, error) {
	switch s {
	case "nil":
		return value.Nil(), nil
	case "true":
		return value.Bool(true), nil
	case "false":
		return value.Bool(false), nil
	}
	if strings.HasPrefix(s, "\"") {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return value.Nil(), errors.New(errors.AsmError, "bad string literal %s", s)
		}
		return value.Str(unq), nil
	}
	if i, err := strconv.ParseInt(s, 0, 64); err == nil {
		return value.Int(i), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return value.Float(f), nil
	}
	return value.Nil(), errors.New(errors.AsmError, "bad literal %q", s)
}

func regs1(args []string) (uint8, error) {
	if len(args) != 1 {
		return 0, errors.New(errors.AsmError, "want 1 operand, got %d", len(args))
	}
	return parseReg(args[0])
}

func regs2(args []string) (uint8, uint8, error) {
	if len(args) != 2 {
		return 0, 0, errors.New(errors.AsmError, "want 2 operands, got %d", len(args))
	}
	a, err := parseReg(args[0])
	if err != nil {
		return 0, 0, err
	}
	b, err := parseReg(args[1])
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func regs3(args []string) (uint8, uint8, uint8, error) {
	if len(args) != 3 {
		return 0, 0, 0, errors.New(errors.AsmError, "want 3 operands, got %d", len(args))
	}
	a, err := parseReg(args[0])
	if err != nil {
		return 0, 0, 0, err
	}
	b, err := parseReg(args[1])
	if err != nil {
		return 0, 0, 0, err
	}
	c, err := parseReg(args[2])
	if err != nil {
		return 0, 0, 0, err
	}
	return a, b, c, nil
}
