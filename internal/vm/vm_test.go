package vm

import (
	"bytes"
	"strings"
	"testing"

	"tachyon/internal/bytecode"
	"tachyon/internal/errors"
	"tachyon/internal/jit"
	"tachyon/internal/value"
)

func newTestVM(t *testing.T, mutate func(*Config)) *VM {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Output = &bytes.Buffer{}
	if mutate != nil {
		mutate(&cfg)
	}
	vm, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(vm.Close)
	return vm
}

func run(t *testing.T, vm *VM, chunk *bytecode.Chunk) value.Value {
	t.Helper()
	v, err := vm.Run(chunk)
	if err != nil {
		t.Fatalf("Run(%s): %v", chunk.Name, err)
	}
	return v
}

func TestFastIntAddEndToEnd(t *testing.T) {
	c := bytecode.NewChunk("fastadd")
	c.NumRegs = 4
	k5 := c.AddConstant(value.Int(5))
	k7 := c.AddConstant(value.Int(7))
	c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 0, uint16(k5)))
	c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 1, uint16(k7)))
	c.Emit(bytecode.CreateABC(bytecode.OpFastAdd, 2, 0, 1))
	c.Emit(bytecode.CreateABC(bytecode.OpReturn, 2, 1, 0))

	got := run(t, newTestVM(t, nil), c)
	if !got.IsInt() || got.Int() != 12 {
		t.Fatalf("result = %s, want 12", got)
	}
}

func TestGenericArithmetic(t *testing.T) {
	tests := []struct {
		name string
		op   bytecode.OpCode
		l, r value.Value
		want value.Value
	}{
		{"int add", bytecode.OpAdd, value.Int(3), value.Int(4), value.Int(7)},
		{"mixed add widens", bytecode.OpAdd, value.Int(1), value.Float(0.5), value.Float(1.5)},
		{"string concat", bytecode.OpAdd, value.Str("ab"), value.Str("cd"), value.Str("abcd")},
		{"int sub", bytecode.OpSub, value.Int(10), value.Int(3), value.Int(7)},
		{"int mul", bytecode.OpMul, value.Int(6), value.Int(7), value.Int(42)},
		{"string repeat", bytecode.OpMul, value.Str("ab"), value.Int(3), value.Str("ababab")},
		{"int div truncates", bytecode.OpDiv, value.Int(7), value.Int(2), value.Int(3)},
		{"float div", bytecode.OpDiv, value.Float(1), value.Int(2), value.Float(0.5)},
		{"int mod", bytecode.OpMod, value.Int(7), value.Int(3), value.Int(1)},
		{"lt", bytecode.OpLt, value.Int(1), value.Int(2), value.Bool(true)},
		{"le equal", bytecode.OpLe, value.Int(2), value.Int(2), value.Bool(true)},
		{"string lt", bytecode.OpLt, value.Str("abc"), value.Str("abd"), value.Bool(true)},
		{"eq across kinds", bytecode.OpEq, value.Int(3), value.Float(3), value.Bool(true)},
		{"ne", bytecode.OpNe, value.Int(3), value.Int(4), value.Bool(true)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := binaryArith(tt.op, value.FromValue(tt.l), value.FromValue(tt.r))
			if err != nil {
				t.Fatalf("binaryArith: %v", err)
			}
			if !value.Equal(got, tt.want) || got.Kind() != tt.want.Kind() {
				t.Errorf("got %s %s, want %s %s", got.Kind(), got, tt.want.Kind(), tt.want)
			}
		})
	}
}

func TestTypeErrorMessage(t *testing.T) {
	_, err := binaryArith(bytecode.OpAdd,
		value.FromValue(value.Int(1)), value.FromValue(value.Str("x")))
	if err == nil {
		t.Fatal("expected a type error")
	}
	if !strings.Contains(err.Error(), "unsupported operand types for addition") {
		t.Errorf("message = %q", err.Error())
	}
	if !errors.IsType(err, errors.TypeError) {
		t.Errorf("taxonomy = %s", err.Type)
	}
}

func TestDivisionByZero(t *testing.T) {
	c := bytecode.NewChunk("divzero")
	c.NumRegs = 4
	k1 := c.AddConstant(value.Int(1))
	k0 := c.AddConstant(value.Int(0))
	c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 0, uint16(k1)))
	c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 1, uint16(k0)))
	c.Emit(bytecode.CreateABC(bytecode.OpDiv, 2, 0, 1))
	c.Emit(bytecode.CreateABC(bytecode.OpHalt, 0, 0, 0))

	_, err := newTestVM(t, nil).Run(c)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "division by zero") {
		t.Errorf("message = %q", err.Error())
	}
}

// sumLoop builds: acc = 0; for i = start..limit step 1 { acc = acc + i };
// return acc. Accumulator in r0, loop triple in r1..r3.
func sumLoop(start, limit int64) *bytecode.Chunk {
	c := bytecode.NewChunk("sumloop")
	c.NumRegs = 8
	c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 0, uint16(c.AddConstant(value.Int(0)))))
	c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 1, uint16(c.AddConstant(value.Int(start)))))
	c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 2, uint16(c.AddConstant(value.Int(limit)))))
	c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 3, uint16(c.AddConstant(value.Int(1)))))
	c.Emit(bytecode.CreateAsBx(bytecode.OpForPrep, 1, 1))
	c.Emit(bytecode.CreateABC(bytecode.OpAdd, 0, 0, 1))
	c.Emit(bytecode.CreateAsBx(bytecode.OpForLoop, 1, -2))
	c.Emit(bytecode.CreateABC(bytecode.OpReturn, 0, 1, 0))
	return c
}

func TestLoopInterpreted(t *testing.T) {
	vm := newTestVM(t, func(cfg *Config) { cfg.JIT.Enabled = false })
	got := run(t, vm, sumLoop(0, 1000))
	if got.Int() != 499500 {
		t.Fatalf("sum = %s, want 499500", got)
	}
}

func TestLoopCompiledMatchesInterpreter(t *testing.T) {
	interp := newTestVM(t, func(cfg *Config) { cfg.JIT.Enabled = false })
	want := run(t, interp, sumLoop(0, 1000))

	jitted := newTestVM(t, func(cfg *Config) { cfg.JIT.Threshold = 10 })
	chunk := sumLoop(0, 1000)
	backedge := len(chunk.Code) - 2
	got := run(t, jitted, chunk)

	if !value.Equal(got, want) {
		t.Fatalf("compiled result %s, interpreted %s", got, want)
	}
	if chunk.Code[backedge].Op() != bytecode.OpJmpHot {
		t.Errorf("backedge was not patched hot: %s", chunk.Code[backedge].Op())
	}
	// Running the patched chunk again goes straight through the
	// compiled loop and must agree.
	again := run(t, jitted, chunk)
	if !value.Equal(again, want) {
		t.Fatalf("second run %s, want %s", again, want)
	}
}

func TestDeoptTransparency(t *testing.T) {
	// The accumulator holds a float, so the compiled loop's entry
	// guard fails on the first hot execution. The site must patch
	// back and produce exactly the interpreter's result.
	build := func() *bytecode.Chunk {
		c := bytecode.NewChunk("floatacc")
		c.NumRegs = 8
		c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 0, uint16(c.AddConstant(value.Float(0.5)))))
		c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 1, uint16(c.AddConstant(value.Int(0)))))
		c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 2, uint16(c.AddConstant(value.Int(100)))))
		c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 3, uint16(c.AddConstant(value.Int(1)))))
		c.Emit(bytecode.CreateAsBx(bytecode.OpForPrep, 1, 1))
		c.Emit(bytecode.CreateABC(bytecode.OpAdd, 0, 0, 1))
		c.Emit(bytecode.CreateAsBx(bytecode.OpForLoop, 1, -2))
		c.Emit(bytecode.CreateABC(bytecode.OpReturn, 0, 1, 0))
		return c
	}

	interp := newTestVM(t, func(cfg *Config) { cfg.JIT.Enabled = false })
	want := run(t, interp, build())

	jitted := newTestVM(t, func(cfg *Config) { cfg.JIT.Threshold = 10 })
	chunk := build()
	backedge := len(chunk.Code) - 2
	got := run(t, jitted, chunk)

	if !value.Equal(got, want) {
		t.Fatalf("deopt run %s, interpreted %s", got, want)
	}
	if chunk.Code[backedge].Op() != bytecode.OpForLoop {
		t.Errorf("deopt did not restore the backedge: %s", chunk.Code[backedge].Op())
	}
}

func TestCompiledLoopDivisionByZero(t *testing.T) {
	// acc = acc / r4 with r4 = 0 inside a hot loop: the compiled loop
	// must surface the same error the interpreter raises.
	c := bytecode.NewChunk("hotdiv")
	c.NumRegs = 8
	c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 0, uint16(c.AddConstant(value.Int(1)))))
	c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 1, uint16(c.AddConstant(value.Int(0)))))
	c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 2, uint16(c.AddConstant(value.Int(1000)))))
	c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 3, uint16(c.AddConstant(value.Int(1)))))
	c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 4, uint16(c.AddConstant(value.Int(100))))) // divisor countdown
	c.Emit(bytecode.CreateAsBx(bytecode.OpForPrep, 1, 2))
	c.Emit(bytecode.CreateABC(bytecode.OpDiv, 5, 0, 4))
	c.Emit(bytecode.CreateABC(bytecode.OpSub, 4, 4, 3))
	c.Emit(bytecode.CreateAsBx(bytecode.OpForLoop, 1, -3))
	c.Emit(bytecode.CreateABC(bytecode.OpHalt, 0, 0, 0))

	vm := newTestVM(t, func(cfg *Config) { cfg.JIT.Threshold = 5 })
	_, err := vm.Run(c)
	if err == nil {
		t.Fatal("expected division by zero")
	}
	if !strings.Contains(err.Error(), "division by zero") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestCachedOpcodes(t *testing.T) {
	// A loop over ADDIC warms the cache; the result must match plain
	// ADD and the site must be monomorphic afterwards.
	c := bytecode.NewChunk("cached")
	c.NumRegs = 8
	c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 0, uint16(c.AddConstant(value.Int(0)))))
	c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 1, uint16(c.AddConstant(value.Int(0)))))
	c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 2, uint16(c.AddConstant(value.Int(50)))))
	c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 3, uint16(c.AddConstant(value.Int(1)))))
	c.Emit(bytecode.CreateAsBx(bytecode.OpForPrep, 1, 1))
	icPC := c.Emit(bytecode.CreateABC(bytecode.OpAddIC, 0, 0, 1))
	c.Emit(bytecode.CreateAsBx(bytecode.OpForLoop, 1, -2))
	c.Emit(bytecode.CreateABC(bytecode.OpReturn, 0, 1, 0))

	vm := newTestVM(t, func(cfg *Config) { cfg.JIT.Enabled = false })
	got := run(t, vm, c)
	if got.Int() != 1225 {
		t.Fatalf("sum = %s, want 1225", got)
	}
	site := vm.Caches(c).Site(icPC)
	hits, misses := site.Stats()
	if misses != 1 {
		t.Errorf("misses = %d, want exactly the cold observation", misses)
	}
	if hits != 49 {
		t.Errorf("hits = %d, want 49", hits)
	}
}

func TestPrint(t *testing.T) {
	var out bytes.Buffer
	vm := newTestVM(t, func(cfg *Config) { cfg.Output = &out })

	c := bytecode.NewChunk("print")
	c.NumRegs = 2
	c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 0, uint16(c.AddConstant(value.Str("hello")))))
	c.Emit(bytecode.CreateABC(bytecode.OpPrint, 0, 0, 0))
	c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 0, uint16(c.AddConstant(value.Int(42)))))
	c.Emit(bytecode.CreateABC(bytecode.OpPrint, 0, 0, 0))
	c.Emit(bytecode.CreateABC(bytecode.OpHalt, 0, 0, 0))
	run(t, vm, c)

	if got := out.String(); got != "hello\n42\n" {
		t.Errorf("output = %q", got)
	}
}

func TestListAliasingCopyOnWrite(t *testing.T) {
	// r0 = [7]; r1 = r0 (shared cell); r1[0] = 9; return r0[0].
	// The write through the shared alias must divert, leaving r0
	// untouched.
	c := bytecode.NewChunk("cow")
	c.NumRegs = 8
	k7 := c.AddConstant(value.Int(7))
	k9 := c.AddConstant(value.Int(9))
	k0 := c.AddConstant(value.Int(0))
	c.Emit(bytecode.CreateABC(bytecode.OpNewList, 0, 1, 0))
	c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 2, uint16(k7)))
	c.Emit(bytecode.CreateABC(bytecode.OpAppend, 0, 2, 0))
	c.Emit(bytecode.CreateABC(bytecode.OpMove, 1, 0, 0))
	c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 3, uint16(k9)))
	c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 4, uint16(k0)))
	c.Emit(bytecode.CreateABC(bytecode.OpSetIndex, 1, 4, 3))
	c.Emit(bytecode.CreateABC(bytecode.OpGetIndex, 5, 0, 4))
	c.Emit(bytecode.CreateABC(bytecode.OpReturn, 5, 1, 0))

	got := run(t, newTestVM(t, nil), c)
	if got.Int() != 7 {
		t.Fatalf("r0[0] = %s after aliased write, want 7", got)
	}
}

func TestAppendThroughAliasedList(t *testing.T) {
	// r0 = [] with spare capacity; r1 = r0; append 7 through r0, then
	// 9 through r1. The diverted cells must not share the original
	// backing array, or the second append clobbers the first.
	c := bytecode.NewChunk("appendalias")
	c.NumRegs = 8
	k7 := c.AddConstant(value.Int(7))
	k9 := c.AddConstant(value.Int(9))
	k0 := c.AddConstant(value.Int(0))
	c.Emit(bytecode.CreateABC(bytecode.OpNewList, 0, 4, 0))
	c.Emit(bytecode.CreateABC(bytecode.OpMove, 1, 0, 0))
	c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 2, uint16(k7)))
	c.Emit(bytecode.CreateABC(bytecode.OpAppend, 0, 2, 0))
	c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 3, uint16(k9)))
	c.Emit(bytecode.CreateABC(bytecode.OpAppend, 1, 3, 0))
	c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 4, uint16(k0)))
	c.Emit(bytecode.CreateABC(bytecode.OpGetIndex, 5, 0, 4))
	c.Emit(bytecode.CreateABC(bytecode.OpReturn, 5, 1, 0))

	got := run(t, newTestVM(t, nil), c)
	if got.Int() != 7 {
		t.Fatalf("r0[0] = %s after aliased append, want 7", got)
	}
}

func TestCompiledLoopCarriesBranchCondition(t *testing.T) {
	// r4 gates the accumulate at the top of the body and is rewritten
	// at the bottom, so its value carries across the backedge. The
	// compiled loop must pick up the live flag, not a zero value.
	build := func() *bytecode.Chunk {
		c := bytecode.NewChunk("gated")
		c.NumRegs = 8
		c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 0, uint16(c.AddConstant(value.Int(0)))))
		c.Emit(bytecode.CreateABC(bytecode.OpLoadBool, 4, 1, 0))
		c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 5, uint16(c.AddConstant(value.Int(50)))))
		c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 1, uint16(c.AddConstant(value.Int(0)))))
		c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 2, uint16(c.AddConstant(value.Int(100)))))
		c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 3, uint16(c.AddConstant(value.Int(1)))))
		c.Emit(bytecode.CreateAsBx(bytecode.OpForPrep, 1, 3))
		c.Emit(bytecode.CreateAsBx(bytecode.OpJmpNot, 4, 1))
		c.Emit(bytecode.CreateABC(bytecode.OpAdd, 0, 0, 3))
		c.Emit(bytecode.CreateABC(bytecode.OpLt, 4, 1, 5))
		c.Emit(bytecode.CreateAsBx(bytecode.OpForLoop, 1, -4))
		c.Emit(bytecode.CreateABC(bytecode.OpReturn, 0, 1, 0))
		return c
	}

	interp := newTestVM(t, func(cfg *Config) { cfg.JIT.Enabled = false })
	want := run(t, interp, build())

	jitted := newTestVM(t, func(cfg *Config) {
		cfg.JIT.Threshold = 10
		cfg.JIT.Backend = "closure"
	})
	got := run(t, jitted, build())
	if !value.Equal(got, want) {
		t.Fatalf("compiled result %s, interpreted %s", got, want)
	}
	// i = 0 accumulates through the initial flag, i = 1..50 through
	// the comparison against 50.
	if want.Int() != 51 {
		t.Fatalf("interpreted result %s, want 51", want)
	}
}

func TestIndexErrors(t *testing.T) {
	t.Run("out of range", func(t *testing.T) {
		c := bytecode.NewChunk("oob")
		c.NumRegs = 4
		c.Emit(bytecode.CreateABC(bytecode.OpNewList, 0, 0, 0))
		c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 1, uint16(c.AddConstant(value.Int(3)))))
		c.Emit(bytecode.CreateABC(bytecode.OpGetIndex, 2, 0, 1))
		_, err := newTestVM(t, nil).Run(c)
		if err == nil || !errors.IsType(err, errors.IndexError) {
			t.Fatalf("err = %v", err)
		}
	})
	t.Run("not indexable", func(t *testing.T) {
		c := bytecode.NewChunk("noindex")
		c.NumRegs = 4
		c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 0, uint16(c.AddConstant(value.Int(5)))))
		c.Emit(bytecode.CreateABC(bytecode.OpGetIndex, 2, 0, 0))
		_, err := newTestVM(t, nil).Run(c)
		if err == nil || !errors.IsType(err, errors.TypeError) {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestHotLoopWithHelperFallsBackGracefully(t *testing.T) {
	// A loop appending to a list may or may not compile depending on
	// the backend; either way the observable result is fixed.
	c := bytecode.NewChunk("hotappend")
	c.NumRegs = 8
	c.Emit(bytecode.CreateABC(bytecode.OpNewList, 4, 0, 0))
	c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 1, uint16(c.AddConstant(value.Int(0)))))
	c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 2, uint16(c.AddConstant(value.Int(200)))))
	c.Emit(bytecode.CreateABx(bytecode.OpLoadK, 3, uint16(c.AddConstant(value.Int(1)))))
	c.Emit(bytecode.CreateAsBx(bytecode.OpForPrep, 1, 1))
	c.Emit(bytecode.CreateABC(bytecode.OpAppend, 4, 1, 0))
	c.Emit(bytecode.CreateAsBx(bytecode.OpForLoop, 1, -2))
	c.Emit(bytecode.CreateABC(bytecode.OpLen, 5, 4, 0))
	c.Emit(bytecode.CreateABC(bytecode.OpReturn, 5, 1, 0))

	vm := newTestVM(t, func(cfg *Config) { cfg.JIT.Threshold = 10 })
	got := run(t, vm, c)
	if got.Int() != 200 {
		t.Fatalf("len = %s, want 200", got)
	}
}

func TestJITConfigBackends(t *testing.T) {
	vm := newTestVM(t, func(cfg *Config) { cfg.JIT.Backend = "closure" })
	if vm.JITBackend() != "closure" {
		t.Fatalf("backend = %s", vm.JITBackend())
	}
	if _, err := New(Config{JIT: jit.Config{Backend: "bogus"}}, nil); err == nil {
		t.Fatal("bogus backend must be rejected")
	}
}
