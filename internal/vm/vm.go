// Package vm implements the register interpreter: the dispatch loop,
// backward-jump profiling, hot-jump patching into compiled loops, and
// the deoptimization path back to interpretation.
package vm

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rcrowley/go-metrics"
	"go.uber.org/zap"

	"tachyon/internal/bytecode"
	"tachyon/internal/errors"
	"tachyon/internal/ic"
	"tachyon/internal/jit"
	"tachyon/internal/value"
)

// Config tunes one interpreter instance.
type Config struct {
	// MaxRegisters sizes the register file when the chunk does not
	// declare its own count.
	MaxRegisters int
	// Output receives PRINT results; defaults to stdout.
	Output io.Writer
	JIT    jit.Config
}

// DefaultConfig returns the shipping defaults.
func DefaultConfig() Config {
	return Config{
		MaxRegisters: 256,
		JIT:          jit.DefaultConfig(),
	}
}

// VM executes chunks. A VM is not safe for concurrent use; run one
// chunk at a time.
type VM struct {
	cfg Config
	log *zap.Logger
	out io.Writer
	jit *jit.Engine

	// caches maps each executed chunk to its inline cache table.
	caches map[*bytecode.Chunk]*ic.Table

	insCount   metrics.Counter
	icHits     metrics.Counter
	icMisses   metrics.Counter
	hotPatches metrics.Counter
}

// New builds a VM. A nil logger disables logging.
func New(cfg Config, log *zap.Logger) (*VM, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxRegisters <= 0 {
		cfg.MaxRegisters = DefaultConfig().MaxRegisters
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	engine, err := jit.NewEngine(cfg.JIT, log)
	if err != nil {
		return nil, err
	}
	return &VM{
		cfg:        cfg,
		log:        log,
		out:        cfg.Output,
		jit:        engine,
		caches:     make(map[*bytecode.Chunk]*ic.Table),
		insCount:   metrics.GetOrRegisterCounter("vm.instructions", nil),
		icHits:     metrics.GetOrRegisterCounter("vm.ic_hits", nil),
		icMisses:   metrics.GetOrRegisterCounter("vm.ic_misses", nil),
		hotPatches: metrics.GetOrRegisterCounter("vm.hot_patches", nil),
	}, nil
}

// Close releases JIT resources.
func (vm *VM) Close() {
	vm.jit.Close()
}

// Caches returns the inline cache table for a chunk, creating it on
// first use.
func (vm *VM) Caches(chunk *bytecode.Chunk) *ic.Table {
	t, ok := vm.caches[chunk]
	if !ok {
		t = ic.NewTable()
		vm.caches[chunk] = t
	}
	return t
}

// JITBackend reports the active compilation backend.
func (vm *VM) JITBackend() string { return vm.jit.BackendName() }

// Run executes a chunk to completion and returns its result: the
// value of a RETURN instruction, or nil after HALT or falling off the
// end.
func (vm *VM) Run(chunk *bytecode.Chunk) (value.Value, error) {
	runID := uuid.NewString()
	started := time.Now()
	vm.log.Debug("run start",
		zap.String("run", runID),
		zap.String("chunk", chunk.Name),
		zap.Int("instructions", len(chunk.Code)))

	result, executed, err := vm.exec(chunk)

	vm.insCount.Inc(executed)
	if err != nil {
		vm.log.Debug("run failed",
			zap.String("run", runID),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err))
		return value.Nil(), err
	}
	vm.log.Debug("run done",
		zap.String("run", runID),
		zap.Int64("executed", executed),
		zap.Duration("elapsed", time.Since(started)))
	return result, nil
}

func (vm *VM) exec(chunk *bytecode.Chunk) (value.Value, int64, error) {
	numRegs := chunk.NumRegs
	if numRegs <= 0 || numRegs > vm.cfg.MaxRegisters {
		numRegs = vm.cfg.MaxRegisters
	}
	regs := make([]value.Slot, numRegs)
	defer func() {
		for i := range regs {
			regs[i].Clear()
		}
	}()

	caches := vm.Caches(chunk)
	code := chunk.Code
	var executed int64

	fail := func(pc int, err *errors.EngineError) (value.Value, int64, error) {
		return value.Nil(), executed, err.At(chunk.Name, pc, chunk.LineFor(pc))
	}

	pc := 0
	for pc < len(code) {
		ins := code[pc]
		here := pc
		pc++
		executed++

		switch op := ins.Op(); op {
		case bytecode.OpLoadK:
			regs[ins.A()].SetValue(chunk.Constants[ins.Bx()])

		case bytecode.OpLoadNil:
			regs[ins.A()].Clear()

		case bytecode.OpLoadBool:
			regs[ins.A()].SetValue(value.Bool(ins.B() != 0))

		case bytecode.OpMove:
			dst := ins.A()
			src := regs[ins.B()].Copy()
			regs[dst].Clear()
			regs[dst] = src

		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul,
			bytecode.OpDiv, bytecode.OpMod:
			v, err := binaryArith(op, regs[ins.B()], regs[ins.C()])
			if err != nil {
				return fail(here, err)
			}
			regs[ins.A()].SetValue(v)

		case bytecode.OpFastAdd, bytecode.OpFastSub, bytecode.OpFastMul:
			// Unchecked family: the emitter proved both operands are
			// integers. A failed proof here is a compiler bug, not a
			// user error.
			p, ok := value.ProveInts(regs[ins.B()], regs[ins.C()])
			if !ok {
				return fail(here, errors.New(errors.RuntimeError,
					"unchecked integer instruction on %s and %s operands",
					regs[ins.B()].ValueKind(), regs[ins.C()].ValueKind()))
			}
			var r int64
			switch op {
			case bytecode.OpFastAdd:
				r = p.Add()
			case bytecode.OpFastSub:
				r = p.Sub()
			default:
				r = p.Mul()
			}
			regs[ins.A()].Clear()
			regs[ins.A()] = value.IntSlot(r)

		case bytecode.OpAddIC, bytecode.OpSubIC, bytecode.OpMulIC,
			bytecode.OpLtIC, bytecode.OpEqIC:
			site := caches.Site(here)
			v, hit := runCached(op, site, regs[ins.B()], regs[ins.C()])
			if hit {
				vm.icHits.Inc(1)
			} else {
				vm.icMisses.Inc(1)
				var err *errors.EngineError
				v, err = binaryArith(genericOf(op), regs[ins.B()], regs[ins.C()])
				if err != nil {
					return fail(here, err)
				}
			}
			regs[ins.A()].SetValue(v)

		case bytecode.OpEq, bytecode.OpNe, bytecode.OpLt,
			bytecode.OpLe, bytecode.OpGt, bytecode.OpGe:
			v, err := binaryArith(op, regs[ins.B()], regs[ins.C()])
			if err != nil {
				return fail(here, err)
			}
			regs[ins.A()].SetValue(v)

		case bytecode.OpNeg:
			src := regs[ins.B()]
			if i, ok := src.AsInt(); ok {
				regs[ins.A()].Clear()
				regs[ins.A()] = value.IntSlot(value.FastSub(0, i))
			} else if f, ok := src.AsFloat(); ok {
				regs[ins.A()].Clear()
				regs[ins.A()] = value.FloatSlot(-f)
			} else {
				return fail(here, errors.New(errors.TypeError,
					"unsupported operand type for negation: %s", src.ValueKind()))
			}

		case bytecode.OpNot:
			regs[ins.A()].SetValue(value.Bool(!regs[ins.B()].Truthy()))

		case bytecode.OpJmp:
			off := int(ins.SBx())
			if off < 0 && vm.jit.OnBackwardJump(chunk, here) {
				chunk.Patch(here, bytecode.OpJmpHot)
				vm.hotPatches.Inc(1)
			}
			pc += off

		case bytecode.OpJmpIf:
			if regs[ins.A()].Truthy() {
				pc += int(ins.SBx())
			}

		case bytecode.OpJmpNot:
			if !regs[ins.A()].Truthy() {
				pc += int(ins.SBx())
			}

		case bytecode.OpForPrep:
			if err := vm.forPrep(regs, ins); err != nil {
				return fail(here, err)
			}
			pc += int(ins.SBx())

		case bytecode.OpForLoop:
			cont, err := vm.forLoop(regs, ins)
			if err != nil {
				return fail(here, err)
			}
			if cont {
				if vm.jit.OnBackwardJump(chunk, here) {
					chunk.Patch(here, bytecode.OpJmpHot)
					vm.hotPatches.Inc(1)
				}
				pc += int(ins.SBx())
			}

		case bytecode.OpJmpHot:
			next, err := vm.runHot(chunk, regs, ins, here)
			if err != nil {
				return fail(here, err)
			}
			pc = next

		case bytecode.OpNewList:
			regs[ins.A()].SetValue(value.List(make([]value.Value, 0, int(ins.B()))))

		case bytecode.OpAppend, bytecode.OpLen:
			helper, _ := jit.HelperFor(op)
			status := helper(&regs[0], int32(ins.A()), int32(ins.B()), int32(ins.C()))
			if err := statusError(jit.Status(status), op, regs, ins); err != nil {
				return fail(here, err)
			}

		case bytecode.OpGetIndex:
			v, err := getIndex(regs[ins.B()], regs[ins.C()])
			if err != nil {
				return fail(here, err)
			}
			regs[ins.A()].SetValue(v)

		case bytecode.OpSetIndex:
			if err := setIndex(&regs[ins.A()], regs[ins.B()], regs[ins.C()]); err != nil {
				return fail(here, err)
			}

		case bytecode.OpPrint:
			fmt.Fprintln(vm.out, regs[ins.A()].ToValue().String())

		case bytecode.OpReturn:
			if ins.B() != 0 {
				return regs[ins.A()].ToValue(), executed, nil
			}
			return value.Nil(), executed, nil

		case bytecode.OpHalt:
			return value.Nil(), executed, nil

		default:
			return fail(here, errors.New(errors.RuntimeError,
				"illegal opcode %d", uint8(op)))
		}
	}
	return value.Nil(), executed, nil
}

// forPrep backs the counter off by one step so the first backedge
// lands on the loop's start value.
func (vm *VM) forPrep(regs []value.Slot, ins bytecode.Instruction) *errors.EngineError {
	a := ins.A()
	cur, okC := regs[a].AsInt()
	step, okS := regs[a+2].AsInt()
	if okC && okS {
		regs[a].Clear()
		regs[a] = value.IntSlot(value.FastSub(cur, step))
		return nil
	}
	cf, okC := regs[a].AsFloat()
	sf, okS := regs[a+2].AsFloat()
	if okC && okS {
		regs[a].Clear()
		regs[a] = value.FloatSlot(cf - sf)
		return nil
	}
	return errors.New(errors.TypeError, "loop bounds must be numeric, got %s and %s",
		regs[a].ValueKind(), regs[a+2].ValueKind())
}

// forLoop advances the counter and reports whether the loop
// continues.
func (vm *VM) forLoop(regs []value.Slot, ins bytecode.Instruction) (bool, *errors.EngineError) {
	a := ins.A()
	cur, okC := regs[a].AsInt()
	limit, okL := regs[a+1].AsInt()
	step, okS := regs[a+2].AsInt()
	if okC && okL && okS {
		next := value.FastAdd(cur, step)
		regs[a].Clear()
		regs[a] = value.IntSlot(next)
		if step > 0 {
			return next < limit, nil
		}
		return next > limit, nil
	}
	cf, okC := regs[a].AsFloat()
	lf, okL := regs[a+1].AsFloat()
	sf, okS := regs[a+2].AsFloat()
	if okC && okL && okS {
		next := cf + sf
		regs[a].Clear()
		regs[a] = value.FloatSlot(next)
		if sf > 0 {
			return next < lf, nil
		}
		return next > lf, nil
	}
	return false, errors.New(errors.TypeError, "loop bounds must be numeric, got %s, %s and %s",
		regs[a].ValueKind(), regs[a+1].ValueKind(), regs[a+2].ValueKind())
}

// runHot executes the compiled loop installed at a patched backedge
// and returns the next pc. On any deoptimizing condition it restores
// the original instruction and resumes interpretation at the same
// offset; errors raised inside the loop surface exactly as the
// interpreter would raise them.
func (vm *VM) runHot(chunk *bytecode.Chunk, regs []value.Slot, ins bytecode.Instruction, here int) (int, *errors.EngineError) {
	compiled, ok := vm.jit.LoopAt(chunk, here)
	if !ok {
		// Evicted from the cache: unpatch and let the site reprofile.
		chunk.Patch(here, bytecode.OpForLoop)
		return here, nil
	}
	limit, ok := regs[ins.A()+1].AsInt()
	if !ok {
		vm.jit.Deopt(chunk, here)
		chunk.Patch(here, bytecode.OpForLoop)
		return here, nil
	}
	vm.jit.RecordRun()
	switch status := compiled.Run(regs, limit); status {
	case jit.StatusOK:
		// The loop ran out; fall through to the instruction after the
		// backedge.
		return here + 1, nil
	case jit.StatusDeopt:
		vm.jit.Deopt(chunk, here)
		chunk.Patch(here, bytecode.OpForLoop)
		return here, nil
	case jit.StatusDivZero:
		return 0, errors.NewDivisionByZero()
	default:
		return 0, errors.New(errors.TypeError,
			"unsupported operand types in compiled loop")
	}
}

// statusError maps a helper status onto the error taxonomy.
func statusError(s jit.Status, op bytecode.OpCode, regs []value.Slot, ins bytecode.Instruction) *errors.EngineError {
	switch s {
	case jit.StatusOK:
		return nil
	case jit.StatusDivZero:
		return errors.NewDivisionByZero()
	default:
		operand := ins.A()
		if op == bytecode.OpLen {
			operand = ins.B()
		}
		return errors.New(errors.TypeError, "unsupported operand type for %s: %s",
			opVerb(op), regs[operand].ValueKind())
	}
}

func opVerb(op bytecode.OpCode) string {
	switch op {
	case bytecode.OpAppend:
		return "append"
	case bytecode.OpLen:
		return "length"
	}
	return op.String()
}
