// Package jit compiles hot counted loops to native code. Backward
// jumps are profiled; once a loop crosses the hotness threshold its
// body is analyzed and handed to a backend. Compiled loops run against
// the interpreter's register array directly, so entering and leaving
// native code moves no values. A loop that cannot be compiled is
// rejected outright rather than partially compiled.
package jit

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
	"go.uber.org/zap"

	"tachyon/internal/bytecode"
	"tachyon/internal/value"
)

// Status is the result of one native loop execution.
type Status int32

const (
	// StatusOK: the loop ran to completion; the register array holds
	// the final state including the failing induction value.
	StatusOK Status = 0
	// StatusDeopt: the entry guard rejected the current register
	// kinds before anything executed. The caller patches the backedge
	// back and resumes interpretation at the same offset.
	StatusDeopt Status = 1
	// StatusDivZero: a division inside the loop hit a zero divisor.
	// Effects of completed iterations stand, matching what the
	// interpreter would have done before raising.
	StatusDivZero Status = 2
	// StatusTypeError: a helper observed operand kinds it cannot
	// handle.
	StatusTypeError Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDeopt:
		return "deopt"
	case StatusDivZero:
		return "divzero"
	case StatusTypeError:
		return "typeerror"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// ErrUnsupported marks a loop the backend refuses to compile. The
// profiler blacklists the site so the interpreter keeps it.
var ErrUnsupported = errors.New("loop not compilable")

// Compiled is one native loop ready to run against a register array.
type Compiled interface {
	// Run executes the remaining iterations. limit is the loop bound;
	// the current induction value and step are read from the register
	// array.
	Run(regs []value.Slot, limit int64) Status
	// Release frees backend resources (executable pages).
	Release()
}

// Backend turns an analyzed loop into executable form.
type Backend interface {
	Name() string
	Compile(loop *Loop) (Compiled, error)
}

// Config tunes the engine.
type Config struct {
	Enabled bool
	// Threshold is the number of backward-jump executions before a
	// loop is considered hot.
	Threshold int
	// CacheSize bounds the number of resident compiled loops.
	CacheSize int
	// Backend selects "auto", "closure", or "native".
	Backend string
}

// DefaultConfig matches the interpreter's shipping defaults.
func DefaultConfig() Config {
	return Config{Enabled: true, Threshold: 50, CacheSize: 256, Backend: "auto"}
}

// Engine owns profiling counters, the compiled-loop cache, and the
// backend chain. Backends are tried in order; a backend refusing a
// loop with ErrUnsupported hands it to the next one.
type Engine struct {
	cfg      Config
	backends []Backend
	log      *zap.Logger

	counts    map[string]int
	blacklist map[string]bool
	cache     *lru.Cache

	compiles  metrics.Counter
	deopts    metrics.Counter
	rejects   metrics.Counter
	nativeRun metrics.Counter
}

// NewEngine builds an engine with the configured backend. With
// Backend "auto" the machine backend is tried first where the platform
// supports it, and loops it refuses (helper calls, mid-body branches)
// fall through to the closure backend.
func NewEngine(cfg Config, log *zap.Logger) (*Engine, error) {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultConfig().CacheSize
	}
	if log == nil {
		log = zap.NewNop()
	}

	var backends []Backend
	switch cfg.Backend {
	case "", "auto":
		if native := newPlatformBackend(); native != nil {
			backends = append(backends, native)
		}
		backends = append(backends, NewClosureBackend())
	case "closure":
		backends = []Backend{NewClosureBackend()}
	case "native":
		native := newPlatformBackend()
		if native == nil {
			return nil, errors.Errorf("native backend unavailable on this platform")
		}
		backends = []Backend{native}
	default:
		return nil, errors.Errorf("unknown backend %q", cfg.Backend)
	}

	cache, err := lru.NewWithEvict(cfg.CacheSize, func(_, v interface{}) {
		v.(Compiled).Release()
	})
	if err != nil {
		return nil, errors.Wrap(err, "compiled loop cache")
	}

	e := &Engine{
		cfg:       cfg,
		backends:  backends,
		log:       log,
		counts:    make(map[string]int),
		blacklist: make(map[string]bool),
		cache:     cache,
		compiles:  metrics.GetOrRegisterCounter("jit.compiles", nil),
		deopts:    metrics.GetOrRegisterCounter("jit.deopts", nil),
		rejects:   metrics.GetOrRegisterCounter("jit.rejects", nil),
		nativeRun: metrics.GetOrRegisterCounter("jit.native_runs", nil),
	}
	e.log.Debug("jit engine ready",
		zap.String("backend", e.BackendName()),
		zap.Int("threshold", cfg.Threshold))
	return e, nil
}

// BackendName reports the primary backend.
func (e *Engine) BackendName() string { return e.backends[0].Name() }

// compile walks the backend chain until one accepts the loop. Only
// ErrUnsupported moves on to the next backend; any other failure is
// final.
func (e *Engine) compile(loop *Loop) (Compiled, string, error) {
	var err error
	for _, b := range e.backends {
		var compiled Compiled
		compiled, err = b.Compile(loop)
		if err == nil {
			return compiled, b.Name(), nil
		}
		if !errors.Is(err, ErrUnsupported) {
			return nil, "", err
		}
	}
	return nil, "", err
}

func loopKey(c *bytecode.Chunk, pc int) string {
	return fmt.Sprintf("%s@%d", c.Name, pc)
}

// OnBackwardJump records one execution of a backward edge. When the
// site turns hot it analyzes and compiles the loop. It returns true
// when a compiled loop is now installed for the offset and the caller
// should patch the instruction.
func (e *Engine) OnBackwardJump(chunk *bytecode.Chunk, pc int) bool {
	if !e.cfg.Enabled {
		return false
	}
	key := loopKey(chunk, pc)
	if e.blacklist[key] {
		return false
	}
	if _, ok := e.cache.Get(key); ok {
		return true
	}
	e.counts[key]++
	if e.counts[key] < e.cfg.Threshold {
		return false
	}
	delete(e.counts, key)

	loop, err := Analyze(chunk, pc)
	if err != nil {
		e.blacklist[key] = true
		e.rejects.Inc(1)
		e.log.Debug("loop rejected", zap.String("loop", key), zap.Error(err))
		return false
	}
	compiled, name, err := e.compile(loop)
	if err != nil {
		e.blacklist[key] = true
		e.rejects.Inc(1)
		e.log.Debug("loop compile failed", zap.String("loop", key), zap.Error(err))
		return false
	}
	e.cache.Add(key, compiled)
	e.compiles.Inc(1)
	e.log.Debug("loop compiled",
		zap.String("loop", key),
		zap.String("backend", name),
		zap.Int("body", loop.HeaderPC-loop.BodyStart))
	return true
}

// LoopAt returns the compiled loop installed for an offset. A miss
// means the cache evicted it; the caller must patch the instruction
// back and let the site reprofile.
func (e *Engine) LoopAt(chunk *bytecode.Chunk, pc int) (Compiled, bool) {
	v, ok := e.cache.Get(loopKey(chunk, pc))
	if !ok {
		return nil, false
	}
	return v.(Compiled), true
}

// RecordRun counts one native execution.
func (e *Engine) RecordRun() { e.nativeRun.Inc(1) }

// Deopt drops the compiled loop for an offset and blacklists the
// site. Called when the entry guard keeps failing.
func (e *Engine) Deopt(chunk *bytecode.Chunk, pc int) {
	key := loopKey(chunk, pc)
	e.cache.Remove(key)
	e.blacklist[key] = true
	e.deopts.Inc(1)
	e.log.Debug("loop deoptimized", zap.String("loop", key))
}

// Close releases every resident compiled loop.
func (e *Engine) Close() {
	e.cache.Purge()
}
