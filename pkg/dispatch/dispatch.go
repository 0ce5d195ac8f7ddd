// Package dispatch is the cooperative execution engine: the outer loop
// that services timing events, the dispatch loop that looks up or
// compiles the block for the current guest PC and jumps to it, and the
// exit-code handling that routes slow accesses and hardware faults to
// the backpatcher. One Engine owns one emulated CPU and all of its
// translation state; nothing here is global, so engines can coexist.
package dispatch

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/magumagu/dolphin/pkg/backpatch"
	"github.com/magumagu/dolphin/pkg/blockcache"
	"github.com/magumagu/dolphin/pkg/guestmem"
	"github.com/magumagu/dolphin/pkg/hostexec"
	"github.com/magumagu/dolphin/pkg/hostmem"
	"github.com/magumagu/dolphin/pkg/sigtrap"
	"github.com/magumagu/dolphin/pkg/types"
	"github.com/magumagu/dolphin/pkg/x64"
)

// DefaultSliceCycles is the budget handed out per outer-loop iteration
// when no event is due sooner.
const DefaultSliceCycles = 20000

// Config carries engine construction parameters.
type Config struct {
	// CodeSize is the translated-code region size. 0 means
	// hostmem.DefaultCodeSize.
	CodeSize int

	// MaxBlocks is the block cache slot limit. 0 means
	// blockcache.DefaultMaxBlocks.
	MaxBlocks int

	// SliceCycles is the per-slice budget. 0 means DefaultSliceCycles.
	SliceCycles int32

	// BlockLinking patches block exits into direct jumps.
	BlockLinking bool

	// Fastmem arms hardware fault trapping for unchecked accesses.
	// Without it the translator must emit checked accesses only.
	Fastmem bool

	// GuardedAccess makes the slow path honor per-site guard handlers.
	GuardedAccess bool

	// Region overrides the code region; nil allocates an executable
	// mapping. Tests inject a buffer-backed region.
	Region hostmem.Region

	// Executor overrides how translated code is entered; nil uses the
	// native call glue.
	Executor Executor

	// Registerer receives the engine's metrics; nil disables scraping
	// but the instruments still count.
	Registerer prometheus.Registerer
}

// DefaultConfig returns the standard configuration, honoring the
// DOLPHIN_JIT environment override: "off" drops block linking and
// fast memory, forcing every block through the dispatcher and the
// checked access paths.
func DefaultConfig() Config {
	cfg := Config{
		SliceCycles:  DefaultSliceCycles,
		BlockLinking: true,
		Fastmem:      true,
	}
	if os.Getenv("DOLPHIN_JIT") == "off" {
		cfg.BlockLinking = false
		cfg.Fastmem = false
	}
	return cfg
}

// Engine is the per-CPU translation context: block cache, backpatcher,
// code region, shared stubs, guest memory, and the dispatch state.
// All methods must be called from the single execution goroutine,
// except Stop.
type Engine struct {
	id      uuid.UUID
	shortID string
	cfg     Config

	cpu        types.CPUContext
	mem        *guestmem.Memory
	translator Translator
	exec       Executor

	region   hostmem.Region
	arena    *hostmem.Arena
	routines *x64.Routines
	patcher  *x64.Patcher
	cache    *blockcache.Cache
	bp       *backpatch.Backpatcher

	events eventHeap
	now    int64

	stopRequested atomic.Bool
	halted        bool

	metrics     *engineMetrics
	cacheClears uint64
	compiled    uint64
}

// New creates an engine around a translator and guest memory. The
// returned engine owns the code region it allocated (or was given) and
// frees it in Close.
func New(cfg Config, tr Translator, mem *guestmem.Memory) (*Engine, error) {
	if cfg.SliceCycles == 0 {
		cfg.SliceCycles = DefaultSliceCycles
	}
	if cfg.CodeSize == 0 {
		cfg.CodeSize = hostmem.DefaultCodeSize
	}
	if mem == nil {
		mem = guestmem.New(guestmem.Config{})
	}

	e := &Engine{
		id:         uuid.New(),
		cfg:        cfg,
		mem:        mem,
		translator: tr,
	}
	e.shortID = e.id.String()[:8]

	e.exec = cfg.Executor
	if e.exec == nil {
		e.exec = hostexec.Native{}
	}

	e.region = cfg.Region
	if e.region == nil {
		r, err := hostmem.NewExecRegion(cfg.CodeSize)
		if err != nil {
			return nil, fmt.Errorf("allocating code region: %w", err)
		}
		e.region = r
	}
	e.arena = hostmem.NewArena(e.region)

	r, err := x64.GenerateRoutines(e.arena)
	if err != nil {
		return nil, fmt.Errorf("emitting shared stubs: %w", err)
	}
	e.routines = r
	e.arena.Protect()

	e.patcher = x64.NewPatcher(e.region, r.DispatcherReturn)
	e.bp = backpatch.New(backpatch.Config{
		Windows:       []guestmem.Window{mem.Window()},
		GuardedAccess: cfg.GuardedAccess,
	}, e.region, e.arena)

	e.cache = blockcache.New(blockcache.Config{
		MaxBlocks:    cfg.MaxBlocks,
		OnDestroy:    e.bp.PurgeBlock,
		OnInvalidate: mem.PurgeFastWrites,
	}, e.patcher)

	if cfg.Fastmem {
		if !sigtrap.Supported() {
			return nil, fmt.Errorf("fastmem requested but fault trapping is unsupported on this platform")
		}
		if err := sigtrap.Install(); err != nil {
			return nil, fmt.Errorf("arming fault trapping: %w", err)
		}
		sigtrap.Configure(e.region.Base(), e.region.Size(), r.FaultExit)
		w := mem.Window()
		if err := sigtrap.AddWindow(w.Base, w.Size); err != nil {
			return nil, fmt.Errorf("arming fault trapping: %w", err)
		}
	}

	e.cpu.RAMBase = mem.BasePointer()
	e.metrics = newEngineMetrics(cfg.Registerer, e.shortID, func() float64 {
		return float64(e.cache.NumBlocks())
	})

	log.Printf("jit[%s]: engine up, %d KiB code, %d block slots",
		e.shortID, e.region.Size()/1024, blockOrDefault(cfg.MaxBlocks))
	return e, nil
}

func blockOrDefault(n int) int {
	if n == 0 {
		return blockcache.DefaultMaxBlocks
	}
	return n
}

// Close releases the code region. The engine must not run afterwards.
func (e *Engine) Close() error {
	return e.region.Free()
}

// ID returns the engine's instance identity.
func (e *Engine) ID() uuid.UUID {
	return e.id
}

// Memory returns the engine's guest memory.
func (e *Engine) Memory() *guestmem.Memory {
	return e.mem
}

// Cache exposes the block cache for invalidation callers (self
// modifying code detection, DMA completion, debuggers). Per the
// concurrency model those callers must hand off to the execution
// thread or exclude it.
func (e *Engine) Cache() *blockcache.Cache {
	return e.cache
}

// PC returns the current guest program counter.
func (e *Engine) PC() types.GuestAddr {
	return e.cpu.PC
}

// SetPC repoints execution. Only meaningful between blocks.
func (e *Engine) SetPC(pc types.GuestAddr) {
	e.cpu.PC = pc
}

// SetStepping flips the external stepping flag checked entries test.
func (e *Engine) SetStepping(on bool) {
	if on {
		e.cpu.Stepping = 1
	} else {
		e.cpu.Stepping = 0
	}
}

// Stop requests termination. Safe from any goroutine; observed once
// per outer-loop iteration, never mid-block.
func (e *Engine) Stop() {
	e.stopRequested.Store(true)
}

// Halted reports whether a block exited with the halt code.
func (e *Engine) Halted() bool {
	return e.halted
}

// InvalidateICache reports a guest write or DMA into possibly-compiled
// code; every intersecting block is destroyed.
func (e *Engine) InvalidateICache(addr types.GuestAddr, length uint32, forced bool) {
	e.metrics.invalidations.Inc()
	e.cache.InvalidateICache(addr, length, forced)
}

// ClearCache flushes all translated code, for state restore and
// debugger use. Blocks recompile lazily on demand.
func (e *Engine) ClearCache() {
	e.cache.Clear()
	e.bp.PurgeAll()
	e.arena.Reset()
	e.cacheClears++
	e.metrics.cacheClears.Inc()
	log.Printf("jit[%s]: block cache cleared", e.shortID)
}

// Run is the outer loop: service due events, hand out a slice budget,
// dispatch until it is spent, repeat until stopped or halted. Returns
// the first unrecoverable error (fatal backpatch diagnostics included).
func (e *Engine) Run() error {
	for !e.stopRequested.Load() && !e.halted {
		e.serviceEvents()
		if e.stopRequested.Load() || e.halted {
			break
		}
		slice := e.sliceCycles()
		e.cpu.Downcount = slice
		if err := e.runSlice(); err != nil {
			return err
		}
		e.now += int64(slice - e.cpu.Downcount)
	}
	return nil
}

// runSlice dispatches blocks until the budget is spent. A block, once
// entered, runs to its natural exit; chains of linked blocks return
// here only when an unlinked exit is hit or their own yield points
// spend the budget.
func (e *Engine) runSlice() error {
	for e.cpu.Downcount > 0 && !e.halted {
		blk, err := e.blockFor(e.cpu.PC)
		if err != nil {
			return err
		}
		blk.RunCount++
		if err := e.runFrom(blk.CheckedEntry); err != nil {
			return err
		}
	}
	return nil
}

// Step runs exactly one block body at the current PC, bypassing the
// checked entry so the stepping flag does not bounce it, then stops at
// its exit. Debugger single-step.
func (e *Engine) Step() error {
	blk, err := e.blockFor(e.cpu.PC)
	if err != nil {
		return err
	}
	blk.RunCount++
	return e.runFrom(blk.NormalEntry)
}

// blockFor returns the live block starting at pc, compiling on miss.
func (e *Engine) blockFor(pc types.GuestAddr) (*blockcache.Block, error) {
	id := e.cache.GetBlockNumberFromStartAddress(pc)
	if id == blockcache.InvalidBlock {
		var err error
		if id, err = e.compileBlock(pc); err != nil {
			return nil, err
		}
	}
	return e.cache.GetBlock(id), nil
}

// runFrom enters translated code and services its exits until one hands
// control back for good. Slow accesses and faults re-enter through the
// resume stub after the Go side has done its part.
func (e *Engine) runFrom(entry uintptr) error {
	code := e.exec.Run(entry, &e.cpu)
	for {
		switch code {
		case types.ExitNormal:
			return nil
		case types.ExitStepping:
			// Checked entry refused to run the body; surrender the
			// rest of the slice so the outer loop regains control.
			e.cpu.Downcount = 0
			return nil
		case types.ExitHalt:
			e.halted = true
			return nil
		case types.ExitSlowAccess:
			if _, err := e.bp.RunSlowAccess(&e.cpu, e.mem); err != nil {
				return fmt.Errorf("jit[%s]: %w", e.shortID, err)
			}
			e.metrics.slowAccesses.Inc()
			code = e.exec.Run(e.routines.Resume, &e.cpu)
		case types.ExitFault:
			if err := e.repairFault(); err != nil {
				return fmt.Errorf("jit[%s]: %w", e.shortID, err)
			}
			code = e.exec.Run(e.routines.Resume, &e.cpu)
		default:
			return fmt.Errorf("jit[%s]: unknown exit code %d from translated code", e.shortID, code)
		}
	}
}

// repairFault collects the captured fault, has the backpatcher rewrite
// the site, and stages the (possibly fixed-up) register file for the
// resume stub. The retry re-enters through the now-safe path.
func (e *Engine) repairFault() error {
	addr, pc, regs, ok := sigtrap.TakeFault()
	if !ok {
		return fmt.Errorf("fault exit with no captured fault")
	}
	fctx := &backpatch.FaultContext{PC: pc, Regs: regs}
	if err := e.bp.HandleFault(addr, fctx); err != nil {
		return err
	}
	e.cpu.Snapshot = fctx.Regs
	e.cpu.SnapshotPC = uint64(fctx.PC)
	e.metrics.backpatches.Inc()
	return nil
}

// compileBlock translates and installs the block at pc. Capacity
// exhaustion is recovered by a full clear, at either level: block
// slots before compiling, code space by retrying the install once.
func (e *Engine) compileBlock(pc types.GuestAddr) (blockcache.BlockID, error) {
	if e.cache.IsFull() {
		log.Printf("jit[%s]: block cache full, clearing", e.shortID)
		e.ClearCache()
	}
	unit, err := e.translator.Compile(pc)
	if err != nil {
		return blockcache.InvalidBlock, fmt.Errorf("jit[%s]: compiling block at %#x: %w", e.shortID, pc, err)
	}
	id, err := e.installBlock(pc, unit)
	if err != nil {
		log.Printf("jit[%s]: out of code space, clearing: %v", e.shortID, err)
		e.ClearCache()
		if id, err = e.installBlock(pc, unit); err != nil {
			return blockcache.InvalidBlock, fmt.Errorf("jit[%s]: installing block at %#x: %w", e.shortID, pc, err)
		}
	}
	e.compiled++
	e.metrics.blocksCompiled.Inc()
	return id, nil
}

// installBlock places a compiled unit into the code region and
// publishes it: checked-entry preamble, unlinked exit stubs, backpatch
// site registration, then FinalizeBlock.
func (e *Engine) installBlock(pc types.GuestAddr, unit *CompiledUnit) (blockcache.BlockID, error) {
	addr, buf, err := e.arena.Allocate(len(unit.Code))
	if err != nil {
		return blockcache.InvalidBlock, err
	}
	copy(buf, unit.Code)

	id := e.cache.AllocateBlock(pc)
	if id == blockcache.InvalidBlock {
		return blockcache.InvalidBlock, fmt.Errorf("no block slots free after clear")
	}
	blk := e.cache.GetBlock(id)
	blk.CheckedEntry = addr + uintptr(unit.CheckedEntryOffset)
	blk.OriginalSize = unit.GuestInstrs
	blk.CodeSize = uint32(len(unit.Code))

	e.patcher.WriteCheckedEntry(blk.CheckedEntry, pc, e.routines.SteppingExit)

	for _, ex := range unit.Exits {
		site := addr + uintptr(ex.Offset)
		e.patcher.WriteExitStub(site, ex.Target)
		blk.LinkData = append(blk.LinkData, blockcache.LinkData{PatchSite: site, Target: ex.Target})
	}
	for _, fs := range unit.FastmemSites {
		site := addr + uintptr(fs.Offset)
		blk.FastmemSites = append(blk.FastmemSites, site)
		e.bp.RegisterSite(site, fs.RegsInUse, fs.GuestPC)
		if fs.GuardOffset != 0 {
			e.bp.RegisterGuardHandler(site, addr+uintptr(fs.GuardOffset))
		}
	}

	e.cache.FinalizeBlock(id, e.cfg.BlockLinking, addr+uintptr(unit.NormalEntryOffset))
	return id, nil
}

// Stats is a point-in-time snapshot of the engine's counters.
type Stats struct {
	EngineID       string
	Now            int64
	BlocksCompiled uint64
	BlocksLive     int
	CacheClears    uint64
	Backpatches    uint64
	CodeBytesUsed  int
	OverlapFaults  uint64
}

// Stats snapshots the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		EngineID:       e.id.String(),
		Now:            e.now,
		BlocksCompiled: e.compiled,
		BlocksLive:     e.cache.NumBlocks(),
		CacheClears:    e.cacheClears,
		Backpatches:    e.bp.PatchCount(),
		CodeBytesUsed:  e.arena.Used(),
		OverlapFaults:  e.cache.OverlapViolations(),
	}
}
