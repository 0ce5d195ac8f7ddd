// jitbench exercises the translation engine end to end: a synthetic
// translator chains a ring of blocks through linked exits, optionally
// storing through the fast memory path into an MMIO range so the
// backpatcher gets real faults to repair. A separate fuzz mode hammers
// the block cache's finalize/invalidate invariants without executing
// any code.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sort"

	"golang.org/x/arch/x86/x86asm"

	"github.com/magumagu/dolphin/pkg/blockcache"
	"github.com/magumagu/dolphin/pkg/dispatch"
	"github.com/magumagu/dolphin/pkg/guestmem"
	"github.com/magumagu/dolphin/pkg/hostexec"
	"github.com/magumagu/dolphin/pkg/hostmem"
	"github.com/magumagu/dolphin/pkg/types"
	"github.com/magumagu/dolphin/pkg/x64"
)

const ringBase types.GuestAddr = 0x8000_1000

func main() {
	ringSize := flag.Int("ring", 64, "Number of synthetic blocks in the execution ring")
	cycles := flag.Int64("cycles", 10_000_000, "Guest cycles to run before stopping")
	mmio := flag.Bool("mmio", false, "Make every ring block store through fastmem into an MMIO range")
	fuzz := flag.Int("fuzz", 0, "Run N rounds of finalize/invalidate fuzz instead of executing")
	seed := flag.Int64("seed", 1, "Fuzz RNG seed")
	disasm := flag.Bool("disasm", false, "Disassemble one synthetic block and exit")
	flag.Parse()

	if *fuzz > 0 {
		runFuzz(*fuzz, *seed)
		return
	}

	tr := &ringTranslator{ring: *ringSize, mmio: *mmio}

	if *disasm {
		dumpBlock(tr)
		return
	}

	if !hostexec.Supported() {
		log.Fatal("Error: native execution is not available on this platform; use -fuzz")
	}

	mem := guestmem.New(guestmem.Config{})
	device := &countingDevice{}
	if *mmio {
		mem.MapMMIO(types.GuestAddr(mem.RAMSize()), 0x1000, device)
	}

	eng, err := dispatch.New(dispatch.DefaultConfig(), tr, mem)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	defer eng.Close()

	eng.SetPC(ringBase)
	eng.Schedule(*cycles, "stop", func(e *dispatch.Engine) { e.Stop() })

	if err := eng.Run(); err != nil {
		log.Fatalf("Engine stopped with error: %v", err)
	}

	report(eng)
	if *mmio {
		fmt.Printf("device writes    %d\n", device.writes)
	}
}

func report(eng *dispatch.Engine) {
	st := eng.Stats()
	fmt.Printf("engine           %s\n", st.EngineID)
	fmt.Printf("cycles           %d\n", st.Now)
	fmt.Printf("blocks compiled  %d\n", st.BlocksCompiled)
	fmt.Printf("blocks live      %d\n", st.BlocksLive)
	fmt.Printf("cache clears     %d\n", st.CacheClears)
	fmt.Printf("backpatches      %d\n", st.Backpatches)
	fmt.Printf("code bytes       %d\n", st.CodeBytesUsed)
	if st.OverlapFaults > 0 {
		fmt.Printf("OVERLAP FAULTS   %d\n", st.OverlapFaults)
	}

	type hot struct {
		addr types.GuestAddr
		runs uint64
	}
	var hots []hot
	for id := int32(0); id < int32(eng.Cache().NumBlocks()); id++ {
		b := eng.Cache().GetBlock(id)
		if !b.Invalid() {
			hots = append(hots, hot{b.OriginalAddress, b.RunCount})
		}
	}
	sort.Slice(hots, func(i, j int) bool { return hots[i].runs > hots[j].runs })
	if len(hots) > 5 {
		hots = hots[:5]
	}
	for _, h := range hots {
		fmt.Printf("hot block        %#x: %d runs\n", h.addr, h.runs)
	}
}

// ringTranslator compiles blocks that decrement the budget, optionally
// store through the fast path, and exit to the next block in the ring.
type ringTranslator struct {
	ring int
	mmio bool
}

const (
	blockGuestInstrs = 4 // 16 guest bytes per ring block
	cyclesPerBlock   = 16
)

func (t *ringTranslator) Compile(pc types.GuestAddr) (*dispatch.CompiledUnit, error) {
	slot := int(pc-ringBase) / int(blockGuestInstrs*types.InstrBytes)
	if slot < 0 || slot >= t.ring {
		return nil, fmt.Errorf("pc %#x outside the ring", pc)
	}
	next := ringBase + types.GuestAddr(((slot+1)%t.ring)*blockGuestInstrs*types.InstrBytes)

	asm := x64.NewAssembler(make([]byte, 96))
	asm.Nop(x64.CheckedEntrySize) // engine emits the entry check here
	normal := asm.Offset()
	asm.SubMemImm32(x64.CtxReg, types.CtxDowncount, cyclesPerBlock)

	unit := &dispatch.CompiledUnit{
		CheckedEntryOffset: 0,
		NormalEntryOffset:  normal,
		GuestInstrs:        blockGuestInstrs,
	}

	if t.mmio {
		// Store the slot number into device space through the fast
		// path; the first execution faults and gets backpatched.
		target := int32(guestmem.DefaultRAMSize + 4*slot)
		asm.MovEaxImm32(uint32(slot))
		asm.Bswap32(x64.RAX)
		site := asm.Offset()
		asm.MovMemReg32(x64.MemReg, target, x64.RAX)
		unit.FastmemSites = append(unit.FastmemSites, dispatch.FastmemSite{
			Offset:    site,
			RegsInUse: types.RegSet(0).With(int(x64.RAX)),
			GuestPC:   pc,
		})
	}

	exit := asm.Offset()
	asm.Nop(x64.ExitStubSize) // engine writes the real exit stub
	unit.Exits = []dispatch.ExitSite{{Offset: exit, Target: next}}
	unit.Code = asm.Bytes()
	return unit, nil
}

// countingDevice counts device writes, standing in for real MMIO.
type countingDevice struct {
	writes uint64
	last   uint64
}

func (d *countingDevice) Read(addr types.GuestAddr, size int) uint64 {
	return d.last
}

func (d *countingDevice) Write(addr types.GuestAddr, size int, value uint64) {
	d.writes++
	d.last = value
}

// runFuzz drives the block cache with random finalize/invalidate
// sequences over a buffer region and reports invariant breaches.
func runFuzz(rounds int, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	region := hostmem.NewBufferRegion(1 << 20)
	arena := hostmem.NewArena(region)
	routines, err := x64.GenerateRoutines(arena)
	if err != nil {
		log.Fatalf("Failed to emit stubs: %v", err)
	}
	patcher := x64.NewPatcher(region, routines.DispatcherReturn)
	cache := blockcache.New(blockcache.Config{MaxBlocks: 4096}, patcher)

	destroyed := 0
	for i := 0; i < rounds; i++ {
		if cache.IsFull() {
			cache.Clear()
			arena.Reset()
		}
		if rng.Intn(4) == 0 {
			addr := ringBase + types.GuestAddr(rng.Intn(1<<14)&^31)
			cache.InvalidateICache(addr, types.GranuleBytes, false)
			destroyed++
			continue
		}
		// Model a translator that always compiles up to the next branch
		// boundary: overlapping blocks then share their end address,
		// which is the invariant invalidation relies on.
		addr := ringBase + types.GuestAddr(rng.Intn(1<<14)&^3)
		end := (addr | 31) + 1
		instrs := uint32(end-addr) / types.InstrBytes
		if cache.GetBlockNumberFromStartAddress(addr) != blockcache.InvalidBlock {
			continue
		}
		code, _, err := arena.Allocate(64)
		if err != nil {
			cache.Clear()
			arena.Reset()
			continue
		}
		id := cache.AllocateBlock(addr)
		if id == blockcache.InvalidBlock {
			continue
		}
		blk := cache.GetBlock(id)
		blk.CheckedEntry = code
		blk.OriginalSize = instrs
		blk.CodeSize = 64
		cache.FinalizeBlock(id, true, code+x64.CheckedEntrySize)
	}

	fmt.Printf("rounds              %d\n", rounds)
	fmt.Printf("invalidation rounds %d\n", destroyed)
	fmt.Printf("blocks allocated    %d\n", cache.NumBlocks())
	fmt.Printf("overlap violations  %d\n", cache.OverlapViolations())
	if cache.OverlapViolations() > 0 {
		os.Exit(1)
	}
}

// dumpBlock compiles one synthetic block and disassembles it.
func dumpBlock(tr *ringTranslator) {
	unit, err := tr.Compile(ringBase)
	if err != nil {
		log.Fatalf("Failed to compile: %v", err)
	}
	code := unit.Code
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			fmt.Printf("%4d: .byte %#02x\n", off, code[off])
			off++
			continue
		}
		fmt.Printf("%4d: %s\n", off, x86asm.GNUSyntax(inst, uint64(off), nil))
		off += inst.Len
	}
}
