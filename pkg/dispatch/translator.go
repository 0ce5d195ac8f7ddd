package dispatch

import (
	"github.com/magumagu/dolphin/pkg/types"
)

// ExitSite is one exit jump of a compiled unit, as a byte offset into
// its code. The engine writes the unlinked dispatcher stub there at
// install time; the block cache may later patch it into a direct jump.
// The translator must reserve x64.ExitStubSize bytes at each offset.
type ExitSite struct {
	Offset int
	Target types.GuestAddr
}

// FastmemSite is one unchecked guest-memory access in a compiled unit:
// the offset of the access instruction, the host registers live across
// it, and the guest PC it implements. GuardOffset, when nonzero, is the
// offset of a guard handler the access bounces to under guarded-access
// checking.
type FastmemSite struct {
	Offset      int
	RegsInUse   types.RegSet
	GuestPC     types.GuestAddr
	GuardOffset int
}

// CompiledUnit is the translator's output for one guest block. Offsets
// are relative to Code[0]; the engine resolves them against the host
// placement it chooses. The translator must leave x64.CheckedEntrySize
// bytes of padding at CheckedEntryOffset; the engine emits the entry
// precondition check over them.
type CompiledUnit struct {
	Code []byte

	CheckedEntryOffset int
	NormalEntryOffset  int

	// GuestInstrs is the number of guest instructions covered, which
	// fixes the block's guest byte range and its budget charge.
	GuestInstrs uint32

	Exits        []ExitSite
	FastmemSites []FastmemSite
}

// Translator compiles guest code on demand. The engine calls it
// synchronously from the dispatch loop on a lookup miss; it never
// inspects the produced code beyond the declared offsets.
//
// Emitted code runs under the block ABI: RDI holds the CPU context,
// RSI the guest RAM base, and the code returns with an exit code in
// RAX, normally by jumping through one of its exit sites. Budget
// accounting is structural: blocks decrement the context downcount at
// their yield points (block boundaries and loop back-edges), and every
// checked entry re-tests it, so linked chains surrender once the slice
// is spent; the dispatcher never preempts a running block.
type Translator interface {
	Compile(pc types.GuestAddr) (*CompiledUnit, error)
}

// Executor runs translated code at a host entry point and reports the
// exit code it returned with. hostexec.Native is the real
// implementation; tests substitute their own.
type Executor interface {
	Run(entry uintptr, ctx *types.CPUContext) types.ExitCode
}
