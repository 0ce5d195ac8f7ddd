// Package blockcache owns every translated block: allocation,
// finalization, start-address lookup, linking, invalidation and
// destruction. It never inspects code content; all code rewriting goes
// through the host Patcher strategy.
package blockcache

import (
	"github.com/magumagu/dolphin/pkg/types"
)

// BlockID identifies a live slot in the cache. Blocks are only ever
// referred to by id or by guest address, never by pointer identity
// outside the cache.
type BlockID = int32

// InvalidBlock is the not-found / allocation-failed sentinel.
const InvalidBlock BlockID = -1

// LinkData is one exit of a block: the host address of the exit jump,
// the guest address it targets, and whether the exit has been patched to
// jump straight into another block.
type LinkData struct {
	PatchSite uintptr
	Target    types.GuestAddr
	Linked    bool
}

// Block is one translated unit of guest code.
type Block struct {
	// CheckedEntry re-validates execution preconditions (stepping flag)
	// before falling into the body at NormalEntry. Stale direct jumps
	// from previously linked blocks can only arrive through
	// CheckedEntry, which is why the destroy stub is written there.
	CheckedEntry uintptr
	NormalEntry  uintptr

	OriginalAddress types.GuestAddr
	OriginalSize    uint32 // guest instructions covered
	CodeSize        uint32 // emitted host bytes

	RunCount uint64 // dispatcher entries, for profiling

	LinkData []LinkData

	// FastmemSites lists the host addresses of this block's unchecked
	// memory accesses, so their backpatch-table entries can be purged
	// when the block dies.
	FastmemSites []uintptr

	invalid bool
}

// Invalid reports whether the block has been destroyed. The slot is not
// reusable until the next full cache clear.
func (b *Block) Invalid() bool {
	return b.invalid
}

// EndAddress returns one past the last guest byte the block covers.
func (b *Block) EndAddress() types.GuestAddr {
	return b.OriginalAddress + types.GuestAddr(b.OriginalSize*types.InstrBytes)
}

// Patcher is the per-host-architecture patch strategy (one
// implementation per supported host ISA). The cache calls it to rewrite
// already-emitted code in place; implementations must respect the fixed
// patch widths they advertise to the translator.
type Patcher interface {
	// WriteLinkBlock overwrites the exit at site with a direct jump to
	// entry.
	WriteLinkBlock(site uintptr, entry uintptr)

	// WriteExitStub restores the canonical unlinked exit at site:
	// store target as the next guest PC, return to the dispatcher.
	WriteExitStub(site uintptr, target types.GuestAddr)

	// WriteDestroyBlock overwrites a dead block's checked entry with a
	// stub that records addr as the guest PC and re-enters the
	// dispatcher.
	WriteDestroyBlock(entry uintptr, addr types.GuestAddr)
}
