package x64

import (
	"fmt"

	"github.com/magumagu/dolphin/pkg/hostmem"
	"github.com/magumagu/dolphin/pkg/types"
)

const (
	// ExitStubSize is the emitted size of a block exit site and of the
	// region reserved at every checked entry:
	//
	//	mov dword [rdi+CtxPC], imm32   ; 6 bytes
	//	jmp dispatcherReturn           ; 5 bytes
	//
	// The translator must reserve exactly this many bytes at each exit
	// jump and at least this many at each checked entry.
	ExitStubSize = 11

	// LinkPatchSize is the size of the direct jump a resolved link
	// overwrites an exit site with.
	LinkPatchSize = 5
)

// Patcher is the amd64 implementation of the block cache's patch
// strategy: it rewrites exit sites and checked entries in place.
type Patcher struct {
	region           hostmem.Region
	dispatcherReturn uintptr
}

// NewPatcher creates a patcher writing into region. dispatcherReturn is
// the shared stub that stores ExitNormal and returns to the dispatcher.
func NewPatcher(region hostmem.Region, dispatcherReturn uintptr) *Patcher {
	return &Patcher{region: region, dispatcherReturn: dispatcherReturn}
}

// span fetches a writable view or panics: a patch site outside the code
// region means the cache's bookkeeping is corrupt, not that the guest
// misbehaved.
func (p *Patcher) span(addr uintptr, size int) []byte {
	buf, err := p.region.Span(addr, size)
	if err != nil {
		panic(fmt.Sprintf("patch site %#x outside code region: %v", addr, err))
	}
	return buf
}

// WriteExitStub writes the canonical unlinked exit at site: store the
// target guest PC into the context, then jump back to the dispatcher.
func (p *Patcher) WriteExitStub(site uintptr, target types.GuestAddr) {
	asm := NewAssembler(p.span(site, ExitStubSize))
	asm.MovMemImm32(CtxReg, types.CtxPC, uint32(target))
	asm.JmpRel32(site+6, p.dispatcherReturn)
}

// WriteLinkBlock overwrites the exit at site with a direct jump to
// another block's checked entry. The displacement bytes are written
// before the opcode byte so the transition from stub to jump is a
// single-byte switch; a re-entrant fault can never observe a
// half-written jump as the live instruction.
func (p *Patcher) WriteLinkBlock(site uintptr, entry uintptr) {
	buf := p.span(site, LinkPatchSize)
	rel := int64(entry) - int64(site) - 5
	buf[1] = byte(rel)
	buf[2] = byte(rel >> 8)
	buf[3] = byte(rel >> 16)
	buf[4] = byte(rel >> 24)
	buf[0] = 0xE9
}

// WriteDestroyBlock overwrites a destroyed block's checked entry with a
// stub that records the block's guest address and re-enters the
// dispatcher, so any stale direct jump still targeting the old entry
// lands somewhere safe.
func (p *Patcher) WriteDestroyBlock(entry uintptr, addr types.GuestAddr) {
	asm := NewAssembler(p.span(entry, ExitStubSize))
	asm.MovMemImm32(CtxReg, types.CtxPC, uint32(addr))
	asm.JmpRel32(entry+6, p.dispatcherReturn)
}

// WriteCheckedEntry emits a block's precondition check at entry: bail
// to the dispatcher when the downcount is spent, bounce when the
// external stepping flag is set, then fall through into the body.
// Linked exits jump straight here, so the downcount test is the only
// thing that breaks a chain of linked blocks when the slice budget runs
// out. Returns the emitted size, always CheckedEntrySize. The destroy
// stub later overwrites the same bytes.
func (p *Patcher) WriteCheckedEntry(entry uintptr, addr types.GuestAddr, steppingExit uintptr) int {
	asm := NewAssembler(p.span(entry, CheckedEntrySize))
	asm.CmpMemImm8(CtxReg, types.CtxDowncount, 0)
	asm.JgRel8(ExitStubSize)
	asm.MovMemImm32(CtxReg, types.CtxPC, uint32(addr))
	asm.JmpRel32(entry+uintptr(asm.Offset()), p.dispatcherReturn)
	asm.TestMemImm32(CtxReg, types.CtxStepping, 0xFFFFFFFF)
	asm.JnzRel32(entry+uintptr(asm.Offset()), steppingExit)
	return asm.Offset()
}

// CheckedEntrySize is the reserved size of the checked-entry preamble:
// the downcount test (4 bytes), a short jump over the bail-out (2), the
// bail-out itself (an exit stub, 11), then the stepping-flag test (7)
// and its conditional jump (6). It exceeds ExitStubSize, so the destroy
// stub always fits over it.
const CheckedEntrySize = 30
