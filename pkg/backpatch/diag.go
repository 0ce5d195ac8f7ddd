package backpatch

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// disasm renders a few instructions starting at the given host address
// for fatal diagnostics. Best effort: invalid bytes end the listing.
func (b *Backpatcher) disasm(addr uintptr) string {
	if !b.region.Contains(addr) {
		return fmt.Sprintf("  %#x: outside code region", addr)
	}
	size := 48
	if avail := b.region.Size() - int(addr-b.region.Base()); avail < size {
		size = avail
	}
	code, err := b.region.Span(addr, size)
	if err != nil {
		return fmt.Sprintf("  %#x: unreadable: %v", addr, err)
	}

	var sb strings.Builder
	off := 0
	for lines := 0; lines < 6 && off < len(code); lines++ {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			fmt.Fprintf(&sb, "  %#x: .byte %#02x\n", addr+uintptr(off), code[off])
			break
		}
		fmt.Fprintf(&sb, "  %#x: %s\n", addr+uintptr(off), x86asm.GNUSyntax(inst, uint64(addr)+uint64(off), nil))
		off += inst.Len
	}
	return strings.TrimRight(sb.String(), "\n")
}
