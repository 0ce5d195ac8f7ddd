//go:build amd64

package hostexec

// Supported reports whether native execution works on this platform.
func Supported() bool { return true }

// runBlock calls translated code with the System V AMD64 ABI: ctx in
// RDI, the RAM base in RSI, exit code back in RAX. Callee-saved
// registers are preserved around the call; translated code may clobber
// everything else.
func runBlock(entry, ctx, ramBase uintptr) uint64
