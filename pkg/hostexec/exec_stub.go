//go:build !amd64

package hostexec

// Supported reports whether native execution works on this platform.
func Supported() bool { return false }

func runBlock(entry, ctx, ramBase uintptr) uint64 {
	panic("hostexec: native execution is only available on amd64")
}
