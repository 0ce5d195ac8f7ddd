//go:build !linux || !amd64 || !cgo

package sigtrap

import "fmt"

// Supported reports whether fault trapping works on this platform.
func Supported() bool { return false }

func Install() error {
	return fmt.Errorf("sigtrap: fault trapping not supported on this platform")
}

func Configure(codeBase uintptr, codeSize int, faultExit uintptr) {}

func AddWindow(base uintptr, size uint64) error {
	return fmt.Errorf("sigtrap: fault trapping not supported on this platform")
}

func ClearWindows() {}

func TakeFault() (addr, pc uintptr, regs [16]uint64, ok bool) {
	return 0, 0, regs, false
}
