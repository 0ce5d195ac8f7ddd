// Package hostexec is the call glue between Go and translated code. A
// separate package from the emitter so cgo and Go assembly never mix in
// one package.
package hostexec

import (
	"unsafe"

	"github.com/magumagu/dolphin/pkg/types"
)

// Native runs translated code on the host CPU. The zero value is ready
// to use on supported platforms; Supported reports availability.
type Native struct{}

// Run enters translated code at entry with the context pointer and RAM
// base in the dedicated registers, returning the exit code the block
// left behind. Panics if the platform has no native execution path.
func (Native) Run(entry uintptr, ctx *types.CPUContext) types.ExitCode {
	return types.ExitCode(runBlock(entry, uintptr(unsafe.Pointer(ctx)), ctx.RAMBase))
}
