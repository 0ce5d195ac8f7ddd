//go:build linux && amd64

// Package sigtrap hooks hardware memory faults taken inside translated
// code. The handler runs in C below Go's signal machinery: it captures
// the register file, rewrites the faulting thread's PC to the fault-exit
// stub, and lets the thread return to the dispatcher, which collects the
// capture through TakeFault and hands it to the backpatcher. Faults that
// do not belong to translated code chain to whatever handler was
// installed before us.
package sigtrap

/*
#define _GNU_SOURCE

#include <signal.h>
#include <stdint.h>
#include <string.h>
#include <ucontext.h>

#define SIGTRAP_MAX_WINDOWS 8

struct sigtrap_state {
	volatile int pending;
	uint64_t fault_addr;
	uint64_t fault_rip;
	uint64_t regs[16];
};

static struct sigtrap_state sigtrap_last;
static uint64_t sigtrap_code_base, sigtrap_code_size, sigtrap_fault_exit;
static uint64_t sigtrap_win_base[SIGTRAP_MAX_WINDOWS], sigtrap_win_size[SIGTRAP_MAX_WINDOWS];
static int sigtrap_win_count;
static struct sigaction sigtrap_prev_segv, sigtrap_prev_bus;

static int sigtrap_in_window(uint64_t addr) {
	int i;
	for (i = 0; i < sigtrap_win_count; i++) {
		if (addr >= sigtrap_win_base[i] && addr < sigtrap_win_base[i] + sigtrap_win_size[i]) {
			return 1;
		}
	}
	return 0;
}

static void sigtrap_chain(int sig, siginfo_t *si, void *uc) {
	struct sigaction *prev = sig == SIGBUS ? &sigtrap_prev_bus : &sigtrap_prev_segv;
	if (prev->sa_flags & SA_SIGINFO) {
		prev->sa_sigaction(sig, si, uc);
	} else if (prev->sa_handler != SIG_IGN) {
		// SIG_DFL or a plain handler we cannot express; re-raise with
		// default disposition so the crash is not silently eaten.
		signal(sig, SIG_DFL);
		raise(sig);
	}
}

static void sigtrap_handler(int sig, siginfo_t *si, void *uc_) {
	ucontext_t *uc = uc_;
	greg_t *g = uc->uc_mcontext.gregs;
	uint64_t rip = (uint64_t)g[REG_RIP];
	uint64_t addr = (uint64_t)(uintptr_t)si->si_addr;

	if (rip < sigtrap_code_base || rip >= sigtrap_code_base + sigtrap_code_size ||
	    !sigtrap_in_window(addr)) {
		sigtrap_chain(sig, si, uc_);
		return;
	}

	// Register order matches the x86-64 encoding numbers.
	sigtrap_last.regs[0] = g[REG_RAX];
	sigtrap_last.regs[1] = g[REG_RCX];
	sigtrap_last.regs[2] = g[REG_RDX];
	sigtrap_last.regs[3] = g[REG_RBX];
	sigtrap_last.regs[4] = g[REG_RSP];
	sigtrap_last.regs[5] = g[REG_RBP];
	sigtrap_last.regs[6] = g[REG_RSI];
	sigtrap_last.regs[7] = g[REG_RDI];
	sigtrap_last.regs[8] = g[REG_R8];
	sigtrap_last.regs[9] = g[REG_R9];
	sigtrap_last.regs[10] = g[REG_R10];
	sigtrap_last.regs[11] = g[REG_R11];
	sigtrap_last.regs[12] = g[REG_R12];
	sigtrap_last.regs[13] = g[REG_R13];
	sigtrap_last.regs[14] = g[REG_R14];
	sigtrap_last.regs[15] = g[REG_R15];
	sigtrap_last.fault_addr = addr;
	sigtrap_last.fault_rip = rip;
	sigtrap_last.pending = 1;

	// The faulting instruction stays the resume point; the dispatcher
	// repatches it before re-entering. Only the control flow is
	// redirected, into the exit stub.
	g[REG_RIP] = (greg_t)sigtrap_fault_exit;
}

static int sigtrap_install(void) {
	struct sigaction sa;
	memset(&sa, 0, sizeof sa);
	sa.sa_sigaction = sigtrap_handler;
	sa.sa_flags = SA_SIGINFO | SA_ONSTACK;
	sigemptyset(&sa.sa_mask);
	if (sigaction(SIGSEGV, &sa, &sigtrap_prev_segv) != 0) {
		return -1;
	}
	if (sigaction(SIGBUS, &sa, &sigtrap_prev_bus) != 0) {
		return -1;
	}
	return 0;
}

static void sigtrap_configure(uint64_t base, uint64_t size, uint64_t fault_exit) {
	sigtrap_code_base = base;
	sigtrap_code_size = size;
	sigtrap_fault_exit = fault_exit;
}

static int sigtrap_add_window(uint64_t base, uint64_t size) {
	if (sigtrap_win_count >= SIGTRAP_MAX_WINDOWS) {
		return -1;
	}
	sigtrap_win_base[sigtrap_win_count] = base;
	sigtrap_win_size[sigtrap_win_count] = size;
	sigtrap_win_count++;
	return 0;
}

static void sigtrap_clear_windows(void) {
	sigtrap_win_count = 0;
}

static int sigtrap_take(uint64_t *addr, uint64_t *rip, uint64_t *regs) {
	int i;
	if (!sigtrap_last.pending) {
		return 0;
	}
	*addr = sigtrap_last.fault_addr;
	*rip = sigtrap_last.fault_rip;
	for (i = 0; i < 16; i++) {
		regs[i] = sigtrap_last.regs[i];
	}
	sigtrap_last.pending = 0;
	return 1;
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// Supported reports whether fault trapping works on this platform.
func Supported() bool { return true }

// Install registers the fault handler for SIGSEGV and SIGBUS. Must be
// called after the Go runtime is up and before translated code runs.
func Install() error {
	if C.sigtrap_install() != 0 {
		return fmt.Errorf("sigtrap: installing signal handlers failed")
	}
	return nil
}

// Configure tells the handler which host range holds translated code
// and where the fault-exit stub lives. Faults with the PC outside the
// code range are never intercepted.
func Configure(codeBase uintptr, codeSize int, faultExit uintptr) {
	C.sigtrap_configure(C.uint64_t(codeBase), C.uint64_t(codeSize), C.uint64_t(faultExit))
}

// AddWindow registers a host range of guest memory; only faults landing
// inside a window are intercepted.
func AddWindow(base uintptr, size uint64) error {
	if C.sigtrap_add_window(C.uint64_t(base), C.uint64_t(size)) != 0 {
		return fmt.Errorf("sigtrap: window table full")
	}
	return nil
}

// ClearWindows drops all registered windows.
func ClearWindows() {
	C.sigtrap_clear_windows()
}

// TakeFault returns and clears the last captured fault: the faulting
// data address, the host PC of the faulting instruction, and the
// register file ordered by x86-64 encoding number, matching the
// snapshot layout translated code uses.
func TakeFault() (addr, pc uintptr, regs [16]uint64, ok bool) {
	var caddr, crip C.uint64_t
	if C.sigtrap_take(&caddr, &crip, (*C.uint64_t)(unsafe.Pointer(&regs[0]))) == 0 {
		return 0, 0, regs, false
	}
	return uintptr(caddr), uintptr(crip), regs, true
}
