// Package backpatch repairs unchecked guest-memory accesses after they
// fault. The translator emits loads and stores straight against the
// fast RAM base; the first time one touches something that is not RAM,
// the fault lands here and the access is rewritten in place into a jump
// to a checked slow path.
package backpatch

import (
	"github.com/magumagu/dolphin/pkg/blockcache"
	"github.com/magumagu/dolphin/pkg/types"
	"github.com/magumagu/dolphin/pkg/x64"
)

// siteMeta is what the translator records per unchecked access site.
type siteMeta struct {
	regsInUse types.RegSet
	guestPC   types.GuestAddr
	handler   uintptr // explicit guard handler, 0 if none
}

// patchedSite is the cached shape of an already-repaired site; the
// dispatcher consults it when the slow-path trampoline exits.
type patchedSite struct {
	info    x64.AccessInfo
	guestPC types.GuestAddr
	handler uintptr
}

// RegisterSite records the translator's annotations for one unchecked
// access: the live register set at the site and the guest PC it
// implements. Every fastmem site a block emits must be registered
// before the block can run; a fault at an unregistered site is an
// invariant violation between translator and backpatcher, and fatal.
func (b *Backpatcher) RegisterSite(site uintptr, regs types.RegSet, pc types.GuestAddr) {
	b.sites[site] = siteMeta{regsInUse: regs, guestPC: pc}
}

// RegisterGuardHandler attaches an explicit exception-handler address
// to a site. Only consulted when guarded-access checking is enabled.
func (b *Backpatcher) RegisterGuardHandler(site uintptr, handler uintptr) {
	m, ok := b.sites[site]
	if !ok {
		m = siteMeta{}
	}
	m.handler = handler
	b.sites[site] = m
}

// PurgeBlock drops every table entry owned by a dying block. Wired as
// the block cache's OnDestroy hook: the tables must not outlive the
// code they describe.
func (b *Backpatcher) PurgeBlock(blk *blockcache.Block) {
	for _, site := range blk.FastmemSites {
		delete(b.sites, site)
		if start, ok := b.starts[site]; ok {
			delete(b.patched, start)
			delete(b.starts, site)
		}
	}
}

// PurgeAll resets all tables; used when the whole cache is cleared.
func (b *Backpatcher) PurgeAll() {
	b.sites = make(map[uintptr]siteMeta)
	b.patched = make(map[uintptr]patchedSite)
	b.starts = make(map[uintptr]uintptr)
}
