package blockcache

import (
	"log"

	"github.com/google/btree"

	"github.com/magumagu/dolphin/pkg/types"
)

const (
	// DefaultMaxBlocks matches the slot count the original hardware
	// targets comfortably fit in. Hitting it triggers a full clear,
	// never partial eviction.
	DefaultMaxBlocks = 65536 * 2

	// Two-level start-address index: the top level is indexed by
	// addr>>pageShift, each leaf covers one 16 KiB guest page at
	// instruction granularity.
	pageShift = 14
	topSize   = 1 << (32 - pageShift)
	leafSize  = 1 << (pageShift - 2)
	leafMask  = leafSize - 1
)

// Config carries cache construction parameters. The zero value is
// usable; hooks may be nil.
type Config struct {
	// MaxBlocks is the live-slot limit. 0 means DefaultMaxBlocks.
	MaxBlocks int

	// AddressSpace is the guest address range covered by the validity
	// bitmap, in bytes. 0 means the full 4 GiB space.
	AddressSpace uint64

	// OnDestroy runs for every block as it is destroyed, before its
	// metadata is discarded. The backpatcher hooks this to purge its
	// per-site tables.
	OnDestroy func(*Block)

	// OnInvalidate runs for non-forced invalidations over the affected
	// guest range, so cached fast-path annotations (fast-write markers)
	// tied to the old code identity can be dropped.
	OnInvalidate func(start, end types.GuestAddr)
}

type overlapItem struct {
	end   types.GuestAddr // last guest byte covered, inclusive
	start types.GuestAddr
	id    BlockID
}

func overlapLess(a, b overlapItem) bool {
	if a.end != b.end {
		return a.end < b.end
	}
	return a.start < b.start
}

// Cache is the translated-block cache. It is not internally
// synchronized: all mutation must come from the single execution thread
// (or from callers that have excluded it).
type Cache struct {
	cfg     Config
	patcher Patcher

	blocks []Block

	// startIndex maps guest address -> BlockID in O(1). Leaves are
	// allocated on demand and dropped wholesale on Clear.
	startIndex [][]BlockID

	// overlap orders live blocks by (end, start) for range queries
	// during invalidation.
	overlap *btree.BTreeG[overlapItem]

	// linksTo is the reverse multimap: exit target address -> blocks
	// with an exit aimed there, pending or resolved.
	linksTo map[types.GuestAddr][]BlockID

	// validBitmap holds one bit per guest granule that is covered by at
	// least one finalized block; the common single-granule invalidation
	// tests it before touching the overlap index.
	validBitmap []uint32

	overlapViolations uint64
}

// OverlapViolations counts detected breaches of the equal-end-address
// invariant since the last Clear. Nonzero means the translator is
// producing block shapes the invalidation scan cannot handle.
func (c *Cache) OverlapViolations() uint64 {
	return c.overlapViolations
}

// New creates an empty cache using the given patch strategy.
func New(cfg Config, patcher Patcher) *Cache {
	if cfg.MaxBlocks == 0 {
		cfg.MaxBlocks = DefaultMaxBlocks
	}
	if cfg.AddressSpace == 0 {
		cfg.AddressSpace = 1 << 32
	}
	c := &Cache{
		cfg:     cfg,
		patcher: patcher,
	}
	c.init()
	return c
}

func (c *Cache) init() {
	c.blocks = make([]Block, 0, c.cfg.MaxBlocks)
	c.startIndex = make([][]BlockID, topSize)
	c.overlap = btree.NewG(32, overlapLess)
	c.linksTo = make(map[types.GuestAddr][]BlockID)
	c.validBitmap = make([]uint32, c.cfg.AddressSpace/types.GranuleBytes/32)
	c.overlapViolations = 0
}

// NumBlocks returns the number of allocated slots, live or destroyed.
func (c *Cache) NumBlocks() int {
	return len(c.blocks)
}

// IsFull reports whether the next allocation would exceed the slot
// limit. Callers must Clear before allocating when this is true.
func (c *Cache) IsFull() bool {
	return len(c.blocks) >= c.cfg.MaxBlocks-1
}

// GetBlock returns the block for a slot id. The pointer is only valid
// until the next Clear.
func (c *Cache) GetBlock(id BlockID) *Block {
	return &c.blocks[id]
}

// AllocateBlock reserves the next free slot for a block starting at
// addr and resets its metadata. Returns InvalidBlock when no slots
// remain; the caller should have cleared already if IsFull was true.
func (c *Cache) AllocateBlock(addr types.GuestAddr) BlockID {
	if len(c.blocks) >= c.cfg.MaxBlocks {
		return InvalidBlock
	}
	c.blocks = append(c.blocks, Block{OriginalAddress: addr})
	return BlockID(len(c.blocks) - 1)
}

// FinalizeBlock publishes a block: record its normal entry, mark its
// guest range in the validity bitmap, insert it into the start-address
// and overlap indices, and (when enableLinking) resolve links in both
// directions so compile order never matters.
func (c *Cache) FinalizeBlock(id BlockID, enableLinking bool, normalEntry uintptr) {
	b := &c.blocks[id]
	b.NormalEntry = normalEntry

	granules := (b.OriginalSize + 7) / 8
	for i := uint32(0); i < granules; i++ {
		c.setValid(uint32(b.OriginalAddress)/types.GranuleBytes + i)
	}

	leaf := c.leafFor(b.OriginalAddress, true)
	leaf[(b.OriginalAddress>>2)&leafMask] = id

	end := b.EndAddress() - 1
	c.checkOverlapInvariant(b, end)
	c.overlap.ReplaceOrInsert(overlapItem{end: end, start: b.OriginalAddress, id: id})

	if enableLinking {
		for _, e := range b.LinkData {
			c.linksTo[e.Target] = append(c.linksTo[e.Target], id)
		}
		c.linkBlock(id)
	}
}

// checkOverlapInvariant asserts the assumption invalidation depends on:
// any two blocks whose guest ranges overlap end at the same address. A
// violation means the translator produced a block shape the overlap
// scan cannot handle; it is logged loudly rather than silently assumed
// away.
func (c *Cache) checkOverlapInvariant(b *Block, end types.GuestAddr) {
	// Any live block whose end falls inside [start, end) intersects us
	// and ends elsewhere: a violation by construction. Blocks ending
	// past us are checked via the first successor only; maintaining the
	// invariant inductively keeps that sufficient.
	c.overlap.AscendGreaterOrEqual(overlapItem{end: b.OriginalAddress}, func(it overlapItem) bool {
		if it.end >= end {
			if it.end > end && it.start <= end {
				c.reportOverlapViolation(b, end, it)
			}
			return false
		}
		if it.start <= end {
			c.reportOverlapViolation(b, end, it)
		}
		return true
	})
}

func (c *Cache) reportOverlapViolation(b *Block, end types.GuestAddr, it overlapItem) {
	log.Printf("block cache: overlap invariant violated: [%#x,%#x] vs [%#x,%#x]",
		b.OriginalAddress, end, it.start, it.end)
	c.overlapViolations++
}

// GetBlockNumberFromStartAddress returns the id of the live block whose
// first instruction is at addr, or InvalidBlock.
func (c *Cache) GetBlockNumberFromStartAddress(addr types.GuestAddr) BlockID {
	leaf := c.startIndex[addr>>pageShift]
	if leaf == nil {
		return InvalidBlock
	}
	id := leaf[(addr>>2)&leafMask]
	if id == InvalidBlock {
		return InvalidBlock
	}
	b := &c.blocks[id]
	if b.invalid || b.OriginalAddress != addr {
		return InvalidBlock
	}
	return id
}

// linkBlock resolves this block's own unlinked exits, then re-resolves
// every pending block whose exit targets this block's start address.
func (c *Cache) linkBlock(id BlockID) {
	c.linkBlockExits(id)
	for _, src := range c.linksTo[c.blocks[id].OriginalAddress] {
		c.linkBlockExits(src)
	}
}

func (c *Cache) linkBlockExits(id BlockID) {
	b := &c.blocks[id]
	if b.invalid {
		// Dead block; don't relink it.
		return
	}
	for i := range b.LinkData {
		e := &b.LinkData[i]
		if e.Linked {
			continue
		}
		dst := c.GetBlockNumberFromStartAddress(e.Target)
		if dst == InvalidBlock {
			continue
		}
		c.patcher.WriteLinkBlock(e.PatchSite, c.blocks[dst].CheckedEntry)
		e.Linked = true
	}
}

// unlinkBlock rewrites every resolved incoming link back to its
// pre-link dispatcher-return stub and drops the reverse-map entries for
// this block's start address.
func (c *Cache) unlinkBlock(id BlockID) {
	b := &c.blocks[id]
	sources, ok := c.linksTo[b.OriginalAddress]
	if !ok {
		return
	}
	for _, src := range sources {
		sb := &c.blocks[src]
		for i := range sb.LinkData {
			e := &sb.LinkData[i]
			if e.Target == b.OriginalAddress && e.Linked {
				c.patcher.WriteExitStub(e.PatchSite, e.Target)
				e.Linked = false
			}
		}
	}
	delete(c.linksTo, b.OriginalAddress)
}

// DestroyBlock invalidates one block. Idempotent: destroying an
// already-invalid block is a no-op, with a diagnostic when the call did
// not come from the invalidation path (that combination implies a
// bookkeeping bug, not guest misbehavior).
func (c *Cache) DestroyBlock(id BlockID, fromInvalidation bool) {
	if id < 0 || int(id) >= len(c.blocks) {
		log.Printf("block cache: DestroyBlock: invalid block number %d", id)
		return
	}
	b := &c.blocks[id]
	if b.invalid {
		if !fromInvalidation {
			log.Printf("block cache: destroying already-invalid block %d at %#x", id, b.OriginalAddress)
		}
		return
	}
	b.invalid = true

	c.unlinkBlock(id)
	c.overlap.Delete(overlapItem{end: b.EndAddress() - 1, start: b.OriginalAddress})

	// Send anyone who still jumps to this block back to the dispatcher.
	// Spurious entrances from previously linked blocks can only come
	// through the checked entry.
	c.patcher.WriteDestroyBlock(b.CheckedEntry, b.OriginalAddress)

	if c.cfg.OnDestroy != nil {
		c.cfg.OnDestroy(b)
	}
}

// InvalidateICache destroys every block whose guest range intersects
// [addr, addr+length). The single-granule case is O(1): a bitmap test
// skips the overlap scan entirely when no block ever covered the
// granule. A non-forced invalidation additionally purges fast-path
// annotations over the range, since the code identity there changed.
func (c *Cache) InvalidateICache(addr types.GuestAddr, length uint32, forced bool) {
	destroy := true
	if length == types.GranuleBytes && uint32(addr)%types.GranuleBytes == 0 {
		granule := uint32(addr) / types.GranuleBytes
		if !c.testValid(granule) {
			destroy = false
		} else {
			c.clearValid(granule)
		}
	}

	if destroy {
		// Correct under the invariant that any two overlapping blocks
		// end at the same guest address (asserted at finalize).
		var doomed []BlockID
		c.overlap.AscendGreaterOrEqual(overlapItem{end: addr}, func(it overlapItem) bool {
			if uint64(it.start) >= uint64(addr)+uint64(length) {
				return false
			}
			doomed = append(doomed, it.id)
			return true
		})
		for _, id := range doomed {
			c.DestroyBlock(id, true)
		}
	}

	if !forced && c.cfg.OnInvalidate != nil {
		// Ranges ending at the top of the address space would wrap the
		// 32-bit end to zero; clamp instead.
		end := uint64(addr) + uint64(length)
		if end > uint64(^types.GuestAddr(0)) {
			end = uint64(^types.GuestAddr(0))
		}
		c.cfg.OnInvalidate(addr, types.GuestAddr(end))
	}
}

// Clear destroys all live blocks, drops every index and auxiliary
// allocation, and reinitializes to an empty cache. Called when capacity
// is exhausted, when a saved state is loaded (translated code is never
// part of durable state), and on debugger flush requests.
func (c *Cache) Clear() {
	for i := range c.blocks {
		if !c.blocks[i].invalid {
			c.DestroyBlock(BlockID(i), false)
		}
	}
	c.init()
}

// Reset is a full teardown and reinit; today that is the same work as
// Clear.
func (c *Cache) Reset() {
	c.Clear()
}

func (c *Cache) leafFor(addr types.GuestAddr, create bool) []BlockID {
	top := addr >> pageShift
	leaf := c.startIndex[top]
	if leaf == nil && create {
		leaf = make([]BlockID, leafSize)
		for i := range leaf {
			leaf[i] = InvalidBlock
		}
		c.startIndex[top] = leaf
	}
	return leaf
}

func (c *Cache) setValid(granule uint32) {
	if int(granule/32) < len(c.validBitmap) {
		c.validBitmap[granule/32] |= 1 << (granule % 32)
	}
}

func (c *Cache) clearValid(granule uint32) {
	if int(granule/32) < len(c.validBitmap) {
		c.validBitmap[granule/32] &^= 1 << (granule % 32)
	}
}

func (c *Cache) testValid(granule uint32) bool {
	if int(granule/32) >= len(c.validBitmap) {
		return false
	}
	return c.validBitmap[granule/32]&(1<<(granule%32)) != 0
}
