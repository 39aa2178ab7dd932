package velocity

import (
	"errors"
	"fmt"
)

// BlockID identifies a cache block in the pool.
type BlockID int

// CacheBlock is a fixed-capacity unit of per-sequence cache storage.
// Owner is empty while the block is on the free list.
type CacheBlock struct {
	ID       BlockID
	Owner    string      // owning sequence id, "" when free
	Fill     int         // tokens written into this block
	prevFree *CacheBlock // free list: previous free block
	nextFree *CacheBlock // free list: next free block
}

// CacheAllocator owns a fixed pool of fixed-size cache blocks.
// Allocation is all-or-nothing and never evicts another sequence's blocks.
// Not safe for concurrent use: the engine loop is its only caller.
type CacheAllocator struct {
	blockSize int
	blocks    []*CacheBlock
	freeHead  *CacheBlock
	freeTail  *CacheBlock
	used      int                 // tracked incrementally
	reserved  int                 // blocks promised to admitted sequences for future growth
	scrub     func(ids []BlockID) // called with freed blocks when stale content must be cleared
}

// NewCacheAllocator places all blocks on the free list in id order.
func NewCacheAllocator(totalBlocks, blockSize int) *CacheAllocator {
	a := &CacheAllocator{
		blockSize: blockSize,
		blocks:    make([]*CacheBlock, totalBlocks),
	}
	for i := 0; i < totalBlocks; i++ {
		blk := &CacheBlock{ID: BlockID(i)}
		a.blocks[i] = blk
		a.appendToFreeList(blk)
	}
	return a
}

// appendToFreeList inserts a block at the tail of the free list.
func (a *CacheAllocator) appendToFreeList(blk *CacheBlock) {
	blk.nextFree = nil
	if a.freeTail != nil {
		a.freeTail.nextFree = blk
		blk.prevFree = a.freeTail
		a.freeTail = blk
	} else {
		a.freeHead = blk
		a.freeTail = blk
		blk.prevFree = nil
	}
}

// popFreeBlock detaches the head of the free list.
func (a *CacheAllocator) popFreeBlock() *CacheBlock {
	head := a.freeHead
	if head == nil {
		return nil
	}
	a.freeHead = head.nextFree
	if a.freeHead != nil {
		a.freeHead.prevFree = nil
	} else {
		a.freeTail = nil
	}
	head.nextFree = nil
	head.prevFree = nil
	return head
}

// Allocate reserves n blocks for owner. Either all n are returned or none,
// with an error wrapping ErrOutOfCache.
func (a *CacheAllocator) Allocate(owner string, n int) ([]BlockID, error) {
	if n < 0 {
		return nil, fmt.Errorf("allocate %d blocks: negative count", n)
	}
	if owner == "" {
		return nil, errors.New("allocate: empty owner")
	}
	if n > a.FreeBlocks() {
		return nil, fmt.Errorf("%w: need %d, free %d", ErrOutOfCache, n, a.FreeBlocks())
	}
	ids := make([]BlockID, 0, n)
	for i := 0; i < n; i++ {
		blk := a.popFreeBlock()
		blk.Owner = owner
		blk.Fill = 0
		a.used++
		ids = append(ids, blk.ID)
	}
	return ids, nil
}

// AllocateReserved allocates n blocks that were previously set aside with Reserve.
// The reservation is consumed even if fewer free blocks exist than reserved,
// which would indicate a ledger bug and is reported as ErrOutOfCache.
func (a *CacheAllocator) AllocateReserved(owner string, n int) ([]BlockID, error) {
	if n > a.reserved {
		return nil, fmt.Errorf("allocate reserved: %d requested, %d reserved", n, a.reserved)
	}
	a.reserved -= n
	ids, err := a.Allocate(owner, n)
	if err != nil {
		a.reserved += n
		return nil, err
	}
	return ids, nil
}

// Reserve sets n free blocks aside for future growth. Reserved blocks stay on
// the free list but are excluded from Available.
func (a *CacheAllocator) Reserve(n int) error {
	if n > a.Available() {
		return fmt.Errorf("%w: reserve %d, available %d", ErrOutOfCache, n, a.Available())
	}
	a.reserved += n
	return nil
}

// Unreserve returns n reserved blocks to the available pool.
func (a *CacheAllocator) Unreserve(n int) {
	a.reserved = max(0, a.reserved-n)
}

// Free returns blocks to the pool in reverse order. Blocks that are already
// free or owned by someone else are skipped and reported with ErrBlockNotOwned.
func (a *CacheAllocator) Free(owner string, ids []BlockID) error {
	var errs []error
	var freed []BlockID
	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		if int(id) < 0 || int(id) >= len(a.blocks) {
			errs = append(errs, fmt.Errorf("%w: block %d out of range", ErrBlockNotOwned, id))
			continue
		}
		blk := a.blocks[id]
		if blk.Owner != owner {
			errs = append(errs, fmt.Errorf("%w: block %d owned by %q, freed by %q", ErrBlockNotOwned, id, blk.Owner, owner))
			continue
		}
		blk.Owner = ""
		blk.Fill = 0
		a.used--
		a.appendToFreeList(blk)
		freed = append(freed, id)
	}
	if a.scrub != nil && len(freed) > 0 {
		a.scrub(freed)
	}
	return errors.Join(errs...)
}

// SetScrubber installs fn to be called with every batch of freed blocks.
// Without a scrubber only the fill count is reset, which is enough whenever
// block content is always overwritten before it is read.
func (a *CacheAllocator) SetScrubber(fn func(ids []BlockID)) {
	a.scrub = fn
}

// Write records n tokens written into block id by owner. It fails when the
// block would exceed its capacity.
func (a *CacheAllocator) Write(owner string, id BlockID, n int) error {
	blk := a.blocks[id]
	if blk.Owner != owner {
		return fmt.Errorf("%w: write to block %d owned by %q", ErrBlockNotOwned, id, blk.Owner)
	}
	if blk.Fill+n > a.blockSize {
		return fmt.Errorf("block %d overflow: fill %d + %d > %d", id, blk.Fill, n, a.blockSize)
	}
	blk.Fill += n
	return nil
}

// Block returns a copy of the block's public metadata.
func (a *CacheAllocator) Block(id BlockID) CacheBlock {
	blk := a.blocks[id]
	return CacheBlock{ID: blk.ID, Owner: blk.Owner, Fill: blk.Fill}
}

// BlocksFor returns the number of blocks needed to hold n tokens.
func (a *CacheAllocator) BlocksFor(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + a.blockSize - 1) / a.blockSize
}

// BlockSize returns the token capacity of one block.
func (a *CacheAllocator) BlockSize() int { return a.blockSize }

// TotalBlocks returns the pool size.
func (a *CacheAllocator) TotalBlocks() int { return len(a.blocks) }

// UsedBlocks returns the number of owned blocks.
func (a *CacheAllocator) UsedBlocks() int { return a.used }

// FreeBlocks returns the number of unowned blocks, reserved ones included.
func (a *CacheAllocator) FreeBlocks() int { return len(a.blocks) - a.used }

// Reserved returns the number of blocks set aside for growth.
func (a *CacheAllocator) Reserved() int { return a.reserved }

// Available returns free blocks that are not reserved.
func (a *CacheAllocator) Available() int { return a.FreeBlocks() - a.reserved }

// Utilization returns the fraction of the pool currently owned.
func (a *CacheAllocator) Utilization() float64 {
	if len(a.blocks) == 0 {
		return 0
	}
	return float64(a.used) / float64(len(a.blocks))
}

// CheckConservation verifies that owned plus free blocks equal the pool and
// that the free list holds exactly the unowned blocks.
func (a *CacheAllocator) CheckConservation() error {
	owned := 0
	for _, blk := range a.blocks {
		if blk.Owner != "" {
			owned++
		}
	}
	onList := 0
	for blk := a.freeHead; blk != nil; blk = blk.nextFree {
		if blk.Owner != "" {
			return fmt.Errorf("block %d on free list but owned by %q", blk.ID, blk.Owner)
		}
		onList++
		if onList > len(a.blocks) {
			return errors.New("free list cycle detected")
		}
	}
	if owned != a.used {
		return fmt.Errorf("owned blocks %d != used counter %d", owned, a.used)
	}
	if owned+onList != len(a.blocks) {
		return fmt.Errorf("owned %d + free %d != total %d", owned, onList, len(a.blocks))
	}
	if a.reserved > onList {
		return fmt.Errorf("reserved %d exceeds free %d", a.reserved, onList)
	}
	return nil
}
