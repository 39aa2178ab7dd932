package velocity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheAllocator_Allocate_AllOrNothing(t *testing.T) {
	// GIVEN a pool of 4 blocks with 3 already taken
	a := NewCacheAllocator(4, 2)
	_, err := a.Allocate("s1", 3)
	require.NoError(t, err)

	// WHEN a request asks for more than is free
	ids, err := a.Allocate("s2", 2)

	// THEN nothing is allocated and the error wraps ErrOutOfCache
	assert.ErrorIs(t, err, ErrOutOfCache)
	assert.Nil(t, ids)
	assert.Equal(t, 3, a.UsedBlocks())
	assert.Equal(t, 1, a.FreeBlocks())
	assert.NoError(t, a.CheckConservation())
}

func TestCacheAllocator_Allocate_AssignsOwnerAndResetsFill(t *testing.T) {
	a := NewCacheAllocator(2, 4)
	ids, err := a.Allocate("s1", 1)
	require.NoError(t, err)
	require.NoError(t, a.Write("s1", ids[0], 3))
	require.NoError(t, a.Free("s1", ids))

	// WHEN the block is reused by another sequence
	ids2, err := a.Allocate("s2", 2)
	require.NoError(t, err)

	// THEN every block belongs to the new owner with an empty fill
	for _, id := range ids2 {
		blk := a.Block(id)
		assert.Equal(t, "s2", blk.Owner)
		assert.Equal(t, 0, blk.Fill)
	}
}

func TestCacheAllocator_Free_ReturnsBlocksAndUpdatesCounts(t *testing.T) {
	a := NewCacheAllocator(4, 2)
	ids, err := a.Allocate("s1", 4)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, a.Utilization(), 1e-9)

	require.NoError(t, a.Free("s1", ids))

	assert.Equal(t, 0, a.UsedBlocks())
	assert.Equal(t, 4, a.FreeBlocks())
	assert.InDelta(t, 0.0, a.Utilization(), 1e-9)
	assert.NoError(t, a.CheckConservation())
}

func TestCacheAllocator_Free_DoubleFreeIsReportedNotCorrupting(t *testing.T) {
	// GIVEN a block that was already freed
	a := NewCacheAllocator(4, 2)
	ids, err := a.Allocate("s1", 2)
	require.NoError(t, err)
	require.NoError(t, a.Free("s1", ids[:1]))

	// WHEN both blocks are freed again
	err = a.Free("s1", ids)

	// THEN the stale block is reported, the valid one is still freed
	assert.ErrorIs(t, err, ErrBlockNotOwned)
	assert.Equal(t, 0, a.UsedBlocks())
	assert.NoError(t, a.CheckConservation())
}

func TestCacheAllocator_Free_ForeignBlockIsRejected(t *testing.T) {
	a := NewCacheAllocator(4, 2)
	ids, err := a.Allocate("s1", 1)
	require.NoError(t, err)

	err = a.Free("s2", ids)

	assert.ErrorIs(t, err, ErrBlockNotOwned)
	assert.Equal(t, "s1", a.Block(ids[0]).Owner)
	assert.Equal(t, 1, a.UsedBlocks())
}

func TestCacheAllocator_Free_OutOfRangeIsRejected(t *testing.T) {
	a := NewCacheAllocator(2, 2)
	err := a.Free("s1", []BlockID{7})
	assert.ErrorIs(t, err, ErrBlockNotOwned)
}

func TestCacheAllocator_Reserve_ExcludesBlocksFromAvailable(t *testing.T) {
	// GIVEN a pool with 2 blocks reserved
	a := NewCacheAllocator(4, 2)
	require.NoError(t, a.Reserve(2))
	assert.Equal(t, 2, a.Available())
	assert.Equal(t, 4, a.FreeBlocks())

	// WHEN more than the remaining availability is reserved
	err := a.Reserve(3)

	// THEN the reservation fails without changing the ledger
	assert.ErrorIs(t, err, ErrOutOfCache)
	assert.Equal(t, 2, a.Reserved())

	// WHEN a reserved block is drawn
	ids, err := a.AllocateReserved("s1", 1)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
	assert.Equal(t, 1, a.Reserved())
	assert.Equal(t, 2, a.Available())

	// THEN drawing more than reserved fails
	_, err = a.AllocateReserved("s1", 2)
	assert.Error(t, err)

	a.Unreserve(5)
	assert.Equal(t, 0, a.Reserved())
}

func TestCacheAllocator_Write_RejectsOverflowAndForeignWrites(t *testing.T) {
	a := NewCacheAllocator(2, 2)
	ids, err := a.Allocate("s1", 1)
	require.NoError(t, err)

	require.NoError(t, a.Write("s1", ids[0], 2))
	assert.Error(t, a.Write("s1", ids[0], 1), "block is full")
	assert.ErrorIs(t, a.Write("s2", ids[0], 1), ErrBlockNotOwned)
	assert.Equal(t, 2, a.Block(ids[0]).Fill)
}

func TestCacheAllocator_Scrubber_CalledWithFreedBlocks(t *testing.T) {
	a := NewCacheAllocator(4, 2)
	var scrubbed []BlockID
	a.SetScrubber(func(ids []BlockID) { scrubbed = append(scrubbed, ids...) })
	ids, err := a.Allocate("s1", 2)
	require.NoError(t, err)

	require.NoError(t, a.Free("s1", ids))

	assert.ElementsMatch(t, ids, scrubbed)
}

func TestCacheAllocator_BlocksFor(t *testing.T) {
	a := NewCacheAllocator(1, 4)
	tests := []struct {
		tokens, want int
	}{
		{0, 0}, {1, 1}, {4, 1}, {5, 2}, {8, 2}, {9, 3},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, a.BlocksFor(tc.tokens), "tokens=%d", tc.tokens)
	}
}

func TestCacheAllocator_Allocate_RejectsBadArguments(t *testing.T) {
	a := NewCacheAllocator(2, 2)
	_, err := a.Allocate("", 1)
	assert.Error(t, err)
	_, err = a.Allocate("s1", -1)
	assert.Error(t, err)
}
