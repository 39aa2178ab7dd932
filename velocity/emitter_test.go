package velocity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEmitterFixture(cfg StreamConfig) (*StreamEmitter, *Sequence, chan struct{}) {
	stop := make(chan struct{})
	req := testRequest("s1", 2, 10)
	h := newHandle("s1", cfg.BufferChunks, nil)
	return NewStreamEmitter(cfg, stop, nil, nil), newSequence(&req, h), stop
}

func TestStreamEmitter_Emit_AppendsAndDelivers(t *testing.T) {
	em, seq, _ := newEmitterFixture(StreamConfig{BufferChunks: 4, ChunkTokens: 1})

	require.NoError(t, em.Emit(seq, 100))
	require.NoError(t, em.Emit(seq, 101))

	assert.Equal(t, []int{100, 101}, seq.Generated)
	assert.False(t, seq.FirstTokenTime.IsZero())
	c := <-seq.handle.Chunks()
	assert.Equal(t, 0, c.Index)
	assert.Equal(t, []int{100}, c.Tokens)
	c = <-seq.handle.Chunks()
	assert.Equal(t, 1, c.Index)
}

func TestStreamEmitter_Close_FlushesOnlyOnSuccess(t *testing.T) {
	em, seq, _ := newEmitterFixture(StreamConfig{BufferChunks: 4, ChunkTokens: 3})
	require.NoError(t, em.Emit(seq, 100))
	require.NoError(t, em.Emit(seq, 101))
	assert.Empty(t, seq.handle.Chunks(), "chunk not full yet")

	em.Close(seq, nil)

	c, ok := <-seq.handle.Chunks()
	require.True(t, ok)
	assert.Equal(t, []int{100, 101}, c.Tokens)
	_, ok = <-seq.handle.Chunks()
	assert.False(t, ok, "stream closed after flush")
	assert.NoError(t, seq.handle.Err())
}

func TestStreamEmitter_Close_WithErrorDropsPending(t *testing.T) {
	em, seq, _ := newEmitterFixture(StreamConfig{BufferChunks: 4, ChunkTokens: 3})
	require.NoError(t, em.Emit(seq, 100))

	em.Close(seq, ErrComputeFault)

	_, ok := <-seq.handle.Chunks()
	assert.False(t, ok)
	assert.ErrorIs(t, seq.handle.Err(), ErrComputeFault)
}

func TestStreamEmitter_Close_ExactlyOnce(t *testing.T) {
	em, seq, _ := newEmitterFixture(StreamConfig{BufferChunks: 1, ChunkTokens: 1})
	em.Close(seq, ErrCancelled)
	em.Close(seq, nil)
	assert.ErrorIs(t, seq.handle.Err(), ErrCancelled, "first terminal error wins")
}

// settle waits for seq's parked delivery to end and returns its outcome.
func settle(t *testing.T, em *StreamEmitter, seq *Sequence) error {
	t.Helper()
	var err error
	require.Eventually(t, func() bool {
		var settled bool
		settled, err = em.Settle(seq)
		return settled
	}, time.Second, time.Millisecond)
	return err
}

func TestStreamEmitter_Block_ParksInsteadOfBlocking(t *testing.T) {
	// GIVEN a full one-chunk buffer under the block policy
	em, seq, _ := newEmitterFixture(StreamConfig{BufferChunks: 1, ChunkTokens: 1, Policy: PolicyBlock})
	require.NoError(t, em.Emit(seq, 100))

	// WHEN another token is emitted
	require.NoError(t, em.Emit(seq, 101))

	// THEN the chunk is committed and parked without blocking the caller
	assert.True(t, em.Parked(seq))
	assert.Empty(t, seq.pending)
	assert.Equal(t, 2, seq.chunkIndex)
	settled, err := em.Settle(seq)
	assert.False(t, settled)
	assert.NoError(t, err)
	assert.Error(t, em.Flush(seq), "no second chunk while one is in flight")
}

func TestStreamEmitter_Block_AbortedByCancel(t *testing.T) {
	// GIVEN a chunk parked behind a full buffer
	em, seq, _ := newEmitterFixture(StreamConfig{BufferChunks: 1, ChunkTokens: 1, Policy: PolicyBlock})
	require.NoError(t, em.Emit(seq, 100))
	require.NoError(t, em.Emit(seq, 101))

	// WHEN the consumer cancels
	seq.handle.Cancel()

	// THEN the parked delivery gives up with ErrCancelled
	assert.ErrorIs(t, settle(t, em, seq), ErrCancelled)
	assert.False(t, em.Parked(seq))
}

func TestStreamEmitter_Block_AbortedByStop(t *testing.T) {
	em, seq, stop := newEmitterFixture(StreamConfig{BufferChunks: 1, ChunkTokens: 1, Policy: PolicyBlock})
	require.NoError(t, em.Emit(seq, 100))
	require.NoError(t, em.Emit(seq, 101))

	close(stop)

	assert.ErrorIs(t, settle(t, em, seq), ErrEngineStopped)
}

func TestStreamEmitter_Block_TimesOutStalledConsumer(t *testing.T) {
	em, seq, _ := newEmitterFixture(StreamConfig{
		BufferChunks: 1, ChunkTokens: 1, Policy: PolicyBlock, BlockTimeout: 5 * time.Millisecond,
	})
	require.NoError(t, em.Emit(seq, 100))
	require.NoError(t, em.Emit(seq, 101))

	err := settle(t, em, seq)

	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, errConsumerStalled)
}

func TestStreamEmitter_Block_ResumesWhenConsumerReads(t *testing.T) {
	em, seq, _ := newEmitterFixture(StreamConfig{BufferChunks: 1, ChunkTokens: 1, Policy: PolicyBlock})
	require.NoError(t, em.Emit(seq, 100))
	require.NoError(t, em.Emit(seq, 101))

	c := <-seq.handle.Chunks()
	assert.Equal(t, []int{100}, c.Tokens)

	require.NoError(t, settle(t, em, seq))
	c = <-seq.handle.Chunks()
	assert.Equal(t, []int{101}, c.Tokens)
	require.NoError(t, em.Emit(seq, 102))
	assert.False(t, em.Parked(seq))
}

func TestStreamEmitter_Block_WakesWhenParkedDeliveryEnds(t *testing.T) {
	stop := make(chan struct{})
	woke := make(chan struct{}, 1)
	cfg := StreamConfig{BufferChunks: 1, ChunkTokens: 1, Policy: PolicyBlock}
	em := NewStreamEmitter(cfg, stop, nil, func() { woke <- struct{}{} })
	req := testRequest("s1", 2, 10)
	seq := newSequence(&req, newHandle("s1", 1, nil))
	require.NoError(t, em.Emit(seq, 100))
	require.NoError(t, em.Emit(seq, 101))

	<-seq.handle.Chunks()

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("no wake after the parked chunk landed")
	}
}

func TestStreamEmitter_Close_SuccessWaitsForParkedChunk(t *testing.T) {
	// GIVEN a completed sequence whose last chunk is parked
	em, seq, _ := newEmitterFixture(StreamConfig{BufferChunks: 1, ChunkTokens: 1, Policy: PolicyBlock})
	require.NoError(t, em.Emit(seq, 100))
	require.NoError(t, em.Emit(seq, 101))

	// WHEN the stream is closed without error
	em.Close(seq, nil)

	// THEN the consumer still reads every chunk before the end of stream
	tokens, err := collect(t, seq.handle)
	require.NoError(t, err)
	assert.Equal(t, []int{100, 101}, tokens)
}

func TestStreamEmitter_Close_ErrorAbortsParkedChunk(t *testing.T) {
	em, seq, _ := newEmitterFixture(StreamConfig{BufferChunks: 1, ChunkTokens: 1, Policy: PolicyBlock})
	require.NoError(t, em.Emit(seq, 100))
	require.NoError(t, em.Emit(seq, 101))

	em.Close(seq, ErrComputeFault)

	tokens, err := collect(t, seq.handle)
	assert.Equal(t, []int{100}, tokens)
	assert.ErrorIs(t, err, ErrComputeFault)
	assert.False(t, em.Parked(seq))
}

func TestStreamEmitter_DropOldest_CountsDrops(t *testing.T) {
	em, seq, _ := newEmitterFixture(StreamConfig{BufferChunks: 1, ChunkTokens: 1, Policy: PolicyDropOldest})

	for tok := 100; tok < 104; tok++ {
		require.NoError(t, em.Emit(seq, tok))
	}

	assert.Equal(t, 3, seq.Dropped)
	c := <-seq.handle.Chunks()
	assert.Equal(t, 3, c.Index, "chunk indexes keep counting across drops")
	assert.Equal(t, []int{103}, c.Tokens)
}
