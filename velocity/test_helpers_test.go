package velocity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeExecutor produces token 100+len(Generated) for every entry unless
// tokenFn overrides it, and records the sequence ids of every batch.
type fakeExecutor struct {
	mu       sync.Mutex
	batches  [][]string
	phases   [][]Phase
	tokenFn  func(tick int, e BatchEntry) int
	entryErr func(tick int, e BatchEntry) error
	callErr  func(tick int) error
	short    bool // return one result too few
	onStep   func(b *Batch)
}

func (f *fakeExecutor) Step(_ context.Context, b *Batch) ([]StepResult, error) {
	f.mu.Lock()
	ids := b.SeqIDs()
	phases := make([]Phase, len(b.Entries))
	for i, e := range b.Entries {
		phases[i] = e.Phase
	}
	f.batches = append(f.batches, ids)
	f.phases = append(f.phases, phases)
	f.mu.Unlock()

	if f.onStep != nil {
		f.onStep(b)
	}
	if f.callErr != nil {
		if err := f.callErr(b.Tick); err != nil {
			return nil, err
		}
	}
	results := make([]StepResult, len(b.Entries))
	for i, e := range b.Entries {
		results[i].Token = 100 + len(e.Generated)
		if f.tokenFn != nil {
			results[i].Token = f.tokenFn(b.Tick, e)
		}
		if f.entryErr != nil {
			results[i].Err = f.entryErr(b.Tick, e)
		}
	}
	if f.short && len(results) > 0 {
		results = results[:len(results)-1]
	}
	return results, nil
}

func (f *fakeExecutor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeExecutor) sawSequence(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.batches {
		for _, s := range b {
			if s == id {
				return true
			}
		}
	}
	return false
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testConfig returns a small deterministic configuration with every optional
// limit disabled.
func testConfig(blocks, blockSize int) Config {
	cfg := DefaultConfig()
	cfg.Cache.TotalBlocks = blocks
	cfg.Cache.BlockSize = blockSize
	cfg.Batch.MaxBatchSize = 0
	cfg.Batch.MaxPrefillTokens = 0
	cfg.Batch.MaxModelLen = 0
	cfg.Queue.MaxDepth = 0
	cfg.Queue.Timeout = 0
	return cfg
}

func testRequest(id string, promptLen, maxTokens int) Request {
	tokens := make([]int, promptLen)
	for i := range tokens {
		tokens[i] = i + 1
	}
	sampling := DefaultSampling()
	sampling.MaxTokens = maxTokens
	return Request{ID: id, Tokens: tokens, Sampling: sampling}
}

func newTestEngine(t *testing.T, cfg Config, exec StepExecutor, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, exec, opts...)
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return e
}

func mustSubmit(t *testing.T, e *Engine, req Request) *Handle {
	t.Helper()
	h, err := e.Submit(req)
	require.NoError(t, err)
	return h
}

// step runs one tick and checks the pool invariants at the tick boundary.
func step(t *testing.T, e *Engine) TickReport {
	t.Helper()
	report, err := e.Step(context.Background())
	require.NoError(t, err)
	checkInvariants(t, e)
	return report
}

// runUntilDone steps until every handle is terminated or limit ticks pass.
func runUntilDone(t *testing.T, e *Engine, limit int, handles ...*Handle) int {
	t.Helper()
	for tick := 1; tick <= limit; tick++ {
		step(t, e)
		if allDone(handles) {
			return tick
		}
	}
	t.Fatalf("handles not terminated after %d ticks", limit)
	return limit
}

func allDone(handles []*Handle) bool {
	for _, h := range handles {
		select {
		case <-h.Done():
		default:
			return false
		}
	}
	return true
}

func collect(t *testing.T, h *Handle) ([]int, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.Collect(ctx)
}

func tokenRange(from, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = from + i
	}
	return out
}

// checkInvariants verifies cache conservation, per-sequence limits and that
// no active sequence is terminal.
func checkInvariants(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.alloc.CheckConservation())
	owned := 0
	for _, seq := range e.active {
		require.False(t, seq.IsTerminal(), "terminal sequence %s still active", seq.ID)
		require.LessOrEqual(t, len(seq.Generated), seq.Request.Sampling.MaxTokens)
		if e.cfg.Batch.MaxModelLen > 0 {
			require.LessOrEqual(t, seq.NumTokens(), e.cfg.Batch.MaxModelLen)
		}
		require.LessOrEqual(t, seq.CacheFill, len(seq.Blocks)*e.alloc.BlockSize())
		owned += len(seq.Blocks)
	}
	require.Equal(t, e.alloc.UsedBlocks(), owned, "owned blocks must match active sequences")
	for _, seq := range e.waitQ.Items() {
		require.Empty(t, seq.Blocks, "queued sequence %s owns blocks", seq.ID)
	}
}

// recordingObserver counts notifications.
type recordingObserver struct {
	NopObserver
	submitted []string
	admitted  []string
	finished  map[string]SequenceState
	ticks     int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{finished: make(map[string]SequenceState)}
}

func (o *recordingObserver) OnSubmit(seq *Sequence) { o.submitted = append(o.submitted, seq.ID) }
func (o *recordingObserver) OnAdmit(seq *Sequence, _ int) { o.admitted = append(o.admitted, seq.ID) }
func (o *recordingObserver) OnFinish(seq *Sequence, _ int) { o.finished[seq.ID] = seq.State }
func (o *recordingObserver) OnTick(TickReport) { o.ticks++ }
