package velocity

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Skip reasons reported in BatchResult.Skipped.
const (
	SkipNoCache       = "cache"
	SkipPrefillBudget = "prefill-budget"
	SkipBatchFull     = "batch-full"
)

// BatchContext provides the inputs for batch formation.
// FormBatch may mutate WaitQ (reorder/remove), the sequences in Active and
// the allocator; it does not call the executor or touch delivery.
type BatchContext struct {
	Tick   int
	Active []*Sequence // decode sequences, in admission order
	WaitQ  *WaitQueue

	// Parked, if set, reports decode sequences whose stream is blocked on
	// its consumer. They keep their blocks but sit out of the batch.
	Parked func(*Sequence) bool
	// Release, if set, is called for each growth failure before admission
	// so the blocks it frees are available to queued requests this tick.
	Release func(*Sequence)
}

// SkippedRequest describes a queued request that was examined but not admitted.
type SkippedRequest struct {
	Sequence *Sequence
	Reason   string
}

// BatchResult describes the outcome of batch formation.
// Seqs is parallel to Batch.Entries.
type BatchResult struct {
	Batch          *Batch
	Seqs           []*Sequence
	Admitted       []*Sequence
	Skipped        []SkippedRequest
	GrowthFailures []*Sequence
}

// BatchScheduler selects, each tick, the sequences that run together:
// every decode sequence (never preempted) plus queued requests admitted for
// prefill in queue order, with bounded skip-ahead past a blocked request.
type BatchScheduler struct {
	cfg      BatchConfig
	reserved bool
	alloc    *CacheAllocator
	order    QueueScheduler
}

// NewBatchScheduler creates a scheduler drawing blocks from alloc.
func NewBatchScheduler(cfg BatchConfig, alloc *CacheAllocator) *BatchScheduler {
	return &BatchScheduler{
		cfg:      cfg,
		reserved: cfg.AdmissionMode == "" || cfg.AdmissionMode == AdmissionReserved,
		alloc:    alloc,
		order:    NewScheduler(cfg.Scheduler),
	}
}

// PromptBlocks returns the blocks a request needs to be admitted.
func (bs *BatchScheduler) PromptBlocks(req *Request) int {
	return bs.alloc.BlocksFor(len(req.Tokens))
}

// GrowthBlocks returns the blocks reserved for a request's decode phase.
// The last generated token is never fed back, so at most
// len(prompt)+MaxTokens-1 tokens are ever written to the cache.
func (bs *BatchScheduler) GrowthBlocks(req *Request) int {
	if !bs.reserved {
		return 0
	}
	limit := len(req.Tokens) + req.Sampling.MaxTokens - 1
	if bs.cfg.MaxModelLen > 0 {
		limit = min(limit, bs.cfg.MaxModelLen-1)
	}
	return max(0, bs.alloc.BlocksFor(limit)-bs.PromptBlocks(req))
}

// FormBatch builds this tick's batch.
func (bs *BatchScheduler) FormBatch(ctx BatchContext) BatchResult {
	result := BatchResult{Batch: &Batch{Tick: ctx.Tick}}

	// Phase 1: every decode sequence keeps its slot and writes one token.
	for _, seq := range ctx.Active {
		if seq.State != StateDecode || (ctx.Parked != nil && ctx.Parked(seq)) {
			continue
		}
		if err := bs.ensureSlot(seq); err != nil {
			logrus.Warnf("[tick %07d] decode growth failed for %s: %v", ctx.Tick, seq.ID, err)
			result.GrowthFailures = append(result.GrowthFailures, seq)
			continue
		}
		entry := BatchEntry{
			SeqID:        seq.ID,
			Phase:        PhaseDecode,
			Input:        []int{seq.LastToken()},
			Position:     seq.CacheFill,
			Blocks:       seq.Blocks,
			Generated:    seq.Generated,
			Sampling:     seq.Request.Sampling,
			Voice:        seq.Request.Voice,
			SuppressStop: seq.suppressStop(),
		}
		bs.commitWrite(seq, 1)
		result.Batch.Entries = append(result.Batch.Entries, entry)
		result.Seqs = append(result.Seqs, seq)
	}

	if ctx.Release != nil {
		for _, seq := range result.GrowthFailures {
			ctx.Release(seq)
		}
	}

	// Phase 2: admit queued requests for prefill.
	if ctx.WaitQ == nil || ctx.WaitQ.Len() == 0 {
		return result
	}
	ctx.WaitQ.Reorder(bs.order.OrderQueue)

	prefillBudget := bs.cfg.MaxPrefillTokens
	admitted := make(map[*Sequence]bool)
	var blocker *Sequence
	blockerIdx := -1
	for idx, seq := range ctx.WaitQ.Items() {
		if bs.cfg.MaxBatchSize > 0 && len(result.Seqs) >= bs.cfg.MaxBatchSize {
			result.Skipped = append(result.Skipped, SkippedRequest{Sequence: seq, Reason: SkipBatchFull})
			break
		}
		if blocker != nil {
			if bs.cfg.Lookahead >= 0 && idx-blockerIdx > bs.cfg.Lookahead {
				break
			}
			if bs.cfg.HeadStarvationTicks > 0 && blocker.skippedTicks >= bs.cfg.HeadStarvationTicks {
				logrus.Debugf("[tick %07d] skip-ahead paused: %s passed over for %d ticks",
					ctx.Tick, blocker.ID, blocker.skippedTicks)
				break
			}
		}

		reason := bs.fits(seq, prefillBudget)
		if reason != "" {
			result.Skipped = append(result.Skipped, SkippedRequest{Sequence: seq, Reason: reason})
			if blocker == nil {
				blocker, blockerIdx = seq, idx
			}
			continue
		}
		if err := bs.admit(seq, ctx.Tick); err != nil {
			// fits() checked capacity, so this is a ledger inconsistency.
			logrus.Errorf("[tick %07d] admission of %s failed: %v", ctx.Tick, seq.ID, err)
			result.Skipped = append(result.Skipped, SkippedRequest{Sequence: seq, Reason: SkipNoCache})
			if blocker == nil {
				blocker, blockerIdx = seq, idx
			}
			continue
		}
		if prefillBudget > 0 {
			prefillBudget -= len(seq.Request.Tokens)
			if prefillBudget == 0 {
				prefillBudget = -1
			}
		}
		admitted[seq] = true
		result.Admitted = append(result.Admitted, seq)
		result.Seqs = append(result.Seqs, seq)
		result.Batch.Entries = append(result.Batch.Entries, BatchEntry{
			SeqID:        seq.ID,
			Phase:        PhasePrefill,
			Input:        seq.Request.Tokens,
			Position:     0,
			Blocks:       seq.Blocks,
			Sampling:     seq.Request.Sampling,
			Voice:        seq.Request.Voice,
			SuppressStop: seq.suppressStop(),
		})
	}
	// Only a tick that admitted something behind the blocker counts toward its starvation.
	if blocker != nil && len(admitted) > 0 {
		for idx, seq := range ctx.WaitQ.Items() {
			if idx > blockerIdx && admitted[seq] {
				blocker.skippedTicks++
				break
			}
		}
	}
	ctx.WaitQ.Remove(admitted)
	return result
}

// fits returns "" when seq can be admitted now, or the reason it cannot.
// A negative budget means the per-tick prefill budget is used up.
func (bs *BatchScheduler) fits(seq *Sequence, prefillBudget int) string {
	if prefillBudget < 0 || (prefillBudget > 0 && len(seq.Request.Tokens) > prefillBudget) {
		return SkipPrefillBudget
	}
	need := bs.PromptBlocks(seq.Request) + bs.GrowthBlocks(seq.Request)
	if need > bs.alloc.Available() {
		return SkipNoCache
	}
	return ""
}

// admit allocates prompt blocks, reserves growth and moves seq to prefill.
func (bs *BatchScheduler) admit(seq *Sequence, tick int) error {
	ids, err := bs.alloc.Allocate(seq.ID, bs.PromptBlocks(seq.Request))
	if err != nil {
		return err
	}
	growth := bs.GrowthBlocks(seq.Request)
	if growth > 0 {
		if err := bs.alloc.Reserve(growth); err != nil {
			if ferr := bs.alloc.Free(seq.ID, ids); ferr != nil {
				logrus.Errorf("rollback of %s failed: %v", seq.ID, ferr)
			}
			return err
		}
	}
	if err := seq.Transition(StatePrefill); err != nil {
		bs.alloc.Unreserve(growth)
		if ferr := bs.alloc.Free(seq.ID, ids); ferr != nil {
			logrus.Errorf("rollback of %s failed: %v", seq.ID, ferr)
		}
		return err
	}
	seq.Blocks = ids
	seq.ReservedBlocks = growth
	seq.AdmittedTick = tick
	seq.skippedTicks = 0
	bs.commitWrite(seq, len(seq.Request.Tokens))
	return nil
}

// ensureSlot makes sure seq has room for one more token, taking one block
// from its reservation (reserved mode) or from the free pool.
func (bs *BatchScheduler) ensureSlot(seq *Sequence) error {
	if seq.CacheFill < len(seq.Blocks)*bs.alloc.BlockSize() {
		return nil
	}
	var (
		ids []BlockID
		err error
	)
	if seq.ReservedBlocks > 0 {
		ids, err = bs.alloc.AllocateReserved(seq.ID, 1)
		if err == nil {
			seq.ReservedBlocks--
		}
	} else {
		ids, err = bs.alloc.Allocate(seq.ID, 1)
	}
	if err != nil {
		return err
	}
	seq.Blocks = append(seq.Blocks, ids...)
	return nil
}

// commitWrite records n tokens written at the sequence's cache cursor.
func (bs *BatchScheduler) commitWrite(seq *Sequence, n int) {
	size := bs.alloc.BlockSize()
	for n > 0 {
		idx := seq.CacheFill / size
		if idx >= len(seq.Blocks) {
			panic(fmt.Sprintf("commitWrite: %s cursor %d beyond %d blocks", seq.ID, seq.CacheFill, len(seq.Blocks)))
		}
		room := size - seq.CacheFill%size
		w := min(room, n)
		if err := bs.alloc.Write(seq.ID, seq.Blocks[idx], w); err != nil {
			panic(fmt.Sprintf("commitWrite: %v", err))
		}
		seq.CacheFill += w
		n -= w
	}
}
