package velocity

import "context"

// StepResult is the executor's output for one batch entry.
type StepResult struct {
	Token  int       // sampled next token
	Logits []float32 // optional, may be nil
	Err    error     // per-sequence fault; other entries are unaffected
}

// StepExecutor runs one forward step over a batch.
// It must return exactly one result per entry, in entry order. A returned
// error, or a result count mismatch, faults every sequence in the batch.
// The call is synchronous with respect to the tick; ctx is cancelled when the
// engine stops.
type StepExecutor interface {
	Step(ctx context.Context, batch *Batch) ([]StepResult, error)
}

// ExecutorFunc adapts a function to the StepExecutor interface.
type ExecutorFunc func(ctx context.Context, batch *Batch) ([]StepResult, error)

// Step calls f(ctx, batch).
func (f ExecutorFunc) Step(ctx context.Context, batch *Batch) ([]StepResult, error) {
	return f(ctx, batch)
}

// BlockScrubber is implemented by executors that hold per-block tensor memory
// and can clear it when blocks are freed.
type BlockScrubber interface {
	ScrubBlocks(ids []BlockID)
}
