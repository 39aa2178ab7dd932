// batch.go
//
// Defines the Batch handed to the step executor once per tick.

package velocity

// Phase tells the executor how to treat a batch entry.
type Phase string

const (
	PhasePrefill Phase = "prefill" // Input is the whole prompt
	PhaseDecode  Phase = "decode"  // Input is the last generated token
)

// BatchEntry is one sequence's slice of a tick's work.
// Slices are views into engine-owned state and MUST NOT be modified by the executor.
type BatchEntry struct {
	SeqID        string
	Phase        Phase
	Input        []int          // tokens fed into the model this tick
	Position     int            // cache position of Input[0]
	Blocks       []BlockID      // owned blocks in logical order
	Generated    []int          // tokens generated so far, for repetition penalties
	Sampling     SamplingConfig // decoding parameters of the request
	Voice        []float32      // opaque speaker embedding
	SuppressStop bool           // executor must not sample a stop token
}

// Batch groups the sequences run together in one tick.
// It is built fresh each tick and discarded after the executor returns.
type Batch struct {
	Tick    int
	Entries []BatchEntry
}

// Len returns the number of entries.
func (b *Batch) Len() int { return len(b.Entries) }

// SeqIDs returns the sequence ids in batch order.
func (b *Batch) SeqIDs() []string {
	ids := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		ids[i] = e.SeqID
	}
	return ids
}

// PrefillTokens returns the total number of prompt tokens in the batch.
func (b *Batch) PrefillTokens() int {
	n := 0
	for _, e := range b.Entries {
		if e.Phase == PhasePrefill {
			n += len(e.Input)
		}
	}
	return n
}
