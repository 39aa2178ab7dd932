// Defines the Sequence, the mutable runtime companion of a Request, and its
// state machine (queued → prefill → decode → done, with cancelled/error
// reachable from every non-terminal state).

package velocity

import (
	"fmt"
	"time"
)

// SequenceState represents the lifecycle state of a sequence.
type SequenceState string

const (
	StateQueued    SequenceState = "queued"
	StatePrefill   SequenceState = "prefill"
	StateDecode    SequenceState = "decode"
	StateDone      SequenceState = "done"
	StateCancelled SequenceState = "cancelled"
	StateError     SequenceState = "error"
)

// FinishReason explains why a sequence reached a terminal state.
type FinishReason string

const (
	FinishNone      FinishReason = ""
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishCancelled FinishReason = "cancelled"
	FinishError     FinishReason = "error"
)

// transitions lists the legal edges of the state machine.
// Prefill may go straight to done when the first sampled token already ends the sequence.
var transitions = map[SequenceState][]SequenceState{
	StateQueued:  {StatePrefill, StateCancelled, StateError},
	StatePrefill: {StateDecode, StateDone, StateCancelled, StateError},
	StateDecode:  {StateDone, StateCancelled, StateError},
}

// IsTerminal reports whether s is done, cancelled or error.
func (s SequenceState) IsTerminal() bool {
	return s == StateDone || s == StateCancelled || s == StateError
}

// Sequence tracks generation progress and cache ownership for one request.
// It is owned exclusively by the engine loop.
type Sequence struct {
	ID      string
	Request *Request
	State   SequenceState

	Generated []int     // generated tokens, stop token excluded
	Blocks    []BlockID // owned cache blocks in logical order
	CacheFill int       // tokens written to the cache so far

	ReservedBlocks int // outstanding growth reservation (reserved admission mode)

	AdmittedTick   int
	FinishedTick   int
	AdmittedTime   time.Time
	LastStep       time.Time
	FirstTokenTime time.Time
	FinishedTime   time.Time
	FinishReason   FinishReason
	Err            error
	Dropped        int // chunks evicted by the drop-oldest policy

	handle       *Handle
	pending      []int // tokens not yet flushed into a chunk
	chunkIndex   int
	parked       *parkedDelivery // chunk waiting on a full channel
	skippedTicks int             // ticks this request was passed over by skip-ahead
}

func newSequence(req *Request, h *Handle) *Sequence {
	return &Sequence{
		ID:      req.ID,
		Request: req,
		State:   StateQueued,
		handle:  h,
	}
}

// Transition moves the sequence to the given state if the edge exists.
func (s *Sequence) Transition(to SequenceState) error {
	for _, next := range transitions[s.State] {
		if next == to {
			s.State = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s (sequence %s)", ErrIllegalTransition, s.State, to, s.ID)
}

// IsTerminal reports whether the sequence has finished for any reason.
func (s *Sequence) IsTerminal() bool { return s.State.IsTerminal() }

// NumTokens returns prompt plus generated tokens.
func (s *Sequence) NumTokens() int { return len(s.Request.Tokens) + len(s.Generated) }

// LastToken returns the most recent generated token.
func (s *Sequence) LastToken() int {
	if len(s.Generated) == 0 {
		return s.Request.Tokens[len(s.Request.Tokens)-1]
	}
	return s.Generated[len(s.Generated)-1]
}

// cancelRequested reads the caller's cancellation flag.
func (s *Sequence) cancelRequested() bool {
	return s.handle != nil && s.handle.cancelled.Load()
}

// suppressStop reports whether stop tokens must be suppressed for the next sample.
func (s *Sequence) suppressStop() bool {
	return len(s.Generated) < s.Request.Sampling.MinTokens
}

// stopReason evaluates the stop conditions after a token was sampled.
// It returns FinishNone while generation should continue; the stop token itself
// is reported through isStop and never appended.
func (s *Sequence) stopReason(token int, maxModelLen int) (reason FinishReason, isStop bool) {
	if !s.suppressStop() && s.Request.Sampling.IsStop(token) {
		return FinishStop, true
	}
	generated := len(s.Generated) + 1
	if generated >= s.Request.Sampling.MaxTokens {
		return FinishLength, false
	}
	if maxModelLen > 0 && len(s.Request.Tokens)+generated >= maxModelLen {
		return FinishLength, false
	}
	return FinishNone, false
}

// This method returns a human-readable string representation of a Sequence.
func (s *Sequence) String() string {
	return fmt.Sprintf("Sequence: (ID: %s, State: %s, Generated: %d, Blocks: %d)",
		s.ID, s.State, len(s.Generated), len(s.Blocks))
}
