package velocity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequence_Transition_LegalEdges(t *testing.T) {
	tests := []struct {
		from, to SequenceState
		legal    bool
	}{
		{StateQueued, StatePrefill, true},
		{StateQueued, StateCancelled, true},
		{StateQueued, StateError, true},
		{StateQueued, StateDecode, false},
		{StateQueued, StateDone, false},
		{StatePrefill, StateDecode, true},
		{StatePrefill, StateDone, true},
		{StatePrefill, StateCancelled, true},
		{StatePrefill, StateQueued, false},
		{StateDecode, StateDone, true},
		{StateDecode, StateError, true},
		{StateDecode, StatePrefill, false},
		{StateDone, StateCancelled, false},
		{StateCancelled, StateError, false},
		{StateError, StateDone, false},
	}
	for _, tc := range tests {
		seq := &Sequence{ID: "s", State: tc.from}
		err := seq.Transition(tc.to)
		if tc.legal {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
			assert.Equal(t, tc.to, seq.State)
		} else {
			assert.ErrorIs(t, err, ErrIllegalTransition, "%s -> %s", tc.from, tc.to)
			assert.Equal(t, tc.from, seq.State, "state unchanged on illegal transition")
		}
	}
}

func TestSequenceState_IsTerminal(t *testing.T) {
	assert.True(t, StateDone.IsTerminal())
	assert.True(t, StateCancelled.IsTerminal())
	assert.True(t, StateError.IsTerminal())
	assert.False(t, StateQueued.IsTerminal())
	assert.False(t, StatePrefill.IsTerminal())
	assert.False(t, StateDecode.IsTerminal())
}

func TestSequence_StopReason(t *testing.T) {
	req := testRequest("s", 4, 3)
	req.Sampling.StopTokens = []int{7}

	t.Run("stop token ends without append", func(t *testing.T) {
		seq := newSequence(&req, nil)
		reason, isStop := seq.stopReason(7, 0)
		assert.Equal(t, FinishStop, reason)
		assert.True(t, isStop)
	})
	t.Run("max tokens reached", func(t *testing.T) {
		seq := newSequence(&req, nil)
		seq.Generated = []int{1, 2}
		reason, isStop := seq.stopReason(9, 0)
		assert.Equal(t, FinishLength, reason)
		assert.False(t, isStop)
	})
	t.Run("max model length reached", func(t *testing.T) {
		seq := newSequence(&req, nil)
		reason, _ := seq.stopReason(9, 5)
		assert.Equal(t, FinishLength, reason)
	})
	t.Run("continue", func(t *testing.T) {
		seq := newSequence(&req, nil)
		reason, isStop := seq.stopReason(9, 0)
		assert.Equal(t, FinishNone, reason)
		assert.False(t, isStop)
	})
	t.Run("min tokens suppresses stop", func(t *testing.T) {
		r := req
		r.Sampling.MinTokens = 1
		seq := newSequence(&r, nil)
		assert.True(t, seq.suppressStop())
		reason, isStop := seq.stopReason(7, 0)
		assert.Equal(t, FinishNone, reason)
		assert.False(t, isStop)
	})
}

func TestSequence_LastToken(t *testing.T) {
	req := testRequest("s", 3, 5)
	seq := newSequence(&req, nil)
	assert.Equal(t, 3, seq.LastToken(), "falls back to the last prompt token")
	seq.Generated = []int{42}
	assert.Equal(t, 42, seq.LastToken())
	assert.Equal(t, 4, seq.NumTokens())
}
