package velocity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func schedSeq(id string, priority int, arrival uint64) *Sequence {
	req := testRequest(id, 1, 1)
	req.Priority = priority
	req.arrivalSeq = arrival
	return newSequence(&req, nil)
}

func TestFCFSScheduler_OrdersByArrivalIgnoringPriority(t *testing.T) {
	seqs := []*Sequence{
		schedSeq("c", 1, 3),
		schedSeq("a", 9, 1),
		schedSeq("b", 5, 2),
	}
	(&FCFSScheduler{}).OrderQueue(seqs)
	assert.Equal(t, []string{"a", "b", "c"}, seqIDs(seqs))
}

func TestPriorityFCFSScheduler_PriorityThenArrivalThenID(t *testing.T) {
	// GIVEN mixed priorities with ties on priority and arrival
	seqs := []*Sequence{
		schedSeq("low", 0, 1),
		schedSeq("high-late", 2, 5),
		schedSeq("high-early", 2, 2),
		schedSeq("mid-b", 1, 3),
		schedSeq("mid-a", 1, 3),
	}

	// WHEN ordered
	(&PriorityFCFSScheduler{}).OrderQueue(seqs)

	// THEN priority desc, arrival asc, id asc
	assert.Equal(t, []string{"high-early", "high-late", "mid-a", "mid-b", "low"}, seqIDs(seqs))
}

func TestNewScheduler_ByName(t *testing.T) {
	assert.IsType(t, &PriorityFCFSScheduler{}, NewScheduler(""))
	assert.IsType(t, &PriorityFCFSScheduler{}, NewScheduler("priority-fcfs"))
	assert.IsType(t, &FCFSScheduler{}, NewScheduler("fcfs"))
	assert.Panics(t, func() { NewScheduler("lottery") })
	assert.False(t, IsValidScheduler("lottery"))
}
