package velocity

import (
	"fmt"
	"sort"
)

// QueueScheduler reorders the wait queue before batch formation.
// Called each tick to determine which requests are considered first.
// Implementations sort in-place using sort.SliceStable for determinism.
type QueueScheduler interface {
	OrderQueue(seqs []*Sequence)
}

// FCFSScheduler orders by arrival only and ignores priority.
type FCFSScheduler struct{}

func (f *FCFSScheduler) OrderQueue(seqs []*Sequence) {
	sort.SliceStable(seqs, func(i, j int) bool {
		return seqs[i].Request.arrivalSeq < seqs[j].Request.arrivalSeq
	})
}

// PriorityFCFSScheduler sorts by priority (descending), then by arrival
// (ascending), then by ID (ascending) for determinism.
type PriorityFCFSScheduler struct{}

func (p *PriorityFCFSScheduler) OrderQueue(seqs []*Sequence) {
	sort.SliceStable(seqs, func(i, j int) bool {
		ri, rj := seqs[i].Request, seqs[j].Request
		if ri.Priority != rj.Priority {
			return ri.Priority > rj.Priority
		}
		if ri.arrivalSeq != rj.arrivalSeq {
			return ri.arrivalSeq < rj.arrivalSeq
		}
		return ri.ID < rj.ID
	})
}

// validSchedulers is the set of recognized scheduler names.
var validSchedulers = map[string]bool{"": true, "fcfs": true, "priority-fcfs": true}

// IsValidScheduler returns true if name is a recognized scheduler.
func IsValidScheduler(name string) bool {
	return validSchedulers[name]
}

// NewScheduler creates a QueueScheduler by name.
// Empty string defaults to PriorityFCFSScheduler. Panics on unrecognized names.
func NewScheduler(name string) QueueScheduler {
	if !IsValidScheduler(name) {
		panic(fmt.Sprintf("unknown scheduler %q", name))
	}
	switch name {
	case "", "priority-fcfs":
		return &PriorityFCFSScheduler{}
	case "fcfs":
		return &FCFSScheduler{}
	default:
		panic(fmt.Sprintf("unhandled scheduler %q", name))
	}
}
