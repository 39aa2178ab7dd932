// Implements the WaitQueue, which holds sequences that were submitted but not
// yet admitted. Sequences are enqueued by the engine loop after being drained
// from the thread-safe inbox.

package velocity

import (
	"fmt"
	"strings"
	"time"
)

// WaitQueue holds queued sequences in scheduling order.
type WaitQueue struct {
	queue []*Sequence
}

// Enqueue adds a sequence to the back of the wait queue.
func (wq *WaitQueue) Enqueue(s *Sequence) {
	if s == nil {
		panic("Enqueue: sequence must not be nil")
	}
	wq.queue = append(wq.queue, s)
}

func (wq *WaitQueue) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, s := range wq.queue {
		sb.WriteString(s.ID)
		if i < len(wq.queue)-1 {
			sb.WriteString(" ")
		}
	}
	sb.WriteString("]")
	return sb.String()
}

// Len returns the number of queued sequences.
func (wq *WaitQueue) Len() int {
	return len(wq.queue)
}

// Peek returns the head of the queue without removing it, or nil.
func (wq *WaitQueue) Peek() *Sequence {
	if len(wq.queue) == 0 {
		return nil
	}
	return wq.queue[0]
}

// Items returns the queue contents for iteration.
// The returned slice is the queue's internal storage: callers may iterate
// over it but MUST NOT append to or reslice it. Use Reorder or Remove instead.
func (wq *WaitQueue) Items() []*Sequence {
	return wq.queue
}

// Reorder applies fn to the queue contents, allowing in-place sorting.
// fn MUST NOT change the slice length.
func (wq *WaitQueue) Reorder(fn func([]*Sequence)) {
	if fn == nil {
		panic("Reorder: fn must not be nil")
	}
	n := len(wq.queue)
	fn(wq.queue)
	if len(wq.queue) != n {
		panic(fmt.Sprintf("Reorder: fn changed queue length from %d to %d", n, len(wq.queue)))
	}
}

// Remove deletes the given sequences from the queue, preserving the order of the rest.
func (wq *WaitQueue) Remove(drop map[*Sequence]bool) {
	if len(drop) == 0 {
		return
	}
	kept := wq.queue[:0]
	for _, s := range wq.queue {
		if !drop[s] {
			kept = append(kept, s)
		}
	}
	for i := len(kept); i < len(wq.queue); i++ {
		wq.queue[i] = nil
	}
	wq.queue = kept
}

// Dequeue removes and returns the head of the queue, or nil.
func (wq *WaitQueue) Dequeue() *Sequence {
	if len(wq.queue) == 0 {
		return nil
	}
	s := wq.queue[0]
	wq.queue[0] = nil
	wq.queue = wq.queue[1:]
	return s
}

// EarliestDeadline returns the earliest admission deadline among queued
// sequences given the timeout, and false when there is none.
func (wq *WaitQueue) EarliestDeadline(timeout time.Duration) (time.Time, bool) {
	if timeout <= 0 || len(wq.queue) == 0 {
		return time.Time{}, false
	}
	earliest := wq.queue[0].Request.ArrivalTime
	for _, s := range wq.queue[1:] {
		if s.Request.ArrivalTime.Before(earliest) {
			earliest = s.Request.ArrivalTime
		}
	}
	return earliest.Add(timeout), true
}
