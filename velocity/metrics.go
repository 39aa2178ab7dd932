// Tracks engine-wide and per-request performance metrics such as:
// - TTFT and end-to-end latency
// - Cache block usage over ticks
// - Terminal outcomes and dropped chunks

package velocity

import (
	"fmt"
	"io"
	"time"
)

// Metrics aggregates statistics about an engine run for reporting.
type Metrics struct {
	SubmittedRequests int // Requests accepted by Submit
	CompletedRequests int // Requests that reached DONE
	CancelledRequests int // Requests that reached CANCELLED
	FailedRequests    int // Requests that reached ERROR
	QueueTimeouts     int // Subset of FailedRequests that never left the queue
	TotalOutputTokens int // Total generated tokens over all requests
	DroppedChunks     int // Chunks evicted by the drop-oldest policy

	Ticks         int   // Ticks that ran a batch
	BlockTicks    int64 // Integral of used blocks over busy ticks
	PeakBlocks    int   // Max number of simultaneously used blocks
	PeakBatchSize int   // Max sequences in one batch

	TTFTSum    time.Duration // Sum of arrival -> first token over completed requests
	LatencySum time.Duration // Sum of arrival -> finish over completed requests
	StepTime   time.Duration // Total executor wall time

	FinishReasons map[FinishReason]int
}

func newMetrics() *Metrics {
	return &Metrics{FinishReasons: make(map[FinishReason]int)}
}

func (m *Metrics) recordTick(r TickReport) {
	if r.Idle() {
		return
	}
	m.Ticks++
	m.BlockTicks += int64(r.UsedBlocks)
	m.PeakBlocks = max(m.PeakBlocks, r.UsedBlocks)
	m.PeakBatchSize = max(m.PeakBatchSize, len(r.Batch))
	m.StepTime += r.StepTime
}

func (m *Metrics) recordFinish(seq *Sequence) {
	m.TotalOutputTokens += len(seq.Generated)
	m.DroppedChunks += seq.Dropped
	m.FinishReasons[seq.FinishReason]++
	switch seq.State {
	case StateDone:
		m.CompletedRequests++
		if !seq.FirstTokenTime.IsZero() {
			m.TTFTSum += seq.FirstTokenTime.Sub(seq.Request.ArrivalTime)
		}
		m.LatencySum += seq.FinishedTime.Sub(seq.Request.ArrivalTime)
	case StateCancelled:
		m.CancelledRequests++
	case StateError:
		m.FailedRequests++
	}
}

func (m *Metrics) clone() Metrics {
	c := *m
	c.FinishReasons = make(map[FinishReason]int, len(m.FinishReasons))
	for k, v := range m.FinishReasons {
		c.FinishReasons[k] = v
	}
	return c
}

// Print writes aggregated metrics in a human-readable table.
func (m *Metrics) Print(w io.Writer) {
	fmt.Fprintln(w, "=== Engine Metrics ===")
	fmt.Fprintf(w, "Submitted Requests   : %d\n", m.SubmittedRequests)
	fmt.Fprintf(w, "Completed Requests   : %d\n", m.CompletedRequests)
	fmt.Fprintf(w, "Cancelled Requests   : %d\n", m.CancelledRequests)
	fmt.Fprintf(w, "Failed Requests      : %d (queue timeouts: %d)\n", m.FailedRequests, m.QueueTimeouts)
	fmt.Fprintf(w, "Output Tokens        : %d\n", m.TotalOutputTokens)
	fmt.Fprintf(w, "Dropped Chunks       : %d\n", m.DroppedChunks)
	if m.CompletedRequests > 0 {
		n := time.Duration(m.CompletedRequests)
		fmt.Fprintf(w, "Average TTFT         : %v\n", m.TTFTSum/n)
		fmt.Fprintf(w, "Average Latency      : %v\n", m.LatencySum/n)
	}
	if m.Ticks > 0 {
		fmt.Fprintf(w, "Busy Ticks           : %d\n", m.Ticks)
		fmt.Fprintf(w, "Average Blocks Used  : %.2f\n", float64(m.BlockTicks)/float64(m.Ticks))
		fmt.Fprintf(w, "Peak Blocks Used     : %d\n", m.PeakBlocks)
		fmt.Fprintf(w, "Peak Batch Size      : %d\n", m.PeakBatchSize)
		fmt.Fprintf(w, "Average Step Time    : %v\n", m.StepTime/time.Duration(m.Ticks))
	}
}
