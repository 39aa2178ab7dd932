// Package trace provides decision-trace recording for engine scheduling analysis.
// This package has no dependencies on velocity/; it stores pure data types.
package trace

// AdmissionRecord captures one batch-formation decision about a queued request.
type AdmissionRecord struct {
	RequestID string
	Tick      int
	Admitted  bool
	Reason    string // skip reason when not admitted
	Blocks    int    // prompt blocks allocated on admission
	Reserved  int    // growth blocks reserved on admission
	QueueWait int64  // nanoseconds between arrival and the decision
}

// TerminalRecord captures a sequence reaching a terminal state.
type TerminalRecord struct {
	RequestID string
	Tick      int
	State     string
	Reason    string
	Generated int
	Err       string
}
