package trace

// TraceSummary aggregates statistics from an EngineTrace.
type TraceSummary struct {
	TotalDecisions    int
	AdmittedCount     int
	SkippedCount      int
	SkipReasons       map[string]int // skip reason -> count
	TerminalStates    map[string]int // terminal state -> count
	MeanQueueWaitNano float64        // over admitted records
}

// Summarize computes aggregate statistics from an EngineTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(et *EngineTrace) *TraceSummary {
	summary := &TraceSummary{
		SkipReasons:    make(map[string]int),
		TerminalStates: make(map[string]int),
	}
	if et == nil {
		return summary
	}

	admissions := et.Admissions()
	summary.TotalDecisions = len(admissions)
	var waitSum int64
	for _, a := range admissions {
		if a.Admitted {
			summary.AdmittedCount++
			waitSum += a.QueueWait
		} else {
			summary.SkippedCount++
			summary.SkipReasons[a.Reason]++
		}
	}
	if summary.AdmittedCount > 0 {
		summary.MeanQueueWaitNano = float64(waitSum) / float64(summary.AdmittedCount)
	}

	for _, r := range et.Terminals() {
		summary.TerminalStates[r.State]++
	}
	return summary
}
