package trace

import "sync"

// TraceLevel controls the verbosity of decision tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing.
	TraceLevelNone TraceLevel = "none"
	// TraceLevelDecisions captures admissions, skips and terminal transitions.
	TraceLevelDecisions TraceLevel = "decisions"
)

var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:      true,
	TraceLevelDecisions: true,
	"":                  true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// TraceConfig controls trace collection behavior.
type TraceConfig struct {
	Level TraceLevel
	// MaxRecords caps each record list; older records are discarded first (0 = unbounded).
	MaxRecords int
}

// EngineTrace collects decision records produced by an engine loop.
// Recording happens on the loop goroutine; Snapshot may be called from anywhere.
type EngineTrace struct {
	Config TraceConfig

	mu         sync.Mutex
	admissions []AdmissionRecord
	terminals  []TerminalRecord
}

// NewEngineTrace creates an EngineTrace ready for recording.
func NewEngineTrace(config TraceConfig) *EngineTrace {
	return &EngineTrace{
		Config:     config,
		admissions: make([]AdmissionRecord, 0),
		terminals:  make([]TerminalRecord, 0),
	}
}

// Enabled reports whether records are kept. Safe on a nil trace.
func (et *EngineTrace) Enabled() bool {
	return et != nil && et.Config.Level == TraceLevelDecisions
}

// RecordAdmission appends an admission decision record.
func (et *EngineTrace) RecordAdmission(record AdmissionRecord) {
	if !et.Enabled() {
		return
	}
	et.mu.Lock()
	defer et.mu.Unlock()
	et.admissions = capped(append(et.admissions, record), et.Config.MaxRecords)
}

// RecordTerminal appends a terminal transition record.
func (et *EngineTrace) RecordTerminal(record TerminalRecord) {
	if !et.Enabled() {
		return
	}
	et.mu.Lock()
	defer et.mu.Unlock()
	et.terminals = capped(append(et.terminals, record), et.Config.MaxRecords)
}

// Admissions returns a copy of the admission records.
func (et *EngineTrace) Admissions() []AdmissionRecord {
	if et == nil {
		return nil
	}
	et.mu.Lock()
	defer et.mu.Unlock()
	return append([]AdmissionRecord(nil), et.admissions...)
}

// Terminals returns a copy of the terminal records.
func (et *EngineTrace) Terminals() []TerminalRecord {
	if et == nil {
		return nil
	}
	et.mu.Lock()
	defer et.mu.Unlock()
	return append([]TerminalRecord(nil), et.terminals...)
}

func capped[T any](records []T, limit int) []T {
	if limit <= 0 || len(records) <= limit {
		return records
	}
	return append(records[:0], records[len(records)-limit:]...)
}
