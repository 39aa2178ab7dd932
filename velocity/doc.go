// Package velocity provides the streaming generation scheduler for
// autoregressive acoustic-token TTS models.
//
// # Reading Guide
//
// Start with these files to understand the scheduler:
//   - sequence.go: Sequence lifecycle (queued → prefill → decode → done) and state machine
//   - batch_formation.go: per-tick admission, skip-ahead and decode growth
//   - engine.go: the engine loop, Submit/Cancel and the tick order
//
// # Architecture
//
// The engine goroutine owns every Sequence and the CacheAllocator. Producers
// touch only a mutex-protected inbox and the atomic cancel flag on their
// Handle. Each tick forms one Batch, calls the StepExecutor synchronously and
// pushes the sampled tokens through the StreamEmitter into bounded per-request
// channels.
//
// Sub-packages plug into the loop through small interfaces:
//   - velocity/executor/: a deterministic synthetic StepExecutor
//   - velocity/workload/: synthetic request generation for load runs
//   - velocity/journal/: SQLite request journal (Observer)
//   - velocity/telemetry/: OpenTelemetry metrics and spans (Observer)
//   - velocity/trace/: decision trace recording
//
// # Key Interfaces
//
//   - StepExecutor: one forward step over a batch, one result per entry
//   - QueueScheduler: orders the wait queue before admission
//   - Observer: submit, admit, finish and tick notifications
//   - BlockScrubber: optional executor hook to clear freed blocks
package velocity
