package velocity

import "time"

// Observer receives engine lifecycle notifications. All methods are called on
// the engine goroutine, in tick order; implementations must return quickly and
// must not retain or mutate the Sequence after returning.
type Observer interface {
	OnSubmit(seq *Sequence)
	OnAdmit(seq *Sequence, tick int)
	OnFinish(seq *Sequence, tick int)
	OnTick(report TickReport)
}

// TickReport summarizes one engine tick.
type TickReport struct {
	Tick        int
	Batch       []string // sequence ids, batch order
	Admitted    []string
	Finished    []string
	Prefill     int // prompt tokens fed this tick
	Decode      int // decode entries this tick
	Queued      int
	Active      int
	UsedBlocks  int
	FreeBlocks  int
	Reserved    int
	Utilization float64
	StepTime    time.Duration // executor wall time
}

// Idle reports whether the tick did no compute.
func (r TickReport) Idle() bool { return len(r.Batch) == 0 }

// NopObserver implements Observer with no-ops; embed it to override a subset.
type NopObserver struct{}

func (NopObserver) OnSubmit(*Sequence) {}
func (NopObserver) OnAdmit(*Sequence, int) {}
func (NopObserver) OnFinish(*Sequence, int) {}
func (NopObserver) OnTick(TickReport) {}
