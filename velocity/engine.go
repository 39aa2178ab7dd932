// Implements the Engine: the single goroutine that owns every Sequence and the
// cache pool, and advances all admitted sequences one tick at a time.
// Tick order: drain inbox, cancellations, queue timeouts, batch formation,
// executor call, per-sequence result handling and delivery, observers.

package velocity

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/velocity-tts/velocity/velocity/trace"
)

var errEngineRunning = errors.New("velocity: engine loop is running")

// Option configures an Engine.
type Option func(*Engine)

// WithObserver registers an observer. Observers are notified in registration order.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// WithClock replaces time.Now for arrival, deadline and latency bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTrace records admission and terminal decisions into t.
func WithTrace(t *trace.EngineTrace) Option {
	return func(e *Engine) { e.trace = t }
}

// WithName labels the engine in logs and stats.
func WithName(name string) Option {
	return func(e *Engine) { e.name = name }
}

// Stats is a point-in-time snapshot of engine state.
type Stats struct {
	Name        string
	Tick        int
	Queued      int
	Active      int
	UsedBlocks  int
	FreeBlocks  int
	Reserved    int
	Utilization float64
	Stopped     bool
}

// Engine admits requests, forms one batch per tick, calls the step executor
// and streams generated tokens to each request's Handle.
type Engine struct {
	name      string
	cfg       Config
	exec      StepExecutor
	now       func() time.Time
	observers []Observer
	trace     *trace.EngineTrace

	alloc     *CacheAllocator
	scheduler *BatchScheduler
	emitter   *StreamEmitter

	// Owned by the loop goroutine (or the Step caller).
	tick     int
	waitQ    *WaitQueue
	active   []*Sequence // admitted, non-terminal, in admission order
	finished []string    // sequences that became terminal during the current tick
	metrics  *Metrics

	mu         sync.Mutex // guards the fields below
	inbox      []*Sequence
	handles    map[string]*Handle
	queued     int // inbox + wait queue
	arrivals   uint64
	started    bool
	stopped    bool
	cancelLoop context.CancelFunc

	wakeCh       chan struct{}
	stopCh       chan struct{}
	stopChOnce   sync.Once
	shutdownOnce sync.Once
	loopDone     chan struct{}

	statsMu  sync.Mutex
	stats    Stats
	snapshot Metrics
}

// NewEngine creates a stopped engine. Call Start to run the loop in the
// background, or drive it synchronously with Step.
func NewEngine(cfg Config, exec StepExecutor, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if exec == nil {
		return nil, errors.New("step executor is required")
	}
	alloc := NewCacheAllocator(cfg.Cache.TotalBlocks, cfg.Cache.BlockSize)
	e := &Engine{
		name:      "velocity",
		cfg:       cfg,
		exec:      exec,
		now:       time.Now,
		alloc:     alloc,
		scheduler: NewBatchScheduler(cfg.Batch, alloc),
		waitQ:     &WaitQueue{},
		metrics:   newMetrics(),
		handles:   make(map[string]*Handle),
		wakeCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.emitter = NewStreamEmitter(cfg.Stream, e.stopCh, e.now, e.wake)
	if cfg.Cache.ZeroOnFree {
		if s, ok := exec.(BlockScrubber); ok {
			alloc.SetScrubber(s.ScrubBlocks)
		} else {
			logrus.Warnf("engine %s: zero-on-free requested but the executor cannot scrub blocks", e.name)
		}
	}
	e.publishStats()
	return e, nil
}

// Name returns the engine label.
func (e *Engine) Name() string { return e.name }

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Start runs the engine loop in a new goroutine until Stop is called or ctx is done.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrEngineStopped
	}
	if e.started {
		return errEngineRunning
	}
	e.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancelLoop = cancel
	go e.run(loopCtx)
	go func() {
		select {
		case <-loopCtx.Done():
			e.closeStop()
		case <-e.loopDone:
		}
	}()
	logrus.Infof("engine %s started: %d blocks x %d tokens, admission %s",
		e.name, e.cfg.Cache.TotalBlocks, e.cfg.Cache.BlockSize, e.admissionMode())
	return nil
}

// Stop rejects new submissions, aborts parked deliveries, terminates every
// outstanding request with ErrEngineStopped and waits for the loop to exit.
// Safe to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	started := e.started
	cancel := e.cancelLoop
	e.mu.Unlock()

	e.closeStop()
	if cancel != nil {
		cancel()
	}
	if started {
		<-e.loopDone
		return
	}
	e.shutdownOnce.Do(e.shutdown)
}

// Submit validates req and queues it for admission. The returned Handle
// streams generated tokens and reports the terminal outcome.
// Safe for concurrent use.
func (e *Engine) Submit(req Request) (*Handle, error) {
	if err := req.validate(e.cfg); err != nil {
		return nil, err
	}
	need := e.scheduler.PromptBlocks(&req) + e.scheduler.GrowthBlocks(&req)
	if need > e.alloc.TotalBlocks() {
		return nil, fmt.Errorf("%w: request needs %d blocks, pool has %d", ErrOutOfCache, need, e.alloc.TotalBlocks())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil, ErrEngineStopped
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	} else if _, dup := e.handles[req.ID]; dup {
		return nil, fmt.Errorf("%w: duplicate request id %q", ErrInvalidRequest, req.ID)
	}
	if e.cfg.Queue.MaxDepth > 0 && e.queued >= e.cfg.Queue.MaxDepth {
		return nil, ErrQueueFull
	}
	req.Tokens = slices.Clone(req.Tokens)
	req.Sampling.StopTokens = slices.Clone(req.Sampling.StopTokens)
	req.Voice = slices.Clone(req.Voice)
	req.ArrivalTime = e.now()
	e.arrivals++
	req.arrivalSeq = e.arrivals

	h := newHandle(req.ID, e.cfg.Stream.BufferChunks, e.wake)
	e.inbox = append(e.inbox, newSequence(&req, h))
	e.handles[req.ID] = h
	e.queued++
	e.wake()
	return h, nil
}

// Cancel requests cancellation of an outstanding request by id.
// It returns false when the id is unknown or already terminal.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	h, ok := e.handles[id]
	e.mu.Unlock()
	if !ok {
		return false
	}
	h.Cancel()
	return true
}

// Step runs exactly one tick on the caller's goroutine. It is meant for
// deterministic driving and must not be used once Start has been called.
func (e *Engine) Step(ctx context.Context) (TickReport, error) {
	e.mu.Lock()
	started, stopped := e.started, e.stopped
	e.mu.Unlock()
	if started {
		return TickReport{}, errEngineRunning
	}
	if stopped {
		return TickReport{}, ErrEngineStopped
	}
	return e.runTick(ctx), nil
}

// Stats returns the snapshot published at the end of the last tick.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// Metrics returns a copy of the run metrics as of the last tick.
func (e *Engine) Metrics() Metrics {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.snapshot.clone()
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.loopDone)
	defer e.shutdownOnce.Do(e.shutdown)
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		// A tick that finished sequences may have freed blocks for the queue.
		if report := e.runTick(ctx); !report.Idle() || len(report.Finished) > 0 {
			continue
		}
		if !e.waitForWork(ctx) {
			return
		}
	}
}

// waitForWork blocks until a submission or cancellation arrives, the earliest
// queue deadline passes, or the engine stops. It returns false on stop.
func (e *Engine) waitForWork(ctx context.Context) bool {
	var deadline <-chan time.Time
	if d, ok := e.waitQ.EarliestDeadline(e.cfg.Queue.Timeout); ok {
		t := time.NewTimer(max(0, d.Sub(e.now())))
		defer t.Stop()
		deadline = t.C
	}
	select {
	case <-e.wakeCh:
		return true
	case <-deadline:
		return true
	case <-e.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) wake() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

func (e *Engine) closeStop() {
	e.stopChOnce.Do(func() { close(e.stopCh) })
}

func (e *Engine) admissionMode() string {
	if e.cfg.reserved() {
		return AdmissionReserved
	}
	return AdmissionOptimistic
}

func (e *Engine) runTick(ctx context.Context) TickReport {
	e.tick++
	tick := e.tick
	e.finished = e.finished[:0]

	e.drainInbox()
	e.settleDeliveries()
	e.sweepCancellations()
	e.sweepTimeouts(e.now())

	res := e.scheduler.FormBatch(BatchContext{
		Tick:   tick,
		Active: e.active,
		WaitQ:  e.waitQ,
		Parked: e.emitter.Parked,
		Release: func(seq *Sequence) {
			e.finish(seq, StateError, FinishError, ErrOutOfCache, nil)
		},
	})
	for _, s := range res.Skipped {
		e.trace.RecordAdmission(trace.AdmissionRecord{
			RequestID: s.Sequence.ID,
			Tick:      tick,
			Reason:    s.Reason,
			QueueWait: int64(e.now().Sub(s.Sequence.Request.ArrivalTime)),
		})
	}
	e.admit(res.Admitted, tick)
	e.metrics.PeakBlocks = max(e.metrics.PeakBlocks, e.alloc.UsedBlocks())

	report := TickReport{
		Tick:     tick,
		Batch:    res.Batch.SeqIDs(),
		Admitted: seqIDs(res.Admitted),
		Prefill:  res.Batch.PrefillTokens(),
		Decode:   res.Batch.Len() - len(res.Admitted),
	}
	if res.Batch.Len() > 0 {
		start := time.Now()
		results, err := e.exec.Step(ctx, res.Batch)
		report.StepTime = time.Since(start)
		switch {
		case err != nil && ctx.Err() != nil:
			logrus.Debugf("[tick %07d] step interrupted by shutdown: %v", tick, err)
			for _, seq := range res.Seqs {
				e.finish(seq, StateCancelled, FinishCancelled, ErrEngineStopped, nil)
			}
		case err != nil:
			logrus.Warnf("[tick %07d] executor failed, faulting %d sequences: %v", tick, res.Batch.Len(), err)
			e.faultAll(res.Seqs, err)
		case len(results) != res.Batch.Len():
			err = fmt.Errorf("executor returned %d results for %d entries", len(results), res.Batch.Len())
			logrus.Warnf("[tick %07d] %v", tick, err)
			e.faultAll(res.Seqs, err)
		default:
			for i, seq := range res.Seqs {
				e.applyResult(seq, results[i])
			}
		}
	}
	e.active = slices.DeleteFunc(e.active, func(s *Sequence) bool { return s.IsTerminal() })

	report.Finished = slices.Clone(e.finished)
	report.Queued = e.waitQ.Len()
	report.Active = len(e.active)
	report.UsedBlocks = e.alloc.UsedBlocks()
	report.FreeBlocks = e.alloc.FreeBlocks()
	report.Reserved = e.alloc.Reserved()
	report.Utilization = e.alloc.Utilization()
	if !report.Idle() {
		logrus.Debugf("[tick %07d] batch=%d admitted=%d finished=%d queued=%d used=%d/%d",
			tick, len(report.Batch), len(report.Admitted), len(report.Finished),
			report.Queued, report.UsedBlocks, e.alloc.TotalBlocks())
	}
	e.metrics.recordTick(report)
	for _, o := range e.observers {
		o.OnTick(report)
	}
	e.publishStats()
	return report
}

func (e *Engine) drainInbox() {
	e.mu.Lock()
	inbox := e.inbox
	e.inbox = nil
	e.mu.Unlock()
	for _, seq := range inbox {
		e.waitQ.Enqueue(seq)
		e.metrics.SubmittedRequests++
		for _, o := range e.observers {
			o.OnSubmit(seq)
		}
	}
}

// settleDeliveries unparks sequences whose blocked chunk has landed and
// terminates those whose consumer went away while the chunk was parked.
func (e *Engine) settleDeliveries() {
	for _, seq := range e.active {
		if settled, err := e.emitter.Settle(seq); settled && err != nil {
			e.finishUndeliverable(seq, err)
		}
	}
	e.active = slices.DeleteFunc(e.active, func(s *Sequence) bool { return s.IsTerminal() })
}

// sweepCancellations terminates queued and running sequences whose caller
// asked for cancellation.
func (e *Engine) sweepCancellations() {
	for _, seq := range e.removeQueued(func(s *Sequence) bool { return s.cancelRequested() }) {
		e.finish(seq, StateCancelled, FinishCancelled, ErrCancelled, nil)
	}
	for _, seq := range e.active {
		if seq.cancelRequested() {
			e.finish(seq, StateCancelled, FinishCancelled, ErrCancelled, nil)
		}
	}
	e.active = slices.DeleteFunc(e.active, func(s *Sequence) bool { return s.IsTerminal() })
}

func (e *Engine) sweepTimeouts(now time.Time) {
	timeout := e.cfg.Queue.Timeout
	if timeout <= 0 {
		return
	}
	expired := e.removeQueued(func(s *Sequence) bool { return now.Sub(s.Request.ArrivalTime) >= timeout })
	for _, seq := range expired {
		e.metrics.QueueTimeouts++
		e.finish(seq, StateError, FinishError, ErrQueueTimeout, nil)
	}
}

// removeQueued removes and returns, in queue order, the queued sequences matching pred.
func (e *Engine) removeQueued(pred func(*Sequence) bool) []*Sequence {
	var out []*Sequence
	drop := make(map[*Sequence]bool)
	for _, seq := range e.waitQ.Items() {
		if pred(seq) {
			out = append(out, seq)
			drop[seq] = true
		}
	}
	if len(out) > 0 {
		e.waitQ.Remove(drop)
	}
	return out
}

func (e *Engine) admit(admitted []*Sequence, tick int) {
	if len(admitted) == 0 {
		return
	}
	e.mu.Lock()
	e.queued -= len(admitted)
	e.mu.Unlock()
	now := e.now()
	for _, seq := range admitted {
		seq.AdmittedTime = now
		e.active = append(e.active, seq)
		logrus.Debugf("[tick %07d] admitted %s: %d prompt tokens, %d blocks, %d reserved",
			tick, seq.ID, len(seq.Request.Tokens), len(seq.Blocks), seq.ReservedBlocks)
		e.trace.RecordAdmission(trace.AdmissionRecord{
			RequestID: seq.ID,
			Tick:      tick,
			Admitted:  true,
			Blocks:    len(seq.Blocks),
			Reserved:  seq.ReservedBlocks,
			QueueWait: int64(now.Sub(seq.Request.ArrivalTime)),
		})
		for _, o := range e.observers {
			o.OnAdmit(seq, tick)
		}
	}
}

func (e *Engine) faultAll(seqs []*Sequence, cause error) {
	for _, seq := range seqs {
		e.finish(seq, StateError, FinishError, ErrComputeFault, cause)
	}
}

// applyResult handles one executor result: cancellation re-check, per-entry
// fault, stop conditions and delivery.
func (e *Engine) applyResult(seq *Sequence, r StepResult) {
	if seq.IsTerminal() {
		return
	}
	if seq.cancelRequested() {
		e.finish(seq, StateCancelled, FinishCancelled, ErrCancelled, nil)
		return
	}
	if r.Err != nil {
		e.finish(seq, StateError, FinishError, ErrComputeFault, r.Err)
		return
	}
	seq.LastStep = e.now()
	reason, isStop := seq.stopReason(r.Token, e.cfg.Batch.MaxModelLen)
	if seq.State == StatePrefill && reason == FinishNone {
		if err := seq.Transition(StateDecode); err != nil {
			logrus.Errorf("[tick %07d] %v", e.tick, err)
		}
	}
	if !isStop {
		if err := e.emitter.Emit(seq, r.Token); err != nil {
			e.finishUndeliverable(seq, err)
			return
		}
	}
	if reason != FinishNone {
		e.finish(seq, StateDone, reason, nil, nil)
	}
}

// finishUndeliverable terminates a sequence whose consumer can no longer receive.
func (e *Engine) finishUndeliverable(seq *Sequence, err error) {
	switch {
	case errors.Is(err, ErrEngineStopped):
		e.finish(seq, StateCancelled, FinishCancelled, ErrEngineStopped, nil)
	case err == ErrCancelled:
		e.finish(seq, StateCancelled, FinishCancelled, ErrCancelled, nil)
	default:
		e.finish(seq, StateCancelled, FinishCancelled, ErrCancelled, err)
	}
}

// finish moves seq to a terminal state, releases its cache blocks and
// reservation, and closes its stream. It is a no-op for terminal sequences.
func (e *Engine) finish(seq *Sequence, state SequenceState, reason FinishReason, kind, cause error) {
	if seq.IsTerminal() {
		return
	}
	if state == StateDone {
		if err := e.emitter.Flush(seq); err != nil {
			e.finishUndeliverable(seq, err)
			return
		}
	}
	prev := seq.State
	if err := seq.Transition(state); err != nil {
		logrus.Errorf("[tick %07d] %v", e.tick, err)
		seq.State = state
	}
	e.releaseBlocks(seq)

	seq.FinishReason = reason
	seq.FinishedTick = e.tick
	seq.FinishedTime = e.now()
	var serr error
	if kind != nil {
		serr = newSequenceError(seq.ID, kind, cause)
		seq.Err = serr
	}
	e.emitter.Close(seq, serr)

	e.mu.Lock()
	delete(e.handles, seq.ID)
	if prev == StateQueued {
		e.queued--
	}
	e.mu.Unlock()

	e.finished = append(e.finished, seq.ID)
	e.metrics.recordFinish(seq)
	record := trace.TerminalRecord{
		RequestID: seq.ID,
		Tick:      e.tick,
		State:     string(seq.State),
		Reason:    string(reason),
		Generated: len(seq.Generated),
	}
	if serr != nil {
		record.Err = serr.Error()
	}
	e.trace.RecordTerminal(record)
	if serr != nil {
		logrus.Debugf("[tick %07d] %s %s after %d tokens: %v", e.tick, seq.ID, seq.State, len(seq.Generated), serr)
	} else {
		logrus.Debugf("[tick %07d] %s done (%s) after %d tokens", e.tick, seq.ID, reason, len(seq.Generated))
	}
	for _, o := range e.observers {
		o.OnFinish(seq, e.tick)
	}
}

// releaseBlocks returns owned blocks and any outstanding reservation to the
// pool. The owned list is cleared, so a second call is a no-op.
func (e *Engine) releaseBlocks(seq *Sequence) {
	if len(seq.Blocks) > 0 {
		if err := e.alloc.Free(seq.ID, seq.Blocks); err != nil {
			logrus.Errorf("[tick %07d] releasing blocks of %s: %v", e.tick, seq.ID, err)
		}
		seq.Blocks = nil
	}
	if seq.ReservedBlocks > 0 {
		e.alloc.Unreserve(seq.ReservedBlocks)
		seq.ReservedBlocks = 0
	}
}

// shutdown terminates every outstanding request with ErrEngineStopped.
func (e *Engine) shutdown() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	e.drainInbox()
	pending := e.removeQueued(func(*Sequence) bool { return true })
	for _, seq := range slices.Concat(pending, e.active) {
		e.finish(seq, StateCancelled, FinishCancelled, ErrEngineStopped, nil)
	}
	e.active = nil
	e.publishStats()
	logrus.Infof("engine %s stopped after %d ticks", e.name, e.tick)
}

func (e *Engine) publishStats() {
	e.mu.Lock()
	queued, stopped := e.queued, e.stopped
	e.mu.Unlock()

	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats = Stats{
		Name:        e.name,
		Tick:        e.tick,
		Queued:      queued,
		Active:      len(e.active),
		UsedBlocks:  e.alloc.UsedBlocks(),
		FreeBlocks:  e.alloc.FreeBlocks(),
		Reserved:    e.alloc.Reserved(),
		Utilization: e.alloc.Utilization(),
		Stopped:     stopped,
	}
	e.snapshot = e.metrics.clone()
}

func seqIDs(seqs []*Sequence) []string {
	ids := make([]string, len(seqs))
	for i, s := range seqs {
		ids[i] = s.ID
	}
	return ids
}
