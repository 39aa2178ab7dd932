package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/velocity-tts/velocity/velocity"
)

const instrumentationName = "github.com/velocity-tts/velocity"

// Recorder is a velocity.Observer that turns engine callbacks into metrics
// and, when the tracer provider records, one span per request.
type Recorder struct {
	engine attribute.KeyValue
	tracer trace.Tracer

	submitted metric.Int64Counter
	finished  metric.Int64Counter
	tokens    metric.Int64Counter
	ticks     metric.Int64Counter
	stepTime  metric.Float64Histogram
	queueWait metric.Float64Histogram
	ttft      metric.Float64Histogram
	latency   metric.Float64Histogram
	queued    metric.Int64Gauge
	active    metric.Int64Gauge
	usedBlk   metric.Int64Gauge
	util      metric.Float64Gauge

	mu    sync.Mutex
	spans map[string]trace.Span
}

var _ velocity.Observer = (*Recorder)(nil)

// NewRecorder creates the instruments for one engine.
func NewRecorder(mp metric.MeterProvider, tp trace.TracerProvider, engineName string) (*Recorder, error) {
	meter := mp.Meter(instrumentationName)
	r := &Recorder{
		engine: attribute.String("engine", engineName),
		tracer: tp.Tracer(instrumentationName),
		spans:  make(map[string]trace.Span),
	}
	var err error
	if r.submitted, err = meter.Int64Counter("velocity.requests.submitted",
		metric.WithDescription("Requests accepted by Submit")); err != nil {
		return nil, fmt.Errorf("create instrument: %w", err)
	}
	if r.finished, err = meter.Int64Counter("velocity.requests.finished",
		metric.WithDescription("Requests that reached a terminal state")); err != nil {
		return nil, fmt.Errorf("create instrument: %w", err)
	}
	if r.tokens, err = meter.Int64Counter("velocity.tokens.generated",
		metric.WithDescription("Acoustic tokens generated by finished requests")); err != nil {
		return nil, fmt.Errorf("create instrument: %w", err)
	}
	if r.ticks, err = meter.Int64Counter("velocity.ticks",
		metric.WithDescription("Engine ticks that ran a batch")); err != nil {
		return nil, fmt.Errorf("create instrument: %w", err)
	}
	if r.stepTime, err = meter.Float64Histogram("velocity.step.duration",
		metric.WithUnit("s"), metric.WithDescription("Executor wall time per tick")); err != nil {
		return nil, fmt.Errorf("create instrument: %w", err)
	}
	if r.queueWait, err = meter.Float64Histogram("velocity.request.queue_wait",
		metric.WithUnit("s"), metric.WithDescription("Time from submission to admission")); err != nil {
		return nil, fmt.Errorf("create instrument: %w", err)
	}
	if r.ttft, err = meter.Float64Histogram("velocity.request.ttft",
		metric.WithUnit("s"), metric.WithDescription("Time from submission to first token")); err != nil {
		return nil, fmt.Errorf("create instrument: %w", err)
	}
	if r.latency, err = meter.Float64Histogram("velocity.request.duration",
		metric.WithUnit("s"), metric.WithDescription("Time from submission to terminal state")); err != nil {
		return nil, fmt.Errorf("create instrument: %w", err)
	}
	if r.queued, err = meter.Int64Gauge("velocity.queue.depth"); err != nil {
		return nil, fmt.Errorf("create instrument: %w", err)
	}
	if r.active, err = meter.Int64Gauge("velocity.active.sequences"); err != nil {
		return nil, fmt.Errorf("create instrument: %w", err)
	}
	if r.usedBlk, err = meter.Int64Gauge("velocity.cache.used_blocks"); err != nil {
		return nil, fmt.Errorf("create instrument: %w", err)
	}
	if r.util, err = meter.Float64Gauge("velocity.cache.utilization"); err != nil {
		return nil, fmt.Errorf("create instrument: %w", err)
	}
	return r, nil
}

// OnSubmit implements velocity.Observer.
func (r *Recorder) OnSubmit(seq *velocity.Sequence) {
	ctx := context.Background()
	r.submitted.Add(ctx, 1, metric.WithAttributes(r.engine))

	_, span := r.tracer.Start(ctx, "velocity.request",
		trace.WithTimestamp(seq.Request.ArrivalTime),
		trace.WithAttributes(
			r.engine,
			attribute.String("request.id", seq.ID),
			attribute.Int("request.prompt_tokens", len(seq.Request.Tokens)),
			attribute.Int("request.max_tokens", seq.Request.Sampling.MaxTokens),
			attribute.Int("request.priority", seq.Request.Priority),
		))
	if !span.IsRecording() {
		return
	}
	r.mu.Lock()
	r.spans[seq.ID] = span
	r.mu.Unlock()
}

// OnAdmit implements velocity.Observer.
func (r *Recorder) OnAdmit(seq *velocity.Sequence, tick int) {
	if !seq.AdmittedTime.IsZero() {
		r.queueWait.Record(context.Background(), seq.AdmittedTime.Sub(seq.Request.ArrivalTime).Seconds(),
			metric.WithAttributes(r.engine))
	}
	if span := r.span(seq.ID, false); span != nil {
		span.AddEvent("admitted", trace.WithAttributes(
			attribute.Int("tick", tick),
			attribute.Int("blocks", len(seq.Blocks)),
			attribute.Int("reserved_blocks", seq.ReservedBlocks),
		))
	}
}

// OnFinish implements velocity.Observer.
func (r *Recorder) OnFinish(seq *velocity.Sequence, tick int) {
	ctx := context.Background()
	attrs := metric.WithAttributes(r.engine,
		attribute.String("state", string(seq.State)),
		attribute.String("reason", string(seq.FinishReason)))
	r.finished.Add(ctx, 1, attrs)
	r.tokens.Add(ctx, int64(len(seq.Generated)), metric.WithAttributes(r.engine))
	arrival := seq.Request.ArrivalTime
	if !seq.FirstTokenTime.IsZero() {
		r.ttft.Record(ctx, seq.FirstTokenTime.Sub(arrival).Seconds(), metric.WithAttributes(r.engine))
	}
	if !seq.FinishedTime.IsZero() {
		r.latency.Record(ctx, seq.FinishedTime.Sub(arrival).Seconds(), attrs)
	}

	span := r.span(seq.ID, true)
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.String("request.state", string(seq.State)),
		attribute.String("request.finish_reason", string(seq.FinishReason)),
		attribute.Int("request.generated", len(seq.Generated)),
		attribute.Int("request.finished_tick", tick),
	)
	if seq.Err != nil {
		span.RecordError(seq.Err)
		span.SetStatus(codes.Error, seq.Err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	if seq.FinishedTime.IsZero() {
		span.End()
	} else {
		span.End(trace.WithTimestamp(seq.FinishedTime))
	}
}

// OnTick implements velocity.Observer.
func (r *Recorder) OnTick(rep velocity.TickReport) {
	ctx := context.Background()
	attrs := metric.WithAttributes(r.engine)
	r.queued.Record(ctx, int64(rep.Queued), attrs)
	r.active.Record(ctx, int64(rep.Active), attrs)
	r.usedBlk.Record(ctx, int64(rep.UsedBlocks), attrs)
	r.util.Record(ctx, rep.Utilization, attrs)
	if rep.Idle() {
		return
	}
	r.ticks.Add(ctx, 1, attrs)
	r.stepTime.Record(ctx, rep.StepTime.Seconds(), attrs)
}

// OpenSpans returns the number of requests whose span has not ended.
func (r *Recorder) OpenSpans() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spans)
}

func (r *Recorder) span(id string, remove bool) trace.Span {
	r.mu.Lock()
	defer r.mu.Unlock()
	span, ok := r.spans[id]
	if !ok {
		return nil
	}
	if remove {
		delete(r.spans, id)
	}
	return span
}
