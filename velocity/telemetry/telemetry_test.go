package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/velocity-tts/velocity/velocity"
)

func request(id string, prompt, max int) velocity.Request {
	s := velocity.DefaultSampling()
	s.MaxTokens = max
	return velocity.Request{ID: id, Tokens: make([]int, prompt), Sampling: s}
}

func findMetric(t *testing.T, rm metricdata.ResourceMetrics, name string) metricdata.Metrics {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m
			}
		}
	}
	t.Fatalf("metric %s not recorded", name)
	return metricdata.Metrics{}
}

func sumInt(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func histCount(t *testing.T, m metricdata.Metrics) uint64 {
	t.Helper()
	h, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok, "%s is not a float64 histogram", m.Name)
	var total uint64
	for _, dp := range h.DataPoints {
		total += dp.Count
	}
	return total
}

func TestRecorder_MetricsAndSpans(t *testing.T) {
	// GIVEN an engine observed by a recorder with in-memory readers
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	rec, err := NewRecorder(mp, tp, "test")
	require.NoError(t, err)

	exec := velocity.ExecutorFunc(func(_ context.Context, b *velocity.Batch) ([]velocity.StepResult, error) {
		out := make([]velocity.StepResult, len(b.Entries))
		for i, e := range b.Entries {
			out[i].Token = 9
			if e.SeqID == "bad" {
				out[i].Err = errors.New("nan logits")
			}
		}
		return out, nil
	})
	e, err := velocity.NewEngine(velocity.DefaultConfig(), exec, velocity.WithObserver(rec))
	require.NoError(t, err)
	t.Cleanup(e.Stop)

	_, err = e.Submit(request("good", 2, 2))
	require.NoError(t, err)
	_, err = e.Submit(request("bad", 2, 2))
	require.NoError(t, err)

	// WHEN the engine runs two busy ticks and one idle tick
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := e.Step(ctx)
		require.NoError(t, err)
	}

	// THEN the counters and histograms reflect both requests
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	assert.Equal(t, int64(2), sumInt(t, findMetric(t, rm, "velocity.requests.submitted")))
	assert.Equal(t, int64(2), sumInt(t, findMetric(t, rm, "velocity.requests.finished")))
	assert.Equal(t, int64(2), sumInt(t, findMetric(t, rm, "velocity.tokens.generated")))
	assert.Equal(t, int64(2), sumInt(t, findMetric(t, rm, "velocity.ticks")))
	assert.Equal(t, uint64(2), histCount(t, findMetric(t, rm, "velocity.request.queue_wait")))
	assert.Equal(t, uint64(2), histCount(t, findMetric(t, rm, "velocity.step.duration")))
	assert.Equal(t, uint64(1), histCount(t, findMetric(t, rm, "velocity.request.ttft")))

	// AND each request produced one ended span with the right status
	ended := spans.Ended()
	require.Len(t, ended, 2)
	status := map[string]codes.Code{}
	for _, s := range ended {
		assert.Equal(t, "velocity.request", s.Name())
		for _, kv := range s.Attributes() {
			if kv.Key == "request.id" {
				status[kv.Value.AsString()] = s.Status().Code
			}
		}
	}
	assert.Equal(t, codes.Ok, status["good"])
	assert.Equal(t, codes.Error, status["bad"])
	assert.Zero(t, rec.OpenSpans())
}

func TestSetup_ServesPrometheusMetrics(t *testing.T) {
	ctx := context.Background()
	p, err := Setup(ctx, Config{ServiceName: "velocity-test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	rec, err := NewRecorder(p.MeterProvider(), p.TracerProvider(), "e0")
	require.NoError(t, err)
	req := request("r1", 1, 1)
	rec.OnSubmit(&velocity.Sequence{ID: "r1", Request: &req})
	assert.Zero(t, rec.OpenSpans(), "tracing disabled records no spans")

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "velocity_requests_submitted")
}

func TestSetup_TwiceDoesNotCollide(t *testing.T) {
	for i := 0; i < 2; i++ {
		p, err := Setup(context.Background(), Config{})
		require.NoError(t, err)
		require.NoError(t, p.Shutdown(context.Background()))
	}
}

func TestSetup_RejectsBadTracingConfig(t *testing.T) {
	_, err := Setup(context.Background(), Config{Tracing: "zipkin"})
	assert.Error(t, err)
	_, err = Setup(context.Background(), Config{Tracing: TracingOTLP})
	assert.Error(t, err)
}
