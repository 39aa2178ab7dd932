package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/velocity-tts/velocity/transport"
	"github.com/velocity-tts/velocity/velocity/workload"
)

// Record statuses.
const (
	statusOK    = "ok"
	statusError = "error"
)

// RemoteClient streams synthesize requests to a running server over WebSocket.
type RemoteClient struct {
	url    string
	dialer *websocket.Dialer
}

// NewRemoteClient creates a client for the WebSocket endpoint at url.
func NewRemoteClient(url string) *RemoteClient {
	return &RemoteClient{
		url:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// PendingRequest represents a request to be sent to the server.
type PendingRequest struct {
	RequestID string
	Tokens    []int
	MaxTokens int
	Priority  int
}

// RequestRecord captures one request-response cycle.
type RequestRecord struct {
	RequestID        string
	OutputTokens     int
	Status           string // "ok", "error"
	ErrorCode        string
	ErrorMessage     string
	SendTimeUs       int64
	FirstChunkTimeUs int64
	LastChunkTimeUs  int64
	NumChunks        int
}

// Send dispatches a single request on its own connection and records timing.
// Failures are reported in the record; the error return is reserved for a
// cancelled ctx.
func (c *RemoteClient) Send(ctx context.Context, req *PendingRequest) (*RequestRecord, error) {
	record := &RequestRecord{RequestID: req.RequestID, Status: statusOK}
	fail := func(format string, args ...any) (*RequestRecord, error) {
		record.Status = statusError
		record.ErrorMessage = fmt.Sprintf(format, args...)
		return record, ctx.Err()
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fail("dial error: %v", err)
	}
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	data, err := transport.Encode(transport.Envelope{
		Type:      transport.TypeSynthesize,
		ID:        req.RequestID,
		Tokens:    req.Tokens,
		MaxTokens: req.MaxTokens,
		Priority:  req.Priority,
	})
	if err != nil {
		return fail("encode error: %v", err)
	}
	record.SendTimeUs = time.Now().UnixMicro()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fail("write error: %v", err)
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fail("read error: %v", err)
		}
		env, err := transport.Decode(msg)
		if err != nil {
			return fail("decode error: %v", err)
		}
		switch env.Type {
		case transport.TypeChunk, transport.TypeAudio:
			now := time.Now().UnixMicro()
			if record.NumChunks == 0 {
				record.FirstChunkTimeUs = now
			}
			record.LastChunkTimeUs = now
			record.NumChunks++
			record.OutputTokens += len(env.Tokens)
		case transport.TypeDone:
			record.OutputTokens = env.Generated
			return record, nil
		case transport.TypeError:
			record.ErrorCode = env.Code
			return fail("%s", env.Error)
		}
	}
}

// Recorder collects request records from concurrent senders.
type Recorder struct {
	mu      sync.Mutex
	records []RequestRecord
}

// RecordRequest adds the result of one Send.
func (r *Recorder) RecordRequest(result *RequestRecord) {
	if result == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, *result)
}

// Records returns the records sorted by send time.
func (r *Recorder) Records() []RequestRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]RequestRecord(nil), r.records...)
	sort.Slice(out, func(i, j int) bool { return out[i].SendTimeUs < out[j].SendTimeUs })
	return out
}

// ObserveSummary aggregates the records of one observe run.
type ObserveSummary struct {
	Requests     int
	Succeeded    int
	Failed       int
	OutputTokens int
	MeanTTFT     time.Duration // send -> first chunk, over succeeded requests with chunks
	MeanLatency  time.Duration // send -> last chunk, over succeeded requests with chunks
	ErrorCodes   map[string]int
}

// Summary computes the aggregate view of the recorded requests.
func (r *Recorder) Summary() ObserveSummary {
	s := ObserveSummary{ErrorCodes: make(map[string]int)}
	var ttft, latency int64
	timed := 0
	for _, rec := range r.Records() {
		s.Requests++
		if rec.Status != statusOK {
			s.Failed++
			s.ErrorCodes[rec.ErrorCode]++
			continue
		}
		s.Succeeded++
		s.OutputTokens += rec.OutputTokens
		if rec.NumChunks > 0 {
			timed++
			ttft += rec.FirstChunkTimeUs - rec.SendTimeUs
			latency += rec.LastChunkTimeUs - rec.SendTimeUs
		}
	}
	if timed > 0 {
		s.MeanTTFT = time.Duration(ttft/int64(timed)) * time.Microsecond
		s.MeanLatency = time.Duration(latency/int64(timed)) * time.Microsecond
	}
	return s
}

// Print writes the summary.
func (s ObserveSummary) Print(w io.Writer) {
	fmt.Fprintln(w, "=== Observed Requests ===")
	fmt.Fprintf(w, "Requests             : %d\n", s.Requests)
	fmt.Fprintf(w, "Succeeded            : %d\n", s.Succeeded)
	fmt.Fprintf(w, "Failed               : %d\n", s.Failed)
	fmt.Fprintf(w, "Output Tokens        : %d\n", s.OutputTokens)
	fmt.Fprintf(w, "Mean TTFT            : %v\n", s.MeanTTFT)
	fmt.Fprintf(w, "Mean Latency         : %v\n", s.MeanLatency)
	codes := make([]string, 0, len(s.ErrorCodes))
	for c := range s.ErrorCodes {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	for _, c := range codes {
		fmt.Fprintf(w, "  error %-14s: %d\n", c, s.ErrorCodes[c])
	}
}

// runObserve sends items to the client with at most concurrency in flight.
// With realtime set, each item waits for its arrival offset.
func runObserve(ctx context.Context, client *RemoteClient, items []workload.Item, realtime bool, concurrency int) (*Recorder, error) {
	rec := &Recorder{}
	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	start := time.Now()
	for _, it := range items {
		if realtime {
			if wait := it.Offset - time.Since(start); wait > 0 {
				select {
				case <-time.After(wait):
				case <-gctx.Done():
				}
			}
		}
		if gctx.Err() != nil {
			break
		}
		pending := &PendingRequest{
			RequestID: it.Request.ID,
			Tokens:    it.Request.Tokens,
			MaxTokens: it.Request.Sampling.MaxTokens,
			Priority:  it.Request.Priority,
		}
		g.Go(func() error {
			result, err := client.Send(gctx, pending)
			rec.RecordRequest(result)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return rec, err
	}
	return rec, nil
}

var (
	observeWorkload    workloadFlags
	observeURL         string
	observeRealtime    bool
	observeConcurrency int
)

// observeCmd replays a synthetic workload against a running server.
var observeCmd = &cobra.Command{
	Use:   "observe",
	Short: "Replay a synthetic workload against a running server and record latencies",
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := observeWorkload.spec(cmd)
		if err != nil {
			return err
		}
		items, err := workload.Generate(spec)
		if err != nil {
			return err
		}
		logrus.Infof("Observing %s with %d requests", observeURL, len(items))
		rec, err := runObserve(cmd.Context(), NewRemoteClient(observeURL), items, observeRealtime, observeConcurrency)
		if err != nil {
			return err
		}
		rec.Summary().Print(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	observeWorkload.bind(observeCmd)
	observeCmd.Flags().StringVar(&observeURL, "url", "ws://127.0.0.1:8080/v1/stream", "WebSocket endpoint of the server")
	observeCmd.Flags().BoolVar(&observeRealtime, "realtime", true, "Send requests at their generated arrival times")
	observeCmd.Flags().IntVar(&observeConcurrency, "concurrency", 16, "Max requests in flight (0 = unlimited)")
	rootCmd.AddCommand(observeCmd)
}
