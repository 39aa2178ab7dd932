package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/velocity-tts/velocity/config"
	"github.com/velocity-tts/velocity/velocity"
	"github.com/velocity-tts/velocity/velocity/executor"
	"github.com/velocity-tts/velocity/velocity/journal"
	"github.com/velocity-tts/velocity/velocity/trace"
	"github.com/velocity-tts/velocity/velocity/workload"
)

var (
	benchWorkload workloadFlags
	benchRealtime bool   // honor arrival offsets instead of submitting at once
	benchJournal  string // optional SQLite journal path
)

// benchCmd runs a synthetic workload against an in-process engine.
var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run a synthetic workload against an in-process engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := benchWorkload.spec(cmd)
		if err != nil {
			return err
		}
		logrus.Infof("Starting bench with %d requests, %d blocks x %d tokens, admission %s",
			spec.Requests, cfg.Engine.Cache.TotalBlocks, cfg.Engine.Cache.BlockSize, cfg.Engine.Batch.AdmissionMode)
		res, err := runBench(cmd.Context(), cfg, spec, benchOptions{Realtime: benchRealtime, JournalPath: benchJournal})
		if err != nil {
			return err
		}
		res.Print(cmd.OutOrStdout())
		logrus.Info("Bench complete.")
		return nil
	},
}

type benchOptions struct {
	Realtime    bool
	JournalPath string
}

// BenchResult is the outcome of one bench run.
type BenchResult struct {
	Metrics  velocity.Metrics
	Executor executor.Stats
	Trace    *trace.TraceSummary
	Rejected int // Submit errors
	Failed   int // requests whose stream ended with an error
	Elapsed  time.Duration
}

// Print writes the run report.
func (r BenchResult) Print(w io.Writer) {
	r.Metrics.Print(w)
	fmt.Fprintf(w, "Rejected Requests    : %d\n", r.Rejected)
	fmt.Fprintf(w, "Failed Requests      : %d\n", r.Failed)
	fmt.Fprintf(w, "Executor Steps       : %d\n", r.Executor.Steps)
	fmt.Fprintf(w, "Injected Faults      : %d\n", r.Executor.InjectedFaults)
	if r.Trace != nil {
		fmt.Fprintf(w, "Traced Admissions    : %d\n", r.Trace.AdmittedCount)
		fmt.Fprintf(w, "Traced Skips         : %d\n", r.Trace.SkippedCount)
	}
	fmt.Fprintf(w, "Wall Time            : %v\n", r.Elapsed.Round(time.Millisecond))
}

func runBench(ctx context.Context, cfg config.Config, spec workload.Spec, opts benchOptions) (BenchResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	items, err := workload.Generate(spec)
	if err != nil {
		return BenchResult{}, err
	}
	exec, err := executor.NewSynthetic(cfg.ExecutorConfig())
	if err != nil {
		return BenchResult{}, err
	}

	var engineOpts []velocity.Option
	engineOpts = append(engineOpts, velocity.WithName(cfg.Engine.Name))
	var et *trace.EngineTrace
	if cfg.Engine.TraceLevel != string(trace.TraceLevelNone) {
		et = trace.NewEngineTrace(trace.TraceConfig{Level: trace.TraceLevel(cfg.Engine.TraceLevel)})
		engineOpts = append(engineOpts, velocity.WithTrace(et))
	}
	if opts.JournalPath != "" {
		j, err := journal.Open(ctx, journal.Config{Path: opts.JournalPath, TickSample: 1})
		if err != nil {
			return BenchResult{}, err
		}
		defer j.Close()
		engineOpts = append(engineOpts, velocity.WithObserver(j))
	}

	engine, err := velocity.NewEngine(cfg.VelocityConfig(), exec, engineOpts...)
	if err != nil {
		return BenchResult{}, err
	}
	start := time.Now()
	if err := engine.Start(ctx); err != nil {
		return BenchResult{}, err
	}
	defer engine.Stop()

	var res BenchResult
	var failed []error
	errCh := make(chan error, len(items))
	g, gctx := errgroup.WithContext(ctx)
	for _, it := range items {
		if opts.Realtime {
			if wait := it.Offset - time.Since(start); wait > 0 {
				select {
				case <-time.After(wait):
				case <-gctx.Done():
				}
			}
		}
		h, err := engine.Submit(it.Request)
		if err != nil {
			logrus.Debugf("bench: %s rejected: %v", it.Request.ID, err)
			res.Rejected++
			continue
		}
		g.Go(func() error {
			_, err := h.Collect(gctx)
			if gctx.Err() != nil {
				return gctx.Err()
			}
			errCh <- err
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BenchResult{}, err
	}
	close(errCh)
	for err := range errCh {
		if err != nil {
			failed = append(failed, err)
		}
	}
	engine.Stop()

	res.Failed = len(failed)
	if len(failed) > 0 {
		logrus.Warnf("bench: %d requests failed, first: %v", len(failed), failed[0])
	}
	res.Metrics = engine.Metrics()
	res.Executor = exec.Stats()
	if et != nil {
		res.Trace = trace.Summarize(et)
	}
	res.Elapsed = time.Since(start)
	return res, nil
}

func init() {
	benchWorkload.bind(benchCmd)
	benchCmd.Flags().BoolVar(&benchRealtime, "realtime", false, "Submit requests at their generated arrival times")
	benchCmd.Flags().StringVar(&benchJournal, "journal", "", "Write a SQLite journal of the run to this path")
	rootCmd.AddCommand(benchCmd)
}
