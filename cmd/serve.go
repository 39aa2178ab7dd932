package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/velocity-tts/velocity/config"
	"github.com/velocity-tts/velocity/transport"
	"github.com/velocity-tts/velocity/transport/natsbus"
	"github.com/velocity-tts/velocity/transport/ws"
	"github.com/velocity-tts/velocity/tts"
	"github.com/velocity-tts/velocity/velocity"
	"github.com/velocity-tts/velocity/velocity/executor"
	"github.com/velocity-tts/velocity/velocity/journal"
	"github.com/velocity-tts/velocity/velocity/telemetry"
	"github.com/velocity-tts/velocity/velocity/trace"
)

// serveCmd runs the engine behind the WebSocket and bus front ends.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the streaming engine with its WebSocket and NATS front ends",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func serve(ctx context.Context, cfg config.Config) error {
	prov, err := telemetry.Setup(ctx, cfg.TelemetryConfig())
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := prov.Shutdown(shutdownCtx); err != nil {
			logrus.Warnf("telemetry shutdown: %v", err)
		}
	}()
	rec, err := telemetry.NewRecorder(prov.MeterProvider(), prov.TracerProvider(), cfg.Engine.Name)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	opts := []velocity.Option{velocity.WithName(cfg.Engine.Name), velocity.WithObserver(rec)}
	if cfg.Journal.Enabled {
		j, err := journal.Open(ctx, journal.Config{Path: cfg.Journal.Path, TickSample: cfg.Journal.TickSample})
		if err != nil {
			return err
		}
		defer func() {
			if err := j.Close(); err != nil {
				logrus.Warnf("journal close: %v", err)
			}
		}()
		opts = append(opts, velocity.WithObserver(j))
	}
	if cfg.Engine.TraceLevel != string(trace.TraceLevelNone) {
		opts = append(opts, velocity.WithTrace(trace.NewEngineTrace(trace.TraceConfig{Level: trace.TraceLevel(cfg.Engine.TraceLevel)})))
	}

	exec, err := executor.NewSynthetic(cfg.ExecutorConfig())
	if err != nil {
		return err
	}
	engine, err := velocity.NewEngine(cfg.VelocityConfig(), exec, opts...)
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Stop()

	tok := tts.NewByteTokenizer()
	pipeline, err := tts.NewPipeline(engine, tok, tts.NewToneVocoder(), tts.PipelineConfig{Encoding: cfg.Server.AudioEncoding})
	if err != nil {
		return err
	}
	streamer := &transport.Streamer{Engine: engine, Tokenizer: tok, Pipeline: pipeline}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Bus.Enabled {
		if err := startBus(gctx, g, cfg, streamer); err != nil {
			return err
		}
	}
	if cfg.Server.Enabled {
		srv := ws.NewServer(ws.Config{
			Path:              cfg.Server.Path,
			MaxStreamsPerConn: int64(cfg.Server.MaxStreamsPerConn),
		}, streamer, prov.Handler())
		addr := net.JoinHostPort(cfg.Server.Bind, strconv.Itoa(cfg.Server.Port))
		g.Go(func() error { return srv.ListenAndServe(gctx, addr) })
	}
	logrus.Infof("Engine %q serving (admission %s, %d blocks)", cfg.Engine.Name, cfg.Engine.Batch.AdmissionMode, cfg.Engine.Cache.TotalBlocks)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logrus.Info("Shutting down")
	return nil
}

// startBus connects to NATS, starting an embedded server first when asked,
// and runs the bus service until ctx is done.
func startBus(ctx context.Context, g *errgroup.Group, cfg config.Config, streamer *transport.Streamer) error {
	bc := natsbus.Config{
		Servers:        cfg.Bus.Servers,
		Name:           cfg.Engine.Name,
		Prefix:         cfg.Bus.Prefix,
		ConnectTimeout: time.Duration(cfg.Bus.ConnectTimeoutMS) * time.Millisecond,
		MaxStreams:     int64(cfg.Bus.MaxStreams),
	}
	var embedded *natsbus.EmbeddedServer
	if cfg.Bus.Embedded {
		var err error
		embedded, err = natsbus.StartEmbedded(cfg.Server.Bind, cfg.Bus.Port)
		if err != nil {
			return err
		}
		bc.Servers = []string{embedded.ClientURL()}
	}
	conn, err := natsbus.Connect(bc)
	if err != nil {
		embedded.Shutdown()
		return err
	}
	svc := natsbus.NewService(ctx, bc, conn, streamer)
	if err := svc.Start(); err != nil {
		conn.Close()
		embedded.Shutdown()
		return err
	}
	g.Go(func() error {
		<-ctx.Done()
		svc.Close()
		if err := conn.Drain(); err != nil {
			logrus.Debugf("natsbus drain: %v", err)
		}
		embedded.Shutdown()
		return nil
	})
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
