// Package config loads the runtime configuration: defaults, then a YAML file
// (strict: unknown keys are errors), then VELOCITY_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/velocity-tts/velocity/tts"
	"github.com/velocity-tts/velocity/velocity"
	"github.com/velocity-tts/velocity/velocity/executor"
	"github.com/velocity-tts/velocity/velocity/telemetry"
	"github.com/velocity-tts/velocity/velocity/trace"
)

type CacheConfig struct {
	TotalBlocks int  `yaml:"total_blocks"`
	BlockSize   int  `yaml:"block_size"`
	ZeroOnFree  bool `yaml:"zero_on_free"`
}

type BatchConfig struct {
	MaxBatchSize        int    `yaml:"max_batch_size"`
	MaxPrefillTokens    int    `yaml:"max_prefill_tokens"`
	MaxModelLen         int    `yaml:"max_model_len"`
	Lookahead           int    `yaml:"lookahead"`
	HeadStarvationTicks int    `yaml:"head_starvation_ticks"`
	AdmissionMode       string `yaml:"admission_mode"`
	Scheduler           string `yaml:"scheduler"`
}

type QueueConfig struct {
	MaxDepth  int `yaml:"max_depth"`
	TimeoutMS int `yaml:"timeout_ms"`
}

type StreamConfig struct {
	BufferChunks   int    `yaml:"buffer_chunks"`
	ChunkTokens    int    `yaml:"chunk_tokens"`
	Policy         string `yaml:"policy"`
	BlockTimeoutMS int    `yaml:"block_timeout_ms"`
}

type EngineConfig struct {
	Name       string       `yaml:"name"`
	Cache      CacheConfig  `yaml:"cache"`
	Batch      BatchConfig  `yaml:"batch"`
	Queue      QueueConfig  `yaml:"queue"`
	Stream     StreamConfig `yaml:"stream"`
	TraceLevel string       `yaml:"trace_level"`
}

type ExecutorConfig struct {
	Seed            int64   `yaml:"seed"`
	VocabSize       int     `yaml:"vocab_size"`
	StopToken       int     `yaml:"stop_token"`
	StopProbability float64 `yaml:"stop_probability"`
	FaultRate       float64 `yaml:"fault_rate"`
	StepLatencyMS   int     `yaml:"step_latency_ms"`
}

type ServerConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Bind              string `yaml:"bind"`
	Port              int    `yaml:"port"`
	Path              string `yaml:"path"`
	MaxStreamsPerConn int    `yaml:"max_streams_per_conn"`
	AudioEncoding     string `yaml:"audio_encoding"`
}

type BusConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Embedded         bool     `yaml:"embedded"`
	Port             int      `yaml:"port"`
	Servers          []string `yaml:"servers"`
	Prefix           string   `yaml:"subject_prefix"`
	ConnectTimeoutMS int      `yaml:"connect_timeout_ms"`
	MaxStreams       int      `yaml:"max_streams"`
}

type JournalConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	TickSample int    `yaml:"tick_sample"`
}

type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	Environment  string `yaml:"environment"`
	Tracing      string `yaml:"tracing"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the whole runtime configuration.
// Every top-level section must be listed here for strict parsing to accept it.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Server    ServerConfig    `yaml:"server"`
	Bus       BusConfig       `yaml:"bus"`
	Journal   JournalConfig   `yaml:"journal"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Default returns the built-in configuration.
func Default() Config {
	ec := velocity.DefaultConfig()
	xc := executor.DefaultConfig()
	return Config{
		Engine: EngineConfig{
			Name: "velocity",
			Cache: CacheConfig{
				TotalBlocks: ec.Cache.TotalBlocks,
				BlockSize:   ec.Cache.BlockSize,
			},
			Batch: BatchConfig{
				MaxBatchSize:     ec.Batch.MaxBatchSize,
				MaxPrefillTokens: ec.Batch.MaxPrefillTokens,
				MaxModelLen:      ec.Batch.MaxModelLen,
				Lookahead:        ec.Batch.Lookahead,
				AdmissionMode:    ec.Batch.AdmissionMode,
				Scheduler:        ec.Batch.Scheduler,
			},
			Queue: QueueConfig{
				MaxDepth:  ec.Queue.MaxDepth,
				TimeoutMS: int(ec.Queue.Timeout / time.Millisecond),
			},
			Stream: StreamConfig{
				BufferChunks: ec.Stream.BufferChunks,
				ChunkTokens:  ec.Stream.ChunkTokens,
				Policy:       ec.Stream.Policy,
			},
			TraceLevel: string(trace.TraceLevelNone),
		},
		Executor: ExecutorConfig{
			Seed:            xc.Seed,
			VocabSize:       xc.VocabSize,
			StopToken:       xc.StopToken,
			StopProbability: xc.StopProbability,
		},
		Server: ServerConfig{
			Enabled:           true,
			Bind:              "0.0.0.0",
			Port:              8080,
			Path:              "/v1/stream",
			MaxStreamsPerConn: 4,
			AudioEncoding:     tts.EncodingPCM16,
		},
		Bus: BusConfig{
			Port:             4222,
			Prefix:           "velocity.tts",
			ConnectTimeoutMS: 2000,
			MaxStreams:       64,
		},
		Journal: JournalConfig{
			Path: "./data/journal.db",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "velocity",
			Environment: "dev",
			Tracing:     telemetry.TracingNone,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path (optional), applies env overrides and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Engine.Name, "VELOCITY_ENGINE_NAME")
	overrideInt(&cfg.Engine.Cache.TotalBlocks, "VELOCITY_CACHE_TOTAL_BLOCKS")
	overrideInt(&cfg.Engine.Cache.BlockSize, "VELOCITY_CACHE_BLOCK_SIZE")
	overrideBool(&cfg.Engine.Cache.ZeroOnFree, "VELOCITY_CACHE_ZERO_ON_FREE")
	overrideInt(&cfg.Engine.Batch.MaxBatchSize, "VELOCITY_BATCH_MAX_SIZE")
	overrideInt(&cfg.Engine.Batch.MaxPrefillTokens, "VELOCITY_BATCH_MAX_PREFILL_TOKENS")
	overrideInt(&cfg.Engine.Batch.MaxModelLen, "VELOCITY_BATCH_MAX_MODEL_LEN")
	overrideInt(&cfg.Engine.Batch.Lookahead, "VELOCITY_BATCH_LOOKAHEAD")
	overrideInt(&cfg.Engine.Batch.HeadStarvationTicks, "VELOCITY_BATCH_HEAD_STARVATION_TICKS")
	overrideString(&cfg.Engine.Batch.AdmissionMode, "VELOCITY_BATCH_ADMISSION_MODE")
	overrideString(&cfg.Engine.Batch.Scheduler, "VELOCITY_BATCH_SCHEDULER")
	overrideInt(&cfg.Engine.Queue.MaxDepth, "VELOCITY_QUEUE_MAX_DEPTH")
	overrideInt(&cfg.Engine.Queue.TimeoutMS, "VELOCITY_QUEUE_TIMEOUT_MS")
	overrideInt(&cfg.Engine.Stream.BufferChunks, "VELOCITY_STREAM_BUFFER_CHUNKS")
	overrideInt(&cfg.Engine.Stream.ChunkTokens, "VELOCITY_STREAM_CHUNK_TOKENS")
	overrideString(&cfg.Engine.Stream.Policy, "VELOCITY_STREAM_POLICY")
	overrideInt(&cfg.Engine.Stream.BlockTimeoutMS, "VELOCITY_STREAM_BLOCK_TIMEOUT_MS")
	overrideString(&cfg.Engine.TraceLevel, "VELOCITY_TRACE_LEVEL")

	overrideInt64(&cfg.Executor.Seed, "VELOCITY_EXECUTOR_SEED")
	overrideFloat(&cfg.Executor.FaultRate, "VELOCITY_EXECUTOR_FAULT_RATE")
	overrideInt(&cfg.Executor.StepLatencyMS, "VELOCITY_EXECUTOR_STEP_LATENCY_MS")

	overrideBool(&cfg.Server.Enabled, "VELOCITY_SERVER_ENABLED")
	overrideString(&cfg.Server.Bind, "VELOCITY_SERVER_BIND")
	overrideInt(&cfg.Server.Port, "VELOCITY_SERVER_PORT")
	overrideString(&cfg.Server.AudioEncoding, "VELOCITY_SERVER_AUDIO_ENCODING")

	overrideBool(&cfg.Bus.Enabled, "VELOCITY_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VELOCITY_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VELOCITY_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VELOCITY_BUS_SERVERS")
	overrideString(&cfg.Bus.Prefix, "VELOCITY_BUS_SUBJECT_PREFIX")

	overrideBool(&cfg.Journal.Enabled, "VELOCITY_JOURNAL_ENABLED")
	overrideString(&cfg.Journal.Path, "VELOCITY_JOURNAL_PATH")

	overrideString(&cfg.Telemetry.Tracing, "VELOCITY_TELEMETRY_TRACING")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VELOCITY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VELOCITY_OTLP_INSECURE")

	overrideString(&cfg.Logging.Level, "VELOCITY_LOG_LEVEL")
	overrideString(&cfg.Logging.Format, "VELOCITY_LOG_FORMAT")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		if len(out) > 0 {
			*target = out
		}
	}
}

var validLogFormats = map[string]bool{"text": true, "json": true}

// Validate checks every section. Engine and executor limits are checked by
// their own packages.
func (c Config) Validate() error {
	var errs []error
	if err := c.VelocityConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	if !trace.IsValidTraceLevel(c.Engine.TraceLevel) {
		errs = append(errs, fmt.Errorf("engine: unknown trace level %q", c.Engine.TraceLevel))
	}
	if err := c.ExecutorConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("executor: %w", err))
	}
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Errorf("server: port must be in 1..65535, got %d", c.Server.Port))
		}
		if !strings.HasPrefix(c.Server.Path, "/") {
			errs = append(errs, fmt.Errorf("server: path must start with /, got %q", c.Server.Path))
		}
	}
	if !tts.ValidEncodings[c.Server.AudioEncoding] {
		errs = append(errs, fmt.Errorf("server: unknown audio encoding %q", c.Server.AudioEncoding))
	}
	if c.Bus.Enabled && !c.Bus.Embedded && len(c.Bus.Servers) == 0 {
		errs = append(errs, errors.New("bus: enabled without servers or embedded broker"))
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, errors.New("journal: enabled without path"))
	}
	if !telemetry.ValidTracingModes[c.Telemetry.Tracing] {
		errs = append(errs, fmt.Errorf("telemetry: unknown tracing mode %q", c.Telemetry.Tracing))
	}
	if c.Telemetry.Tracing == telemetry.TracingOTLP && c.Telemetry.OTLPEndpoint == "" {
		errs = append(errs, errors.New("telemetry: otlp tracing needs otlp_endpoint"))
	}
	if !validLogFormats[c.Logging.Format] {
		errs = append(errs, fmt.Errorf("logging: unknown format %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// VelocityConfig converts the engine section.
func (c Config) VelocityConfig() velocity.Config {
	e := c.Engine
	return velocity.Config{
		Cache: velocity.CacheConfig{
			TotalBlocks: e.Cache.TotalBlocks,
			BlockSize:   e.Cache.BlockSize,
			ZeroOnFree:  e.Cache.ZeroOnFree,
		},
		Batch: velocity.BatchConfig{
			MaxBatchSize:        e.Batch.MaxBatchSize,
			MaxPrefillTokens:    e.Batch.MaxPrefillTokens,
			MaxModelLen:         e.Batch.MaxModelLen,
			Lookahead:           e.Batch.Lookahead,
			HeadStarvationTicks: e.Batch.HeadStarvationTicks,
			AdmissionMode:       e.Batch.AdmissionMode,
			Scheduler:           e.Batch.Scheduler,
		},
		Queue: velocity.QueueConfig{
			MaxDepth: e.Queue.MaxDepth,
			Timeout:  time.Duration(e.Queue.TimeoutMS) * time.Millisecond,
		},
		Stream: velocity.StreamConfig{
			BufferChunks: e.Stream.BufferChunks,
			ChunkTokens:  e.Stream.ChunkTokens,
			Policy:       e.Stream.Policy,
			BlockTimeout: time.Duration(e.Stream.BlockTimeoutMS) * time.Millisecond,
		},
	}
}

// ExecutorConfig converts the executor section.
func (c Config) ExecutorConfig() executor.Config {
	x := executor.DefaultConfig()
	x.Seed = c.Executor.Seed
	x.VocabSize = c.Executor.VocabSize
	x.StopToken = c.Executor.StopToken
	x.StopProbability = c.Executor.StopProbability
	x.FaultRate = c.Executor.FaultRate
	x.StepLatency = time.Duration(c.Executor.StepLatencyMS) * time.Millisecond
	return x
}

// TelemetryConfig converts the telemetry section.
func (c Config) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		ServiceName:  c.Telemetry.ServiceName,
		Environment:  c.Telemetry.Environment,
		Tracing:      c.Telemetry.Tracing,
		OTLPEndpoint: c.Telemetry.OTLPEndpoint,
		OTLPInsecure: c.Telemetry.OTLPInsecure,
	}
}
