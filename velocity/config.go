package velocity

import (
	"fmt"
	"time"
)

// CacheConfig groups cache pool parameters.
type CacheConfig struct {
	TotalBlocks int  // pool capacity in blocks (must be > 0)
	BlockSize   int  // tokens per block (must be > 0)
	ZeroOnFree  bool // scrub freed blocks through the executor when it supports it
}

// BatchConfig groups batch formation parameters.
type BatchConfig struct {
	MaxBatchSize        int    // max sequences per tick (0 = unlimited)
	MaxPrefillTokens    int    // max prompt tokens admitted per tick (0 = unlimited)
	MaxModelLen         int    // max prompt + generated tokens per sequence (0 = unlimited)
	Lookahead           int    // queued requests tried past a blocked head (0 = strict FIFO, < 0 = whole queue)
	HeadStarvationTicks int    // ticks in which a later request was admitted past a blocked one before skip-ahead pauses (0 = never pauses)
	AdmissionMode       string // "reserved" (default) or "optimistic"
	Scheduler           string // "priority-fcfs" (default) or "fcfs"
}

// QueueConfig bounds the admission queue.
type QueueConfig struct {
	MaxDepth int           // max queued requests (0 = unlimited)
	Timeout  time.Duration // max time a request may wait for admission (0 = unlimited)
}

// StreamConfig controls delivery into per-request sinks.
type StreamConfig struct {
	BufferChunks int           // capacity of each request's chunk channel (must be > 0)
	ChunkTokens  int           // tokens accumulated before a chunk is pushed (must be > 0)
	Policy       string        // "block" (default) or "drop-oldest"
	BlockTimeout time.Duration // block policy only: abandon a stalled consumer after this long (0 = wait)
}

// Config groups all engine parameters.
type Config struct {
	Cache  CacheConfig
	Batch  BatchConfig
	Queue  QueueConfig
	Stream StreamConfig
}

const (
	AdmissionReserved   = "reserved"
	AdmissionOptimistic = "optimistic"

	PolicyBlock      = "block"
	PolicyDropOldest = "drop-oldest"
)

// ValidAdmissionModes is the set of recognized admission mode names.
var ValidAdmissionModes = map[string]bool{"": true, AdmissionReserved: true, AdmissionOptimistic: true}

// ValidDeliveryPolicies is the set of recognized backpressure policy names.
var ValidDeliveryPolicies = map[string]bool{"": true, PolicyBlock: true, PolicyDropOldest: true}

// DefaultConfig returns a configuration suitable for a single small accelerator.
func DefaultConfig() Config {
	return Config{
		Cache: CacheConfig{
			TotalBlocks: 1024,
			BlockSize:   16,
		},
		Batch: BatchConfig{
			MaxBatchSize:     64,
			MaxPrefillTokens: 4096,
			MaxModelLen:      4096,
			Lookahead:        4,
			AdmissionMode:    AdmissionReserved,
			Scheduler:        "priority-fcfs",
		},
		Queue: QueueConfig{
			MaxDepth: 1024,
			Timeout:  30 * time.Second,
		},
		Stream: StreamConfig{
			BufferChunks: 32,
			ChunkTokens:  1,
			Policy:       PolicyBlock,
		},
	}
}

// Validate checks parameter ranges and policy names.
func (c Config) Validate() error {
	if c.Cache.TotalBlocks <= 0 {
		return fmt.Errorf("cache total blocks must be > 0, got %d", c.Cache.TotalBlocks)
	}
	if c.Cache.BlockSize <= 0 {
		return fmt.Errorf("cache block size must be > 0, got %d", c.Cache.BlockSize)
	}
	if c.Batch.MaxBatchSize < 0 {
		return fmt.Errorf("max batch size must be >= 0, got %d", c.Batch.MaxBatchSize)
	}
	if c.Batch.MaxPrefillTokens < 0 {
		return fmt.Errorf("max prefill tokens must be >= 0, got %d", c.Batch.MaxPrefillTokens)
	}
	if c.Batch.MaxModelLen < 0 {
		return fmt.Errorf("max model length must be >= 0, got %d", c.Batch.MaxModelLen)
	}
	if c.Batch.HeadStarvationTicks < 0 {
		return fmt.Errorf("head starvation ticks must be >= 0, got %d", c.Batch.HeadStarvationTicks)
	}
	if !ValidAdmissionModes[c.Batch.AdmissionMode] {
		return fmt.Errorf("unknown admission mode %q", c.Batch.AdmissionMode)
	}
	if !IsValidScheduler(c.Batch.Scheduler) {
		return fmt.Errorf("unknown scheduler %q", c.Batch.Scheduler)
	}
	if c.Queue.MaxDepth < 0 {
		return fmt.Errorf("queue max depth must be >= 0, got %d", c.Queue.MaxDepth)
	}
	if c.Queue.Timeout < 0 {
		return fmt.Errorf("queue timeout must be >= 0, got %v", c.Queue.Timeout)
	}
	if c.Stream.BufferChunks <= 0 {
		return fmt.Errorf("stream buffer must be > 0, got %d", c.Stream.BufferChunks)
	}
	if c.Stream.ChunkTokens <= 0 {
		return fmt.Errorf("stream chunk tokens must be > 0, got %d", c.Stream.ChunkTokens)
	}
	if !ValidDeliveryPolicies[c.Stream.Policy] {
		return fmt.Errorf("unknown delivery policy %q", c.Stream.Policy)
	}
	if c.Stream.BlockTimeout < 0 {
		return fmt.Errorf("stream block timeout must be >= 0, got %v", c.Stream.BlockTimeout)
	}
	return nil
}

func (c Config) reserved() bool {
	return c.Batch.AdmissionMode == "" || c.Batch.AdmissionMode == AdmissionReserved
}
