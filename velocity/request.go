// Defines the Request submitted by callers and its sampling configuration.
// A Request is immutable once submitted; its runtime companion is the Sequence.

package velocity

import (
	"fmt"
	"slices"
	"time"
)

// SamplingConfig carries the decoding parameters forwarded to the step executor.
// The engine itself only interprets MaxTokens, MinTokens and StopTokens.
type SamplingConfig struct {
	Temperature       float64 // must be > 0
	TopK              int     // 0 disables top-k
	TopP              float64 // (0, 1]
	RepetitionPenalty float64 // >= 1; zero means 1
	MaxTokens         int     // upper bound on generated tokens (> 0)
	MinTokens         int     // stop tokens are suppressed until this many tokens were generated
	StopTokens        []int   // generation ends when one of these is produced
}

// DefaultSampling mirrors the acoustic-token defaults of the original runtime.
func DefaultSampling() SamplingConfig {
	return SamplingConfig{
		Temperature:       0.3,
		TopK:              20,
		TopP:              0.7,
		RepetitionPenalty: 1.05,
		MaxTokens:         2048,
	}
}

// Validate checks the sampling configuration in isolation.
func (s SamplingConfig) Validate() error {
	if s.Temperature <= 0 {
		return fmt.Errorf("%w: temperature must be > 0, got %v", ErrInvalidRequest, s.Temperature)
	}
	if s.TopK < 0 {
		return fmt.Errorf("%w: top_k must be >= 0, got %d", ErrInvalidRequest, s.TopK)
	}
	if s.TopP <= 0 || s.TopP > 1 {
		return fmt.Errorf("%w: top_p must be in (0, 1], got %v", ErrInvalidRequest, s.TopP)
	}
	if s.RepetitionPenalty != 0 && s.RepetitionPenalty < 1 {
		return fmt.Errorf("%w: repetition_penalty must be >= 1, got %v", ErrInvalidRequest, s.RepetitionPenalty)
	}
	if s.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be > 0, got %d", ErrInvalidRequest, s.MaxTokens)
	}
	if s.MinTokens < 0 || s.MinTokens > s.MaxTokens {
		return fmt.Errorf("%w: min_tokens must be in [0, max_tokens], got %d", ErrInvalidRequest, s.MinTokens)
	}
	return nil
}

// IsStop reports whether token is one of the configured stop tokens.
func (s SamplingConfig) IsStop(token int) bool {
	return slices.Contains(s.StopTokens, token)
}

// Request is the immutable input of one synthesis call.
type Request struct {
	ID       string         // assigned by Submit when empty
	Tokens   []int          // normalized, tokenized input
	Sampling SamplingConfig // decoding parameters
	Priority int            // higher is admitted first
	Voice    []float32      // opaque speaker embedding, forwarded to the executor

	ArrivalTime time.Time // set by Submit
	arrivalSeq  uint64    // FIFO tie-break among equal priorities
}

// validate checks a request against engine limits before any cache is touched.
func (r *Request) validate(cfg Config) error {
	if len(r.Tokens) == 0 {
		return fmt.Errorf("%w: empty input", ErrInvalidRequest)
	}
	if err := r.Sampling.Validate(); err != nil {
		return err
	}
	if cfg.Batch.MaxModelLen > 0 && len(r.Tokens)+r.Sampling.MaxTokens > cfg.Batch.MaxModelLen {
		return fmt.Errorf("%w: prompt (%d) + max_tokens (%d) exceeds max model length %d",
			ErrInvalidRequest, len(r.Tokens), r.Sampling.MaxTokens, cfg.Batch.MaxModelLen)
	}
	if cfg.Batch.MaxPrefillTokens > 0 && len(r.Tokens) > cfg.Batch.MaxPrefillTokens {
		return fmt.Errorf("%w: prompt (%d) exceeds per-tick prefill budget %d",
			ErrInvalidRequest, len(r.Tokens), cfg.Batch.MaxPrefillTokens)
	}
	return nil
}

// String returns a compact human-readable form, used in logs.
func (r Request) String() string {
	return fmt.Sprintf("Request: (ID: %s, Prompt: %d, MaxTokens: %d, Priority: %d)",
		r.ID, len(r.Tokens), r.Sampling.MaxTokens, r.Priority)
}
