// Package executor provides a deterministic synthetic StepExecutor. It stands
// in for a real acoustic-token model in CLI runs, load tests and transport
// tests: tokens are drawn from seeded per-sequence RNGs, step latency is
// simulated, and faults can be injected at a configurable rate.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/velocity-tts/velocity/velocity"
)

// ErrInjectedFault is the per-entry error produced by fault injection.
var ErrInjectedFault = errors.New("synthetic executor: injected fault")

// Config parameterizes the synthetic executor.
type Config struct {
	Seed            int64
	VocabSize       int           // acoustic codebook size (> 1)
	StopToken       int           // token emitted when the sampler decides to stop (-1 = never)
	StopProbability float64       // per-step probability of sampling StopToken
	FaultRate       float64       // per-entry probability of an injected fault
	StepLatency     time.Duration // fixed cost of one step
	TokenLatency    time.Duration // additional cost per fed token
	Jitter          float64       // relative latency jitter in [0, 1)
}

// DefaultConfig matches the 626-entry acoustic codebook of the reference model.
func DefaultConfig() Config {
	return Config{
		Seed:            42,
		VocabSize:       626,
		StopToken:       625,
		StopProbability: 0.002,
	}
}

// Validate checks parameter ranges.
func (c Config) Validate() error {
	if c.VocabSize <= 1 {
		return fmt.Errorf("vocab size must be > 1, got %d", c.VocabSize)
	}
	if c.StopToken >= c.VocabSize {
		return fmt.Errorf("stop token %d outside vocab of %d", c.StopToken, c.VocabSize)
	}
	for name, p := range map[string]float64{"stop probability": c.StopProbability, "fault rate": c.FaultRate, "jitter": c.Jitter} {
		if math.IsNaN(p) || p < 0 || p >= 1 {
			return fmt.Errorf("%s must be in [0, 1), got %v", name, p)
		}
	}
	if c.StepLatency < 0 || c.TokenLatency < 0 {
		return errors.New("latencies must be >= 0")
	}
	return nil
}

// Stats counts executor activity.
type Stats struct {
	Steps          int
	Entries        int
	PrefillTokens  int
	InjectedFaults int
	ScrubbedBlocks int
}

// Synthetic is a deterministic StepExecutor. It also implements
// velocity.BlockScrubber so zero-on-free deployments can be exercised.
type Synthetic struct {
	cfg Config

	mu    sync.Mutex
	rng   *PartitionedRNG
	stats Stats
}

// NewSynthetic creates a synthetic executor.
func NewSynthetic(cfg Config) (*Synthetic, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid executor config: %w", err)
	}
	return &Synthetic{cfg: cfg, rng: NewPartitionedRNG(RunKey(cfg.Seed))}, nil
}

// Step returns one sampled token per entry, in entry order.
func (s *Synthetic) Step(ctx context.Context, batch *velocity.Batch) ([]velocity.StepResult, error) {
	if err := s.simulateLatency(ctx, batch); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Steps++
	results := make([]velocity.StepResult, len(batch.Entries))
	faults := s.rng.ForSubsystem(SubsystemFaults)
	for i, e := range batch.Entries {
		s.stats.Entries++
		if e.Phase == velocity.PhasePrefill {
			s.stats.PrefillTokens += len(e.Input)
		}
		if s.cfg.FaultRate > 0 && faults.Float64() < s.cfg.FaultRate {
			s.stats.InjectedFaults++
			results[i].Err = fmt.Errorf("%w: sequence %s at position %d", ErrInjectedFault, e.SeqID, e.Position)
			continue
		}
		results[i].Token = s.sample(e)
	}
	return results, nil
}

// sample draws the next token for e. The draw depends only on the run seed,
// the sequence id and the number of tokens generated so far.
func (s *Synthetic) sample(e velocity.BatchEntry) int {
	rng := s.rng.Derive(e.SeqID, int64(len(e.Generated)))
	if !e.SuppressStop && s.cfg.StopToken >= 0 && rng.Float64() < s.cfg.StopProbability {
		return s.cfg.StopToken
	}
	k := s.cfg.VocabSize
	if e.Sampling.TopK > 0 && e.Sampling.TopK < k {
		k = e.Sampling.TopK
	}
	last := e.Input[len(e.Input)-1]
	tok := (last*31 + rng.Intn(k)) % s.cfg.VocabSize
	if tok < 0 {
		tok += s.cfg.VocabSize
	}
	if tok == s.cfg.StopToken {
		tok = (tok + 1) % s.cfg.VocabSize
	}
	return tok
}

func (s *Synthetic) simulateLatency(ctx context.Context, batch *velocity.Batch) error {
	if s.cfg.StepLatency == 0 && s.cfg.TokenLatency == 0 {
		return ctx.Err()
	}
	fed := 0
	for _, e := range batch.Entries {
		fed += len(e.Input)
	}
	d := s.cfg.StepLatency + time.Duration(fed)*s.cfg.TokenLatency
	if s.cfg.Jitter > 0 {
		s.mu.Lock()
		f := 1 + s.cfg.Jitter*(2*s.rng.ForSubsystem(SubsystemLatency).Float64()-1)
		s.mu.Unlock()
		d = time.Duration(float64(d) * f)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ScrubBlocks records freed blocks. The synthetic model holds no tensor
// memory, so scrubbing is bookkeeping only.
func (s *Synthetic) ScrubBlocks(ids []velocity.BlockID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.ScrubbedBlocks += len(ids)
	logrus.Debugf("synthetic executor: scrubbed %d blocks", len(ids))
}

// Stats returns a snapshot of executor counters.
func (s *Synthetic) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
