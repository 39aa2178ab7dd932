package executor

import (
	"hash/fnv"
	"math/rand"
)

// RunKey uniquely identifies a reproducible executor run. Two runs with the
// same RunKey and the same batches produce identical tokens.
type RunKey int64

const (
	// SubsystemFaults drives injected per-entry faults.
	SubsystemFaults = "faults"
	// SubsystemLatency drives step latency jitter.
	SubsystemLatency = "latency"
)

// PartitionedRNG provides deterministic, isolated RNG instances per subsystem.
//
// Derivation formula: masterSeed XOR fnv1a64(subsystemName).
//
// Thread-safety: NOT thread-safe. Callers serialize access.
type PartitionedRNG struct {
	key        RunKey
	subsystems map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from a RunKey.
func NewPartitionedRNG(key RunKey) *PartitionedRNG {
	return &PartitionedRNG{
		key:        key,
		subsystems: make(map[string]*rand.Rand),
	}
}

// ForSubsystem returns a deterministically-seeded RNG for the named subsystem.
// The same subsystem name always returns the same *rand.Rand instance (cached).
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if rng, ok := p.subsystems[name]; ok {
		return rng
	}
	rng := rand.New(rand.NewSource(int64(p.key) ^ fnv1a64(name)))
	p.subsystems[name] = rng
	return rng
}

// Derive returns a fresh, uncached RNG for (name, n). Sampling for sequence
// name at position n therefore does not depend on which other sequences
// shared the batch.
func (p *PartitionedRNG) Derive(name string, n int64) *rand.Rand {
	return rand.New(rand.NewSource(int64(p.key) ^ fnv1a64(name) ^ (n * 0x5851F42D4C957F2D)))
}

// Key returns the RunKey used to create this PartitionedRNG.
func (p *PartitionedRNG) Key() RunKey {
	return p.key
}

func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
