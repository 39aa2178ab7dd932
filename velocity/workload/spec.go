// Package workload generates synthetic TTS request streams for load runs:
// clamped-Gaussian prompt and output lengths, Poisson arrivals, a weighted
// priority mix and a small set of speaker embeddings.
package workload

import (
	"bytes"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// LengthSpec describes a clamped Gaussian token length distribution.
type LengthSpec struct {
	Mean   float64 `yaml:"mean"`
	StdDev float64 `yaml:"stdev"`
	Min    int     `yaml:"min"`
	Max    int     `yaml:"max"`
}

// PriorityClass is one entry of the priority mix.
type PriorityClass struct {
	Priority int     `yaml:"priority"`
	Weight   float64 `yaml:"weight"`
}

// Spec describes a synthetic workload.
type Spec struct {
	Seed       int64           `yaml:"seed"`
	Requests   int             `yaml:"requests"`
	Rate       float64         `yaml:"rate"` // requests per second, 0 = all at once
	Prompt     LengthSpec      `yaml:"prompt"`
	Output     LengthSpec      `yaml:"output"`
	Priorities []PriorityClass `yaml:"priorities"`
	Voices     int             `yaml:"voices"`    // distinct speaker embeddings, 0 = none
	VoiceDim   int             `yaml:"voice_dim"` // embedding width
	VocabSize  int             `yaml:"vocab_size"`
	StopTokens []int           `yaml:"stop_tokens"`
}

// DefaultSpec returns a small mixed workload.
func DefaultSpec() Spec {
	return Spec{
		Seed:      42,
		Requests:  100,
		Rate:      20,
		Prompt:    LengthSpec{Mean: 64, StdDev: 16, Min: 8, Max: 256},
		Output:    LengthSpec{Mean: 256, StdDev: 64, Min: 16, Max: 1024},
		Voices:    4,
		VoiceDim:  16,
		VocabSize: 626,
	}
}

// LoadSpec reads and parses a YAML workload specification file.
// Uses strict parsing: unrecognized keys (typos) are rejected.
func LoadSpec(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workload spec: %w", err)
	}
	spec := DefaultSpec()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&spec); err != nil {
		return nil, fmt.Errorf("parsing workload spec: %w", err)
	}
	return &spec, nil
}

// Validate checks that all fields in the spec are valid.
func (s *Spec) Validate() error {
	if s.Requests <= 0 {
		return fmt.Errorf("requests must be positive, got %d", s.Requests)
	}
	if math.IsNaN(s.Rate) || math.IsInf(s.Rate, 0) || s.Rate < 0 {
		return fmt.Errorf("rate must be a finite non-negative number, got %f", s.Rate)
	}
	if err := validateLength("prompt", s.Prompt); err != nil {
		return err
	}
	if err := validateLength("output", s.Output); err != nil {
		return err
	}
	for i, p := range s.Priorities {
		if math.IsNaN(p.Weight) || p.Weight <= 0 {
			return fmt.Errorf("priorities[%d]: weight must be positive, got %f", i, p.Weight)
		}
	}
	if s.Voices < 0 || (s.Voices > 0 && s.VoiceDim <= 0) {
		return fmt.Errorf("voices (%d) need a positive voice_dim, got %d", s.Voices, s.VoiceDim)
	}
	if s.VocabSize <= 1 {
		return fmt.Errorf("vocab_size must be > 1, got %d", s.VocabSize)
	}
	return nil
}

func validateLength(name string, l LengthSpec) error {
	if l.Min < 1 || l.Max < l.Min {
		return fmt.Errorf("%s: need 1 <= min <= max, got min=%d max=%d", name, l.Min, l.Max)
	}
	if math.IsNaN(l.Mean) || math.IsNaN(l.StdDev) || l.StdDev < 0 {
		return fmt.Errorf("%s: mean and stdev must be finite, stdev >= 0", name)
	}
	return nil
}
