package workload

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/velocity-tts/velocity/velocity"
)

// Item is one generated request and its offset from the start of the run.
type Item struct {
	Offset  time.Duration
	Request velocity.Request
}

// GaussianSampler produces clamped Gaussian token lengths.
type GaussianSampler struct {
	mean, stdDev float64
	min, max     int
}

// NewGaussianSampler creates a sampler from a LengthSpec.
func NewGaussianSampler(l LengthSpec) *GaussianSampler {
	return &GaussianSampler{mean: l.Mean, stdDev: l.StdDev, min: l.Min, max: l.Max}
}

// Sample returns a length in [min, max], never below 1.
func (s *GaussianSampler) Sample(rng *rand.Rand) int {
	if s.min == s.max {
		return s.min
	}
	val := rng.NormFloat64()*s.stdDev + s.mean
	clamped := math.Min(float64(s.max), math.Max(float64(s.min), val))
	result := int(math.Round(clamped))
	if result < 1 {
		return 1
	}
	return result
}

// Generate produces spec.Requests requests. The same spec always yields the
// same requests, ids included.
func Generate(spec Spec) ([]Item, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workload: %w", err)
	}
	rng := rand.New(rand.NewSource(spec.Seed))
	prompt := NewGaussianSampler(spec.Prompt)
	output := NewGaussianSampler(spec.Output)
	voices := makeVoices(rng, spec.Voices, spec.VoiceDim)

	items := make([]Item, 0, spec.Requests)
	var offset time.Duration
	for i := 0; i < spec.Requests; i++ {
		n := prompt.Sample(rng)
		tokens := make([]int, n)
		for j := range tokens {
			tokens[j] = rng.Intn(spec.VocabSize)
		}
		sampling := velocity.DefaultSampling()
		sampling.MaxTokens = output.Sample(rng)
		sampling.StopTokens = append([]int(nil), spec.StopTokens...)

		req := velocity.Request{
			ID:       fmt.Sprintf("request_%d", i),
			Tokens:   tokens,
			Sampling: sampling,
			Priority: pickPriority(rng, spec.Priorities),
		}
		if len(voices) > 0 {
			req.Voice = voices[rng.Intn(len(voices))]
		}
		items = append(items, Item{Offset: offset, Request: req})

		if spec.Rate > 0 {
			offset += time.Duration(rng.ExpFloat64() / spec.Rate * float64(time.Second))
		}
	}
	return items, nil
}

func pickPriority(rng *rand.Rand, classes []PriorityClass) int {
	if len(classes) == 0 {
		return 0
	}
	total := 0.0
	for _, c := range classes {
		total += c.Weight
	}
	x := rng.Float64() * total
	for _, c := range classes {
		if x < c.Weight {
			return c.Priority
		}
		x -= c.Weight
	}
	return classes[len(classes)-1].Priority
}

func makeVoices(rng *rand.Rand, n, dim int) [][]float32 {
	voices := make([][]float32, n)
	for i := range voices {
		v := make([]float32, dim)
		for j := range v {
			v[j] = float32(rng.NormFloat64())
		}
		voices[i] = v
	}
	return voices
}
