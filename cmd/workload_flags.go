package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/velocity-tts/velocity/velocity/workload"
)

// workloadFlags are the GuideLLM-style generation flags shared by bench and observe.
type workloadFlags struct {
	specPath          string  // YAML workload spec, overrides the flags below
	seed              int64   // Seed for request generation
	requests          int     // Number of requests
	rate              float64 // Requests arrival per second
	promptTokensMean  float64 // Average Prompt Token Count
	promptTokensStdev float64 // Stdev Prompt Token Count
	promptTokensMin   int     // Min Prompt Token Count
	promptTokensMax   int     // Max Prompt Token Count
	outputTokensMean  float64 // Average Output Token Count
	outputTokensStdev float64 // Stdev Output Token Count
	outputTokensMin   int     // Min Output Token Count
	outputTokensMax   int     // Max Output Token Count
	priorityMix       string  // priority:weight pairs
}

func (f *workloadFlags) bind(c *cobra.Command) {
	d := workload.DefaultSpec()
	c.Flags().StringVar(&f.specPath, "workload", "", "YAML workload spec (overrides the generation flags)")
	c.Flags().Int64Var(&f.seed, "seed", d.Seed, "Seed for request generation")
	c.Flags().IntVar(&f.requests, "max-prompts", d.Requests, "Number of requests")
	c.Flags().Float64Var(&f.rate, "rate", d.Rate, "Requests arrival per second (0 = all at once)")
	c.Flags().Float64Var(&f.promptTokensMean, "prompt-tokens", d.Prompt.Mean, "Average Prompt Token Count")
	c.Flags().Float64Var(&f.promptTokensStdev, "prompt-tokens-stdev", d.Prompt.StdDev, "Stddev Prompt Token Count")
	c.Flags().IntVar(&f.promptTokensMin, "prompt-tokens-min", d.Prompt.Min, "Min Prompt Token Count")
	c.Flags().IntVar(&f.promptTokensMax, "prompt-tokens-max", d.Prompt.Max, "Max Prompt Token Count")
	c.Flags().Float64Var(&f.outputTokensMean, "output-tokens", d.Output.Mean, "Average Output Token Count")
	c.Flags().Float64Var(&f.outputTokensStdev, "output-tokens-stdev", d.Output.StdDev, "Stddev Output Token Count")
	c.Flags().IntVar(&f.outputTokensMin, "output-tokens-min", d.Output.Min, "Min Output Token Count")
	c.Flags().IntVar(&f.outputTokensMax, "output-tokens-max", d.Output.Max, "Max Output Token Count")
	c.Flags().StringVar(&f.priorityMix, "priorities", "", "Priority mix as priority:weight pairs, e.g. 0:3,10:1")
}

// spec builds the workload spec from the flags, or loads --workload. When a
// file is given, an explicit --seed still overrides the file's seed.
func (f *workloadFlags) spec(c *cobra.Command) (workload.Spec, error) {
	if f.specPath != "" {
		s, err := workload.LoadSpec(f.specPath)
		if err != nil {
			return workload.Spec{}, err
		}
		if c != nil && c.Flags().Changed("seed") {
			s.Seed = f.seed
		}
		return *s, s.Validate()
	}
	s := workload.DefaultSpec()
	s.Seed = f.seed
	s.Requests = f.requests
	s.Rate = f.rate
	s.Prompt = workload.LengthSpec{Mean: f.promptTokensMean, StdDev: f.promptTokensStdev, Min: f.promptTokensMin, Max: f.promptTokensMax}
	s.Output = workload.LengthSpec{Mean: f.outputTokensMean, StdDev: f.outputTokensStdev, Min: f.outputTokensMin, Max: f.outputTokensMax}
	mix, err := parsePriorityMix(f.priorityMix)
	if err != nil {
		return workload.Spec{}, err
	}
	s.Priorities = mix
	return s, s.Validate()
}

func parsePriorityMix(s string) ([]workload.PriorityClass, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []workload.PriorityClass
	for _, part := range strings.Split(s, ",") {
		p, w, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("priority mix entry %q: want priority:weight", part)
		}
		prio, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("priority mix entry %q: %w", part, err)
		}
		weight, err := strconv.ParseFloat(w, 64)
		if err != nil {
			return nil, fmt.Errorf("priority mix entry %q: %w", part, err)
		}
		out = append(out, workload.PriorityClass{Priority: prio, Weight: weight})
	}
	return out, nil
}
