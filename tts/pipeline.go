package tts

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/velocity-tts/velocity/velocity"
)

// Submitter is the part of the engine a Pipeline needs.
type Submitter interface {
	Submit(req velocity.Request) (*velocity.Handle, error)
}

// SynthRequest is a text-to-speech call.
type SynthRequest struct {
	ID       string
	Text     string
	Voice    []float32
	Priority int
	Sampling *velocity.SamplingConfig // nil = pipeline default
}

// PipelineConfig tunes a Pipeline.
type PipelineConfig struct {
	Sampling velocity.SamplingConfig
	Encoding string // audio encoding of emitted chunks
	Backlog  int    // token chunks buffered between the engine and the vocoder
}

// Pipeline runs text → tokens → engine → vocoder for one request at a time;
// it is safe to call Speak concurrently.
type Pipeline struct {
	engine Submitter
	tok    Tokenizer
	voc    Vocoder
	cfg    PipelineConfig
}

// NewPipeline wires a tokenizer, an engine and a vocoder together.
func NewPipeline(engine Submitter, tok Tokenizer, voc Vocoder, cfg PipelineConfig) (*Pipeline, error) {
	if engine == nil || tok == nil || voc == nil {
		return nil, errors.New("tts: engine, tokenizer and vocoder are required")
	}
	if !ValidEncodings[cfg.Encoding] {
		return nil, fmt.Errorf("unknown audio encoding %q", cfg.Encoding)
	}
	if cfg.Sampling.MaxTokens == 0 {
		cfg.Sampling = velocity.DefaultSampling()
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 8
	}
	return &Pipeline{engine: engine, tok: tok, voc: voc, cfg: cfg}, nil
}

// Speak synthesizes req and calls emit for every audio chunk in order. The
// last chunk has Final set. Cancelling ctx cancels the engine request.
// The returned error is the engine's terminal error, a tokenizer or vocoder
// failure, or the first error returned by emit.
func (p *Pipeline) Speak(ctx context.Context, req SynthRequest, emit func(AudioChunk) error) error {
	ids, err := p.tok.Tokenize(ctx, req.Text, req.Voice)
	if err != nil {
		return fmt.Errorf("tokenize: %w", err)
	}
	sampling := p.cfg.Sampling
	if req.Sampling != nil {
		sampling = *req.Sampling
	}
	h, err := p.engine.Submit(velocity.Request{
		ID:       req.ID,
		Tokens:   ids,
		Sampling: sampling,
		Priority: req.Priority,
		Voice:    req.Voice,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	tokens := make(chan []int, p.cfg.Backlog)

	g.Go(func() error {
		defer close(tokens)
		for {
			select {
			case c, ok := <-h.Chunks():
				if !ok {
					return h.Err()
				}
				select {
				case tokens <- c.Tokens:
				case <-gctx.Done():
					h.Cancel()
					return gctx.Err()
				}
			case <-gctx.Done():
				h.Cancel()
				return gctx.Err()
			}
		}
	})

	g.Go(func() error {
		seq := 0
		for toks := range tokens {
			if err := p.render(gctx, h.ID(), seq, toks, false, emit); err != nil {
				return err
			}
			seq++
		}
		if err := gctx.Err(); err != nil {
			return err
		}
		// The reader closed tokens; only a clean end of stream gets a final chunk.
		if h.Err() != nil {
			return nil
		}
		return p.render(gctx, h.ID(), seq, nil, true, emit)
	})

	if err := g.Wait(); err != nil {
		h.Cancel()
		logrus.Debugf("tts: request %s ended: %v", h.ID(), err)
		return err
	}
	return nil
}

func (p *Pipeline) render(ctx context.Context, id string, seq int, toks []int, final bool, emit func(AudioChunk) error) error {
	pcm, err := p.voc.Decode(ctx, toks, final)
	if err != nil {
		return fmt.Errorf("vocoder: %w", err)
	}
	audio, err := Encode(pcm, p.cfg.Encoding)
	if err != nil {
		return err
	}
	enc := p.cfg.Encoding
	if enc == "" {
		enc = EncodingPCM16
	}
	return emit(AudioChunk{
		RequestID:  id,
		Sequence:   seq,
		SampleRate: p.voc.SampleRate(),
		Encoding:   enc,
		Audio:      audio,
		Tokens:     len(toks),
		Final:      final,
	})
}
