package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/velocity-tts/velocity/tts"
	"github.com/velocity-tts/velocity/velocity"
)

// Engine is the part of velocity.Engine the front ends use.
type Engine interface {
	Submit(req velocity.Request) (*velocity.Handle, error)
	Stats() velocity.Stats
}

// Streamer runs synthesize requests against an engine.
type Streamer struct {
	Engine    Engine
	Tokenizer tts.Tokenizer
	Pipeline  *tts.Pipeline // nil disables audio mode
	Sampling  velocity.SamplingConfig
}

// Run executes one synthesize envelope and reports progress through send.
// It always ends with exactly one done or error envelope, unless send fails.
// Cancelling ctx cancels the engine request.
func (s *Streamer) Run(ctx context.Context, env Envelope, send func(Envelope) error) error {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	sampling := s.Sampling
	if sampling.MaxTokens == 0 {
		sampling = velocity.DefaultSampling()
	}
	if env.MaxTokens > 0 {
		sampling.MaxTokens = env.MaxTokens
		if sampling.MinTokens > sampling.MaxTokens {
			sampling.MinTokens = sampling.MaxTokens
		}
	}

	switch env.Mode {
	case "", ModeCodes:
		return s.runCodes(ctx, env, sampling, send)
	case ModeAudio:
		if s.Pipeline == nil {
			return send(ErrorEnvelope(env.ID, CodeInvalidRequest, errors.New("audio mode is not enabled")))
		}
		return s.runAudio(ctx, env, sampling, send)
	default:
		return send(ErrorEnvelope(env.ID, CodeBadMessage, fmt.Errorf("unknown mode %q", env.Mode)))
	}
}

func (s *Streamer) runCodes(ctx context.Context, env Envelope, sampling velocity.SamplingConfig, send func(Envelope) error) error {
	tokens := env.Tokens
	if len(tokens) == 0 {
		ids, err := s.Tokenizer.Tokenize(ctx, env.Text, env.Voice)
		if err != nil {
			return send(ErrorEnvelope(env.ID, CodeInvalidRequest, err))
		}
		tokens = ids
	}
	h, err := s.Engine.Submit(velocity.Request{
		ID:       env.ID,
		Tokens:   tokens,
		Sampling: sampling,
		Priority: env.Priority,
		Voice:    env.Voice,
	})
	if err != nil {
		return send(ErrorEnvelope(env.ID, ErrorCode(err), err))
	}
	stop := context.AfterFunc(ctx, h.Cancel)
	defer stop()

	sendErr := send(Envelope{Type: TypeAccepted, ID: h.ID()})
	if sendErr != nil {
		h.Cancel()
	}
	generated := 0
	for c := range h.Chunks() {
		generated += len(c.Tokens)
		if sendErr != nil {
			continue
		}
		if sendErr = send(Envelope{Type: TypeChunk, ID: h.ID(), Index: c.Index, Tokens: c.Tokens}); sendErr != nil {
			logrus.Debugf("transport: dropping stream %s: %v", h.ID(), sendErr)
			h.Cancel()
		}
	}
	if sendErr != nil {
		return sendErr
	}
	if err := h.Err(); err != nil {
		return send(ErrorEnvelope(h.ID(), ErrorCode(err), err))
	}
	return send(Envelope{Type: TypeDone, ID: h.ID(), Generated: generated})
}

func (s *Streamer) runAudio(ctx context.Context, env Envelope, sampling velocity.SamplingConfig, send func(Envelope) error) error {
	var sendErr error
	generated := 0
	err := s.Pipeline.Speak(ctx, tts.SynthRequest{
		ID:       env.ID,
		Text:     env.Text,
		Voice:    env.Voice,
		Priority: env.Priority,
		Sampling: &sampling,
	}, func(c tts.AudioChunk) error {
		generated += c.Tokens
		sendErr = send(Envelope{
			Type:       TypeAudio,
			ID:         c.RequestID,
			Index:      c.Sequence,
			Data:       c.Audio,
			Encoding:   c.Encoding,
			SampleRate: c.SampleRate,
			Final:      c.Final,
			Generated:  c.Tokens,
		})
		return sendErr
	})
	if sendErr != nil {
		return sendErr
	}
	if err != nil {
		code := ErrorCode(err)
		if errors.Is(err, tts.ErrEmptyText) {
			code = CodeInvalidRequest
		}
		return send(ErrorEnvelope(env.ID, code, err))
	}
	return send(Envelope{Type: TypeDone, ID: env.ID, Generated: generated})
}
