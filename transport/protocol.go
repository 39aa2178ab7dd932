// Package transport holds the wire protocol shared by the WebSocket and NATS
// front ends: JSON envelopes and the Streamer that runs one request and
// reports its progress as envelopes.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/velocity-tts/velocity/velocity"
)

// Envelope types.
const (
	TypeSynthesize = "synthesize" // client → server
	TypeCancel     = "cancel"     // client → server
	TypeAccepted   = "accepted"
	TypeChunk      = "chunk" // acoustic tokens
	TypeAudio      = "audio" // vocoded audio
	TypeDone       = "done"
	TypeError      = "error"
)

// Synthesis modes.
const (
	ModeCodes = "codes" // stream acoustic tokens (default)
	ModeAudio = "audio" // stream vocoded audio
)

// Error codes carried by error envelopes.
const (
	CodeBadMessage     = "bad_message"
	CodeTooManyStreams = "too_many_streams"
	CodeDuplicateID    = "duplicate_id"
	CodeInvalidRequest = "invalid_request"
	CodeQueueFull      = "queue_full"
	CodeOutOfCache     = "out_of_cache"
	CodeQueueTimeout   = "queue_timeout"
	CodeComputeFault   = "compute_fault"
	CodeCancelled      = "cancelled"
	CodeEngineStopped  = "engine_stopped"
	CodeInternal       = "internal"
)

// Envelope is every message on the wire, in both directions.
type Envelope struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// synthesize
	Mode      string    `json:"mode,omitempty"`
	Text      string    `json:"text,omitempty"`
	Tokens    []int     `json:"tokens,omitempty"` // pre-tokenized input (request) or acoustic tokens (chunk)
	Priority  int       `json:"priority,omitempty"`
	MaxTokens int       `json:"max_tokens,omitempty"`
	Voice     []float32 `json:"voice,omitempty"`

	// chunk / audio
	Index      int    `json:"index,omitempty"`
	Data       []byte `json:"data,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Final      bool   `json:"final,omitempty"`

	// done / error
	Generated int    `json:"generated,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Encode marshals an envelope.
func Encode(env Envelope) ([]byte, error) {
	return sonic.Marshal(env)
}

// Decode unmarshals and checks an envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errors.New("decode envelope: missing type")
	}
	return env, nil
}

// ErrorCode maps a terminal or submission error to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, velocity.ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, velocity.ErrQueueFull):
		return CodeQueueFull
	case errors.Is(err, velocity.ErrQueueTimeout):
		return CodeQueueTimeout
	case errors.Is(err, velocity.ErrOutOfCache):
		return CodeOutOfCache
	case errors.Is(err, velocity.ErrComputeFault):
		return CodeComputeFault
	case errors.Is(err, velocity.ErrCancelled), errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, velocity.ErrEngineStopped):
		return CodeEngineStopped
	default:
		return CodeInternal
	}
}

// ErrorEnvelope builds an error envelope for id.
func ErrorEnvelope(id, code string, err error) Envelope {
	return Envelope{Type: TypeError, ID: id, Code: code, Error: err.Error()}
}
