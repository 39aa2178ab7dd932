package tts

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/zaf/g711"
)

// Audio encodings produced by Encode.
const (
	EncodingPCM16 = "pcm16" // little-endian signed 16-bit
	EncodingULaw  = "mulaw" // G.711 µ-law
	EncodingALaw  = "alaw"  // G.711 A-law
)

// ValidEncodings is the set of recognized audio encoding names.
var ValidEncodings = map[string]bool{"": true, EncodingPCM16: true, EncodingULaw: true, EncodingALaw: true}

// Vocoder turns acoustic tokens into 16-bit PCM. It is called once per
// delivered chunk, in order; final is set on the last call for a request,
// which may carry no tokens.
type Vocoder interface {
	Decode(ctx context.Context, tokens []int, final bool) ([]byte, error)
	SampleRate() int
}

// AudioChunk is one piece of synthesized audio for a request.
type AudioChunk struct {
	RequestID  string
	Sequence   int
	SampleRate int
	Encoding   string
	Audio      []byte
	Tokens     int // acoustic tokens rendered into this chunk
	Final      bool
}

// ToneVocoder renders each token as a short sine tone whose pitch depends on
// the token id. It is deterministic and needs no model weights.
type ToneVocoder struct {
	Rate            int
	SamplesPerToken int
	Amplitude       float64 // (0, 1]
}

// NewToneVocoder returns a 24 kHz vocoder emitting 10 ms per token.
func NewToneVocoder() *ToneVocoder {
	return &ToneVocoder{Rate: 24000, SamplesPerToken: 240, Amplitude: 0.3}
}

// SampleRate implements Vocoder.
func (v *ToneVocoder) SampleRate() int { return v.Rate }

// Decode implements Vocoder.
func (v *ToneVocoder) Decode(ctx context.Context, tokens []int, _ bool) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pcm := make([]byte, 0, len(tokens)*v.SamplesPerToken*2)
	for _, tok := range tokens {
		freq := 110 + float64(tok%64)*15
		for i := 0; i < v.SamplesPerToken; i++ {
			s := v.Amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(v.Rate))
			pcm = binary.LittleEndian.AppendUint16(pcm, uint16(int16(s*math.MaxInt16)))
		}
	}
	return pcm, nil
}

// Encode converts 16-bit PCM into the named encoding.
func Encode(pcm []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "", EncodingPCM16:
		return pcm, nil
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("PCM byte slice length must be even (16-bit samples), got %d", len(pcm))
	}
	switch encoding {
	case EncodingULaw:
		return g711.EncodeUlaw(pcm), nil
	case EncodingALaw:
		return g711.EncodeAlaw(pcm), nil
	default:
		return nil, fmt.Errorf("unknown audio encoding %q", encoding)
	}
}
