// Package tts connects text and audio to the generation engine: a Tokenizer
// turns text into input token ids, the engine produces acoustic tokens and a
// Vocoder turns those into audio, chunk by chunk.
package tts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// ErrEmptyText is returned when normalization leaves nothing to speak.
var ErrEmptyText = errors.New("tts: empty text")

// Tokenizer converts text into model input ids. Voice is the speaker
// embedding of the request; tokenizers that condition on it may use it.
type Tokenizer interface {
	Tokenize(ctx context.Context, text string, voice []float32) ([]int, error)
}

// Normalize applies NFKC, lowercases, drops control characters and collapses
// runs of whitespace into single spaces.
func Normalize(text string) string {
	text = norm.NFKC.String(text)
	text = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, text)
	return strings.Join(strings.Fields(text), " ")
}

// ByteTokenizer maps normalized UTF-8 bytes to ids Offset..Offset+255.
// It is a reference tokenizer for tests and load runs, not a linguistic one.
type ByteTokenizer struct {
	Offset    int // id of byte 0; ids below it stay free for special tokens
	MaxTokens int // 0 = unlimited
}

// NewByteTokenizer returns a tokenizer reserving ids 0..3 for special tokens.
func NewByteTokenizer() *ByteTokenizer {
	return &ByteTokenizer{Offset: 4}
}

// Tokenize implements Tokenizer.
func (b *ByteTokenizer) Tokenize(ctx context.Context, text string, _ []float32) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text = Normalize(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	if b.MaxTokens > 0 && len(text) > b.MaxTokens {
		return nil, fmt.Errorf("tts: text is %d tokens, limit %d", len(text), b.MaxTokens)
	}
	ids := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		ids[i] = b.Offset + int(text[i])
	}
	return ids, nil
}

// Detokenize reverses Tokenize for ids in range; other ids are skipped.
func (b *ByteTokenizer) Detokenize(ids []int) string {
	buf := make([]byte, 0, len(ids))
	for _, id := range ids {
		if v := id - b.Offset; v >= 0 && v < 256 {
			buf = append(buf, byte(v))
		}
	}
	return string(buf)
}
