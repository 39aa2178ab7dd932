package tts

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velocity-tts/velocity/velocity"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  Hello\tWORLD\n", "hello world"},
		{"ﬁne", "fine"},
		{"a\x00b", "ab"},
		{" \n\t ", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Normalize(tc.in), "input %q", tc.in)
	}
}

func TestByteTokenizer_RoundTrip(t *testing.T) {
	tok := NewByteTokenizer()
	ids, err := tok.Tokenize(context.Background(), "Hi  there", nil)
	require.NoError(t, err)
	assert.Equal(t, []int{4 + 'h', 4 + 'i', 4 + ' ', 4 + 't', 4 + 'h', 4 + 'e', 4 + 'r', 4 + 'e'}, ids)
	assert.Equal(t, "hi there", tok.Detokenize(ids))
}

func TestByteTokenizer_Rejects(t *testing.T) {
	tok := &ByteTokenizer{Offset: 4, MaxTokens: 3}
	_, err := tok.Tokenize(context.Background(), "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyText)
	_, err = tok.Tokenize(context.Background(), "four", nil)
	assert.Error(t, err)
}

func TestToneVocoder_DecodeAndEncode(t *testing.T) {
	v := NewToneVocoder()
	pcm, err := v.Decode(context.Background(), []int{1, 2, 3}, false)
	require.NoError(t, err)
	assert.Len(t, pcm, 3*240*2)

	again, err := v.Decode(context.Background(), []int{1, 2, 3}, false)
	require.NoError(t, err)
	assert.Equal(t, pcm, again, "decoding is deterministic")

	ulaw, err := Encode(pcm, EncodingULaw)
	require.NoError(t, err)
	assert.Len(t, ulaw, len(pcm)/2)
	alaw, err := Encode(pcm, EncodingALaw)
	require.NoError(t, err)
	assert.Len(t, alaw, len(pcm)/2)

	_, err = Encode([]byte{1, 2, 3}, EncodingULaw)
	assert.Error(t, err)
	_, err = Encode(pcm, "opus")
	assert.Error(t, err)
}

// countingExecutor emits 10, 11, 12, ... per sequence, or faults everything when fail is set.
func countingExecutor(fail bool) velocity.StepExecutor {
	return velocity.ExecutorFunc(func(_ context.Context, b *velocity.Batch) ([]velocity.StepResult, error) {
		if fail {
			return nil, errors.New("device lost")
		}
		out := make([]velocity.StepResult, len(b.Entries))
		for i, e := range b.Entries {
			out[i].Token = 10 + len(e.Generated)
		}
		return out, nil
	})
}

func startEngine(t *testing.T, exec velocity.StepExecutor) *velocity.Engine {
	t.Helper()
	cfg := velocity.DefaultConfig()
	cfg.Stream.ChunkTokens = 2
	e, err := velocity.NewEngine(cfg, exec)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)
	return e
}

type chunkSink struct {
	mu     sync.Mutex
	chunks []AudioChunk
	failAt int // return an error on this call (1-based), 0 = never
}

func (s *chunkSink) emit(c AudioChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, c)
	if s.failAt > 0 && len(s.chunks) == s.failAt {
		return errors.New("client went away")
	}
	return nil
}

func TestPipeline_Speak_StreamsAudioInOrder(t *testing.T) {
	// GIVEN a pipeline over a running engine batching two tokens per chunk
	e := startEngine(t, countingExecutor(false))
	sampling := velocity.DefaultSampling()
	sampling.MaxTokens = 5
	p, err := NewPipeline(e, NewByteTokenizer(), NewToneVocoder(), PipelineConfig{Sampling: sampling, Encoding: EncodingULaw})
	require.NoError(t, err)
	sink := &chunkSink{}

	// WHEN a sentence is spoken
	err = p.Speak(context.Background(), SynthRequest{ID: "s1", Text: "hello"}, sink.emit)

	// THEN three audio chunks and a final marker arrive in order
	require.NoError(t, err)
	require.Len(t, sink.chunks, 4)
	wantTokens := []int{2, 2, 1, 0}
	for i, c := range sink.chunks {
		assert.Equal(t, "s1", c.RequestID)
		assert.Equal(t, i, c.Sequence)
		assert.Equal(t, wantTokens[i], c.Tokens)
		assert.Equal(t, c.Tokens*240, len(c.Audio), "µ-law is one byte per sample")
		assert.Equal(t, EncodingULaw, c.Encoding)
		assert.Equal(t, 24000, c.SampleRate)
		assert.Equal(t, i == 3, c.Final)
	}
}

func TestPipeline_Speak_EmitErrorCancelsRequest(t *testing.T) {
	e := startEngine(t, countingExecutor(false))
	sampling := velocity.DefaultSampling()
	sampling.MaxTokens = 1000
	p, err := NewPipeline(e, NewByteTokenizer(), NewToneVocoder(), PipelineConfig{Sampling: sampling})
	require.NoError(t, err)
	sink := &chunkSink{failAt: 1}

	err = p.Speak(context.Background(), SynthRequest{ID: "s2", Text: "long text"}, sink.emit)

	assert.EqualError(t, err, "client went away")
	assert.Eventually(t, func() bool { return e.Stats().Active == 0 && e.Stats().Queued == 0 },
		waitFor, tick, "the engine request is cancelled")
}

func TestPipeline_Speak_EngineFaultEndsWithoutFinalChunk(t *testing.T) {
	e := startEngine(t, countingExecutor(true))
	p, err := NewPipeline(e, NewByteTokenizer(), NewToneVocoder(), PipelineConfig{})
	require.NoError(t, err)
	sink := &chunkSink{}

	err = p.Speak(context.Background(), SynthRequest{Text: "hi"}, sink.emit)

	assert.ErrorIs(t, err, velocity.ErrComputeFault)
	assert.Empty(t, sink.chunks)
}

func TestPipeline_Speak_TokenizeError(t *testing.T) {
	e := startEngine(t, countingExecutor(false))
	p, err := NewPipeline(e, NewByteTokenizer(), NewToneVocoder(), PipelineConfig{})
	require.NoError(t, err)

	err = p.Speak(context.Background(), SynthRequest{Text: "  "}, func(AudioChunk) error { return nil })
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestNewPipeline_Validation(t *testing.T) {
	_, err := NewPipeline(nil, NewByteTokenizer(), NewToneVocoder(), PipelineConfig{})
	assert.Error(t, err)
	e := startEngine(t, countingExecutor(false))
	_, err = NewPipeline(e, NewByteTokenizer(), NewToneVocoder(), PipelineConfig{Encoding: "flac"})
	assert.Error(t, err)
}
