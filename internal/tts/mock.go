package tts

import (
	"context"
	"encoding/binary"
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

type mockSynth struct {
	sampleRate int
	channels   int
	delay      time.Duration
}

// NewMockSynth returns a backend that renders one short sine tone per word of
// the input, pausing delay between chunks.
func NewMockSynth(sampleRate, channels int, delay time.Duration) Backend {
	return &mockSynth{sampleRate: sampleRate, channels: channels, delay: delay}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		words := strings.Fields(req.Text)
		for i, word := range words {
			if m.delay > 0 {
				select {
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				case <-time.After(m.delay):
				}
			}
			chunk := SynthChunk{
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        m.tone(word, i),
			}
			if !sendChunk(ctx, chunks, chunk) {
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}

// tone renders 40ms per rune of word at a pitch that steps with the word index.
func (m *mockSynth) tone(word string, index int) []byte {
	runes := utf8.RuneCountInString(word)
	samples := m.sampleRate * 40 * runes / 1000
	freq := 220.0 * math.Pow(2, float64(index%12)/12)
	pcm := make([]byte, samples*2*m.channels)
	for i := 0; i < samples; i++ {
		v := int16(math.Sin(2*math.Pi*freq*float64(i)/float64(m.sampleRate)) * 8000)
		for c := 0; c < m.channels; c++ {
			binary.LittleEndian.PutUint16(pcm[(i*m.channels+c)*2:], uint16(v))
		}
	}
	return pcm
}

func (m *mockSynth) ListVoices(context.Context) ([]Voice, error) {
	return []Voice{
		{ShortName: "en-US-AriaNeural", Name: "Mock Aria", Locale: "en-US", Gender: "Female", FriendlyName: "Mock Aria - English (United States)"},
		{ShortName: "en-US-GuyNeural", Name: "Mock Guy", Locale: "en-US", Gender: "Male", FriendlyName: "Mock Guy - English (United States)"},
		{ShortName: "en-GB-SoniaNeural", Name: "Mock Sonia", Locale: "en-GB", Gender: "Female", FriendlyName: "Mock Sonia - English (United Kingdom)"},
	}, nil
}
