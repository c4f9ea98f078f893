package tts

import "context"

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	SessionID string
	Text      string
	Voice     string
	Rate      string
	Pitch     string
	Volume    string
}

// SynthChunk carries signed 16-bit little-endian PCM. SampleRate and Channels
// describe the payload and must stay the same for a whole request.
type SynthChunk struct {
	SampleRate int
	Channels   int
	PCM        []byte
}

// Synthesizer is the contract for producing audio. Implementations close both
// channels when done, send at most one error, and stop sending as soon as ctx
// is cancelled.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Voice describes one voice offered by a backend.
type Voice struct {
	ShortName    string
	Name         string
	Locale       string
	Gender       string
	FriendlyName string
}

type VoiceLister interface {
	ListVoices(ctx context.Context) ([]Voice, error)
}

// Backend is a synthesizer that can also enumerate its voices.
type Backend interface {
	Synthesizer
	VoiceLister
}

// sendChunk delivers chunk unless ctx is cancelled first.
func sendChunk(ctx context.Context, ch chan<- SynthChunk, chunk SynthChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
