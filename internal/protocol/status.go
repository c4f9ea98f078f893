package protocol

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

const (
	StatusReady      = "ready"
	StatusSpeaking   = "speaking"
	StatusFirstAudio = "first_audio"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
	StatusIdle       = "idle"
	StatusVoices     = "voices"
	StatusError      = "error"
	StatusShutdown   = "shutdown"
)

// VoiceInfo is the client-facing description of one backend voice.
type VoiceInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Language     string `json:"language"`
	Gender       string `json:"gender,omitempty"`
	FriendlyName string `json:"friendly_name,omitempty"`
}

// SessionStats is attached to completed statuses.
type SessionStats struct {
	Chunks      int   `json:"chunks"`
	Bytes       int64 `json:"bytes"`
	SynthesisMS int64 `json:"synthesis_ms"`
}

// Status is one line on the side channel.
type Status struct {
	Status       string       `json:"status"`
	Error        string       `json:"error,omitempty"`
	Message      string       `json:"message,omitempty"`
	Session      string       `json:"session,omitempty"`
	Voice        string       `json:"voice,omitempty"`
	Voices       *[]VoiceInfo `json:"voices,omitempty"`
	FirstAudioMS *int64       `json:"first_audio_ms,omitempty"`
	*SessionStats
	Timestamp string `json:"ts,omitempty"`
}

// ErrorStatus reports err, optionally scoped to a session.
func ErrorStatus(err error, session string) Status {
	return Status{Status: StatusError, Error: err.Error(), Session: session}
}

// VoicesStatus always renders a JSON list, even for an empty catalog.
func VoicesStatus(voices []VoiceInfo) Status {
	if voices == nil {
		voices = []VoiceInfo{}
	}
	return Status{Status: StatusVoices, Voices: &voices}
}

// StatusMirror receives a copy of every encoded status line.
type StatusMirror interface {
	MirrorStatus(data []byte)
}

// StatusWriter serializes status lines onto the side channel.
type StatusWriter struct {
	mu      sync.Mutex
	w       io.Writer
	mirrors []StatusMirror
	clock   func() time.Time
}

func NewStatusWriter(w io.Writer, mirrors ...StatusMirror) *StatusWriter {
	return &StatusWriter{w: w, mirrors: mirrors, clock: time.Now}
}

// Emit stamps s with the current time and writes it as a single line.
func (s *StatusWriter) Emit(st Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st.Timestamp == "" {
		st.Timestamp = s.clock().UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	line := make([]byte, 0, len(data)+1)
	line = append(line, data...)
	line = append(line, '\n')
	_, err = s.w.Write(line)

	for _, m := range s.mirrors {
		m.MirrorStatus(data)
	}
	return err
}
