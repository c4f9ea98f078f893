package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/edge-tts-service/internal/config"
	"github.com/loqalabs/edge-tts-service/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedSynth picks its behaviour from the request text prefix:
// "loop" streams until cancelled, "fail" sends one chunk then an error,
// "hang" never sends and ignores cancellation, "stereo" sends two-channel
// audio, "drift" changes sample rate after the first chunk, anything else
// sends three chunks. Every payload is the request text so frames can be traced back to
// their session.
type scriptedSynth struct {
	mu       sync.Mutex
	requests []SynthRequest
	release  chan struct{}
	voices   []Voice
	voiceErr error
}

func newScriptedSynth() *scriptedSynth {
	return &scriptedSynth{release: make(chan struct{})}
}

func mono(pcm []byte) SynthChunk {
	return SynthChunk{SampleRate: 24000, Channels: 1, PCM: pcm}
}

func (f *scriptedSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		payload := []byte(req.Text)
		switch {
		case strings.HasPrefix(req.Text, "loop"):
			for {
				if !sendChunk(ctx, chunks, mono(payload)) {
					errs <- ctx.Err()
					return
				}
				time.Sleep(time.Millisecond)
			}
		case strings.HasPrefix(req.Text, "fail"):
			if !sendChunk(ctx, chunks, mono(payload)) {
				return
			}
			errs <- errors.New("backend exploded")
		case strings.HasPrefix(req.Text, "hang"):
			<-f.release
		case strings.HasPrefix(req.Text, "stereo"):
			sendChunk(ctx, chunks, SynthChunk{SampleRate: 24000, Channels: 2, PCM: payload})
		case strings.HasPrefix(req.Text, "drift"):
			if !sendChunk(ctx, chunks, mono(payload)) {
				return
			}
			sendChunk(ctx, chunks, SynthChunk{SampleRate: 16000, Channels: 1, PCM: payload})
		default:
			for i := 0; i < 3; i++ {
				if !sendChunk(ctx, chunks, mono(payload)) {
					errs <- ctx.Err()
					return
				}
			}
		}
	}()
	return chunks, errs
}

func (f *scriptedSynth) ListVoices(context.Context) ([]Voice, error) {
	return f.voices, f.voiceErr
}

func (f *scriptedSynth) lastRequest() SynthRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

// statusRecorder collects decoded status lines.
type statusRecorder struct {
	mu      sync.Mutex
	buf     []byte
	entries []map[string]any
	notify  chan struct{}
}

func newStatusRecorder() *statusRecorder {
	return &statusRecorder{notify: make(chan struct{}, 1)}
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, p...)
	for {
		idx := bytes.IndexByte(r.buf, '\n')
		if idx < 0 {
			break
		}
		var entry map[string]any
		if err := json.Unmarshal(r.buf[:idx], &entry); err == nil {
			r.entries = append(r.entries, entry)
		}
		r.buf = r.buf[idx+1:]
	}
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return len(p), nil
}

func (r *statusRecorder) snapshot() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]any(nil), r.entries...)
}

func (r *statusRecorder) count(status string) int {
	n := 0
	for _, e := range r.snapshot() {
		if e["status"] == status {
			n++
		}
	}
	return n
}

func (r *statusRecorder) waitFor(t *testing.T, status string, n int) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for r.count(status) < n {
		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %d %q statuses, have %v", n, status, r.snapshot())
		}
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) frames(t *testing.T) []protocol.Frame {
	t.Helper()
	b.mu.Lock()
	data := append([]byte(nil), b.buf.Bytes()...)
	b.mu.Unlock()
	r := protocol.NewFrameReader(bytes.NewReader(data))
	var frames []protocol.Frame
	for {
		frame, err := r.ReadFrame()
		if err == io.EOF {
			return frames
		}
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		frames = append(frames, frame)
	}
}

type harness struct {
	synth  *scriptedSynth
	stdin  *io.PipeWriter
	out    *syncBuffer
	status *statusRecorder
	done   chan error
	stop   context.CancelFunc
}

func startService(t *testing.T, out io.Writer) *harness {
	t.Helper()
	h := &harness{
		synth:  newScriptedSynth(),
		out:    &syncBuffer{},
		status: newStatusRecorder(),
		done:   make(chan error, 1),
	}
	if out == nil {
		out = h.out
	}
	cfg := config.Default().TTS
	cfg.Mode = "mock"
	svc := NewService(cfg, h.synth, protocol.NewFrameWriter(out), protocol.NewStatusWriter(h.status), newLogger())

	pr, pw := io.Pipe()
	h.stdin = pw
	ctx, cancel := context.WithCancel(context.Background())
	h.stop = cancel
	go func() { h.done <- svc.Serve(ctx, pr) }()
	t.Cleanup(func() {
		cancel()
		close(h.synth.release)
		_ = pw.Close()
	})
	h.status.waitFor(t, protocol.StatusReady, 1)
	return h
}

func (h *harness) send(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(h.stdin, line+"\n"); err != nil {
		t.Fatalf("write stdin: %v", err)
	}
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("service did not stop")
		return nil
	}
}

func TestSpeakCompletes(t *testing.T) {
	h := startService(t, nil)
	h.send(t, `{"cmd":"speak","text":"Hello world!","voice":"en-US-AriaNeural"}`)
	h.status.waitFor(t, protocol.StatusCompleted, 1)

	frames := h.out.frames(t)
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	for i, f := range frames {
		if f.Sequence != uint32(i) {
			t.Fatalf("expected sequence %d, got %d", i, f.Sequence)
		}
		if string(f.Payload) != "Hello world!" {
			t.Fatalf("unexpected payload %q", f.Payload)
		}
	}

	var completed map[string]any
	for _, e := range h.status.snapshot() {
		if e["status"] == protocol.StatusCompleted {
			completed = e
		}
	}
	if completed["chunks"] != float64(3) || completed["bytes"] != float64(36) {
		t.Fatalf("unexpected completion stats: %v", completed)
	}
	if h.status.count(protocol.StatusSpeaking) != 1 || h.status.count(protocol.StatusFirstAudio) != 1 {
		t.Fatalf("expected speaking and first_audio once, got %v", h.status.snapshot())
	}
	if req := h.synth.lastRequest(); req.Voice != "en-US-AriaNeural" || req.Rate != "+0%" {
		t.Fatalf("unexpected request %+v", req)
	}

	_ = h.stdin.Close()
	if err := h.wait(t); err != nil {
		t.Fatalf("unexpected serve error: %v", err)
	}
}

func TestCancelStopsSession(t *testing.T) {
	h := startService(t, nil)
	h.send(t, `{"cmd":"speak","text":"loop-hello"}`)
	h.send(t, `{"cmd":"cancel"}`)
	h.status.waitFor(t, protocol.StatusCancelled, 1)

	written := len(h.out.frames(t))
	time.Sleep(20 * time.Millisecond)
	if after := len(h.out.frames(t)); after != written {
		t.Fatalf("frames written after cancellation: %d -> %d", written, after)
	}
	if h.status.count(protocol.StatusCompleted) != 0 {
		t.Fatal("cancelled session must not report completion")
	}
	if h.status.count(protocol.StatusError) != 0 {
		t.Fatalf("unexpected error status: %v", h.status.snapshot())
	}
}

func TestCancelWithoutSessionIsInformational(t *testing.T) {
	h := startService(t, nil)
	h.send(t, `{"cmd":"cancel"}`)
	h.status.waitFor(t, protocol.StatusIdle, 1)
	if h.status.count(protocol.StatusError) != 0 {
		t.Fatal("cancel with no session must not report an error")
	}

	h.send(t, `{"cmd":"speak","text":"short"}`)
	h.status.waitFor(t, protocol.StatusCompleted, 1)
	h.send(t, `{"cmd":"cancel"}`)
	h.status.waitFor(t, protocol.StatusIdle, 2)
	if h.status.count(protocol.StatusCancelled) != 0 {
		t.Fatal("finished session must not be reported as cancelled")
	}
}

func TestSpeakReplacesActiveSession(t *testing.T) {
	h := startService(t, nil)
	h.send(t, `{"cmd":"speak","text":"loop-a"}`)
	h.status.waitFor(t, protocol.StatusFirstAudio, 1)
	h.send(t, `{"cmd":"speak","text":"next-b"}`)
	h.status.waitFor(t, protocol.StatusCompleted, 1)

	frames := h.out.frames(t)
	seenB := false
	countB := 0
	for _, f := range frames {
		switch string(f.Payload) {
		case "loop-a":
			if seenB {
				t.Fatal("frame from replaced session written after new session started")
			}
		case "next-b":
			if !seenB && f.Sequence != 0 {
				t.Fatalf("new session must start at sequence 0, got %d", f.Sequence)
			}
			seenB = true
			countB++
		default:
			t.Fatalf("unexpected payload %q", f.Payload)
		}
	}
	if countB != 3 {
		t.Fatalf("expected 3 frames from new session, got %d", countB)
	}

	var order []string
	for _, e := range h.status.snapshot() {
		if s, _ := e["status"].(string); s == protocol.StatusCancelled || s == protocol.StatusSpeaking {
			order = append(order, s)
		}
	}
	want := []string{protocol.StatusSpeaking, protocol.StatusCancelled, protocol.StatusSpeaking}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, order)
	}
}

func TestUnknownCommandKeepsLoopAlive(t *testing.T) {
	h := startService(t, nil)
	h.send(t, `{"cmd":"bogus"}`)
	h.status.waitFor(t, protocol.StatusError, 1)
	h.send(t, `not json at all`)
	h.status.waitFor(t, protocol.StatusError, 2)
	h.send(t, `{"cmd":"get_voices"}`)
	h.status.waitFor(t, protocol.StatusVoices, 1)

	for _, e := range h.status.snapshot() {
		if e["status"] == protocol.StatusError && e["error"] == "" {
			t.Fatalf("error status without message: %v", e)
		}
	}
}

func TestEmptyTextStartsNothing(t *testing.T) {
	h := startService(t, nil)
	h.send(t, `{"cmd":"speak","text":""}`)
	h.status.waitFor(t, protocol.StatusError, 1)
	h.send(t, `{"cmd":"shutdown"}`)
	if err := h.wait(t); err != nil {
		t.Fatalf("unexpected serve error: %v", err)
	}
	if h.status.count(protocol.StatusSpeaking) != 0 {
		t.Fatal("no session should have started")
	}
	if n := len(h.out.frames(t)); n != 0 {
		t.Fatalf("expected no data-channel writes, got %d frames", n)
	}
}

func TestGetVoicesBeforeSpeak(t *testing.T) {
	h := startService(t, nil)
	h.send(t, `{"cmd":"get_voices"}`)
	h.status.waitFor(t, protocol.StatusVoices, 1)
	for _, e := range h.status.snapshot() {
		if e["status"] != protocol.StatusVoices {
			continue
		}
		if _, ok := e["voices"].([]any); !ok {
			t.Fatalf("expected voices list, got %v", e["voices"])
		}
	}

	h.synth.voiceErr = errors.New("unreachable")
	h.send(t, `{"cmd":"get_voices"}`)
	h.status.waitFor(t, protocol.StatusError, 1)
}

func TestGetVoicesMapsCatalog(t *testing.T) {
	h := startService(t, nil)
	h.synth.voices = []Voice{{ShortName: "en-US-AriaNeural", Locale: "en-US", Gender: "Female"}}
	h.send(t, `{"cmd":"get_voices"}`)
	h.status.waitFor(t, protocol.StatusVoices, 1)
	for _, e := range h.status.snapshot() {
		if e["status"] != protocol.StatusVoices {
			continue
		}
		list := e["voices"].([]any)
		if len(list) != 1 {
			t.Fatalf("expected 1 voice, got %v", list)
		}
		v := list[0].(map[string]any)
		if v["id"] != "en-US-AriaNeural" || v["name"] != "en-US-AriaNeural" || v["language"] != "en-US" {
			t.Fatalf("unexpected voice entry %v", v)
		}
	}
}

func TestShutdownAndEndOfInputAreEquivalent(t *testing.T) {
	for name, stop := range map[string]func(t *testing.T, h *harness){
		"shutdown": func(t *testing.T, h *harness) { h.send(t, `{"cmd":"shutdown"}`) },
		"eof":      func(_ *testing.T, h *harness) { _ = h.stdin.Close() },
	} {
		t.Run(name, func(t *testing.T) {
			h := startService(t, nil)
			h.send(t, `{"cmd":"speak","text":"loop-forever"}`)
			h.status.waitFor(t, protocol.StatusFirstAudio, 1)
			stop(t, h)
			if err := h.wait(t); err != nil {
				t.Fatalf("unexpected serve error: %v", err)
			}
			written := len(h.out.frames(t))
			time.Sleep(20 * time.Millisecond)
			if after := len(h.out.frames(t)); after != written {
				t.Fatalf("frames written after %s: %d -> %d", name, written, after)
			}
			if h.status.count(protocol.StatusCancelled) != 1 || h.status.count(protocol.StatusShutdown) != 1 {
				t.Fatalf("expected cancelled then shutdown, got %v", h.status.snapshot())
			}
		})
	}
}

func TestBackendFailureReportsError(t *testing.T) {
	h := startService(t, nil)
	h.send(t, `{"cmd":"speak","text":"fail-now"}`)
	h.status.waitFor(t, protocol.StatusError, 1)
	if h.status.count(protocol.StatusCompleted) != 0 {
		t.Fatal("failed session must not report completion")
	}
	if n := len(h.out.frames(t)); n != 1 {
		t.Fatalf("partial output should stay on the stream, got %d frames", n)
	}

	h.send(t, `{"cmd":"speak","text":"ok"}`)
	h.status.waitFor(t, protocol.StatusCompleted, 1)
}

func TestCancelIsNotBlockedByHungBackend(t *testing.T) {
	h := startService(t, nil)
	h.send(t, `{"cmd":"speak","text":"hang"}`)
	h.status.waitFor(t, protocol.StatusSpeaking, 1)
	h.send(t, `{"cmd":"cancel"}`)
	h.status.waitFor(t, protocol.StatusCancelled, 1)
}

func TestStickyVoiceAndRestart(t *testing.T) {
	h := startService(t, nil)
	h.send(t, `{"cmd":"speak","text":"one","voice":"en-GB-SoniaNeural"}`)
	h.status.waitFor(t, protocol.StatusCompleted, 1)
	h.send(t, `{"cmd":"speak","text":"two"}`)
	h.status.waitFor(t, protocol.StatusCompleted, 2)
	if v := h.synth.lastRequest().Voice; v != "en-GB-SoniaNeural" {
		t.Fatalf("expected sticky voice, got %q", v)
	}

	h.send(t, `{"cmd":"restart","voice":"de-DE-KatjaNeural"}`)
	h.status.waitFor(t, protocol.StatusReady, 2)
	h.send(t, `{"cmd":"speak","text":"three"}`)
	h.status.waitFor(t, protocol.StatusCompleted, 3)
	if v := h.synth.lastRequest().Voice; v != "de-DE-KatjaNeural" {
		t.Fatalf("expected restart voice, got %q", v)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestOutputFailureIsFatal(t *testing.T) {
	h := startService(t, failingWriter{})
	h.send(t, `{"cmd":"speak","text":"hello"}`)
	err := h.wait(t)
	if !errors.Is(err, ErrOutputFailed) {
		t.Fatalf("expected ErrOutputFailed, got %v", err)
	}
	if h.status.count(protocol.StatusError) != 1 {
		t.Fatalf("expected one error status, got %v", h.status.snapshot())
	}
}

func TestContextCancelReportsShutdownCause(t *testing.T) {
	h := startService(t, nil)
	h.send(t, `{"cmd":"speak","text":"loop-until-signal"}`)
	h.status.waitFor(t, protocol.StatusFirstAudio, 1)
	h.stop()
	if err := h.wait(t); err != nil {
		t.Fatalf("unexpected serve error: %v", err)
	}
	for _, e := range h.status.snapshot() {
		if e["status"] == protocol.StatusCancelled && e["message"] != errShutdown.Error() {
			t.Fatalf("expected cancel reason %q, got %v", errShutdown, e["message"])
		}
	}
	if h.status.count(protocol.StatusCancelled) != 1 || h.status.count(protocol.StatusShutdown) != 1 {
		t.Fatalf("expected cancelled then shutdown, got %v", h.status.snapshot())
	}
}

func TestBackendFormatIsChecked(t *testing.T) {
	for _, text := range []string{"stereo", "drift"} {
		t.Run(text, func(t *testing.T) {
			h := startService(t, nil)
			h.send(t, `{"cmd":"speak","text":"`+text+`"}`)
			h.status.waitFor(t, protocol.StatusError, 1)
			for _, e := range h.status.snapshot() {
				if e["status"] == protocol.StatusError && !strings.Contains(e["error"].(string), errChunkFormat.Error()) {
					t.Fatalf("expected format error, got %v", e["error"])
				}
			}
			if h.status.count(protocol.StatusCompleted) != 0 {
				t.Fatal("session with bad audio must not complete")
			}
			want := 0
			if text == "drift" {
				want = 1
			}
			if n := len(h.out.frames(t)); n != want {
				t.Fatalf("expected %d frames, got %d", want, n)
			}
		})
	}
}
