package main

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-audio/wav"

	"github.com/loqalabs/edge-tts-service/internal/protocol"
)

func TestCollectFrames(t *testing.T) {
	var buf bytes.Buffer
	w := protocol.NewFrameWriter(&buf)
	if err := w.WriteFrame(0, []byte{1, 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.WriteFrame(1, []byte{3, 4}); err != nil {
		t.Fatalf("write: %v", err)
	}
	pcm, err := collectFrames(&buf)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if !bytes.Equal(pcm, []byte{1, 2, 3, 4}) {
		t.Fatalf("unexpected pcm %v", pcm)
	}
}

func TestWaitForOutcomeSkipsLogRecords(t *testing.T) {
	lines := strings.Join([]string{
		`{"time":"2026-01-01T00:00:00Z","level":"INFO","msg":"runtime started"}`,
		`{"status":"ready","voice":"en-US-AriaNeural","ts":"x"}`,
		`{"status":"speaking","session":"s"}`,
		`{"status":"completed","session":"s","chunks":3,"bytes":96,"synthesis_ms":12}`,
	}, "\n")
	st, err := waitForOutcome(strings.NewReader(lines), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if st.SessionStats == nil || st.Chunks != 3 || st.Bytes != 96 {
		t.Fatalf("unexpected stats %+v", st.SessionStats)
	}
}

func TestWaitForOutcomeReportsError(t *testing.T) {
	_, err := waitForOutcome(strings.NewReader(`{"status":"error","error":"synthesis failed: boom"}`), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected service error, got %v", err)
	}
}

func TestWriteWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	pcm := []byte{0x00, 0x00, 0xff, 0x7f, 0x00, 0x80}
	if err := writeWAV(path, pcm, 16000); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	fd, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer fd.Close()
	dec := wav.NewDecoder(fd)
	if !dec.IsValidFile() {
		t.Fatal("expected a valid wav file")
	}
	if dec.SampleRate != 16000 || dec.BitDepth != 16 || dec.NumChans != 1 {
		t.Fatalf("unexpected header %d Hz %d bit %d ch", dec.SampleRate, dec.BitDepth, dec.NumChans)
	}
	buf := pcmBuffer(pcm, 16000)
	if buf.Data[1] != 32767 || buf.Data[2] != -32768 {
		t.Fatalf("unexpected samples %v", buf.Data)
	}
}
