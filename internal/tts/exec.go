package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execSynth runs an external program per request. The program receives an
// execRequest as JSON on stdin and writes raw 16-bit PCM to stdout.
type execSynth struct {
	cmd        []string
	voice      string
	sampleRate int
	channels   int
	chunkBytes int
	mu         sync.Mutex
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	Rate       string `json:"rate,omitempty"`
	Pitch      string `json:"pitch,omitempty"`
	Volume     string `json:"volume,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

func NewExecSynth(command, voice string, sampleRate, channels, chunkBytes int) (Backend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("tts command empty")
	}
	if chunkBytes <= 0 {
		return nil, errors.New("tts chunk size must be positive")
	}
	return &execSynth{cmd: args, voice: voice, sampleRate: sampleRate, channels: channels, chunkBytes: chunkBytes}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	e.mu.Lock()
	schunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(schunks)
		defer close(errs)
		defer e.mu.Unlock()

		data, err := json.Marshal(execRequest{
			Text:       req.Text,
			Voice:      req.Voice,
			Rate:       req.Rate,
			Pitch:      req.Pitch,
			Volume:     req.Volume,
			SampleRate: e.sampleRate,
			Channels:   e.channels,
		})
		if err != nil {
			errs <- err
			return
		}

		cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
		cmd.Stdin = bytes.NewReader(data)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errs <- err
			return
		}
		if err := cmd.Start(); err != nil {
			errs <- fmt.Errorf("start tts command: %w", err)
			return
		}

		for {
			buf := make([]byte, e.chunkBytes)
			n, readErr := io.ReadFull(stdout, buf)
			if n > 0 {
				chunk := SynthChunk{
					SampleRate: e.sampleRate,
					Channels:   e.channels,
					PCM:        buf[:n],
				}
				if !sendChunk(ctx, schunks, chunk) {
					_ = cmd.Wait()
					errs <- ctx.Err()
					return
				}
			}
			if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
				break
			}
			if readErr != nil {
				_ = cmd.Wait()
				errs <- fmt.Errorf("read tts output: %w", readErr)
				return
			}
		}

		if err := cmd.Wait(); err != nil {
			if ctx.Err() != nil {
				errs <- ctx.Err()
				return
			}
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				err = fmt.Errorf("%w: %s", err, msg)
			}
			errs <- fmt.Errorf("tts command failed: %w", err)
		}
	}()
	return schunks, errs
}

// ListVoices reports the single voice the command is configured for.
func (e *execSynth) ListVoices(context.Context) ([]Voice, error) {
	return []Voice{{ShortName: e.voice, Name: e.voice}}, nil
}
