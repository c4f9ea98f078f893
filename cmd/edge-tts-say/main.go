// Command edge-tts-say runs edge-tts-service as a child process, speaks one
// piece of text and saves the audio as a WAV file.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/edge-tts-service/internal/protocol"
)

type options struct {
	service    string
	config     string
	text       string
	voice      string
	rate       string
	output     string
	sampleRate int
}

func main() {
	var opts options
	flag.StringVar(&opts.service, "service", "edge-tts-service", "Path to the edge-tts-service binary")
	flag.StringVar(&opts.config, "config", "", "Configuration file passed to the service")
	flag.StringVar(&opts.text, "text", "-", "Text to speak. Use - for stdin.")
	flag.StringVar(&opts.voice, "voice", "", "Voice short name, e.g. en-US-GuyNeural")
	flag.StringVar(&opts.rate, "rate", "", "Speaking rate, e.g. +10%")
	flag.StringVar(&opts.output, "output", "output.wav", "WAV file to write")
	flag.IntVar(&opts.sampleRate, "sample-rate", 24000, "Sample rate of the service output format")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if opts.text == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			logger.Error("failed to read stdin", slog.String("error", err.Error()))
			os.Exit(1)
		}
		opts.text = string(data)
	}
	if strings.TrimSpace(opts.text) == "" {
		fmt.Fprintln(os.Stderr, "nothing to say")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pcm, stats, err := run(ctx, opts, logger)
	if err != nil {
		logger.Error("speak failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := writeWAV(opts.output, pcm, opts.sampleRate); err != nil {
		logger.Error("failed to write wav", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("audio written",
		slog.String("output", opts.output),
		slog.Int("chunks", stats.Chunks),
		slog.Int64("bytes", stats.Bytes),
		slog.Int64("synthesis_ms", stats.SynthesisMS),
	)
}

type speakRequest struct {
	Cmd   string `json:"cmd"`
	Text  string `json:"text,omitempty"`
	Voice string `json:"voice,omitempty"`
	Rate  string `json:"rate,omitempty"`
}

// run drives one speak request through the service and returns the raw PCM.
func run(ctx context.Context, opts options, logger *slog.Logger) ([]byte, protocol.SessionStats, error) {
	var args []string
	if opts.config != "" {
		args = append(args, "-config", opts.config)
	}
	cmd := exec.CommandContext(ctx, opts.service, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, protocol.SessionStats{}, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, protocol.SessionStats{}, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, protocol.SessionStats{}, err
	}
	if err := cmd.Start(); err != nil {
		return nil, protocol.SessionStats{}, fmt.Errorf("start service: %w", err)
	}

	send := func(req speakRequest) error {
		line, err := json.Marshal(req)
		if err != nil {
			return err
		}
		_, err = stdin.Write(append(line, '\n'))
		return err
	}

	var (
		pcm   []byte
		stats protocol.SessionStats
	)
	var g errgroup.Group
	g.Go(func() error {
		var err error
		pcm, err = collectFrames(stdout)
		return err
	})
	g.Go(func() error {
		defer stdin.Close()
		if err := send(speakRequest{Cmd: protocol.CmdSpeak, Text: opts.text, Voice: opts.voice, Rate: opts.rate}); err != nil {
			return fmt.Errorf("send speak: %w", err)
		}
		st, err := waitForOutcome(stderr, logger)
		if err == nil && st.SessionStats != nil {
			stats = *st.SessionStats
		}
		_ = send(speakRequest{Cmd: protocol.CmdShutdown})
		_, _ = io.Copy(io.Discard, stderr)
		return err
	})

	groupErr := g.Wait()
	waitErr := cmd.Wait()
	if groupErr != nil {
		return nil, stats, groupErr
	}
	if waitErr != nil {
		return nil, stats, fmt.Errorf("service exited: %w", waitErr)
	}
	return pcm, stats, nil
}

// collectFrames concatenates frame payloads until the service closes stdout.
func collectFrames(r io.Reader) ([]byte, error) {
	reader := protocol.NewFrameReader(r)
	var pcm []byte
	for {
		frame, err := reader.ReadFrame()
		if errors.Is(err, io.EOF) {
			return pcm, nil
		}
		if err != nil {
			return pcm, fmt.Errorf("read frame: %w", err)
		}
		pcm = append(pcm, frame.Payload...)
	}
}

// waitForOutcome reads status lines until the speak request ends. Log records
// share the stream and are skipped.
func waitForOutcome(r io.Reader, logger *slog.Logger) (protocol.Status, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		var st protocol.Status
		if err := json.Unmarshal(scanner.Bytes(), &st); err != nil {
			continue
		}
		switch st.Status {
		case protocol.StatusCompleted:
			return st, nil
		case protocol.StatusError:
			return st, fmt.Errorf("service error: %s", st.Error)
		case protocol.StatusCancelled:
			return st, fmt.Errorf("speech cancelled: %s", st.Message)
		case protocol.StatusShutdown:
			return st, errors.New("service shut down before finishing")
		case "":
		default:
			logger.Debug("service status", slog.String("status", st.Status))
		}
	}
	if err := scanner.Err(); err != nil {
		return protocol.Status{}, err
	}
	return protocol.Status{}, errors.New("service closed its status stream")
}
