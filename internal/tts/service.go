package tts

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/edge-tts-service/internal/config"
	"github.com/loqalabs/edge-tts-service/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxLineBytes     = 1 << 20
	voiceListTimeout = 15 * time.Second
)

// Service is the stdin command loop. It owns the single active-session slot.
type Service struct {
	cfg     config.TTSConfig
	synth   Synthesizer
	voices  VoiceLister
	frames  *protocol.FrameWriter
	status  *protocol.StatusWriter
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics

	// mu is held across "stop the old session, start the new one" so the slot
	// is never observed half-replaced.
	mu     sync.Mutex
	active *session
	voice  string

	fatal chan error
	wg    sync.WaitGroup
	clock func() time.Time
}

func NewService(cfg config.TTSConfig, backend Backend, frames *protocol.FrameWriter, status *protocol.StatusWriter, log *slog.Logger) *Service {
	s := &Service{
		cfg:    cfg,
		synth:  backend,
		voices: backend,
		frames: frames,
		status: status,
		logger: log.With(slog.String("component", "tts-service")),
		tracer: otel.Tracer("github.com/loqalabs/edge-tts-service/tts"),
		voice:  cfg.Voice,
		fatal:  make(chan error, 1),
		clock:  time.Now,
	}
	m, err := newMetrics(otel.Meter("github.com/loqalabs/edge-tts-service/tts"))
	if err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	s.metrics = m
	return s
}

// Serve runs the command loop until shutdown, end of input or ctx
// cancellation, all of which return nil. A failed write on the data channel is
// returned as an error.
func (s *Service) Serve(ctx context.Context, in io.Reader) error {
	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()
	lines := s.readLines(readCtx, in)

	s.emit(protocol.Status{Status: protocol.StatusReady, Voice: s.currentVoice()})
	s.logger.Info("service ready", slog.String("mode", s.cfg.Mode))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("context cancelled", slogError(context.Cause(ctx)))
			s.shutdown()
			return nil
		case err := <-s.fatal:
			s.stopActive(errShutdown)
			s.wg.Wait()
			return err
		case line, ok := <-lines:
			if !ok {
				s.logger.Info("stdin closed")
				s.shutdown()
				return nil
			}
			if stop := s.dispatch(ctx, line); stop {
				return nil
			}
		}
	}
}

func (s *Service) readLines(ctx context.Context, in io.Reader) <-chan []byte {
	lines := make(chan []byte)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			s.logger.Warn("stdin read failed", slogError(err))
			s.emit(protocol.ErrorStatus(fmt.Errorf("read stdin: %w", err), ""))
		}
	}()
	return lines
}

// dispatch handles one line and reports whether the loop should stop.
func (s *Service) dispatch(ctx context.Context, line []byte) bool {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false
	}
	cmd, err := protocol.DecodeCommand(line)
	if err != nil {
		s.logger.Debug("rejected command", slogError(err))
		s.emit(protocol.ErrorStatus(err, ""))
		return false
	}

	switch c := cmd.(type) {
	case protocol.SpeakCommand:
		s.speak(ctx, c)
	case protocol.CancelCommand:
		s.cancel()
	case protocol.GetVoicesCommand:
		s.listVoices(ctx)
	case protocol.RestartCommand:
		s.restart(c)
	case protocol.ShutdownCommand:
		s.shutdown()
		return true
	}
	return false
}

func (s *Service) speak(ctx context.Context, cmd protocol.SpeakCommand) {
	received := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	voice := cmd.Voice
	if voice == "" {
		voice = s.voice
	} else {
		s.voice = voice
	}
	if s.active != nil && s.active.running() {
		s.logger.Debug("replacing active session", slog.String("session", s.active.id))
		s.active.stop(errReplaced)
	}

	req := SynthRequest{
		SessionID: uuid.NewString(),
		Text:      cmd.Text,
		Voice:     voice,
		Rate:      cmd.Rate,
		Pitch:     cmd.Pitch,
		Volume:    cmd.Volume,
	}
	// Only stop ends a session, so its cancelled status always names a cause.
	sess := newSession(context.WithoutCancel(ctx), s, req, received)
	s.active = sess
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.run()
	}()
}

func (s *Service) cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.active
	s.active = nil
	if sess != nil && sess.running() && sess.stop(errCancelRequested) {
		return
	}
	s.emit(protocol.Status{Status: protocol.StatusIdle, Message: "nothing to cancel"})
}

func (s *Service) listVoices(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, voiceListTimeout)
	defer cancel()

	voices, err := s.voices.ListVoices(ctx)
	if err != nil {
		s.logger.Warn("get_voices failed", slogError(err))
		s.emit(protocol.ErrorStatus(fmt.Errorf("list voices: %w", err), ""))
		return
	}
	list := make([]protocol.VoiceInfo, 0, len(voices))
	for _, v := range voices {
		name := v.Name
		if name == "" {
			name = v.ShortName
		}
		list = append(list, protocol.VoiceInfo{
			ID:           v.ShortName,
			Name:         name,
			Language:     v.Locale,
			Gender:       v.Gender,
			FriendlyName: v.FriendlyName,
		})
	}
	s.emit(protocol.VoicesStatus(list))
	s.logger.Info("returned voices", slog.Int("count", len(list)))
}

func (s *Service) restart(cmd protocol.RestartCommand) {
	s.mu.Lock()
	if cmd.Voice != "" {
		s.voice = cmd.Voice
	}
	voice := s.voice
	s.mu.Unlock()
	s.emit(protocol.Status{Status: protocol.StatusReady, Voice: voice})
}

func (s *Service) shutdown() {
	s.logger.Info("shutting down")
	s.stopActive(errShutdown)
	s.wg.Wait()
	s.emit(protocol.Status{Status: protocol.StatusShutdown})
}

func (s *Service) stopActive(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		s.active.stop(cause)
		s.active = nil
	}
}

func (s *Service) currentVoice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voice
}

// reportFatal records the first unrecoverable output failure.
func (s *Service) reportFatal(err error) {
	select {
	case s.fatal <- fmt.Errorf("%w: %w", ErrOutputFailed, err):
	default:
	}
}

// ErrOutputFailed wraps errors writing to the data channel.
var ErrOutputFailed = errors.New("data channel write failed")

func (s *Service) emit(st protocol.Status) {
	if err := s.status.Emit(st); err != nil {
		s.logger.Warn("failed to write status", slog.String("status", st.Status), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
