package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/edge-tts-service/internal/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type sessionState int

const (
	stateIdle sessionState = iota
	stateRunning
	stateCompleted
	stateCancelled
	stateFailed
)

func (s sessionState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateRunning:
		return "running"
	case stateCompleted:
		return "completed"
	case stateCancelled:
		return "cancelled"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

// Reasons a session is stopped early, surfaced as the cancelled status message.
var (
	errCancelRequested = errors.New("cancel requested")
	errReplaced        = errors.New("replaced by a new speak command")
	errShutdown        = errors.New("service shutting down")
)

var errChunkFormat = errors.New("unexpected audio format")

// checkFormat holds chunk to mono PCM at the sample rate of the first chunk.
func checkFormat(chunk SynthChunk, rate int) error {
	if chunk.Channels != 1 {
		return fmt.Errorf("%w: %d channels, want mono", errChunkFormat, chunk.Channels)
	}
	if chunk.SampleRate <= 0 || (rate != 0 && chunk.SampleRate != rate) {
		return fmt.Errorf("%w: sample rate %d, want %d", errChunkFormat, chunk.SampleRate, rate)
	}
	return nil
}

// session drives one speak request. state is written only by run and read by
// others only after done is closed.
type session struct {
	svc     *Service
	id      string
	req     SynthRequest
	started time.Time
	ctx     context.Context
	cancel  context.CancelCauseFunc
	done    chan struct{}
	state   sessionState
	log     *slog.Logger
}

func newSession(parent context.Context, svc *Service, req SynthRequest, started time.Time) *session {
	ctx, cancel := context.WithCancelCause(parent)
	return &session{
		svc:     svc,
		id:      req.SessionID,
		req:     req,
		started: started,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   stateIdle,
		log:     svc.logger.With(slog.String("session", req.SessionID)),
	}
}

func (s *session) running() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// stop cancels the session and waits until it has written its last chunk. It
// reports whether the session ended as cancelled.
func (s *session) stop(cause error) bool {
	s.cancel(cause)
	<-s.done
	return s.state == stateCancelled
}

func (s *session) run() {
	defer close(s.done)
	defer s.cancel(nil)

	ctx, span := s.svc.tracer.Start(s.ctx, "tts.session", trace.WithAttributes(
		attribute.String("tts.session", s.id),
		attribute.String("tts.voice", s.req.Voice),
		attribute.Int("tts.text_bytes", len(s.req.Text)),
	))
	defer span.End()

	s.state = stateRunning
	s.emit(protocol.Status{Status: protocol.StatusSpeaking, Session: s.id, Voice: s.req.Voice})
	s.log.Info("starting synthesis",
		slog.String("voice", s.req.Voice),
		slog.String("rate", s.req.Rate),
		slog.Int("text_bytes", len(s.req.Text)))

	chunks, errs := s.svc.synth.Synthesize(ctx, s.req)
	var (
		sequence   uint32
		sampleRate int
		totalBytes int64
		backendErr error
	)
	for chunks != nil || errs != nil {
		select {
		case <-ctx.Done():
			s.finishCancelled(span)
			return
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if ctx.Err() != nil {
				s.finishCancelled(span)
				return
			}
			if len(chunk.PCM) == 0 {
				continue
			}
			if err := checkFormat(chunk, sampleRate); err != nil {
				s.finishFailed(span, fmt.Errorf("synthesis failed: %w", err))
				return
			}
			sampleRate = chunk.SampleRate
			if err := s.svc.frames.WriteFrame(sequence, chunk.PCM); err != nil {
				s.finishFailed(span, err)
				s.svc.reportFatal(err)
				return
			}
			if sequence == 0 {
				ms := time.Since(s.started).Milliseconds()
				s.svc.metrics.recordFirstAudio(ctx, ms)
				s.emit(protocol.Status{Status: protocol.StatusFirstAudio, Session: s.id, FirstAudioMS: &ms})
			}
			sequence++
			totalBytes += int64(len(chunk.PCM))
			s.svc.metrics.recordBytes(ctx, len(chunk.PCM))
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil && backendErr == nil {
				backendErr = err
			}
		}
	}

	switch {
	case ctx.Err() != nil:
		s.finishCancelled(span)
	case backendErr != nil:
		s.finishFailed(span, fmt.Errorf("synthesis failed: %w", backendErr))
	default:
		s.state = stateCompleted
		elapsed := time.Since(s.started).Milliseconds()
		span.SetAttributes(
			attribute.Int("tts.chunks", int(sequence)),
			attribute.Int64("tts.bytes", totalBytes),
			attribute.Int("tts.sample_rate", sampleRate),
		)
		s.svc.metrics.recordSession(context.WithoutCancel(ctx), s.state, s.req.Voice)
		s.emit(protocol.Status{
			Status:  protocol.StatusCompleted,
			Session: s.id,
			SessionStats: &protocol.SessionStats{
				Chunks:      int(sequence),
				Bytes:       totalBytes,
				SynthesisMS: elapsed,
			},
		})
		s.log.Info("synthesis finished", slog.Int("chunks", int(sequence)), slog.Int64("synthesis_ms", elapsed))
	}
}

func (s *session) finishCancelled(span trace.Span) {
	s.state = stateCancelled
	reason := context.Cause(s.ctx)
	span.SetAttributes(attribute.String("tts.cancel_reason", reason.Error()))
	s.svc.metrics.recordSession(context.WithoutCancel(s.ctx), s.state, s.req.Voice)
	s.emit(protocol.Status{Status: protocol.StatusCancelled, Session: s.id, Message: reason.Error()})
	s.log.Info("synthesis cancelled", slog.String("reason", reason.Error()))
}

func (s *session) finishFailed(span trace.Span, err error) {
	s.state = stateFailed
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.svc.metrics.recordSession(context.WithoutCancel(s.ctx), s.state, s.req.Voice)
	s.emit(protocol.ErrorStatus(err, s.id))
	s.log.Warn("synthesis failed", slogError(err))
}

func (s *session) emit(st protocol.Status) {
	s.svc.emit(st)
}
