package tts

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	sessions   metric.Int64Counter
	audioBytes metric.Int64Counter
	firstAudio metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	sessions, err := meter.Int64Counter("tts.sessions",
		metric.WithDescription("Synthesis sessions by terminal state"))
	if err != nil {
		return nil, err
	}
	audioBytes, err := meter.Int64Counter("tts.audio.bytes",
		metric.WithDescription("PCM bytes written to the data channel"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	firstAudio, err := meter.Float64Histogram("tts.first_audio.latency",
		metric.WithDescription("Time from speak command to first audio chunk"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &metrics{sessions: sessions, audioBytes: audioBytes, firstAudio: firstAudio}, nil
}

func (m *metrics) recordSession(ctx context.Context, state sessionState, voice string) {
	if m == nil {
		return
	}
	m.sessions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", state.String()),
		attribute.String("voice", voice),
	))
}

func (m *metrics) recordBytes(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.audioBytes.Add(ctx, int64(n))
}

func (m *metrics) recordFirstAudio(ctx context.Context, ms int64) {
	if m == nil {
		return
	}
	m.firstAudio.Record(ctx, float64(ms))
}
