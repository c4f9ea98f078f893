package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/edge-tts-service/internal/bus"
	"github.com/loqalabs/edge-tts-service/internal/config"
	"github.com/loqalabs/edge-tts-service/internal/edge"
	"github.com/loqalabs/edge-tts-service/internal/natsserver"
	"github.com/loqalabs/edge-tts-service/internal/protocol"
	"github.com/loqalabs/edge-tts-service/internal/tts"
)

// ErrStartup marks failures that happen before the command loop runs.
var ErrStartup = errors.New("startup failed")

// Stdio is the process's three channels: commands in, audio frames out, and
// status lines out.
type Stdio struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool
	bus    *bus.Client
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the service until shutdown, end of input, ctx cancellation or a
// fatal output error.
func (r *Runtime) Start(ctx context.Context, stdio Stdio) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("%w: telemetry: %w", ErrStartup, err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	mirrors, closeBus, err := r.connectBus(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStartup, err)
	}
	defer closeBus()

	backend, err := r.backend()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStartup, err)
	}
	if r.cfg.TTS.ProbeOnStart {
		if err := r.probe(ctx, backend); err != nil {
			return fmt.Errorf("%w: %w", ErrStartup, err)
		}
	}

	var ops *http.Server
	var opsListener net.Listener
	if bind := r.cfg.Telemetry.MetricsBind; bind != "" {
		opsListener, err = net.Listen("tcp", bind)
		if err != nil {
			return fmt.Errorf("%w: ops listener: %w", ErrStartup, err)
		}
		ops = r.opsServer(metricsHandler)
		r.logger.Info("ops server listening", slog.String("addr", opsListener.Addr().String()))
	}

	frames := protocol.NewFrameWriter(stdio.Out)
	status := protocol.NewStatusWriter(stdio.Err, mirrors...)
	svc := tts.NewService(r.cfg.TTS, backend, frames, status, r.logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return svc.Serve(gctx, stdio.In)
	})
	if ops != nil {
		g.Go(func() error {
			if err := ops.Serve(opsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			return ops.Shutdown(shutdownCtx)
		})
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("mode", r.cfg.TTS.Mode),
		slog.String("voice", r.cfg.TTS.Voice),
	)

	err = g.Wait()
	r.ready.Store(false)
	r.logger.Info("runtime stopped")
	return err
}

// connectBus starts the embedded NATS server and connects the status mirror
// when the bus is enabled. The returned func releases both.
func (r *Runtime) connectBus(ctx context.Context) ([]protocol.StatusMirror, func(), error) {
	if !r.cfg.Bus.Enabled {
		return nil, func() {}, nil
	}
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return nil, nil, err
	}
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		embedded.Shutdown()
		return nil, nil, err
	}
	r.bus = client
	release := func() {
		client.Close()
		embedded.Shutdown()
	}
	return []protocol.StatusMirror{client}, release, nil
}

func (r *Runtime) backend() (tts.Backend, error) {
	cfg := r.cfg.TTS
	switch cfg.Mode {
	case "edge":
		client, err := edge.New(r.cfg.Edge, r.logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	case "exec":
		return tts.NewExecSynth(cfg.Command, cfg.Voice, cfg.SampleRate, cfg.Channels, cfg.ChunkBytes)
	case "mock":
		return tts.NewMockSynth(cfg.SampleRate, cfg.Channels, time.Duration(cfg.MockChunkDelayMS)*time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}

// probe lists voices once so an unreachable backend fails startup instead of
// the first speak.
func (r *Runtime) probe(ctx context.Context, backend tts.Backend) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	voices, err := backend.ListVoices(ctx)
	if err != nil {
		return fmt.Errorf("probe backend: %w", err)
	}
	r.logger.Info("backend probe succeeded", slog.Int("voices", len(voices)))
	return nil
}

func (r *Runtime) opsServer(metrics http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
