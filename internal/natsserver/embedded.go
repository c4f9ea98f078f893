package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/loqalabs/edge-tts-service/internal/config"
)

// EmbeddedServer runs an in-process NATS server so status subscribers can
// attach to a single-binary deployment.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start launches the embedded server when cfg.Embedded is set and returns nil
// otherwise. It listens on loopback only; port -1 picks a random port.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}

	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   cfg.Port,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start within 5 seconds")
	}

	log.Info("embedded NATS server started", slog.String("url", ns.ClientURL()))

	return &EmbeddedServer{ns: ns, log: log}, nil
}

// ClientURL is the address clients should connect to.
func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

// Shutdown stops the server and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
