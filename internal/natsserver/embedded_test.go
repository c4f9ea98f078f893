package natsserver

import (
	"io"
	"log/slog"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/edge-tts-service/internal/config"
)

func TestStartDisabledReturnsNil(t *testing.T) {
	srv, err := Start(config.BusConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil || srv != nil {
		t.Fatalf("expected nil server when disabled, got %v %v", srv, err)
	}
	srv.Shutdown()
}

func TestStartAcceptsClients(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: true, Port: -1}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown()

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}
