package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/edge-tts-service/internal/config"
)

// Client mirrors status lines onto a NATS subject.
type Client struct {
	conn    *nats.Conn
	subject string
	log     *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	if cfg.Subject == "" {
		return nil, errors.New("no NATS subject configured")
	}

	timeout := time.Duration(cfg.ConnectTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = nats.DefaultTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	options := []nats.Option{
		nats.Name("edge-tts-service"),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected", slog.String("server", c.ConnectedUrl()))
		}),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url), slog.String("subject", cfg.Subject))

	return &Client{
		conn:    conn,
		subject: cfg.Subject,
		log:     log,
	}, nil
}

// MirrorStatus publishes one status line. Failures are logged and dropped;
// the bus never blocks or fails the stderr stream.
func (c *Client) MirrorStatus(data []byte) {
	if c == nil {
		return
	}
	if err := c.conn.Publish(c.subject, data); err != nil {
		c.log.Warn("failed to mirror status", slog.String("error", err.Error()))
	}
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}
