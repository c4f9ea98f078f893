package runtime

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/loqalabs/edge-tts-service/internal/config"
)

// NewLogger builds the JSON logger described by cfg. Records go to stderr
// unless log_output names "discard" or a file. The returned func closes the
// file, if any.
func NewLogger(cfg config.TelemetryConfig, stderr io.Writer) (*slog.Logger, func() error, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}

	out := stderr
	closeFn := func() error { return nil }
	switch target := strings.TrimSpace(cfg.LogOutput); target {
	case "", "stderr":
	case "discard":
		out = io.Discard
	default:
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closeFn = f.Close
	}

	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})), closeFn, nil
}
