package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/edge-tts-service/internal/config"
	"github.com/loqalabs/edge-tts-service/internal/runtime"
)

var version = "0.1.0-dev"

const (
	exitStartup = 1
	exitFatal   = 2
)

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", config.DefaultPath, "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	bootstrap := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		bootstrap.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitStartup)
	}

	logger, closeLog, err := runtime.NewLogger(cfg.Telemetry, os.Stderr)
	if err != nil {
		bootstrap.Error("failed to configure logging", slog.String("error", err.Error()))
		os.Exit(exitStartup)
	}
	defer closeLog()

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = rt.Start(ctx, runtime.Stdio{In: os.Stdin, Out: os.Stdout, Err: os.Stderr})
	if err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		stop()
		closeLog()
		if errors.Is(err, runtime.ErrStartup) {
			os.Exit(exitStartup)
		}
		os.Exit(exitFatal)
	}

	logger.Info("shutdown complete")
}
