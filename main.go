// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/go-core-stack/mcp-gateway-relay/pkg/config"
	"github.com/go-core-stack/mcp-gateway-relay/pkg/relay"
)

// drainGrace bounds how long a signal-triggered shutdown waits for in-flight
// requests to observe cancellation.
const drainGrace = 5 * time.Second

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	setupLogging(cfg)

	bridge := relay.New(cfg, os.Stdin, os.Stdout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- bridge.Run(ctx)
	}()

	log.Info().
		Str("session_id", bridge.SessionID()).
		Str("gateway", cfg.GatewayURL.Redacted()).
		Msg("starting MCP gateway relay")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-done:
		if err != nil {
			log.Fatal().Err(err).Msg("relay exited unexpectedly")
		}
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down relay")
		cancel()
		bridge.Shutdown()
		select {
		case <-done:
		case <-time.After(drainGrace):
			log.Warn().Msg("drain grace period elapsed; exiting")
		}
	}

	log.Info().Msg("relay stopped")
}

// setupLogging directs structured logs away from stdout, which carries the
// protocol stream: stderr by default, a rolling file when configured.
func setupLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", cfg.LogLevel).Msg("invalid log level")
	}

	var sink io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if cfg.LogFile != "" {
		sink = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    20, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
		}
	}

	log.Logger = zerolog.New(sink).With().Timestamp().Logger().Level(level)
}
