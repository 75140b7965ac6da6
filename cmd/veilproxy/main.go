// Command veilproxy runs the local forward proxy: it binds 127.0.0.1:<port>,
// classifies each request's destination against a filter list, and either
// tunnels it through an upstream proxy or connects directly.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/lmika/veilproxy/pkg/agent"
	"github.com/lmika/veilproxy/pkg/config"
	"github.com/lmika/veilproxy/pkg/filter"
	"github.com/lmika/veilproxy/pkg/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		return err
	}

	logger := newLogger()

	engine := filter.NewEngine()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	data, err := filter.Download(ctx, cfg.FilterURL, cfg.PlainText)
	cancel()
	if err != nil {
		return fmt.Errorf("loading filter list: %w", err)
	}
	engine.Load(filter.ParseRuleset(data))

	a := &agent.Agent{
		Engine:   engine,
		Upstream: cfg.Upstream,
		BufSize:  cfg.BufSize,
		Timeout:  cfg.Timeout,
		Logger:   logger.With().Str("component", "agent").Logger(),
	}

	srv := &server.Server{
		Addr:   cfg.ListenAddr(),
		Agent:  a,
		Logger: logger.With().Str("component", "server").Logger(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-stop:
		logger.Info().Msg("shutting down")
		return srv.Shutdown()
	}
}

// newLogger builds the one process-wide logger, level taken from
// $VEILPROXY_LOG_LEVEL with "info" as the only global default per the
// design's one permitted piece of global state.
func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if raw := os.Getenv("VEILPROXY_LOG_LEVEL"); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339Nano}).
		Level(level).
		With().
		Timestamp().
		Logger()
}
