// Package main is the entry point for the dispatcher. It accepts client build
// sessions over websocket and bridges them onto the message broker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"notebook-builder/internal/app"
	"notebook-builder/internal/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, logger, err := app.LoadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateDispatcher(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	reg := metrics.NewRegistry()
	d, err := app.NewDispatcher(ctx, app.Deps{Cfg: cfg, Logger: logger}, reg)
	if err != nil {
		return err
	}
	defer d.Close() //nolint:errcheck

	go d.Limiter.Run(ctx)

	logger.Info("dispatcher ready",
		"sessions", "ws://"+app.AdvertisedHost(cfg.ListenAddr)+app.BridgePath,
		"broker", cfg.Broker.StartQueue)
	return app.Serve(ctx, app.NewServer(cfg, d.Handler), cfg, 10*time.Second, logger)
}
