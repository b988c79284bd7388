// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/wsmux"
	"github.com/absmach/wsmux/examples/simple"
	"github.com/absmach/wsmux/pkg/server"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

const (
	wsWithoutTLS = "WSMUX_WS_"
	wsWithTLS    = "WSMUX_WSS_"
	wsWithmTLS   = "WSMUX_WSS_MTLS_"

	stopTimeout = 30 * time.Second
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	logger := slog.New(logHandler)

	// Load .env file
	if err := godotenv.Load(); err != nil {
		logger.Warn("no .env file found, using environment variables")
	}

	srv, err := server.New(server.Config{Logger: logger})
	if err != nil {
		logger.Error(fmt.Sprintf("failed to create server: %s", err))
		os.Exit(1)
	}
	simple.New(logger).Register(srv)

	started := 0
	for _, prefix := range []string{wsWithoutTLS, wsWithTLS, wsWithmTLS} {
		if err := startListener(ctx, srv, prefix, logger); err != nil {
			logger.Warn("listener not started", slog.String("prefix", prefix), slog.String("error", err.Error()))
			continue
		}
		started++
	}
	if started == 0 {
		logger.Error("no listener configured")
		os.Exit(1)
	}

	// Signal handler
	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	g.Go(func() error {
		<-ctx.Done()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		return srv.Stop(stopCtx, -1)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("wsmux service terminated with error: %s", err))
	} else {
		logger.Info("wsmux service stopped")
	}
}

func startListener(ctx context.Context, srv *server.Server, envPrefix string, logger *slog.Logger) error {
	cfg, err := wsmux.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		return err
	}

	// Skip if port is not configured
	if !cfg.Configured() {
		return fmt.Errorf("port not configured")
	}

	lcfg := cfg.Listener()
	if lcfg.Name == "" {
		lcfg.Name = envPrefix
	}

	l, err := srv.AddListener(ctx, lcfg)
	if err != nil {
		return err
	}

	logger.Info("listener started",
		slog.String("prefix", envPrefix),
		slog.String("address", l.Addr().String()))
	return nil
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
