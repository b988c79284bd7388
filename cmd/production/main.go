// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main provides a production-ready wsmux deployment with metrics,
// health checks and per-host connection rate limiting.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/wsmux"
	"github.com/absmach/wsmux/examples/simple"
	"github.com/absmach/wsmux/pkg/handshake"
	"github.com/absmach/wsmux/pkg/health"
	"github.com/absmach/wsmux/pkg/metrics"
	"github.com/absmach/wsmux/pkg/ratelimit"
	"github.com/absmach/wsmux/pkg/server"
	"github.com/absmach/wsmux/pkg/transport"
	"github.com/absmach/wsmux/pkg/upgrade"
	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

// Config holds the application configuration.
type Config struct {
	// Observability
	OpsAddress string `env:"WSMUX_OPS_ADDRESS" envDefault:":9090"`
	LogLevel   string `env:"WSMUX_LOG_LEVEL"   envDefault:"info"`
	LogFormat  string `env:"WSMUX_LOG_FORMAT"  envDefault:"json"`

	// Application server shared by the --path listeners
	AppAddress string `env:"WSMUX_APP_ADDRESS" envDefault:":8080"`

	// Upgrade handling
	RejectStatus     int           `env:"WSMUX_REJECT_STATUS"     envDefault:"400"`
	HandshakeTimeout time.Duration `env:"WSMUX_HANDSHAKE_TIMEOUT" envDefault:"10s"`
	Subprotocols     []string      `env:"WSMUX_SUBPROTOCOLS"      envSeparator:","`

	// Rate Limiting
	RateLimitCapacity int64 `env:"WSMUX_RATE_LIMIT_CAPACITY" envDefault:"20"`
	RateLimitRefill   int64 `env:"WSMUX_RATE_LIMIT_REFILL"   envDefault:"5"`
	RateLimitClients  int   `env:"WSMUX_RATE_LIMIT_CLIENTS"  envDefault:"10000"`

	// Shutdown
	DetachLimit     int           `env:"WSMUX_DETACH_LIMIT"     envDefault:"8"`
	ShutdownTimeout time.Duration `env:"WSMUX_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "wsmux",
		Short:        "WebSocket upgrade multiplexer",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func newServeCmd() *cobra.Command {
	var paths []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve websocket listeners",
		Long: "Serve one listener per --path on the application server, plus one listener\n" +
			"per configured WSMUX_WS_ or WSMUX_WSS_ environment prefix on its own port.",
		RunE: func(cmd *cobra.Command, args []string) error {
			// .env file is optional
			_ = godotenv.Load()

			var cfg Config
			if err := env.Parse(&cfg); err != nil {
				return fmt.Errorf("failed to parse config: %w", err)
			}
			return serve(cmd.Context(), cfg, paths)
		},
	}
	cmd.Flags().StringArrayVar(&paths, "path", nil, "upgrade path served on the application server (repeatable)")
	return cmd
}

func serve(ctx context.Context, cfg Config, paths []string) error {
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("Starting wsmux in production mode",
		slog.String("version", version),
		slog.String("app_address", cfg.AppAddress),
		slog.String("ops_address", cfg.OpsAddress))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("wsmux", reg)

	policy := upgrade.Policy{HostStatus: cfg.RejectStatus, PathStatus: cfg.RejectStatus}
	srv, err := server.New(server.Config{
		Policy:      policy,
		DetachLimit: cfg.DetachLimit,
		Handshake: handshake.Config{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Subprotocols:     cfg.Subprotocols,
		},
		ShutdownTimeout: cfg.ShutdownTimeout,
		Metrics:         m,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	gate := NewConnectionGate(ratelimit.NewLimiter(cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitClients), reg, logger)
	gate.Register(srv)
	simple.New(logger).Register(srv)

	checker := health.NewChecker(5 * time.Second)
	registerChecks(checker, srv)

	// The application server keeps its own routes; upgrades on the --path
	// listeners are taken over by the transport wrapped around it.
	app := &http.Server{
		Addr:              cfg.AppAddress,
		Handler:           appRouter(srv),
		ReadHeaderTimeout: 10 * time.Second,
	}
	appTransport := transport.Wrap(app, transport.Config{
		Policy:          policy,
		Metrics:         m,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
	})

	for _, p := range paths {
		if _, err := srv.AddListener(ctx, server.ListenerConfig{Name: "app" + p, Paths: []string{p}, Server: appTransport}); err != nil {
			return err
		}
	}
	for _, prefix := range []string{"WSMUX_WS_", "WSMUX_WSS_"} {
		lc, err := wsmux.NewConfig(env.Options{Prefix: prefix})
		if err != nil {
			return err
		}
		if !lc.Configured() {
			continue
		}
		l := lc.Listener()
		if l.Name == "" {
			l.Name = prefix
		}
		if _, err := srv.AddListener(ctx, l); err != nil {
			return err
		}
	}

	ops := &http.Server{
		Addr:         cfg.OpsAddress,
		Handler:      opsRouter(reg, checker),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting application server", slog.String("address", app.Addr))
		return listenAndServe(app)
	})
	g.Go(func() error {
		logger.Info("Starting ops server", slog.String("address", ops.Addr))
		return listenAndServe(ops)
	})
	g.Go(func() error {
		return gate.Prune(ctx, time.Minute)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()

		err := srv.Stop(shutdownCtx, -1)
		if serr := app.Shutdown(shutdownCtx); serr != nil {
			err = errors.Join(err, serr)
		}
		if serr := ops.Shutdown(shutdownCtx); serr != nil {
			err = errors.Join(err, serr)
		}
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("Shutdown error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("Graceful shutdown completed")
	return nil
}

func listenAndServe(s *http.Server) error {
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// opsRouter serves metrics and health probes.
func opsRouter(reg *prometheus.Registry, checker *health.Checker) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/health", checker.HTTPHandler())
	r.Get("/ready", checker.ReadinessHandler())
	r.Get("/live", health.LivenessHandler())
	return r
}
