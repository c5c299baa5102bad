// Package main is the entry point for the smartmob agent.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/smartmob-project/smartmob-agent/internal/config"
	"github.com/smartmob-project/smartmob-agent/internal/eventlog"
	"github.com/smartmob-project/smartmob-agent/internal/fetch"
	"github.com/smartmob-project/smartmob-agent/internal/handler"
	"github.com/smartmob-project/smartmob-agent/internal/middleware"
	"github.com/smartmob-project/smartmob-agent/internal/pipeline"
	"github.com/smartmob-project/smartmob-agent/internal/provision"
	"github.com/smartmob-project/smartmob-agent/internal/registry"
	"github.com/smartmob-project/smartmob-agent/internal/workspace"
)

// Version is the agent version reported by --version.
const Version = "0.2.0"

// shutdownGrace bounds draining of open connections at shutdown.
const shutdownGrace = time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "smartmob-agent",
		Short:         "Run programs.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("host", "0.0.0.0", "Listen address.")
	flags.Int("port", 8080, "Listen port.")
	flags.String("log-format", "kv", "Event log rendering: kv or json.")
	flags.Bool("utc", false, "Use UTC timestamps in the event log.")
	flags.String("logging-endpoint", "", "Event log destination (file:// or fluent:// URL).")
	flags.String("workspace", workspace.DefaultRoot, "Workspace root directory.")
	return cmd
}

func run(cfg *config.Config) error {
	events, err := eventlog.New(cfg.LoggingEndpoint, cfg.LogFormat, cfg.UTC)
	if err != nil {
		return err
	}
	if closer, ok := events.(io.Closer); ok {
		defer closer.Close()
	}

	layout := workspace.New(cfg.Workspace)
	if err := layout.Init(); err != nil {
		return err
	}

	// One HTTP client shared by all archive fetches.
	client := &http.Client{Timeout: 5 * time.Minute}
	defer client.CloseIdleConnections()

	// Pipelines in flight at shutdown are abandoned when this context
	// is cancelled.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.New()
	runner := pipeline.NewRunner(layout, &fetch.Downloader{Client: client}, provision.New(), events)
	processes := handler.NewProcessHandler(ctx, reg, runner, events)

	r := chi.NewRouter()
	// The access log sits outside CORS so preflight requests are logged
	// too, and outside the recoverer so panics still yield a 500 event.
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog(events, nil))
	r.Use(middleware.CORS())
	r.Use(middleware.Metrics())
	r.Use(chimiddleware.Recoverer)
	processes.Routes(r)
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: r,
	}

	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", srv.Addr, err)
	}
	events.Info("bind",
		eventlog.String("transport", "tcp"),
		eventlog.String("host", cfg.Host),
		eventlog.Int("port", cfg.Port),
	)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(listener) }()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	events.Info("stop", eventlog.String("reason", "ctrl-c"))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
