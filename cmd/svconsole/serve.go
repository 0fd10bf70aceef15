package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/svconsole/internal/auth"
	"github.com/loykin/svconsole/internal/config"
	"github.com/loykin/svconsole/internal/console"
	"github.com/loykin/svconsole/internal/logger"
	"github.com/loykin/svconsole/internal/metrics"
	"github.com/loykin/svconsole/internal/server"
)

const shutdownTimeout = 15 * time.Second

func createServeCommand(globalFlags *GlobalFlags, serveFlags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the console server",
		Long: `Run the console: supervise the configured services, serve the HTTP API
and run scheduled diagnostics until interrupted.

Examples:
  svconsole serve                              # built-in defaults
  svconsole serve svconsole.toml --start-all   # start every service on boot
  svconsole serve --config=svconsole.toml --daemonize --pidfile=/run/svconsole.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			if serveFlags.Daemonize {
				return daemonize(serveFlags.PidFile, serveFlags.LogFile)
			}
			if serveFlags.PidFile != "" {
				if err := writePidFile(serveFlags.PidFile, os.Getpid()); err != nil {
					return fmt.Errorf("failed to write PID file: %w", err)
				}
				defer func() { _ = removePidFile(serveFlags.PidFile) }()
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, *serveFlags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the server PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	cmd.Flags().BoolVar(&serveFlags.StartAll, "start-all", false, "start every service once the server is up")
	cmd.Flags().StringVar(&serveFlags.MetricsListen, "metrics-listen", "", "serve Prometheus metrics on this address (overrides [metrics])")
	return cmd
}

// runServe runs the console until ctx is cancelled, then shuts everything
// down, stopping the services it launched.
func runServe(ctx context.Context, cfg *config.Config, flags ServeFlags, out io.Writer) error {
	log, closer, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	metricsListen := flags.MetricsListen
	if metricsListen == "" && cfg.Metrics.Enabled {
		metricsListen = cfg.Metrics.Listen
	}
	if metricsListen != "" {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	cons, err := console.FromConfig(cfg, log)
	if err != nil {
		return err
	}

	var servers []*http.Server
	if metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		ms := &http.Server{Addr: metricsListen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "error", err)
			}
		}()
		servers = append(servers, ms)
		_, _ = fmt.Fprintf(out, "Serving metrics on %s/metrics\n", metricsListen)
	}

	if cfg.Diagnostics.Schedule != "" || cfg.Diagnostics.RefreshSchedule != "" {
		if _, err := cons.Schedule(cfg.Diagnostics.Schedule, cfg.Diagnostics.RefreshSchedule); err != nil {
			_ = cons.Shutdown(context.Background())
			return fmt.Errorf("schedule: %w", err)
		}
	}

	if cfg.Server.Enabled {
		authSvc, err := auth.New(cfg.Server.Auth)
		if err != nil {
			_ = cons.Shutdown(context.Background())
			return fmt.Errorf("auth: %w", err)
		}
		if authSvc != nil {
			log.Info("API authentication enabled", "users", authSvc.Usernames())
		}
		srv, err := server.NewServer(cfg.Server.Listen, cfg.Server.BasePath, cons, server.WithAuth(authSvc))
		if err != nil {
			_ = cons.Shutdown(context.Background())
			return fmt.Errorf("failed to create HTTP server: %w", err)
		}
		servers = append(servers, srv)
		_, _ = fmt.Fprintf(out, "Starting svconsole server on %s%s\n", cfg.Server.Listen, cfg.Server.BasePath)
	}

	if flags.StartAll {
		go cons.StartAll(ctx)
	}

	<-ctx.Done()
	_, _ = fmt.Fprintln(out, "Shutting down...")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	for _, s := range servers {
		if err := s.Shutdown(sctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := cons.Shutdown(sctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
