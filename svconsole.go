// Package svconsole is the public entry point for embedding the service
// console: construction from collaborators or a config file, the HTTP API
// and Prometheus metrics.
package svconsole

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/svconsole/internal/auth"
	"github.com/loykin/svconsole/internal/config"
	"github.com/loykin/svconsole/internal/console"
	"github.com/loykin/svconsole/internal/diagnostics"
	"github.com/loykin/svconsole/internal/logbuf"
	"github.com/loykin/svconsole/internal/metrics"
	"github.com/loykin/svconsole/internal/probe"
	iapi "github.com/loykin/svconsole/internal/server"
	"github.com/loykin/svconsole/internal/service"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Console = console.Console

type Collaborators = console.Collaborators

type Options = console.Options

type Config = config.Config

type Name = service.Name

type Status = service.Status

type Record = service.Record

type Report = diagnostics.Report

type LogEntry = logbuf.Entry

type Launcher = probe.Launcher

type ProcessProbe = probe.ProcessProbe

type PortProbe = probe.PortProbe

type OutputProbe = probe.OutputProbe

type Handle = probe.Handle

type ProcessState = probe.ProcessState

type PortState = probe.PortState

type AuthConfig = auth.Config

type AuthUser = auth.User

// HTTPOption configures NewHTTPServer and Handler.
type HTTPOption = iapi.Option

// WithAuth protects the API with the users of cfg. A disabled cfg leaves
// it open.
func WithAuth(cfg AuthConfig) (HTTPOption, error) {
	svc, err := auth.New(cfg)
	if err != nil {
		return nil, err
	}
	return iapi.WithAuth(svc), nil
}

// HashPassword returns a bcrypt hash for AuthUser.PasswordHash.
func HashPassword(password string) (string, error) { return auth.HashPassword(password, 0) }

const (
	Webserver = service.Webserver
	Task      = service.Task
	Extract   = service.Extract
)

const (
	Stopped  = service.Stopped
	Starting = service.Starting
	Running  = service.Running
	Error    = service.Error
)

var (
	ErrUnknownService    = service.ErrUnknownService
	ErrInvalidTransition = service.ErrInvalidTransition
	ErrLaunch            = probe.ErrLaunch
	ErrProbe             = probe.ErrProbe
	ErrTimeout           = probe.ErrTimeout
)

// ParseName resolves a case-insensitive service name.
func ParseName(s string) (Name, error) { return service.Parse(s) }

// New builds a console over caller-supplied collaborators.
func New(c Collaborators, opts Options) (*Console, error) { return console.New(c, opts) }

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// FromConfig builds a console that supervises real processes as configured.
func FromConfig(cfg *Config, log *slog.Logger) (*Console, error) { return console.FromConfig(cfg, log) }

// NewHTTPServer starts an HTTP server exposing the console API.
func NewHTTPServer(addr, basePath string, c *Console, opts ...HTTPOption) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, c, opts...)
}

// Handler returns the console API as an http.Handler for mounting in an
// existing mux.
func Handler(basePath string, c *Console, opts ...HTTPOption) http.Handler {
	return iapi.NewRouter(c, basePath, opts...).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It runs the server in the caller goroutine and returns its error.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
