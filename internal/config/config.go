package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/svconsole/internal/auth"
	"github.com/loykin/svconsole/internal/logger"
	"github.com/loykin/svconsole/internal/process"
	"github.com/loykin/svconsole/internal/service"
)

// EnvPrefix prefixes environment overrides, e.g. SVCONSOLE_SERVER_LISTEN.
const EnvPrefix = "SVCONSOLE"

// Config represents the top-level TOML structure.
type Config struct {
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	Console     ConsoleConfig     `mapstructure:"console"`
	Log         logger.Config     `mapstructure:"log"`
	Output      logger.FileConfig `mapstructure:"output"`
	Server      ServerConfig      `mapstructure:"server"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	History     HistoryConfig     `mapstructure:"history"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
	Services    []ServiceConfig   `mapstructure:"services"`
}

type ConsoleConfig struct {
	LogCapacity         int           `mapstructure:"log_capacity"`
	LaunchTimeout       time.Duration `mapstructure:"launch_timeout"`
	StopTimeout         time.Duration `mapstructure:"stop_timeout"`
	StopWait            time.Duration `mapstructure:"stop_wait"` // SIGTERM to SIGKILL grace
	ProbeTimeout        time.Duration `mapstructure:"probe_timeout"`
	ProbeHost           string        `mapstructure:"probe_host"`
	StartDelay          time.Duration `mapstructure:"start_delay"`
	OutputCaptureDelay  time.Duration `mapstructure:"output_capture_delay"`
	TailLines           int           `mapstructure:"tail_lines"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"` // 0 disables
}

type ServerConfig struct {
	Enabled  bool        `mapstructure:"enabled"`
	Listen   string      `mapstructure:"listen"`
	BasePath string      `mapstructure:"base_path"`
	Auth     auth.Config `mapstructure:"auth"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	DSN     string   `mapstructure:"dsn"`
	DSNs    []string `mapstructure:"dsns"`
}

// Sinks returns every configured DSN, DSN first.
func (h HistoryConfig) Sinks() []string {
	if !h.Enabled {
		return nil
	}
	var out []string
	if strings.TrimSpace(h.DSN) != "" {
		out = append(out, h.DSN)
	}
	return append(out, h.DSNs...)
}

// DiagnosticsConfig holds cron schedules for background jobs. Empty
// schedules are disabled.
type DiagnosticsConfig struct {
	Schedule        string `mapstructure:"schedule"`
	RefreshSchedule string `mapstructure:"refresh_schedule"`
}

type ServiceConfig struct {
	Name          string             `mapstructure:"name"`
	Command       string             `mapstructure:"command"`
	WorkDir       string             `mapstructure:"workdir"`
	Env           []string           `mapstructure:"env"`
	PIDFile       string             `mapstructure:"pidfile"`
	DetectCommand string             `mapstructure:"detect_command"`
	Port          *int               `mapstructure:"port"` // nil uses the well-known port, 0 means none
	StartDuration time.Duration      `mapstructure:"start_duration"`
	StartDelay    time.Duration      `mapstructure:"start_delay"`
	Log           *logger.FileConfig `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("console.log_capacity", 200)
	v.SetDefault("console.launch_timeout", "10s")
	v.SetDefault("console.stop_timeout", "10s")
	v.SetDefault("console.stop_wait", "3s")
	v.SetDefault("console.probe_timeout", "3s")
	v.SetDefault("console.probe_host", "localhost")
	v.SetDefault("console.start_delay", "1s")
	v.SetDefault("console.output_capture_delay", "3s")
	v.SetDefault("console.tail_lines", 50)
	v.SetDefault("console.health_check_interval", "5s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "color")
	v.SetDefault("log.path", "")
	v.SetDefault("output.dir", "")
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("server.auth.token_ttl", "24h")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9090")
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", "")
	v.SetDefault("diagnostics.schedule", "")
	v.SetDefault("diagnostics.refresh_schedule", "")
}

func defaultsViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v)
	return v
}

func newViper() *viper.Viper {
	v := defaultsViper()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the built-in configuration. SVCONSOLE_* overrides are
// applied only by Load, which reports values that do not decode.
func Default() *Config {
	c, err := decode(defaultsViper())
	if err != nil {
		panic(err) // defaults are static
	}
	return c
}

// Load reads path, applies defaults and SVCONSOLE_* overrides and
// validates the result. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(filepath.Clean(path))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	c, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &c, nil
}

// Validate rejects unknown service names, duplicate services, missing
// commands and out-of-range durations.
func (c *Config) Validate() error {
	var errs []error
	if c.Console.LogCapacity < 2 {
		errs = append(errs, fmt.Errorf("console.log_capacity must be >= 2, got %d", c.Console.LogCapacity))
	}
	for key, d := range map[string]time.Duration{
		"console.launch_timeout": c.Console.LaunchTimeout,
		"console.stop_timeout":   c.Console.StopTimeout,
		"console.probe_timeout":  c.Console.ProbeTimeout,
		"console.start_delay":    c.Console.StartDelay,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}
	if c.Console.StopWait < 0 || c.Console.OutputCaptureDelay < 0 || c.Console.HealthCheckInterval < 0 {
		errs = append(errs, errors.New("console durations must be >= 0"))
	}
	if c.Console.TailLines < 0 {
		errs = append(errs, errors.New("console.tail_lines must be >= 0"))
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path must start with '/', got %q", c.Server.BasePath))
	}
	if err := c.Server.Auth.Validate(); err != nil {
		errs = append(errs, err)
	}

	seen := make(map[service.Name]bool)
	for i, sc := range c.Services {
		n, err := service.Parse(sc.Name)
		if err != nil {
			errs = append(errs, fmt.Errorf("services[%d]: %w", i, err))
			continue
		}
		if seen[n] {
			errs = append(errs, fmt.Errorf("services[%d]: duplicate service %s", i, n))
		}
		seen[n] = true
		if strings.TrimSpace(sc.Command) == "" {
			errs = append(errs, fmt.Errorf("service %s requires command", n))
		}
		if sc.Port != nil && (*sc.Port < 0 || *sc.Port > 65535) {
			errs = append(errs, fmt.Errorf("service %s: port %d out of range", n, *sc.Port))
		}
		if sc.StartDuration < 0 || sc.StartDelay < 0 {
			errs = append(errs, fmt.Errorf("service %s: durations must be >= 0", n))
		}
	}
	// map iteration above is unordered
	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return errors.Join(errs...)
}

func (c *Config) service(n service.Name) (ServiceConfig, bool) {
	for _, sc := range c.Services {
		if parsed, err := service.Parse(sc.Name); err == nil && parsed == n {
			return sc, true
		}
	}
	return ServiceConfig{}, false
}

// ProcessSpecs builds a process.Spec for every configured service. Output
// settings start from [output] and are overridden per service.
func (c *Config) ProcessSpecs() map[service.Name]process.Spec {
	out := make(map[service.Name]process.Spec, len(c.Services))
	for _, n := range service.All {
		sc, ok := c.service(n)
		if !ok {
			continue
		}
		out[n] = process.Spec{
			Name:          n.String(),
			Command:       sc.Command,
			WorkDir:       sc.WorkDir,
			Env:           sc.Env,
			PIDFile:       sc.PIDFile,
			DetectCommand: sc.DetectCommand,
			StartDuration: sc.StartDuration,
			Log:           mergeFileConfig(c.Output, sc.Log),
		}
	}
	return out
}

func mergeFileConfig(base logger.FileConfig, over *logger.FileConfig) logger.FileConfig {
	if over == nil {
		return base
	}
	if over.Dir != "" {
		base.Dir = over.Dir
	}
	if over.StdoutPath != "" {
		base.StdoutPath = over.StdoutPath
	}
	if over.StderrPath != "" {
		base.StderrPath = over.StderrPath
	}
	if over.MaxSizeMB != 0 {
		base.MaxSizeMB = over.MaxSizeMB
	}
	if over.MaxBackups != 0 {
		base.MaxBackups = over.MaxBackups
	}
	if over.MaxAgeDays != 0 {
		base.MaxAgeDays = over.MaxAgeDays
	}
	if over.Compress {
		base.Compress = true
	}
	return base
}

// Ports returns the port of every service that has one.
func (c *Config) Ports() map[service.Name]int {
	out := make(map[service.Name]int)
	for _, n := range service.All {
		port, hasDefault := service.DefaultPorts[n]
		if sc, ok := c.service(n); ok && sc.Port != nil {
			port, hasDefault = *sc.Port, *sc.Port > 0
		}
		if hasDefault {
			out[n] = port
		}
	}
	return out
}

// StartDelays returns per-service delays that override console.start_delay.
func (c *Config) StartDelays() map[service.Name]time.Duration {
	out := make(map[service.Name]time.Duration)
	for _, n := range service.All {
		if sc, ok := c.service(n); ok && sc.StartDelay > 0 {
			out[n] = sc.StartDelay
		}
	}
	return out
}

// LoggerConfig returns the operational logger settings.
func (c *Config) LoggerConfig() logger.Config {
	l := c.Log
	l.File = c.Output
	return l
}

// GlobalEnv merges the environment handed to every service: OS env when
// use_os_env is set, then env_files in order, then the env list.
func (c *Config) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	if c.UseOSEnv {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				m[k] = v
			}
		}
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			m[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return m, nil
}
