package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// FileConfig describes where a service's stdout and stderr are written.
// If StdoutPath/StderrPath are empty, and Dir is set, files will be
// Dir/<name>.stdout.log and Dir/<name>.stderr.log
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`         // base directory for logs
	StdoutPath string `mapstructure:"stdout"`      // explicit stdout path overrides Dir
	StderrPath string `mapstructure:"stderr"`      // explicit stderr path overrides Dir
	MaxSizeMB  int    `mapstructure:"max_size_mb"` // megabytes before rotation (default 10)
	MaxBackups int    `mapstructure:"max_backups"` // number of backups to keep (default 3)
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config is the console logging setup: the operational slog logger plus
// the default destinations for service output.
type Config struct {
	Level  string     `mapstructure:"level"`  // debug|info|warn|error
	Format string     `mapstructure:"format"` // color|text|json
	Path   string     `mapstructure:"path"`   // operational log file; empty means stderr
	File   FileConfig `mapstructure:"output"`
}

// StdoutFile returns the resolved stdout path for name, or "" when output
// is discarded.
func (f FileConfig) StdoutFile(name string) string {
	if f.StdoutPath != "" {
		return f.StdoutPath
	}
	if f.Dir != "" {
		return filepath.Join(f.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	return ""
}

// StderrFile returns the resolved stderr path for name.
func (f FileConfig) StderrFile(name string) string {
	if f.StderrPath != "" {
		return f.StderrPath
	}
	if f.Dir != "" {
		return filepath.Join(f.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	return ""
}

// Writers returns rotating writers for stdout and stderr of name. A nil
// writer means that stream is not captured.
func (f FileConfig) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	var outW io.WriteCloser
	var errW io.WriteCloser
	if p := f.StdoutFile(name); p != "" {
		outW = f.rotating(p)
	}
	if p := f.StderrFile(name); p != "" {
		errW = f.rotating(p)
	}
	return outW, errW, nil
}

func (f FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// ParseLevel maps a textual level to slog. Unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the operational logger. The returned closer releases the log
// file when Path is set and is a no-op otherwise.
func New(c Config) (*slog.Logger, io.Closer, error) {
	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if c.Path != "" {
		if err := os.MkdirAll(filepath.Dir(c.Path), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		l := FileConfig{MaxSizeMB: c.File.MaxSizeMB, MaxBackups: c.File.MaxBackups, MaxAgeDays: c.File.MaxAgeDays, Compress: c.File.Compress}.rotating(c.Path)
		w = l
		closer = l
	}
	return slog.New(NewHandler(w, c.Format, ParseLevel(c.Level))), closer, nil
}

// NewHandler selects a handler by format name.
func NewHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "json":
		return slog.NewJSONHandler(w, opts)
	case "text":
		return slog.NewTextHandler(w, opts)
	default:
		return NewColorTextHandler(w, opts, true)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
