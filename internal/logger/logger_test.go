package logger

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestWritersLayout(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name       string
		cfg        FileConfig
		service    string
		wantStdout string
		wantStderr string
	}{
		{"dir derives both", FileConfig{Dir: dir}, "extract",
			filepath.Join(dir, "extract.stdout.log"), filepath.Join(dir, "extract.stderr.log")},
		{"explicit paths win", FileConfig{Dir: dir, StdoutPath: filepath.Join(dir, "web.out"), StderrPath: filepath.Join(dir, "web.err")}, "webserver",
			filepath.Join(dir, "web.out"), filepath.Join(dir, "web.err")},
		{"stdout only", FileConfig{StdoutPath: filepath.Join(dir, "task.out")}, "task",
			filepath.Join(dir, "task.out"), ""},
		{"stderr only", FileConfig{StderrPath: filepath.Join(dir, "task.err")}, "task",
			"", filepath.Join(dir, "task.err")},
		{"nothing configured", FileConfig{}, "task", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outW, errW, err := tt.cfg.Writers(tt.service)
			if err != nil {
				t.Fatalf("Writers: %v", err)
			}
			check := func(stream string, w io.WriteCloser, want string) {
				if want == "" {
					if w != nil {
						t.Fatalf("%s: expected no writer", stream)
					}
					return
				}
				if w == nil {
					t.Fatalf("%s: expected a writer for %s", stream, want)
				}
				if _, err := w.Write([]byte(tt.service + " " + stream + "\n")); err != nil {
					t.Fatalf("%s: write: %v", stream, err)
				}
				closeIf(w)
				// read back the way the console shows service output
				lines, err := Tail(want, 1)
				if err != nil || len(lines) != 1 || lines[0] != tt.service+" "+stream {
					t.Fatalf("%s: tail of %s = %v, %v", stream, want, lines, err)
				}
			}
			check("stdout", outW, tt.wantStdout)
			check("stderr", errW, tt.wantStderr)
		})
	}
}

func TestWritersRotation(t *testing.T) {
	dir := t.TempDir()
	outW, errW, _ := FileConfig{Dir: dir}.Writers("webserver")
	defer closeIf(outW)
	defer closeIf(errW)
	ol, ok := outW.(*lj.Logger)
	if !ok {
		t.Fatalf("stdout writer is %T, want lumberjack", outW)
	}
	if ol.MaxSize != DefaultMaxSizeMB || ol.MaxBackups != DefaultMaxBackups || ol.MaxAge != DefaultMaxAgeDays || ol.Compress {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d compress=%t", ol.MaxSize, ol.MaxBackups, ol.MaxAge, ol.Compress)
	}

	custom := FileConfig{Dir: dir, MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}
	outW2, errW2, _ := custom.Writers("extract")
	defer closeIf(outW2)
	defer closeIf(errW2)
	for _, w := range []io.WriteCloser{outW2, errW2} {
		l := w.(*lj.Logger)
		if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 11 || !l.Compress {
			t.Fatalf("overrides not applied to %s: size=%d backups=%d age=%d compress=%t", l.Filename, l.MaxSize, l.MaxBackups, l.MaxAge, l.Compress)
		}
	}
}

func TestStdoutFileResolution(t *testing.T) {
	f := FileConfig{Dir: "/var/log/svc"}
	if got := f.StdoutFile("extract"); got != filepath.Join("/var/log/svc", "extract.stdout.log") {
		t.Fatalf("unexpected stdout path %q", got)
	}
	f.StdoutPath = "/tmp/explicit.log"
	if got := f.StdoutFile("extract"); got != "/tmp/explicit.log" {
		t.Fatalf("explicit path ignored: %q", got)
	}
	if got := (FileConfig{}).StdoutFile("x"); got != "" {
		t.Fatalf("expected empty path, got %q", got)
	}
}

func TestTail(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "out.log")
	var b strings.Builder
	for i := 1; i <= 500; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	b.WriteString("\n\n")
	if err := os.WriteFile(p, []byte(b.String()), 0o600); err != nil {
		t.Fatal(err)
	}

	lines, err := Tail(p, 3)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	want := []string{"line 498", "line 499", "line 500"}
	if strings.Join(lines, ",") != strings.Join(want, ",") {
		t.Fatalf("got %v want %v", lines, want)
	}

	all, _ := Tail(p, 1000)
	if len(all) != 500 || all[0] != "line 1" {
		t.Fatalf("unexpected full tail: len=%d first=%q", len(all), all[0])
	}
}

func TestTailMissingFile(t *testing.T) {
	lines, err := Tail(filepath.Join(t.TempDir(), "nope.log"), 5)
	if err != nil || lines != nil {
		t.Fatalf("expected no lines and no error, got %v %v", lines, err)
	}
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false)
	l := slog.New(h).With("service", "extract")
	l.Warn("port inactive")

	out := buf.String()
	if !strings.Contains(out, "\033[33mWARN") {
		t.Fatalf("missing warn color: %q", out)
	}
	if !strings.Contains(out, "service=extract") {
		t.Fatalf("attrs lost by WithAttrs: %q", out)
	}
	if strings.Contains(out, "time=") {
		t.Fatalf("time should be dropped: %q", out)
	}
}

func TestNewWritesToFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "logs", "console.log")
	l, closer, err := New(Config{Level: "debug", Format: "json", Path: p})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Debug("hello", "k", "v")
	_ = closer.Close()
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(b), `"msg":"hello"`) {
		t.Fatalf("unexpected content %q", string(b))
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}
