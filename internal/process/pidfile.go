package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PIDMeta is stored on the second line of a pidfile so a reused PID can be
// told apart from the process that wrote it.
type PIDMeta struct {
	StartUnix int64 `json:"start_unix"`
}

// WritePIDFile writes pid and meta to path, creating parent directories.
func WritePIDFile(path string, pid int, meta PIDMeta) error {
	if path == "" || pid <= 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"+string(b)+"\n"), 0o600)
}

// ReadPIDFile reads a pidfile written by WritePIDFile. Files containing
// only a PID are accepted with an empty meta.
func ReadPIDFile(path string) (int, PIDMeta, error) {
	var meta PIDMeta
	b, err := os.ReadFile(path) // #nosec G304 -- configured pidfile
	if err != nil {
		return 0, meta, err
	}
	pidLine, rest, _ := strings.Cut(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, meta, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	if rest = strings.TrimSpace(rest); rest != "" {
		// unreadable meta still yields the pid
		_ = json.Unmarshal([]byte(rest), &meta)
	}
	return pid, meta, nil
}

// removePIDFileIf deletes path only while it still names pid.
func removePIDFileIf(path string, pid int) {
	if path == "" {
		return
	}
	cur, _, err := ReadPIDFile(path)
	if err == nil && cur == pid {
		_ = os.Remove(path)
	}
}
