package process

import (
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/svconsole/internal/logger"
)

// Spec describes how one service process is run and detected.
type Spec struct {
	Name          string            `json:"name"`
	Command       string            `json:"command"`        // command line; shell is used only when needed
	WorkDir       string            `json:"work_dir"`       // optional working dir
	Env           []string          `json:"env"`            // extra KEY=VALUE pairs appended to the console env
	PIDFile       string            `json:"pid_file"`       // optional; enables detection of processes started elsewhere
	DetectCommand string            `json:"detect_command"` // optional command that exits 0 while the service is up
	StartDuration time.Duration     `json:"start_duration"` // minimum time the process must stay up to count as started
	Log           logger.FileConfig `json:"log"`
}

// Validate checks the fields required to launch the process.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("process requires name")
	}
	if strings.TrimSpace(s.Command) == "" {
		return errors.New("process " + s.Name + " requires command")
	}
	if s.StartDuration < 0 {
		return errors.New("process " + s.Name + ": start_duration must be >= 0")
	}
	return nil
}

// Detectors returns the detectors configured for s, pidfile first.
func (s Spec) Detectors() []Detector {
	var dets []Detector
	if s.PIDFile != "" {
		dets = append(dets, PIDFileDetector{PIDFile: s.PIDFile})
	}
	if s.DetectCommand != "" {
		dets = append(dets, CommandDetector{Command: s.DetectCommand})
	}
	return dets
}

const shellMeta = "|&;<>*?`$\"'(){}[]~"

// BuildCommand constructs an *exec.Cmd for s.Command. A shell is only
// involved when the command contains shell metacharacters or already starts
// with an explicit "sh -c", which is never wrapped twice.
func (s Spec) BuildCommand() *exec.Cmd {
	return buildCommand(s.Command)
}

func buildCommand(cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		return trueCommand()
	}
	if script, ok := explicitShellScript(cmdStr); ok {
		return shellCommand(script)
	}
	if strings.ContainsAny(cmdStr, shellMeta) {
		return shellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204 -- command comes from the console configuration
	return exec.Command(parts[0], parts[1:]...)
}

// explicitShellScript returns the script following a leading "sh -c".
// One pair of surrounding quotes is stripped so redirections inside the
// script still work.
func explicitShellScript(cmdStr string) (string, bool) {
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		after, ok := strings.CutPrefix(cmdStr, p)
		if !ok {
			continue
		}
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
