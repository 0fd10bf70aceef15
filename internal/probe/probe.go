package probe

import (
	"context"

	"github.com/loykin/svconsole/internal/service"
)

// Handle identifies a launched service process.
type Handle struct {
	PID int
}

// ProcessState is what a ProcessProbe observed for one service.
type ProcessState struct {
	Running    bool    `json:"running"`
	PID        int     `json:"pid,omitempty"`
	MemoryRSS  uint64  `json:"memory_rss,omitempty"`
	CPUPercent float64 `json:"cpu_percent,omitempty"`
}

// PortState is what a PortProbe observed for one port.
type PortState struct {
	Active bool `json:"active"`
}

// Launcher starts and stops service processes.
type Launcher interface {
	Launch(ctx context.Context, name service.Name) (Handle, error)
	Stop(ctx context.Context, name service.Name) error
}

// ProcessProbe reports whether a service process is alive.
type ProcessProbe interface {
	IsRunning(ctx context.Context, name service.Name) (ProcessState, error)
}

// PortProbe reports whether something accepts connections on a port.
type PortProbe interface {
	CheckPort(ctx context.Context, port int) (PortState, error)
}

// OutputProbe returns the most recent output lines of a service.
type OutputProbe interface {
	Tail(ctx context.Context, name service.Name, n int) ([]string, error)
}
