package client

import "time"

// ServiceRecord is the lifecycle record of one service.
type ServiceRecord struct {
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	PID        int       `json:"pid,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	LastOutput string    `json:"last_output,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// LogEntry is one line of the console log.
type LogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// PortStatus is the result of probing one TCP port.
type PortStatus struct {
	Active bool   `json:"active"`
	Status string `json:"status"`
}

// ProcessStatus is the result of probing one service process.
type ProcessStatus struct {
	Running    bool    `json:"running"`
	PID        int     `json:"pid,omitempty"`
	Status     string  `json:"status"`
	MemoryRSS  uint64  `json:"memory_rss,omitempty"`
	CPUPercent float64 `json:"cpu_percent,omitempty"`
}

// DiagnosticsReport is the result of a full diagnostics pass.
type DiagnosticsReport struct {
	ID               string                   `json:"id"`
	GeneratedAt      time.Time                `json:"generated_at"`
	BackendConnected bool                     `json:"backend_connected"`
	PortStatuses     map[int]PortStatus       `json:"port_statuses"`
	Services         map[string]ServiceRecord `json:"services"`
	Processes        map[string]ProcessStatus `json:"processes"`
	Output           map[string][]string      `json:"output,omitempty"`
	Recommendations  []string                 `json:"recommendations"`
}

// PortTest is the response of a single port test.
type PortTest struct {
	Port   int    `json:"port"`
	Active bool   `json:"active"`
	Status string `json:"status"`
}

// ServiceLogs is the output tail of one service.
type ServiceLogs struct {
	Service string   `json:"service"`
	Lines   []string `json:"lines"`
}

// Recommendations is the troubleshooting result for one service.
type Recommendations struct {
	Service         string   `json:"service"`
	Recommendations []string `json:"recommendations"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Token is a bearer token issued by Login.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}
