package service

import (
	"fmt"
	"strings"
)

// Name identifies one of the supervised services. The set is closed.
type Name string

const (
	Webserver Name = "webserver"
	Task      Name = "task"
	Extract   Name = "extract"
)

// All lists every known service in canonical order.
var All = []Name{Webserver, Task, Extract}

// DefaultPorts maps services to the port they listen on. Task has none.
var DefaultPorts = map[Name]int{
	Webserver: 8000,
	Extract:   8001,
}

// Parse validates s against the closed set of service names.
func Parse(s string) (Name, error) {
	n := Name(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range All {
		if n == known {
			return n, nil
		}
	}
	return "", &UnknownServiceError{Name: s}
}

func (n Name) String() string { return string(n) }

// Status is the lifecycle state of a service.
type Status int

const (
	Stopped Status = iota
	Starting
	Running
	Error
)

func (s Status) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "stopped":
		*s = Stopped
	case "starting":
		*s = Starting
	case "running":
		*s = Running
	case "error":
		*s = Error
	default:
		return fmt.Errorf("unknown status %q", string(b))
	}
	return nil
}

// allowed lists the legal edges of the lifecycle state machine.
var allowed = map[Status][]Status{
	Stopped:  {Starting},
	Starting: {Running, Error},
	Running:  {Stopped, Error},
	Error:    {Starting},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}
