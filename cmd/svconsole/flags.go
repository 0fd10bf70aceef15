package main

import "time"

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	Output     string // table|json
	Username   string
	Password   string
	Token      string
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	Daemonize     bool
	PidFile       string
	LogFile       string
	StartAll      bool
	MetricsListen string
}

// LogsFlags holds flags for the logs command.
type LogsFlags struct {
	Source string
	Clear  bool
}

// HashPasswordFlags holds flags for the hash-password command.
type HashPasswordFlags struct {
	Cost int
}
