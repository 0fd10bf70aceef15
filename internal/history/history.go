package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart EventType = "start" // service reached running
	EventStop  EventType = "stop"  // service stopped on request
	EventError EventType = "error" // start failed or process died
	EventAdopt EventType = "adopt" // running process discovered by refresh
)

// Record is the service state captured with an event.
type Record struct {
	Service string `json:"service"`
	PID     int    `json:"pid"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultSendTimeout bounds a single Send performed by a Recorder.
const DefaultSendTimeout = 5 * time.Second

// Recorder fans events out to sinks. Sink failures are logged and never
// reported to the caller.
type Recorder struct {
	sinks   []Sink
	timeout time.Duration
	log     *slog.Logger
}

func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sinks: sinks, timeout: DefaultSendTimeout, log: log}
}

// Enabled reports whether any sink is configured.
func (r *Recorder) Enabled() bool { return r != nil && len(r.sinks) > 0 }

// Record sends e to every sink.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if !r.Enabled() {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	for _, s := range r.sinks {
		sctx, cancel := context.WithTimeout(ctx, r.timeout)
		if err := s.Send(sctx, e); err != nil {
			r.log.Warn("history sink send failed", "event", e.Type, "service", e.Record.Service, "error", err)
		}
		cancel()
	}
}

// Close closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
