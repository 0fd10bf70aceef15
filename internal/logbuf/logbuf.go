package logbuf

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity is the hard bound on buffered entries.
const DefaultCapacity = 200

// SourceSystem tags entries produced by console-wide operations.
const SourceSystem = "system"

// Level classifies a log entry.
type Level int

const (
	LevelInfo Level = iota
	LevelSuccess
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelSuccess:
		return "success"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel converts the textual form produced by String back into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return LevelInfo, nil
	case "success":
		return LevelSuccess, nil
	case "warning", "warn":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Entry is a single console log line. Entries are immutable once appended.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
}

// Observer is notified after every Append, outside the buffer lock.
type Observer func(Entry)

// Buffer keeps the most recent entries newest-first.
//
// When an append pushes the length past the capacity the buffer is cut down
// to the newest half of the capacity in one step, so inserting Cap()+1
// entries into an empty buffer leaves Cap()/2 of them.
type Buffer struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	observer Observer
	now      func() time.Time
}

// New returns a buffer bounded by capacity. Values below 2 fall back to
// DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity < 2 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		entries:  make([]Entry, 0, capacity+1),
		capacity: capacity,
		now:      time.Now,
	}
}

// SetObserver installs a hook called with every appended entry.
func (b *Buffer) SetObserver(o Observer) {
	b.mu.Lock()
	b.observer = o
	b.mu.Unlock()
}

// Append inserts e at the front. Missing ID and Timestamp are filled in.
func (b *Buffer) Append(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Source == "" {
		e.Source = SourceSystem
	}
	b.mu.Lock()
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}
	b.entries = append(b.entries, Entry{})
	copy(b.entries[1:], b.entries[:len(b.entries)-1])
	b.entries[0] = e
	if len(b.entries) > b.capacity {
		keep := b.capacity / 2
		clear(b.entries[keep:])
		b.entries = b.entries[:keep]
	}
	obs := b.observer
	b.mu.Unlock()

	if obs != nil {
		obs(e)
	}
	return e
}

// Add is a convenience wrapper around Append.
func (b *Buffer) Add(source string, level Level, format string, args ...any) Entry {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return b.Append(Entry{Source: source, Level: level, Message: msg})
}

// Clear drops every entry.
func (b *Buffer) Clear() {
	b.mu.Lock()
	clear(b.entries)
	b.entries = b.entries[:0]
	b.mu.Unlock()
}

// Snapshot returns a newest-first copy that later appends do not affect.
func (b *Buffer) Snapshot() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Filter returns a snapshot restricted to one source. An empty source
// matches everything.
func (b *Buffer) Filter(source string) []Entry {
	if source == "" {
		return b.Snapshot()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		if e.Source == source {
			out = append(out, e)
		}
	}
	return out
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

func (b *Buffer) Cap() int { return b.capacity }
