// Package activity keeps the bounded, human-readable trace of orchestrator phase transitions and outcomes.
package activity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultCapacity is the number of entries retained in memory
const DefaultCapacity = 200

// Severity tags an entry
type Severity string

// Severity constants
const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// Entry is one line of the activity log
type Entry struct {
	Time     time.Time `json:"time"`
	Severity Severity  `json:"severity"`
	Phase    string    `json:"phase,omitempty"`
	Message  string    `json:"message"`
}

// String formats the entry the same way it is mirrored to disk
func (e Entry) String() string {
	phase := e.Phase
	if phase == "" {
		phase = "-"
	}
	return fmt.Sprintf("%s %-5s [%s] %s",
		e.Time.UTC().Format(time.RFC3339), string(e.Severity), phase, e.Message)
}

// Log is an append-only ring of entries. A nil *Log discards everything.
type Log struct {
	mu       sync.Mutex
	capacity int
	entries  []Entry
	mirror   string
	now      func() time.Time
	onAppend func(Entry)
}

// Option configures a Log
type Option func(*Log)

// WithCapacity overrides DefaultCapacity
func WithCapacity(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.capacity = n
		}
	}
}

// WithMirror appends every entry to a text file as well
func WithMirror(path string) Option {
	return func(l *Log) {
		l.mirror = path
	}
}

// WithClock sets the timestamp source
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// WithListener is called after each append, outside the lock
func WithListener(fn func(Entry)) Option {
	return func(l *Log) {
		l.onAppend = fn
	}
}

// New creates an empty log
func New(opts ...Option) (*Log, error) {
	l := &Log{
		capacity: DefaultCapacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.mirror != "" {
		if err := os.MkdirAll(filepath.Dir(l.mirror), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create activity log directory: %w", err)
		}
	}
	return l, nil
}

// Append records an entry
func (l *Log) Append(severity Severity, phase, message string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	entry := Entry{
		Time:     l.now(),
		Severity: severity,
		Phase:    phase,
		Message:  strings.TrimSpace(message),
	}
	l.entries = append(l.entries, entry)
	if over := len(l.entries) - l.capacity; over > 0 {
		// Copy so the backing array does not grow without bound
		l.entries = append([]Entry(nil), l.entries[over:]...)
	}
	l.writeMirrorLocked(entry)
	listener := l.onAppend
	l.mu.Unlock()

	if listener != nil {
		listener(entry)
	}
}

// Info appends an informational entry
func (l *Log) Info(phase, format string, args ...any) {
	l.Append(SeverityInfo, phase, fmt.Sprintf(format, args...))
}

// Warn appends a warning entry
func (l *Log) Warn(phase, format string, args ...any) {
	l.Append(SeverityWarn, phase, fmt.Sprintf(format, args...))
}

// Error appends an error entry
func (l *Log) Error(phase, format string, args ...any) {
	l.Append(SeverityError, phase, fmt.Sprintf(format, args...))
}

// Entries returns a copy of the retained entries, oldest first
func (l *Log) Entries() []Entry {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Tail returns up to n of the most recent entries
func (l *Log) Tail(n int) []Entry {
	entries := l.Entries()
	if n <= 0 || len(entries) == 0 {
		return nil
	}
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries
}

// Len returns the number of retained entries
func (l *Log) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// MirrorPath returns the mirror file, if any
func (l *Log) MirrorPath() string {
	if l == nil {
		return ""
	}
	return l.mirror
}

func (l *Log) writeMirrorLocked(entry Entry) {
	if l.mirror == "" {
		return
	}
	file, err := os.OpenFile(l.mirror, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer file.Close()
	_, _ = file.WriteString(entry.String() + "\n")
}
