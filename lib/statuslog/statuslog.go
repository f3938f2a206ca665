/*
Copyright 2025 Slotwatch Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package statuslog is the monitor's append-only event log: one JSON object
// per line, level-gated, rotated by size. It is distinct from the
// notifications log the dispatcher writes.
package statuslog

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/slotwatch/slotwatch/lib/defaults"
)

// Level is the event severity. The zero value gates nothing out.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the wire form of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// ParseLevel maps a config string to a level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, trace.BadParameter("unknown log level %q", s)
}

// Event names emitted by the monitor core.
const (
	EventSessionStarted   = "session-started"
	EventSessionEnded     = "session-ended"
	EventCheckStarted     = "check-started"
	EventCheckCompleted   = "check-completed"
	EventStatusChanged    = "status-changed"
	EventNewAppointments  = "new-appointments"
	EventNotificationSent = "notification-sent"
	EventError            = "error"
	EventParseSkip        = "parse-skip"
	EventStateChanged     = "state-changed"
	EventReconfigured     = "reconfigured"
)

// Entry is one logged event line.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Event     string         `json:"event"`
	Details   map[string]any `json:"details,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

// Config configures a status log.
type Config struct {
	// Path is the log file location.
	Path string
	// Severity gates events below this level.
	Severity Level
	// MaxSizeMB triggers rotation once the file grows past this size.
	MaxSizeMB int
	// MaxFiles bounds how many rotated files are kept.
	MaxFiles int
	// SessionID is stamped on every entry; may be updated per session.
	SessionID string
	// Clock is the time source, defaults to the real clock.
	Clock clockwork.Clock
	// Writer overrides the rotating file writer, used in tests.
	Writer io.WriteCloser
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Path == "" && c.Writer == nil {
		return trace.BadParameter("missing status log path")
	}
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = defaults.LogMaxSizeMB
	}
	if c.MaxFiles <= 0 {
		c.MaxFiles = defaults.LogMaxFiles
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Log is the append-only status log. Safe for concurrent use.
type Log struct {
	mu        sync.Mutex
	writer    io.WriteCloser
	severity  Level
	sessionID string
	clock     clockwork.Clock

	stats Statistics
}

// Statistics aggregates per-session counters served by the status command.
type Statistics struct {
	ChecksPerformed   int `json:"checks_performed"`
	NotificationsSent int `json:"notifications_sent"`
	Errors            int `json:"errors"`
}

// New opens (or creates) the status log at the configured path.
func New(cfg Config) (*Log, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	w := cfg.Writer
	if w == nil {
		w = &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxFiles,
		}
	}
	return &Log{
		writer:    w,
		severity:  cfg.Severity,
		sessionID: cfg.SessionID,
		clock:     cfg.Clock,
	}, nil
}

// SetSession stamps subsequent entries with a new session id and resets the
// session counters.
func (l *Log) SetSession(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessionID = id
	l.stats = Statistics{}
}

// SetSeverity changes the gating level at runtime (reconfigure).
func (l *Log) SetSeverity(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.severity = level
}

// Emit appends one event line. Events below the gating level are dropped.
// Write failures are returned but callers treat them as non-fatal.
func (l *Log) Emit(level Level, event string, details map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch event {
	case EventCheckCompleted:
		l.stats.ChecksPerformed++
	case EventNotificationSent:
		l.stats.NotificationsSent++
	case EventError:
		l.stats.Errors++
	}
	if level < l.severity {
		return nil
	}
	entry := Entry{
		Timestamp: l.clock.Now().UTC(),
		Level:     level.String(),
		Event:     event,
		Details:   details,
		SessionID: l.sessionID,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := l.writer.Write(append(line, '\n')); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// Debug, Info, Warn and Error are level-bound shorthands for Emit.
func (l *Log) Debug(event string, details map[string]any) error {
	return l.Emit(LevelDebug, event, details)
}

func (l *Log) Info(event string, details map[string]any) error {
	return l.Emit(LevelInfo, event, details)
}

func (l *Log) Warn(event string, details map[string]any) error {
	return l.Emit(LevelWarn, event, details)
}

func (l *Log) Error(event string, details map[string]any) error {
	return l.Emit(LevelError, event, details)
}

// Statistics returns a copy of the session counters.
func (l *Log) Statistics() Statistics {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Close flushes and closes the underlying writer.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return trace.Wrap(l.writer.Close())
}

// MaskSecret hides the tail of a sensitive value, keeping between 3 and 10
// leading characters so log lines stay correlatable without leaking tokens.
func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	keep := len(s) / 3
	if keep < 3 {
		keep = 3
	}
	if keep > 10 {
		keep = 10
	}
	if keep >= len(s) {
		keep = len(s) - 1
	}
	if keep < 1 {
		return "***"
	}
	return s[:keep] + "***"
}
