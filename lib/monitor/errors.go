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

package monitor

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/slotwatch/slotwatch/lib/defaults"
	"github.com/slotwatch/slotwatch/lib/events"
	"github.com/slotwatch/slotwatch/lib/fetch"
	"github.com/slotwatch/slotwatch/lib/statuslog"
)

// ErrorCategory routes an error to its recovery policy.
type ErrorCategory string

const (
	// CategoryNetwork covers transport failures and timeouts; transient, the
	// next tick retries.
	CategoryNetwork ErrorCategory = "network"
	// CategoryRateLimited means the upstream asked us to back off.
	CategoryRateLimited ErrorCategory = "rate-limited"
	// CategoryParse means the page loaded but the structure was absent.
	CategoryParse ErrorCategory = "parse"
	// CategoryConfiguration is fatal: the monitor refuses to start or
	// reconfigure.
	CategoryConfiguration ErrorCategory = "configuration"
	// CategoryFilesystem degrades: the affected state file is rewritten on
	// the next tick.
	CategoryFilesystem ErrorCategory = "filesystem"
	// CategoryNotification stays contained to the dispatcher.
	CategoryNotification ErrorCategory = "notification"
	// CategoryCritical transitions the controller to ERROR.
	CategoryCritical ErrorCategory = "critical"
)

// Categorize maps an error to its category. Unrecognised errors are treated
// as critical so impossible states stop the monitor instead of looping.
func Categorize(err error) ErrorCategory {
	switch {
	case err == nil:
		return ""
	case isRateLimited(err):
		return CategoryRateLimited
	case fetch.IsNetworkError(err):
		return CategoryNetwork
	case fetch.AsParseError(err) != nil:
		return CategoryParse
	case trace.IsBadParameter(err):
		return CategoryConfiguration
	case trace.IsAccessDenied(err), trace.IsNotFound(err), trace.IsAlreadyExists(err):
		return CategoryFilesystem
	default:
		return CategoryCritical
	}
}

func isRateLimited(err error) bool {
	_, ok := fetch.IsRateLimited(err)
	return ok
}

// ErrorRecord is one categorised error, annotated for the status command and
// the errors log.
type ErrorRecord struct {
	Category  ErrorCategory `json:"category"`
	Operation string        `json:"operation"`
	Component string        `json:"component"`
	Message   string        `json:"message"`
	Count     int           `json:"count"`
}

// errorHandlerConfig configures the central error handler.
type errorHandlerConfig struct {
	// StatusLog receives one error event per handled error.
	StatusLog *statuslog.Log
	// Bus publishes error events to subscribers.
	Bus *events.Bus
	// Log receives a one-line summary per handled error.
	Log *slog.Logger
	// Trace receives the detailed trace report, one NDJSON line per error.
	// The summary channels never carry the full trace.
	Trace io.Writer
	// Clock stamps the trace entries.
	Clock clockwork.Clock
	// Threshold is how many repeats of one signature make an error
	// persistent.
	Threshold int
	// OnPersistent fires once each time a signature crosses the threshold.
	OnPersistent func(rec ErrorRecord)
}

// errorHandler counts error signatures and escalates persistent ones. An
// error is persistent when the same (category, operation) signature repeats
// Threshold times without an intervening success.
type errorHandler struct {
	cfg errorHandlerConfig

	mu     sync.Mutex
	counts map[string]int
}

func newErrorHandler(cfg errorHandlerConfig) *errorHandler {
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaults.PersistentErrorThreshold
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &errorHandler{cfg: cfg, counts: make(map[string]int)}
}

// Handle categorises err, logs it, publishes it and returns the annotated
// record. The caller decides what the category means for control flow.
func (h *errorHandler) Handle(component, operation string, err error) ErrorRecord {
	return h.HandleAs(Categorize(err), component, operation, err)
}

// HandleAs is Handle with the category decided by the caller, for boundaries
// that know better than the generic mapping.
func (h *errorHandler) HandleAs(category ErrorCategory, component, operation string, err error) ErrorRecord {
	signature := string(category) + "/" + component + "/" + operation

	h.mu.Lock()
	h.counts[signature]++
	count := h.counts[signature]
	h.mu.Unlock()

	rec := ErrorRecord{
		Category:  category,
		Operation: operation,
		Component: component,
		Message:   err.Error(),
		Count:     count,
	}

	h.cfg.Log.Error("Monitor error.",
		"category", category, "component", component, "operation", operation,
		"count", count, "error", err)
	h.writeTrace(rec, err)
	if h.cfg.StatusLog != nil {
		h.cfg.StatusLog.Error(statuslog.EventError, map[string]any{
			"category":  string(category),
			"component": component,
			"operation": operation,
			"message":   err.Error(),
			"count":     count,
		})
	}
	if h.cfg.Bus != nil {
		h.cfg.Bus.Publish(events.Event{Kind: events.KindError, Payload: rec})
	}

	if count == h.cfg.Threshold && h.cfg.OnPersistent != nil {
		h.cfg.OnPersistent(rec)
	}
	return rec
}

// errorTraceEntry is one line of the errors log.
type errorTraceEntry struct {
	Timestamp time.Time     `json:"timestamp"`
	Category  ErrorCategory `json:"category"`
	Component string        `json:"component"`
	Operation string        `json:"operation"`
	Count     int           `json:"count"`
	Report    string        `json:"report"`
}

// writeTrace appends the full trace report to the errors log. Write failures
// are dropped: the summary channels already carried the error.
func (h *errorHandler) writeTrace(rec ErrorRecord, err error) {
	if h.cfg.Trace == nil {
		return
	}
	data, mErr := json.Marshal(errorTraceEntry{
		Timestamp: h.cfg.Clock.Now().UTC(),
		Category:  rec.Category,
		Component: rec.Component,
		Operation: rec.Operation,
		Count:     rec.Count,
		Report:    trace.DebugReport(err),
	})
	if mErr != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg.Trace.Write(append(data, '\n'))
}

// openErrorsLog opens the rotating detailed-trace log, probing the path
// first: a monitor that cannot record its error traces refuses to start.
func openErrorsLog(path string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	probe, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if err := probe.Close(); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    defaults.LogMaxSizeMB,
		MaxBackups: defaults.LogMaxFiles,
	}, nil
}

// Reset clears the repeat counter for a signature after a success, so only
// uninterrupted repeats count towards persistence.
func (h *errorHandler) Reset(component, operation string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	suffix := "/" + component + "/" + operation
	for signature := range h.counts {
		if strings.HasSuffix(signature, suffix) {
			delete(h.counts, signature)
		}
	}
}
