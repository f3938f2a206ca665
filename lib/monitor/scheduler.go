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

// Package monitor is the monitoring engine: the periodic check loop, the
// lifecycle controller around it, session accounting and the central error
// handler. One tick fetches the timetable, folds the result into the tracker,
// notifies rising edges through the dispatcher and persists what changed.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/slotwatch/slotwatch/lib/appointment"
	"github.com/slotwatch/slotwatch/lib/config"
	"github.com/slotwatch/slotwatch/lib/defaults"
	"github.com/slotwatch/slotwatch/lib/dispatch"
	"github.com/slotwatch/slotwatch/lib/events"
	"github.com/slotwatch/slotwatch/lib/fetch"
	"github.com/slotwatch/slotwatch/lib/statuslog"
	"github.com/slotwatch/slotwatch/lib/storage"
	"github.com/slotwatch/slotwatch/lib/tracker"
)

// Dispatcher is the slice of dispatch.Dispatcher the scheduler needs.
type Dispatcher interface {
	Send(ctx context.Context, slots []appointment.Appointment, settings config.NotificationSettings) dispatch.DeliveryReport
}

// parseRetryDelay is the pause before the single in-tick retry of a parse
// failure.
const parseRetryDelay = 2 * time.Second

// schedulerConfig wires the scheduler's collaborators. All fields are
// required unless noted.
type schedulerConfig struct {
	Fetcher    fetch.Fetcher
	Tracker    *tracker.Tracker
	Dispatcher Dispatcher
	// Store captures inspection data on repeated parse failures; optional.
	Store     *storage.Store
	StatusLog *statuslog.Log
	Bus       *events.Bus
	Session   *sessionTracker
	History   *checkHistory
	Errors    *errorHandler
	Clock     clockwork.Clock
	Log       *slog.Logger
	// Limiter floors the effective poll rate independently of the
	// configured interval.
	Limiter *rate.Limiter
	// Metrics is optional.
	Metrics *Metrics
	// OnFatal is called when a tick hits a critical or configuration error;
	// the callback must not block.
	OnFatal func(rec ErrorRecord)
}

// scheduler drives the periodic loop. Ticks are strictly serialized: a tick
// that overruns the interval is followed immediately by the next one, with no
// parallel reentry and no accumulated drift.
type scheduler struct {
	cfg schedulerConfig

	// mu guards the live monitor config, swapped by reconfigure.
	mu         sync.Mutex
	monitorCfg *config.Config
}

func newScheduler(cfg schedulerConfig, monitorCfg *config.Config) *scheduler {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = rate.NewLimiter(rate.Every(defaults.MinCheckInterval), 1)
	}
	return &scheduler{cfg: cfg, monitorCfg: monitorCfg}
}

func (s *scheduler) config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitorCfg
}

// setConfig swaps the live config. Called by the controller while the loop is
// not running.
func (s *scheduler) setConfig(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitorCfg = cfg
}

// run executes ticks until stop is closed or ctx is cancelled. Closing stop
// lets the current tick finish (graceful); cancelling ctx aborts the tick at
// its next suspension point (hard).
func (s *scheduler) run(ctx context.Context, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		start := s.cfg.Clock.Now()
		extraDelay := s.tick(ctx)

		wait := s.config().CheckInterval() - s.cfg.Clock.Since(start)
		if extraDelay > wait {
			wait = extraDelay
		}
		if wait <= 0 {
			// Overrun: the next tick fires immediately.
			continue
		}
		select {
		case <-s.cfg.Clock.After(wait):
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick runs one fetch-process-notify cycle and returns an extra delay to
// apply before the next tick (rate-limit backoff), zero normally.
func (s *scheduler) tick(ctx context.Context) time.Duration {
	cfg := s.config()
	start := s.cfg.Clock.Now()
	s.cfg.StatusLog.Info(statuslog.EventCheckStarted, map[string]any{
		"cities": cfg.Cities, "months": cfg.Months,
	})

	if err := s.cfg.Limiter.Wait(ctx); err != nil {
		return 0
	}

	result, err := s.fetch(ctx, cfg)
	if err != nil {
		return s.handleFetchError(err, start)
	}
	s.cfg.Errors.Reset("fetcher", "fetch")

	delta := s.cfg.Tracker.Process(result)
	if len(delta.NewAvailable) > 0 {
		s.cfg.StatusLog.Info(statuslog.EventNewAppointments, map[string]any{
			"count": len(delta.NewAvailable),
		})
		s.cfg.Bus.Publish(events.Event{Kind: events.KindNewAppointments, Payload: delta.NewAvailable})
	}

	notified := s.notify(ctx, cfg, delta)

	duration := s.cfg.Clock.Since(start)
	s.cfg.Session.RecordCheck()
	stats := s.cfg.Tracker.Statistics()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ChecksTotal.Inc()
		s.cfg.Metrics.CheckDuration.Observe(duration.Seconds())
		s.cfg.Metrics.TrackedSlots.Set(float64(stats.Tracked))
		s.cfg.Metrics.AvailableSlots.Set(float64(stats.ByStatus[appointment.StatusAvailable]))
	}

	rec := CheckRecord{
		Timestamp:        start.UTC(),
		SessionID:        s.cfg.Session.Snapshot().ID,
		Duration:         duration,
		AppointmentCount: result.AppointmentCount,
		AvailableCount:   result.AvailableCount,
		NewAvailable:     len(delta.NewAvailable),
		StatusChanged:    len(delta.StatusChanged),
		Removed:          len(delta.Removed),
		Notified:         notified,
	}
	if err := s.cfg.History.Append(rec); err != nil {
		s.cfg.Log.Warn("Could not persist check history.", "error", err)
	}
	s.cfg.StatusLog.Info(statuslog.EventCheckCompleted, map[string]any{
		"duration_ms":    duration.Milliseconds(),
		"appointments":   result.AppointmentCount,
		"available":      result.AvailableCount,
		"new_available":  len(delta.NewAvailable),
		"status_changed": len(delta.StatusChanged),
		"removed":        len(delta.Removed),
		"notified":       notified,
	})
	s.cfg.Bus.Publish(events.Event{Kind: events.KindCheckCompleted, Payload: rec})
	return 0
}

// fetch runs one bounded fetch, retrying a parse failure once after a short
// delay. A second parse failure persists the inspection capture.
func (s *scheduler) fetch(ctx context.Context, cfg *config.Config) (*appointment.CheckResult, error) {
	result, err := s.fetchOnce(ctx, cfg)
	if err == nil || fetch.AsParseError(err) == nil {
		return result, err
	}

	select {
	case <-s.cfg.Clock.After(parseRetryDelay):
	case <-ctx.Done():
		return nil, err
	}
	result, err = s.fetchOnce(ctx, cfg)
	if pe := fetch.AsParseError(err); pe != nil {
		s.recordInspection(pe)
	}
	return result, err
}

func (s *scheduler) fetchOnce(ctx context.Context, cfg *config.Config) (*appointment.CheckResult, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, defaults.FetchTimeout)
	defer cancel()
	return s.cfg.Fetcher.Fetch(fetchCtx, cfg.Filters())
}

// recordInspection persists the parse diagnostic capture for the inspect
// command.
func (s *scheduler) recordInspection(pe *fetch.ParseError) {
	if pe.Inspection == nil || s.cfg.Store == nil {
		return
	}
	if err := s.cfg.Store.Save(defaults.InspectionFile, pe.Inspection); err != nil {
		s.cfg.Log.Warn("Could not persist inspection data.", "error", err)
	}
}

func (s *scheduler) handleFetchError(err error, start time.Time) time.Duration {
	rec := s.cfg.Errors.Handle("fetcher", "fetch", err)
	s.cfg.Session.RecordError(rec)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.CheckErrors.WithLabelValues(string(rec.Category)).Inc()
	}
	if err := s.cfg.History.Append(CheckRecord{
		Timestamp:     start.UTC(),
		SessionID:     s.cfg.Session.Snapshot().ID,
		Duration:      s.cfg.Clock.Since(start),
		Error:         rec.Message,
		ErrorCategory: rec.Category,
	}); err != nil {
		s.cfg.Log.Warn("Could not persist check history.", "error", err)
	}

	switch rec.Category {
	case CategoryCritical, CategoryConfiguration:
		if s.cfg.OnFatal != nil {
			s.cfg.OnFatal(rec)
		}
	case CategoryRateLimited:
		if retryAfter, ok := fetch.IsRateLimited(err); ok {
			return retryAfter
		}
	}
	return 0
}

// notify delivers the available slots that are still unacknowledged and
// marks them notified when the dispatcher reports success or partial
// success. Candidates come from the full tracked set, not just this tick's
// rising edges: a slot whose delivery failed on a previous tick stays
// eligible until a delivery is acknowledged or its status leaves available.
func (s *scheduler) notify(ctx context.Context, cfg *config.Config, delta tracker.Delta) int {
	available := make([]appointment.Appointment, 0, len(delta.NewAvailable))
	for _, rec := range delta.AllTracked {
		if rec.Appointment.Status == appointment.StatusAvailable {
			available = append(available, rec.Appointment)
		}
	}
	candidates := s.cfg.Tracker.Notifiable(available)
	if len(candidates) == 0 {
		return 0
	}

	report := s.cfg.Dispatcher.Send(ctx, candidates, cfg.NotificationSettings)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.NotificationsTotal.WithLabelValues(string(report.Status)).Inc()
	}
	if !report.Status.Acknowledged() {
		rec := s.cfg.Errors.HandleAs(CategoryNotification, "dispatcher", "send",
			deliveryError{report: report})
		s.cfg.Session.RecordError(rec)
		return 0
	}

	s.cfg.Tracker.MarkNotified(candidates)
	s.cfg.Errors.Reset("dispatcher", "send")
	s.cfg.Session.RecordNotification()
	s.cfg.StatusLog.Info(statuslog.EventNotificationSent, map[string]any{
		"count":    len(candidates),
		"channels": report.Channels,
		"status":   string(report.Status),
	})
	s.cfg.Bus.Publish(events.Event{Kind: events.KindNotificationSent, Payload: report})
	return len(candidates)
}

// deliveryError adapts a failed delivery report to an error for the handler.
type deliveryError struct {
	report dispatch.DeliveryReport
}

func (e deliveryError) Error() string {
	if e.report.Reason != "" {
		return "notification delivery failed: " + e.report.Reason
	}
	msg := "notification delivery failed on every channel"
	for name, chErr := range e.report.Errors {
		msg += "; " + name + ": " + chErr
	}
	return msg
}
