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
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/slotwatch/slotwatch/lib/config"
	"github.com/slotwatch/slotwatch/lib/defaults"
	"github.com/slotwatch/slotwatch/lib/dispatch"
	"github.com/slotwatch/slotwatch/lib/events"
	"github.com/slotwatch/slotwatch/lib/fetch"
	"github.com/slotwatch/slotwatch/lib/statuslog"
	"github.com/slotwatch/slotwatch/lib/storage"
	"github.com/slotwatch/slotwatch/lib/tracker"
)

// State is the controller lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// ControllerConfig configures a Controller. Only Config is required; the
// remaining fields override the default collaborators, mostly in tests.
type ControllerConfig struct {
	// Config is the validated monitor configuration.
	Config *config.Config
	// Fetcher overrides the web fetcher.
	Fetcher fetch.Fetcher
	// Dispatcher overrides the channel dispatcher.
	Dispatcher Dispatcher
	// Clock is the time source.
	Clock clockwork.Clock
	// Log receives operational diagnostics.
	Log *slog.Logger
	// Bus publishes monitor events; created when nil.
	Bus *events.Bus
	// Limiter floors the poll rate; a sane default is derived when nil.
	Limiter *rate.Limiter
	// Metrics enables Prometheus instrumentation when set.
	Metrics *Metrics
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ControllerConfig) CheckAndSetDefaults() error {
	if c.Config == nil {
		return trace.BadParameter("missing monitor configuration")
	}
	if err := c.Config.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.Bus == nil {
		c.Bus = events.NewBus()
	}
	return nil
}

// Controller exposes start/stop/pause/resume/reconfigure as a state machine
// and coordinates graceful shutdown. Exactly one scheduler loop runs while
// the state is running.
type Controller struct {
	cfg ControllerConfig

	store     *storage.Store
	statusLog *statuslog.Log
	errorsLog io.WriteCloser
	tracker   *tracker.Tracker
	handler   *errorHandler
	history   *checkHistory

	fetcher    fetch.Fetcher
	dispatcher Dispatcher

	// op serializes the public lifecycle operations.
	op sync.Mutex
	// mu guards the fields below; never held across a blocking wait.
	mu         sync.Mutex
	state      State
	monitorCfg *config.Config
	session    *sessionTracker
	sched      *scheduler
	baseCtx    context.Context
	runCancel  context.CancelFunc
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// NewController builds the controller and its collaborators: store, status
// log, tracker (recovering persisted state), dispatcher and fetcher.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	store, err := storage.NewStore(cfg.Config.DataDir, cfg.Log)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	severity, err := statuslog.ParseLevel(cfg.Config.Security.LogLevel)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	statusLog, err := statuslog.New(statuslog.Config{
		Path:     filepath.Join(cfg.Config.LogDir, defaults.MonitorLog),
		Severity: severity,
		Clock:    cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	errorsLog, err := openErrorsLog(filepath.Join(cfg.Config.LogDir, defaults.ErrorsLog))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tr, err := tracker.New(tracker.Config{
		Store:     store,
		StatusLog: statusLog,
		Clock:     cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	history, err := newCheckHistory(store, defaults.MaxCheckHistory)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	c := &Controller{
		cfg:        cfg,
		store:      store,
		statusLog:  statusLog,
		errorsLog:  errorsLog,
		tracker:    tr,
		history:    history,
		state:      StateStopped,
		monitorCfg: cfg.Config,
	}
	c.handler = newErrorHandler(errorHandlerConfig{
		StatusLog:    statusLog,
		Bus:          cfg.Bus,
		Log:          cfg.Log,
		Trace:        errorsLog,
		Clock:        cfg.Clock,
		OnPersistent: c.persistentAlert,
	})
	if err := c.buildCollaborators(); err != nil {
		return nil, trace.Wrap(err)
	}
	return c, nil
}

// buildCollaborators (re)creates the fetcher and dispatcher from the live
// config, keeping injected overrides.
func (c *Controller) buildCollaborators() error {
	if c.cfg.Fetcher != nil {
		c.fetcher = c.cfg.Fetcher
	} else {
		fetcher, err := fetch.NewWebFetcher(fetch.WebConfig{
			BaseURL: c.monitorCfg.BaseURL,
			Clock:   c.cfg.Clock,
			Log:     c.cfg.Log,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		c.fetcher = fetcher
	}
	if c.cfg.Dispatcher != nil {
		c.dispatcher = c.cfg.Dispatcher
	} else {
		dispatcher, err := dispatch.NewDispatcher(dispatch.Config{
			Clock: c.cfg.Clock,
			Log:   c.cfg.Log,
		}, c.monitorCfg)
		if err != nil {
			return trace.Wrap(err)
		}
		c.dispatcher = dispatcher
	}
	return nil
}

// Start begins monitoring: a new session, a new scheduler loop. Valid from
// stopped and error states.
func (c *Controller) Start(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()

	switch c.State() {
	case StateStopped, StateError:
	default:
		return trace.BadParameter("cannot start while %v", c.State())
	}
	c.setState(StateStarting)

	session := newSession(c.monitorCfg, c.cfg.Clock.Now().UTC())
	c.statusLog.SetSession(session.Snapshot().ID)
	c.statusLog.Info(statuslog.EventSessionStarted, map[string]any{
		"interval_ms": c.monitorCfg.CheckIntervalMS,
		"cities":      c.monitorCfg.Cities,
	})

	c.mu.Lock()
	c.session = session
	c.baseCtx = ctx
	c.sched = c.buildScheduler(session)
	c.mu.Unlock()

	c.startLoop(ctx)
	c.setState(StateRunning)
	return nil
}

func (c *Controller) buildScheduler(session *sessionTracker) *scheduler {
	return newScheduler(schedulerConfig{
		Fetcher:    c.fetcher,
		Tracker:    c.tracker,
		Dispatcher: c.dispatcher,
		Store:      c.store,
		StatusLog:  c.statusLog,
		Bus:        c.cfg.Bus,
		Session:    session,
		History:    c.history,
		Errors:     c.handler,
		Clock:      c.cfg.Clock,
		Log:        c.cfg.Log,
		Limiter:    c.cfg.Limiter,
		Metrics:    c.cfg.Metrics,
		OnFatal:    c.fatal,
	}, c.monitorCfg)
}

// startLoop launches one scheduler loop. Callers hold op.
func (c *Controller) startLoop(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})

	c.mu.Lock()
	sched := c.sched
	c.runCancel = cancel
	c.stopCh = stopCh
	c.doneCh = doneCh
	c.mu.Unlock()

	go func() {
		defer close(doneCh)
		sched.run(runCtx, stopCh)
	}()
}

// stopLoop signals the loop to finish its current tick and waits, bounded by
// the shutdown timeout, then hard-cancels. Callers hold op but not mu.
func (c *Controller) stopLoop() {
	c.mu.Lock()
	stopCh, doneCh, cancel := c.stopCh, c.doneCh, c.runCancel
	c.stopCh, c.doneCh, c.runCancel = nil, nil, nil
	c.mu.Unlock()
	if doneCh == nil {
		return
	}

	close(stopCh)
	select {
	case <-doneCh:
	case <-c.cfg.Clock.After(defaults.ShutdownTimeout):
		cancel()
		<-doneCh
	}
	cancel()
}

// Stop ends the session gracefully: await the current tick, flush state,
// close the session.
func (c *Controller) Stop() error {
	c.op.Lock()
	defer c.op.Unlock()

	switch c.State() {
	case StateRunning, StatePaused, StateError:
	default:
		return trace.BadParameter("cannot stop while %v", c.State())
	}
	c.setState(StateStopping)
	c.stopLoop()

	if err := c.tracker.Flush(); err != nil {
		c.cfg.Log.Warn("Could not flush tracker state on shutdown.", "error", err)
	}

	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session != nil {
		session.End(c.cfg.Clock.Now().UTC())
		snapshot := session.Snapshot()
		c.statusLog.Info(statuslog.EventSessionEnded, map[string]any{
			"checks_performed":   snapshot.ChecksPerformed,
			"notifications_sent": snapshot.NotificationsSent,
			"errors":             len(snapshot.Errors),
		})
	}
	c.setState(StateStopped)
	return nil
}

// Pause suspends the loop without ending the session.
func (c *Controller) Pause() error {
	c.op.Lock()
	defer c.op.Unlock()

	if c.State() != StateRunning {
		return trace.BadParameter("cannot pause while %v", c.State())
	}
	c.stopLoop()
	c.setState(StatePaused)
	return nil
}

// Resume restarts the loop after a pause, same session.
func (c *Controller) Resume() error {
	c.op.Lock()
	defer c.op.Unlock()

	if c.State() != StatePaused {
		return trace.BadParameter("cannot resume while %v", c.State())
	}
	c.mu.Lock()
	ctx := c.baseCtx
	c.mu.Unlock()
	c.startLoop(ctx)
	c.setState(StateRunning)
	return nil
}

// Reconfigure validates newCfg and swaps it in atomically. Tracker state and
// the notified-key set survive: only filters, interval and channel selection
// change for subsequent ticks. Valid while running (the loop is bounced) or
// paused.
func (c *Controller) Reconfigure(newCfg *config.Config) error {
	c.op.Lock()
	defer c.op.Unlock()

	if err := newCfg.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}

	switch c.State() {
	case StateRunning:
		c.stopLoop()
		if err := c.applyConfig(newCfg); err != nil {
			c.setState(StateError)
			return trace.Wrap(err)
		}
		c.mu.Lock()
		ctx := c.baseCtx
		c.mu.Unlock()
		c.startLoop(ctx)
	case StatePaused:
		if err := c.applyConfig(newCfg); err != nil {
			c.setState(StateError)
			return trace.Wrap(err)
		}
	default:
		return trace.BadParameter("cannot reconfigure while %v", c.State())
	}

	c.statusLog.Info(statuslog.EventReconfigured, map[string]any{
		"interval_ms": newCfg.CheckIntervalMS,
		"cities":      newCfg.Cities,
	})
	return nil
}

// applyConfig swaps the live config and rebuilds the config-derived
// collaborators. Callers hold op with the loop stopped.
func (c *Controller) applyConfig(newCfg *config.Config) error {
	severity, err := statuslog.ParseLevel(newCfg.Security.LogLevel)
	if err != nil {
		return trace.Wrap(err)
	}

	c.mu.Lock()
	c.monitorCfg = newCfg
	session := c.session
	c.mu.Unlock()

	if err := c.buildCollaborators(); err != nil {
		return trace.Wrap(err)
	}
	c.statusLog.SetSeverity(severity)

	c.mu.Lock()
	c.sched = c.buildScheduler(session)
	c.mu.Unlock()
	return nil
}

// fatal moves the controller to the error state from inside the loop. It
// must not block: the loop goroutine itself calls it mid-tick.
func (c *Controller) fatal(rec ErrorRecord) {
	c.mu.Lock()
	cancel := c.runCancel
	c.mu.Unlock()

	c.setState(StateError)
	c.cfg.Log.Error("Fatal monitor error, stopping the loop.",
		"category", rec.Category, "error", rec.Message)
	if cancel != nil {
		cancel()
	}
}

// setState records a transition and publishes it.
func (c *Controller) setState(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from == to {
		return
	}
	c.statusLog.Info(statuslog.EventStateChanged, map[string]any{
		"from": string(from), "to": string(to),
	})
	c.cfg.Bus.Publish(events.Event{Kind: events.KindStatusChanged, Payload: to})
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status is the controller snapshot served by the status commands.
type Status struct {
	State        State                `json:"state"`
	Session      *Session             `json:"session,omitempty"`
	Tracker      tracker.Statistics   `json:"tracker"`
	Log          statuslog.Statistics `json:"log"`
	RecentChecks []CheckRecord        `json:"recent_checks,omitempty"`
}

// Status returns a copy of the current monitor state.
func (c *Controller) Status() Status {
	out := Status{
		State:        c.State(),
		Tracker:      c.tracker.Statistics(),
		Log:          c.statusLog.Statistics(),
		RecentChecks: c.history.Recent(10),
	}
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session != nil {
		snapshot := session.Snapshot()
		out.Session = &snapshot
	}
	return out
}

// Events exposes the bus for subscribers (status --watch, tests).
func (c *Controller) Events() *events.Bus {
	return c.cfg.Bus
}

// Tracker exposes the tracker for read-only views and the clear command.
func (c *Controller) Tracker() *tracker.Tracker {
	return c.tracker
}

// History returns up to n recent check records.
func (c *Controller) History(n int) []CheckRecord {
	return c.history.Recent(n)
}

// persistentAlert raises a high-severity event when one error signature
// keeps repeating. The console line is the fallback channel that always
// works.
func (c *Controller) persistentAlert(rec ErrorRecord) {
	c.statusLog.Error(statuslog.EventError, map[string]any{
		"persistent": true,
		"category":   string(rec.Category),
		"component":  rec.Component,
		"operation":  rec.Operation,
		"message":    rec.Message,
		"count":      rec.Count,
	})
	c.cfg.Log.Error("Persistent monitor error.",
		"category", rec.Category, "component", rec.Component,
		"count", rec.Count, "error", rec.Message)
}

// Close releases the controller's resources after a stop.
func (c *Controller) Close() error {
	var errors []error
	if err := c.tracker.Flush(); err != nil {
		errors = append(errors, err)
	}
	if err := c.statusLog.Close(); err != nil {
		errors = append(errors, err)
	}
	if err := c.errorsLog.Close(); err != nil {
		errors = append(errors, err)
	}
	c.cfg.Bus.Close()
	return trace.NewAggregate(errors...)
}
