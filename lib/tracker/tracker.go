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

// Package tracker owns the per-slot lifecycle state machine: which slots
// exist, how their status evolved, and which of them the user has already
// been notified about since the last rising edge. It is the single authority
// for "should we notify this slot?".
package tracker

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/slotwatch/slotwatch/lib/appointment"
	"github.com/slotwatch/slotwatch/lib/defaults"
	"github.com/slotwatch/slotwatch/lib/statuslog"
	"github.com/slotwatch/slotwatch/lib/storage"
)

// StatusChange is one entry in a slot's status history.
type StatusChange struct {
	Timestamp time.Time          `json:"timestamp"`
	Previous  appointment.Status `json:"previous_status"`
	New       appointment.Status `json:"new_status"`
	Reason    string             `json:"reason"`
}

// Reasons recorded in status history entries.
const (
	ReasonFirstSeen    = "first-seen"
	ReasonStatusChange = "status-change"
)

// TrackedAppointment is the tracker's record for one slot.
type TrackedAppointment struct {
	// Appointment is the slot as last observed.
	Appointment appointment.Appointment `json:"appointment"`
	// FirstSeen is when the slot first appeared in a fetch.
	FirstSeen time.Time `json:"first_seen"`
	// LastSeen is when the slot last appeared in a fetch.
	LastSeen time.Time `json:"last_seen"`
	// StatusHistory is the ordered list of observed transitions. It is never
	// empty and its last entry's New equals the current status.
	StatusHistory []StatusChange `json:"status_history"`
	// NotificationsSent counts deliveries acknowledged for this slot.
	NotificationsSent int `json:"notifications_sent"`
}

// Delta is what one processed check result changed.
type Delta struct {
	// NewAvailable are slots that crossed a rising edge this tick: first
	// seen as available, or transitioned into available.
	NewAvailable []appointment.Appointment
	// StatusChanged are previously tracked slots whose status changed.
	StatusChanged []appointment.Appointment
	// Removed are slots absent from this fetch and dropped from tracking.
	Removed []appointment.Appointment
	// AllTracked is a snapshot of every tracked slot after processing.
	AllTracked []TrackedAppointment
}

// Statistics is a read-only summary of tracker state.
type Statistics struct {
	Tracked  int                        `json:"tracked"`
	Notified int                        `json:"notified"`
	ByStatus map[appointment.Status]int `json:"by_status"`
}

// Config configures a Tracker.
type Config struct {
	// Store persists tracking state; nil disables persistence.
	Store *storage.Store
	// StatusLog receives tracker warnings; nil disables them.
	StatusLog *statuslog.Log
	// Clock is the time source.
	Clock clockwork.Clock
	// MaxTrackingDays bounds how long an unseen slot stays in loaded state.
	MaxTrackingDays int
	// PersistDebounce coalesces disk writes.
	PersistDebounce time.Duration
}

// CheckAndSetDefaults fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxTrackingDays <= 0 {
		c.MaxTrackingDays = defaults.MaxTrackingDays
	}
	if c.PersistDebounce <= 0 {
		c.PersistDebounce = defaults.PersistDebounce
	}
	return nil
}

// Tracker is the slot lifecycle state machine. It is owned by the scheduler's
// execution context: Process, Notifiable and MarkNotified must be called from
// a single goroutine, while the read-only views return copies and are safe to
// serve anywhere.
type Tracker struct {
	// mu protects all state; the debounced persist timer fires from its own
	// goroutine and read-only views may be served concurrently.
	mu       sync.Mutex
	cfg      Config
	tracked  map[string]*TrackedAppointment
	notified map[string]time.Time

	persistPending bool
	persistTimer   clockwork.Timer
}

// New creates an empty tracker and, when a store is configured, recovers the
// persisted state from the previous run.
func New(cfg Config) (*Tracker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	t := &Tracker{
		cfg:      cfg,
		tracked:  make(map[string]*TrackedAppointment),
		notified: make(map[string]time.Time),
	}
	if err := t.load(); err != nil {
		return nil, trace.Wrap(err)
	}
	return t, nil
}

func (t *Tracker) load() error {
	if t.cfg.Store == nil {
		return nil
	}
	var tracked map[string]*TrackedAppointment
	if ok, err := t.cfg.Store.Load(defaults.TrackingFile, &tracked); err != nil {
		return trace.Wrap(err)
	} else if ok && tracked != nil {
		t.tracked = tracked
	}
	var notified map[string]time.Time
	if ok, err := t.cfg.Store.Load(defaults.NotifiedFile, &notified); err != nil {
		return trace.Wrap(err)
	} else if ok && notified != nil {
		t.notified = notified
	}
	t.sweep(t.cfg.Clock.Now())
	return nil
}

// Process folds one check result into the tracker and returns the delta. It
// never fails: malformed slots are dropped with a parse-skip warning, and
// duplicate ids within one result resolve to the last occurrence.
func (t *Tracker) Process(result *appointment.CheckResult) Delta {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.cfg.Clock.Now().UTC()
	var delta Delta
	touched := newTouchedSet()

	seen := make(map[string]bool, len(result.Appointments))
	for _, raw := range result.Appointments {
		slot := raw
		if err := slot.CheckAndSetDefaults(); err != nil {
			t.warn(statuslog.EventParseSkip, map[string]any{
				"error": err.Error(), "date": raw.Date, "city": raw.City,
			})
			continue
		}
		if seen[slot.ID] {
			t.warn(statuslog.EventParseSkip, map[string]any{
				"reason": "duplicate id in fetch, last occurrence wins", "id": slot.ID,
			})
			t.reapply(&delta, slot, now, touched)
			continue
		}
		seen[slot.ID] = true
		t.apply(&delta, slot, now, touched)
	}

	for id, rec := range t.tracked {
		if seen[id] {
			continue
		}
		delta.Removed = append(delta.Removed, rec.Appointment)
		delete(t.tracked, id)
		// A removed slot that reappears is a brand-new rising edge.
		delete(t.notified, id)
	}

	t.sweep(now)
	delta.AllTracked = t.snapshot()
	t.schedulePersist()
	return delta
}

// touchedSet records what the current Process call did per slot id, so a
// later duplicate of the same id can undo exactly the earlier occurrence's
// effect and no more.
type touchedSet struct {
	created  map[string]bool
	appended map[string]bool
}

func newTouchedSet() *touchedSet {
	return &touchedSet{created: make(map[string]bool), appended: make(map[string]bool)}
}

// apply folds one well-formed slot into the state.
func (t *Tracker) apply(delta *Delta, slot appointment.Appointment, now time.Time, touched *touchedSet) {
	rec, ok := t.tracked[slot.ID]
	if !ok {
		t.tracked[slot.ID] = &TrackedAppointment{
			Appointment: slot,
			FirstSeen:   now,
			LastSeen:    now,
			StatusHistory: []StatusChange{{
				Timestamp: now,
				Previous:  appointment.StatusUnknown,
				New:       slot.Status,
				Reason:    ReasonFirstSeen,
			}},
		}
		touched.created[slot.ID] = true
		if slot.Status == appointment.StatusAvailable {
			delta.NewAvailable = append(delta.NewAvailable, slot)
		}
		return
	}

	rec.LastSeen = now
	previous := rec.Appointment.Status
	if previous == slot.Status {
		// Same status with refreshed details (price, link) updates the
		// record silently, without a history entry.
		rec.Appointment = slot
		return
	}

	rec.StatusHistory = append(rec.StatusHistory, StatusChange{
		Timestamp: now,
		Previous:  previous,
		New:       slot.Status,
		Reason:    ReasonStatusChange,
	})
	rec.Appointment = slot
	touched.appended[slot.ID] = true

	if previous != appointment.StatusAvailable && slot.Status == appointment.StatusAvailable {
		delta.NewAvailable = append(delta.NewAvailable, slot)
	}
	if previous == appointment.StatusAvailable && slot.Status != appointment.StatusAvailable {
		// Leaving available arms the next rising edge for re-notification.
		delete(t.notified, slot.ID)
	}
	delta.StatusChanged = append(delta.StatusChanged, slot)
}

// reapply handles a duplicate id within a single result: the later occurrence
// must win exactly as if it had been the only one, including withdrawing any
// rising edge the earlier occurrence contributed. Records from earlier calls
// are left alone, only work done by this call is undone.
func (t *Tracker) reapply(delta *Delta, slot appointment.Appointment, now time.Time, touched *touchedSet) {
	delta.NewAvailable = removeID(delta.NewAvailable, slot.ID)
	delta.StatusChanged = removeID(delta.StatusChanged, slot.ID)

	switch {
	case touched.created[slot.ID]:
		// The earlier occurrence created the record; redo it from scratch.
		delete(t.tracked, slot.ID)
		delete(touched.created, slot.ID)
	case touched.appended[slot.ID]:
		// Undo the history entry the earlier occurrence appended.
		rec := t.tracked[slot.ID]
		rec.StatusHistory = rec.StatusHistory[:len(rec.StatusHistory)-1]
		rec.Appointment.Status = rec.StatusHistory[len(rec.StatusHistory)-1].New
		delete(touched.appended, slot.ID)
	}
	t.apply(delta, slot, now, touched)
}

func removeID(slots []appointment.Appointment, id string) []appointment.Appointment {
	out := slots[:0]
	for _, s := range slots {
		if s.ID != id {
			out = append(out, s)
		}
	}
	return out
}

// Notifiable filters the given slots down to those that are available and not
// yet acknowledged since their last rising edge.
func (t *Tracker) Notifiable(slots []appointment.Appointment) []appointment.Appointment {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []appointment.Appointment
	for _, s := range slots {
		if s.Status != appointment.StatusAvailable {
			continue
		}
		if _, done := t.notified[s.Key()]; done {
			continue
		}
		out = append(out, s)
	}
	return out
}

// MarkNotified records acknowledged deliveries. Call only after the
// dispatcher reported success or partial success. Non-available slots are
// ignored defensively.
func (t *Tracker) MarkNotified(slots []appointment.Appointment) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.cfg.Clock.Now().UTC()
	for _, s := range slots {
		if s.Status != appointment.StatusAvailable {
			continue
		}
		t.notified[s.Key()] = now
		if rec, ok := t.tracked[s.ID]; ok {
			rec.NotificationsSent++
		}
	}
	t.schedulePersist()
}

// sweep drops records not seen within the tracking window. Mostly relevant
// for state loaded from a previous run.
func (t *Tracker) sweep(now time.Time) {
	horizon := now.Add(-time.Duration(t.cfg.MaxTrackingDays) * 24 * time.Hour)
	for id, rec := range t.tracked {
		if rec.LastSeen.Before(horizon) {
			delete(t.tracked, id)
			delete(t.notified, id)
		}
	}
}

// History returns a copy of the status history for a slot id.
func (t *Tracker) History(id string) ([]StatusChange, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.tracked[id]
	if !ok {
		return nil, false
	}
	out := make([]StatusChange, len(rec.StatusHistory))
	copy(out, rec.StatusHistory)
	return out, true
}

// RecentChanges returns every status change recorded within the window,
// newest first across slots in unspecified order.
func (t *Tracker) RecentChanges(window time.Duration) []StatusChange {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.cfg.Clock.Now().Add(-window)
	var out []StatusChange
	for _, rec := range t.tracked {
		for _, change := range rec.StatusHistory {
			if !change.Timestamp.Before(cutoff) {
				out = append(out, change)
			}
		}
	}
	return out
}

// Statistics returns a summary snapshot.
func (t *Tracker) Statistics() Statistics {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := Statistics{
		Tracked:  len(t.tracked),
		Notified: len(t.notified),
		ByStatus: make(map[appointment.Status]int),
	}
	for _, rec := range t.tracked {
		stats.ByStatus[rec.Appointment.Status]++
	}
	return stats
}

// NotifiedKeys returns a copy of the notified-key set.
func (t *Tracker) NotifiedKeys() map[string]time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]time.Time, len(t.notified))
	for k, v := range t.notified {
		out[k] = v
	}
	return out
}

// Clear drops all tracked state, or only the notified keys.
func (t *Tracker) Clear(notifiedOnly bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.notified = make(map[string]time.Time)
	if !notifiedOnly {
		t.tracked = make(map[string]*TrackedAppointment)
	}
	t.schedulePersist()
}

func (t *Tracker) snapshot() []TrackedAppointment {
	out := make([]TrackedAppointment, 0, len(t.tracked))
	for _, rec := range t.tracked {
		copied := *rec
		copied.StatusHistory = make([]StatusChange, len(rec.StatusHistory))
		copy(copied.StatusHistory, rec.StatusHistory)
		out = append(out, copied)
	}
	return out
}

// schedulePersist arms the debounced save: at most one disk write per
// debounce window, with Flush forcing the write synchronously.
func (t *Tracker) schedulePersist() {
	if t.cfg.Store == nil || t.persistPending {
		return
	}
	t.persistPending = true
	t.persistTimer = t.cfg.Clock.AfterFunc(t.cfg.PersistDebounce, func() {
		t.Flush()
	})
}

// Flush writes the state out immediately. Called by the debounce timer and
// synchronously on graceful shutdown.
func (t *Tracker) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cfg.Store == nil {
		return nil
	}
	if t.persistTimer != nil {
		t.persistTimer.Stop()
		t.persistTimer = nil
	}
	t.persistPending = false
	if err := t.cfg.Store.Save(defaults.TrackingFile, t.tracked); err != nil {
		return trace.Wrap(err)
	}
	if err := t.cfg.Store.Save(defaults.NotifiedFile, t.notified); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

func (t *Tracker) warn(event string, details map[string]any) {
	if t.cfg.StatusLog != nil {
		t.cfg.StatusLog.Warn(event, details)
	}
}
