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

package tracker

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/slotwatch/slotwatch/lib/appointment"
	"github.com/slotwatch/slotwatch/lib/storage"
)

func slot(id string, status appointment.Status) appointment.Appointment {
	return appointment.Appointment{
		ID:       id,
		Date:     "2026-03-14",
		Time:     "09:00-12:00",
		City:     "Tehran",
		ExamType: appointment.ExamIELTS,
		Location: "Azadi Center",
		Status:   status,
	}
}

func result(slots ...appointment.Appointment) *appointment.CheckResult {
	r := appointment.NewCheckResult(slots, "https://example.com", time.Now())
	return &r
}

func newTestTracker(t *testing.T, clock clockwork.Clock) *Tracker {
	t.Helper()
	tr, err := New(Config{Clock: clock})
	require.NoError(t, err)
	return tr
}

func ids(slots []appointment.Appointment) []string {
	out := make([]string, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.ID)
	}
	return out
}

// New available triggers exactly one notification; an unchanged repeat does
// not notify again.
func TestNewAvailableNotifiesOnce(t *testing.T) {
	tr := newTestTracker(t, clockwork.NewFakeClock())

	delta := tr.Process(result(slot("a", appointment.StatusAvailable)))
	require.Equal(t, []string{"a"}, ids(delta.NewAvailable))

	candidates := tr.Notifiable(delta.NewAvailable)
	require.Equal(t, []string{"a"}, ids(candidates))
	tr.MarkNotified(candidates)
	require.Contains(t, tr.NotifiedKeys(), "a")

	// Second fetch, unchanged.
	delta = tr.Process(result(slot("a", appointment.StatusAvailable)))
	require.Empty(t, delta.NewAvailable)
	require.Empty(t, delta.StatusChanged)
	require.Empty(t, tr.Notifiable([]appointment.Appointment{slot("a", appointment.StatusAvailable)}))
}

// Filled to available is a rising edge and re-notifies.
func TestFilledToAvailableRenotifies(t *testing.T) {
	tr := newTestTracker(t, clockwork.NewFakeClock())

	tr.Process(result(slot("a", appointment.StatusFilled)))
	delta := tr.Process(result(slot("a", appointment.StatusAvailable)))

	require.Equal(t, []string{"a"}, ids(delta.NewAvailable))
	require.Equal(t, []string{"a"}, ids(delta.StatusChanged))

	candidates := tr.Notifiable(delta.NewAvailable)
	require.Equal(t, []string{"a"}, ids(candidates))
	tr.MarkNotified(candidates)
	require.Contains(t, tr.NotifiedKeys(), "a")
}

// Available to filled clears the notified flag and is not a rising edge.
func TestAvailableToFilledClearsNotifiedKey(t *testing.T) {
	tr := newTestTracker(t, clockwork.NewFakeClock())

	delta := tr.Process(result(slot("a", appointment.StatusAvailable)))
	tr.MarkNotified(tr.Notifiable(delta.NewAvailable))
	require.Contains(t, tr.NotifiedKeys(), "a")

	delta = tr.Process(result(slot("a", appointment.StatusFilled)))
	require.Empty(t, delta.NewAvailable)
	require.Equal(t, []string{"a"}, ids(delta.StatusChanged))
	require.NotContains(t, tr.NotifiedKeys(), "a")
}

// A full fall-and-rise cycle allows a second notification.
func TestRisingEdgeAfterFallIsEligibleAgain(t *testing.T) {
	tr := newTestTracker(t, clockwork.NewFakeClock())

	delta := tr.Process(result(slot("a", appointment.StatusAvailable)))
	tr.MarkNotified(tr.Notifiable(delta.NewAvailable))

	tr.Process(result(slot("a", appointment.StatusFilled)))
	delta = tr.Process(result(slot("a", appointment.StatusAvailable)))

	candidates := tr.Notifiable(delta.NewAvailable)
	require.Equal(t, []string{"a"}, ids(candidates))
}

// Unknown status never produces a rising edge.
func TestUnknownNeverNotifies(t *testing.T) {
	tr := newTestTracker(t, clockwork.NewFakeClock())

	delta := tr.Process(result(slot("b", appointment.StatusUnknown)))
	require.Empty(t, delta.NewAvailable)
	require.Empty(t, tr.Notifiable([]appointment.Appointment{slot("b", appointment.StatusUnknown)}))

	// Unknown -> available is a rising edge though.
	delta = tr.Process(result(slot("b", appointment.StatusAvailable)))
	require.Equal(t, []string{"b"}, ids(delta.NewAvailable))
}

// A failed delivery leaves the notified set untouched so the next tick
// retries the same slot.
func TestFailedDeliveryKeepsSlotEligible(t *testing.T) {
	tr := newTestTracker(t, clockwork.NewFakeClock())

	delta := tr.Process(result(slot("c", appointment.StatusAvailable)))
	candidates := tr.Notifiable(delta.NewAvailable)
	require.Equal(t, []string{"c"}, ids(candidates))
	// Dispatcher failed: MarkNotified is not called.

	delta = tr.Process(result(slot("c", appointment.StatusAvailable)))
	require.Empty(t, delta.NewAvailable) // not a new edge
	candidates = tr.Notifiable([]appointment.Appointment{slot("c", appointment.StatusAvailable)})
	require.Equal(t, []string{"c"}, ids(candidates))
}

// Absence from a fetch removes the slot; reappearance is a fresh rising edge.
func TestRemovalAndReappearance(t *testing.T) {
	tr := newTestTracker(t, clockwork.NewFakeClock())

	delta := tr.Process(result(
		slot("a", appointment.StatusFilled),
		slot("b", appointment.StatusFilled),
		slot("c", appointment.StatusAvailable),
	))
	tr.MarkNotified(tr.Notifiable(delta.NewAvailable))

	delta = tr.Process(result(
		slot("a", appointment.StatusFilled),
		slot("b", appointment.StatusFilled),
	))
	require.Equal(t, []string{"c"}, ids(delta.Removed))
	require.Equal(t, 2, tr.Statistics().Tracked)
	require.NotContains(t, tr.NotifiedKeys(), "c")

	delta = tr.Process(result(
		slot("a", appointment.StatusFilled),
		slot("b", appointment.StatusFilled),
		slot("c", appointment.StatusAvailable),
	))
	require.Equal(t, []string{"c"}, ids(delta.NewAvailable))
	require.Equal(t, []string{"c"}, ids(tr.Notifiable(delta.NewAvailable)))
}

// Same status with refreshed details updates silently without a history
// entry.
func TestDetailRefreshIsSilent(t *testing.T) {
	tr := newTestTracker(t, clockwork.NewFakeClock())

	tr.Process(result(slot("a", appointment.StatusAvailable)))
	updated := slot("a", appointment.StatusAvailable)
	updated.Price = 999
	delta := tr.Process(result(updated))

	require.Empty(t, delta.StatusChanged)
	history, ok := tr.History("a")
	require.True(t, ok)
	require.Len(t, history, 1)
	require.Len(t, delta.AllTracked, 1)
	require.Equal(t, int64(999), delta.AllTracked[0].Appointment.Price)
}

// Malformed slots are dropped and never tracked.
func TestMalformedSlotsAreDropped(t *testing.T) {
	tr := newTestTracker(t, clockwork.NewFakeClock())

	bad := appointment.Appointment{City: "Tehran", Status: appointment.StatusAvailable}
	delta := tr.Process(result(bad))
	require.Empty(t, delta.NewAvailable)
	require.Zero(t, tr.Statistics().Tracked)
}

// When the same id appears twice in one fetch, the last occurrence wins.
func TestDuplicateIDLastOccurrenceWins(t *testing.T) {
	tr := newTestTracker(t, clockwork.NewFakeClock())

	delta := tr.Process(result(
		slot("a", appointment.StatusAvailable),
		slot("a", appointment.StatusFilled),
	))
	require.Empty(t, delta.NewAvailable)
	require.Equal(t, 1, tr.Statistics().Tracked)
	require.Equal(t, appointment.StatusFilled, delta.AllTracked[0].Appointment.Status)

	history, ok := tr.History("a")
	require.True(t, ok)
	require.Len(t, history, 1)
	require.Equal(t, appointment.StatusFilled, history[0].New)
}

// A duplicate id only undoes work from its own Process call. With the clock
// unadvanced between calls, a record created by an earlier call must survive
// the duplicate, keep its history, and not produce a fresh rising edge.
func TestDuplicateIDKeepsRecordsFromEarlierCalls(t *testing.T) {
	tr := newTestTracker(t, clockwork.NewFakeClock())

	delta := tr.Process(result(slot("a", appointment.StatusAvailable)))
	tr.MarkNotified(tr.Notifiable(delta.NewAvailable))

	// Same instant, duplicate id, status unchanged.
	delta = tr.Process(result(
		slot("a", appointment.StatusAvailable),
		slot("a", appointment.StatusAvailable),
	))
	require.Empty(t, delta.NewAvailable)
	require.Empty(t, delta.StatusChanged)

	history, ok := tr.History("a")
	require.True(t, ok)
	require.Len(t, history, 1)
	require.Equal(t, ReasonFirstSeen, history[0].Reason)
	require.Contains(t, tr.NotifiedKeys(), "a")
	require.Equal(t, 1, delta.AllTracked[0].NotificationsSent)
}

// Status history stays monotonic and its last entry matches the current
// status.
func TestHistoryInvariant(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := newTestTracker(t, clock)

	statuses := []appointment.Status{
		appointment.StatusPending,
		appointment.StatusAvailable,
		appointment.StatusFilled,
		appointment.StatusAvailable,
	}
	for _, st := range statuses {
		tr.Process(result(slot("a", st)))
		clock.Advance(time.Minute)
	}

	history, ok := tr.History("a")
	require.True(t, ok)
	require.Len(t, history, 4)
	for i := 1; i < len(history); i++ {
		require.False(t, history[i].Timestamp.Before(history[i-1].Timestamp))
		require.Equal(t, history[i-1].New, history[i].Previous)
	}
	require.Equal(t, appointment.StatusAvailable, history[len(history)-1].New)
}

// Identical input and state produce an identical delta.
func TestProcessIsDeterministic(t *testing.T) {
	input := result(
		slot("a", appointment.StatusAvailable),
		slot("b", appointment.StatusFilled),
	)

	run := func() Delta {
		tr := newTestTracker(t, clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)))
		return tr.Process(input)
	}
	d1, d2 := run(), run()
	require.Equal(t, ids(d1.NewAvailable), ids(d2.NewAvailable))
	require.Equal(t, ids(d1.StatusChanged), ids(d2.StatusChanged))
	require.Equal(t, ids(d1.Removed), ids(d2.Removed))
	require.Equal(t, len(d1.AllTracked), len(d2.AllTracked))
}

// Tracker state survives a save/load cycle, including notified keys and
// history ordering.
func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))

	store, err := storage.NewStore(dir, nil)
	require.NoError(t, err)
	tr, err := New(Config{Store: store, Clock: clock})
	require.NoError(t, err)

	tr.Process(result(slot("a", appointment.StatusFilled)))
	clock.Advance(time.Minute)
	delta := tr.Process(result(slot("a", appointment.StatusAvailable)))
	tr.MarkNotified(tr.Notifiable(delta.NewAvailable))
	require.NoError(t, tr.Flush())

	restored, err := New(Config{Store: store, Clock: clock})
	require.NoError(t, err)

	history, ok := restored.History("a")
	require.True(t, ok)
	require.Len(t, history, 2)
	require.Equal(t, appointment.StatusAvailable, history[1].New)
	require.Equal(t, tr.NotifiedKeys(), restored.NotifiedKeys())
	require.Equal(t, tr.Statistics(), restored.Statistics())

	// The restored notified set still suppresses re-notification.
	require.Empty(t, restored.Notifiable([]appointment.Appointment{slot("a", appointment.StatusAvailable)}))
}

// The debounce coalesces writes: nothing hits the disk until the window
// elapses.
func TestPersistIsDebounced(t *testing.T) {
	dir := t.TempDir()
	clock := clockwork.NewFakeClock()

	store, err := storage.NewStore(dir, nil)
	require.NoError(t, err)
	tr, err := New(Config{Store: store, Clock: clock, PersistDebounce: 2 * time.Second})
	require.NoError(t, err)

	tr.Process(result(slot("a", appointment.StatusAvailable)))

	var loaded map[string]*TrackedAppointment
	ok, err := store.Load("appointment-tracking.json", &loaded)
	require.NoError(t, err)
	require.False(t, ok, "state must not be written before the debounce window")

	clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool {
		ok, err := store.Load("appointment-tracking.json", &loaded)
		return err == nil && ok
	}, time.Second, 10*time.Millisecond)
	require.Contains(t, loaded, "a")
}

// Records unseen for longer than the tracking window are swept on load.
func TestSweepOnLoad(t *testing.T) {
	dir := t.TempDir()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))

	store, err := storage.NewStore(dir, nil)
	require.NoError(t, err)
	tr, err := New(Config{Store: store, Clock: clock, MaxTrackingDays: 30})
	require.NoError(t, err)
	tr.Process(result(slot("a", appointment.StatusFilled)))
	require.NoError(t, tr.Flush())

	clock.Advance(31 * 24 * time.Hour)
	restored, err := New(Config{Store: store, Clock: clock, MaxTrackingDays: 30})
	require.NoError(t, err)
	require.Zero(t, restored.Statistics().Tracked)
}

func TestRecentChanges(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := newTestTracker(t, clock)

	tr.Process(result(slot("a", appointment.StatusFilled)))
	clock.Advance(2 * time.Hour)
	tr.Process(result(slot("a", appointment.StatusAvailable)))

	recent := tr.RecentChanges(time.Hour)
	require.Len(t, recent, 1)
	require.Equal(t, appointment.StatusAvailable, recent[0].New)
}

func TestClear(t *testing.T) {
	tr := newTestTracker(t, clockwork.NewFakeClock())
	delta := tr.Process(result(slot("a", appointment.StatusAvailable)))
	tr.MarkNotified(tr.Notifiable(delta.NewAvailable))

	tr.Clear(true)
	require.Empty(t, tr.NotifiedKeys())
	require.Equal(t, 1, tr.Statistics().Tracked)

	tr.Clear(false)
	require.Zero(t, tr.Statistics().Tracked)
}
