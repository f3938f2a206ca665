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
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/slotwatch/slotwatch/lib/defaults"
	"github.com/slotwatch/slotwatch/lib/storage"
)

// CheckRecord is one completed (or failed) tick in the check history.
type CheckRecord struct {
	Timestamp        time.Time     `json:"timestamp"`
	SessionID        string        `json:"session_id"`
	Duration         time.Duration `json:"duration_ns"`
	AppointmentCount int           `json:"appointment_count"`
	AvailableCount   int           `json:"available_count"`
	NewAvailable     int           `json:"new_available"`
	StatusChanged    int           `json:"status_changed"`
	Removed          int           `json:"removed"`
	Notified         int           `json:"notified"`
	Error            string        `json:"error,omitempty"`
	ErrorCategory    ErrorCategory `json:"error_category,omitempty"`
}

// checkHistory is the bounded, persisted ring of recent checks feeding the
// status and server-status commands.
type checkHistory struct {
	mu      sync.Mutex
	store   *storage.Store
	limit   int
	records []CheckRecord
}

// newCheckHistory loads the persisted history; a missing or corrupt file
// yields an empty history.
func newCheckHistory(store *storage.Store, limit int) (*checkHistory, error) {
	if limit <= 0 {
		limit = defaults.MaxCheckHistory
	}
	h := &checkHistory{store: store, limit: limit}
	if store != nil {
		var records []CheckRecord
		if ok, err := store.Load(defaults.CheckHistoryFile, &records); err != nil {
			return nil, trace.Wrap(err)
		} else if ok {
			h.records = records
			h.trim()
		}
	}
	return h, nil
}

// Append records one tick. Persistence failures degrade: the file is
// rewritten on the next append.
func (h *checkHistory) Append(rec CheckRecord) error {
	h.mu.Lock()
	h.records = append(h.records, rec)
	h.trim()
	snapshot := append([]CheckRecord(nil), h.records...)
	h.mu.Unlock()

	if h.store == nil {
		return nil
	}
	return trace.Wrap(h.store.Save(defaults.CheckHistoryFile, snapshot))
}

func (h *checkHistory) trim() {
	if len(h.records) > h.limit {
		h.records = h.records[len(h.records)-h.limit:]
	}
}

// Recent returns up to n records, newest last. n <= 0 returns everything.
func (h *checkHistory) Recent(n int) []CheckRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	records := h.records
	if n > 0 && len(records) > n {
		records = records[len(records)-n:]
	}
	return append([]CheckRecord(nil), records...)
}
