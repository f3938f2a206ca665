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

	"github.com/google/uuid"

	"github.com/slotwatch/slotwatch/lib/config"
)

// Session describes one controller run: a fresh id on every start, counters
// accumulated across ticks, and the configuration the run started with.
type Session struct {
	ID                string         `json:"session_id"`
	StartTime         time.Time      `json:"start_time"`
	EndTime           *time.Time     `json:"end_time,omitempty"`
	ChecksPerformed   int            `json:"checks_performed"`
	NotificationsSent int            `json:"notifications_sent"`
	Errors            []ErrorRecord  `json:"errors,omitempty"`
	Configuration     *config.Config `json:"configuration,omitempty"`
}

// sessionTracker is the mutable accounting behind the Session snapshot.
type sessionTracker struct {
	mu      sync.Mutex
	session Session
}

// maxSessionErrors bounds the in-memory error list; older entries roll off.
const maxSessionErrors = 100

func newSession(cfg *config.Config, now time.Time) *sessionTracker {
	return &sessionTracker{session: Session{
		ID:            uuid.NewString(),
		StartTime:     now,
		Configuration: cfg,
	}}
}

func (s *sessionTracker) RecordCheck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session.ChecksPerformed++
}

func (s *sessionTracker) RecordNotification() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session.NotificationsSent++
}

func (s *sessionTracker) RecordError(rec ErrorRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session.Errors = append(s.session.Errors, rec)
	if len(s.session.Errors) > maxSessionErrors {
		s.session.Errors = s.session.Errors[len(s.session.Errors)-maxSessionErrors:]
	}
}

func (s *sessionTracker) End(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session.EndTime = &now
}

// Snapshot returns a copy safe to serve outside the monitor.
func (s *sessionTracker) Snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.session
	out.Errors = append([]ErrorRecord(nil), s.session.Errors...)
	return out
}
