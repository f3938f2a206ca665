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

// Package events is a small in-process publish-subscribe bus. Core components
// publish named events; subscribers (CLI status watchers, tests) consume them
// over buffered channels and share no mutable state with the publishers.
package events

import (
	"sync"
	"time"
)

// Kind names the events the monitor publishes.
type Kind string

const (
	// KindStatusChanged fires when the controller changes lifecycle state.
	KindStatusChanged Kind = "status-changed"
	// KindCheckCompleted fires after every finished tick.
	KindCheckCompleted Kind = "check-completed"
	// KindNewAppointments fires when a tick produced rising edges.
	KindNewAppointments Kind = "new-appointments"
	// KindError fires for categorised errors.
	KindError Kind = "error"
	// KindNotificationSent fires after a delivery reported success or
	// partial success.
	KindNotificationSent Kind = "notification-sent"
)

// Event is one published occurrence.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   any
}

const subscriberBuffer = 64

// Bus fans events out to subscribers. Publish never blocks: a subscriber that
// stops draining its channel loses events rather than stalling the monitor
// loop.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber and returns its channel together with
// an unsubscribe function. The channel is closed on unsubscribe.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish delivers the event to every subscriber that has buffer room.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Close unsubscribes everyone.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
