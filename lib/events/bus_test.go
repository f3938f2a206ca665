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

package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch1, cancel1 := bus.Subscribe()
	defer cancel1()
	ch2, cancel2 := bus.Subscribe()
	defer cancel2()

	bus.Publish(Event{Kind: KindCheckCompleted, Payload: 42})

	for _, ch := range []<-chan Event{ch1, ch2} {
		evt := <-ch
		require.Equal(t, KindCheckCompleted, evt.Kind)
		require.Equal(t, 42, evt.Payload)
		require.False(t, evt.Timestamp.IsZero())
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	cancel()
	// Double unsubscribe must be safe.
	cancel()

	_, open := <-ch
	require.False(t, open)

	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{Kind: KindError})
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, cancel := bus.Subscribe()
	defer cancel()

	// Overflow the subscriber buffer; Publish must drop, not block.
	for i := 0; i < subscriberBuffer*2; i++ {
		bus.Publish(Event{Kind: KindStatusChanged})
	}
}

func TestCloseUnsubscribesEveryone(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.Subscribe()
	bus.Close()

	_, open := <-ch
	require.False(t, open)
}
