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

package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/slotwatch/slotwatch/lib/appointment"
	"github.com/slotwatch/slotwatch/lib/config"
)

func telegramSettings(apiURL string, format config.TelegramFormat) config.TelegramSettings {
	return config.TelegramSettings{
		BotToken:      "123456:test-token",
		ChatID:        "-100200300",
		MessageFormat: format,
		APIURL:        apiURL,
	}
}

func testMessage() Message {
	slot := available("a")
	slot.Location = "Azadi Center"
	slot.Price = 45_000_000
	slot.RegistrationURL = "https://example.com/register/1001"
	return Message{
		Appointments: []appointment.Appointment{slot},
		Timestamp:    time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
	}
}

func TestTelegramSendsBotAPIRequest(t *testing.T) {
	var gotPath string
	var gotBody sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	ch, err := NewTelegramChannel(TelegramConfig{
		Settings: telegramSettings(srv.URL, config.TelegramSimple),
	})
	require.NoError(t, err)
	require.NoError(t, ch.Send(context.Background(), testMessage()))

	require.Equal(t, "/bot123456:test-token/sendMessage", gotPath)
	require.Equal(t, "-100200300", gotBody.ChatID)
	require.Equal(t, "HTML", gotBody.ParseMode)
	require.True(t, gotBody.DisableLinkPreview)
	require.Contains(t, gotBody.Text, notificationTitle)
	require.Contains(t, gotBody.Text, "2026-03-14")
}

func TestTelegramClientErrorIsNotRetried(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, `{"ok":false,"description":"Forbidden"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	ch, err := NewTelegramChannel(TelegramConfig{
		Settings: telegramSettings(srv.URL, config.TelegramSimple),
	})
	require.NoError(t, err)

	err = ch.Send(context.Background(), testMessage())
	require.Error(t, err)
	require.EqualValues(t, 1, attempts.Load())
}

func TestTelegramRetriesServerErrors(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			http.Error(w, `{"ok":false}`, http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	ch, err := NewTelegramChannel(TelegramConfig{
		Settings: telegramSettings(srv.URL, config.TelegramSimple),
		Clock:    clock,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- ch.Send(context.Background(), testMessage()) }()

	// First retry waits 1s, second 2s.
	clock.BlockUntil(1)
	clock.Advance(time.Second)
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)

	require.NoError(t, <-done)
	require.EqualValues(t, 3, attempts.Load())
}

func TestTelegramHonorsRetryAfter(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.Header().Set("Retry-After", "5")
			http.Error(w, `{"ok":false}`, http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	ch, err := NewTelegramChannel(TelegramConfig{
		Settings: telegramSettings(srv.URL, config.TelegramSimple),
		Clock:    clock,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- ch.Send(context.Background(), testMessage()) }()

	clock.BlockUntil(1)
	// The server asked for 5s; the default 1s backoff must not fire early.
	clock.Advance(time.Second)
	select {
	case err := <-done:
		t.Fatalf("send finished before the retry-after window: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	clock.Advance(4 * time.Second)

	require.NoError(t, <-done)
	require.EqualValues(t, 2, attempts.Load())
}

func TestTelegramSendCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"ok":false}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	ch, err := NewTelegramChannel(TelegramConfig{
		Settings: telegramSettings(srv.URL, config.TelegramSimple),
		Clock:    clock,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Send(ctx, testMessage()) }()

	clock.BlockUntil(1)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestTelegramUnconfiguredFailsFast(t *testing.T) {
	ch, err := NewTelegramChannel(TelegramConfig{})
	require.NoError(t, err)
	err = ch.Send(context.Background(), testMessage())
	require.True(t, trace.IsBadParameter(err))
}

func TestTelegramDetailedFormat(t *testing.T) {
	ch, err := NewTelegramChannel(TelegramConfig{
		Settings: telegramSettings(telegramAPIURL, config.TelegramDetailed),
	})
	require.NoError(t, err)

	text := ch.formatMessage(testMessage())
	require.Contains(t, text, "<b>2026-03-14 09:00-12:00</b>")
	require.Contains(t, text, "Tehran, Azadi Center")
	require.Contains(t, text, `<a href="https://example.com/register/1001">Register</a>`)
	require.Contains(t, text, "45000000")
}

func TestTelegramSimpleFormatEscapesHTML(t *testing.T) {
	ch, err := NewTelegramChannel(TelegramConfig{
		Settings: telegramSettings(telegramAPIURL, config.TelegramSimple),
	})
	require.NoError(t, err)

	slot := available("a")
	slot.City = "Tehran <script>"
	text := ch.formatMessage(Message{Appointments: []appointment.Appointment{slot}})
	require.NotContains(t, text, "<script>")
	require.Contains(t, text, "&lt;script&gt;")
}
