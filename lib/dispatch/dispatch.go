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

// Package dispatch delivers one notification describing a set of available
// slots across the enabled channels: desktop, audio, log file and Telegram.
// Channels run in parallel and are joined all-settled; each channel owns its
// retry policy and failures stay contained to the delivery report.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/slotwatch/slotwatch/lib/appointment"
	"github.com/slotwatch/slotwatch/lib/config"
	"github.com/slotwatch/slotwatch/lib/defaults"
)

// Channel delivers one message through a single medium.
type Channel interface {
	// Name identifies the channel in reports and logs.
	Name() string
	// Send delivers the message, applying the channel's own retry policy.
	Send(ctx context.Context, msg Message) error
	// Timeout bounds one Send call including retries.
	Timeout() time.Duration
}

// Message is one notification batch. Every appointment is available; the
// dispatcher enforces this before any channel sees the message.
type Message struct {
	// Appointments are the newly available slots, at least one.
	Appointments []appointment.Appointment
	// Timestamp is when the batch was assembled.
	Timestamp time.Time
}

// DeliveryStatus is the overall outcome of one dispatch.
type DeliveryStatus string

const (
	// DeliverySuccess means every enabled channel succeeded.
	DeliverySuccess DeliveryStatus = "success"
	// DeliveryPartial means at least one channel succeeded and one failed.
	DeliveryPartial DeliveryStatus = "partial"
	// DeliveryFailed means every enabled channel failed.
	DeliveryFailed DeliveryStatus = "failed"
)

// Acknowledged reports whether the delivery counts as received by the user,
// i.e. the scheduler should mark the slots notified.
func (s DeliveryStatus) Acknowledged() bool {
	return s == DeliverySuccess || s == DeliveryPartial
}

// DeliveryReport describes one dispatch attempt.
type DeliveryReport struct {
	// Timestamp is when the dispatch finished.
	Timestamp time.Time `json:"timestamp"`
	// AppointmentCount is how many slots the message described.
	AppointmentCount int `json:"appointment_count"`
	// Channels lists the enabled channels in delivery order.
	Channels []string `json:"channels"`
	// Status is the overall outcome.
	Status DeliveryStatus `json:"delivery_status"`
	// Errors maps failed channels to their error strings.
	Errors map[string]string `json:"per_channel_errors,omitempty"`
	// Reason is set when the dispatch failed before reaching any channel.
	Reason string `json:"reason,omitempty"`
}

// Config configures a Dispatcher.
type Config struct {
	// Clock is the time source.
	Clock clockwork.Clock
	// Log receives per-channel warnings.
	Log *slog.Logger
	// Channels are the deliverable channels keyed by name. Built by
	// NewDispatcher from the monitor config when nil.
	Channels map[string]Channel
}

// Dispatcher fans one notification out to the enabled channels.
type Dispatcher struct {
	clock    clockwork.Clock
	log      *slog.Logger
	channels map[string]Channel
}

// Channel names, matching the notification settings fields.
const (
	ChannelDesktop  = "desktop"
	ChannelAudio    = "audio"
	ChannelLogFile  = "logFile"
	ChannelTelegram = "telegram"
)

// NewDispatcher builds a dispatcher with the standard four channels wired
// from the monitor configuration.
func NewDispatcher(cfg Config, monitorCfg *config.Config) (*Dispatcher, error) {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Channels == nil {
		if monitorCfg == nil {
			return nil, trace.BadParameter("missing monitor configuration")
		}
		logFile, err := NewLogFileChannel(LogFileConfig{
			Path:  monitorCfg.LogDir + "/" + defaults.NotificationsLog,
			Clock: cfg.Clock,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		telegram, err := NewTelegramChannel(TelegramConfig{
			Settings: monitorCfg.Telegram,
			Mask:     monitorCfg.Security.MaskSensitiveData,
			Clock:    cfg.Clock,
			Log:      cfg.Log,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		cfg.Channels = map[string]Channel{
			ChannelDesktop:  NewDesktopChannel(),
			ChannelAudio:    NewAudioChannel(),
			ChannelLogFile:  logFile,
			ChannelTelegram: telegram,
		}
	}
	return &Dispatcher{
		clock:    cfg.Clock,
		log:      cfg.Log,
		channels: cfg.Channels,
	}, nil
}

// enabledChannels resolves the channel set the settings select, in stable
// order.
func (d *Dispatcher) enabledChannels(settings config.NotificationSettings) []Channel {
	var out []Channel
	for _, name := range []string{ChannelDesktop, ChannelAudio, ChannelLogFile, ChannelTelegram} {
		enabled := map[string]bool{
			ChannelDesktop:  settings.Desktop,
			ChannelAudio:    settings.Audio,
			ChannelLogFile:  settings.LogFile,
			ChannelTelegram: settings.Telegram,
		}[name]
		if ch, ok := d.channels[name]; ok && enabled {
			out = append(out, ch)
		}
	}
	return out
}

// Send delivers one notification describing the slots through every enabled
// channel. Non-available slots are filtered out defensively; when nothing
// remains the dispatch fails without touching any channel, and the caller
// must not mark anything notified.
func (d *Dispatcher) Send(ctx context.Context, slots []appointment.Appointment, settings config.NotificationSettings) DeliveryReport {
	report := DeliveryReport{
		Timestamp: d.clock.Now().UTC(),
		Errors:    make(map[string]string),
	}

	var available []appointment.Appointment
	for _, s := range slots {
		if s.Status == appointment.StatusAvailable {
			available = append(available, s)
		}
	}
	report.AppointmentCount = len(available)
	if len(available) == 0 {
		report.Status = DeliveryFailed
		report.Reason = "no-available-after-filter"
		return report
	}

	channels := d.enabledChannels(settings)
	if len(channels) == 0 {
		report.Status = DeliveryFailed
		report.Reason = "no-channels-enabled"
		return report
	}

	msg := Message{Appointments: available, Timestamp: report.Timestamp}

	type outcome struct {
		name string
		err  error
	}
	results := make([]outcome, len(channels))
	var wg sync.WaitGroup
	for i, ch := range channels {
		report.Channels = append(report.Channels, ch.Name())
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			chCtx, cancel := context.WithTimeout(ctx, ch.Timeout())
			defer cancel()
			results[i] = outcome{name: ch.Name(), err: ch.Send(chCtx, msg)}
		}(i, ch)
	}
	wg.Wait()

	succeeded := 0
	for _, res := range results {
		if res.err == nil {
			succeeded++
			continue
		}
		report.Errors[res.name] = res.err.Error()
		d.log.Warn("Notification channel failed.", "channel", res.name, "error", res.err)
	}

	switch {
	case succeeded == len(channels):
		report.Status = DeliverySuccess
	case succeeded > 0:
		report.Status = DeliveryPartial
	default:
		report.Status = DeliveryFailed
	}

	report.Timestamp = d.clock.Now().UTC()
	return report
}
