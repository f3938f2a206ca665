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

// Package defaults holds tunables shared across the monitor. Values here are
// fallbacks; most of them can be overridden through the configuration file or
// environment variables.
package defaults

import "time"

const (
	// CheckInterval is the default delay between two timetable fetches.
	CheckInterval = 30 * time.Second

	// MinCheckInterval is the lowest poll interval the configuration accepts.
	// Anything faster would hammer the upstream booking site.
	MinCheckInterval = 5 * time.Second

	// MaxCheckInterval caps the poll interval at one hour.
	MaxCheckInterval = time.Hour

	// FetchTimeout bounds a single timetable fetch, including redirects and
	// parsing.
	FetchTimeout = 30 * time.Second

	// TelegramTimeout bounds a single Telegram Bot API call.
	TelegramTimeout = 10 * time.Second

	// LocalChannelTimeout bounds desktop, audio and log-file deliveries.
	LocalChannelTimeout = 2 * time.Second

	// ShutdownTimeout is how long a graceful stop waits for the scheduler to
	// finish its current tick before hard-cancelling.
	ShutdownTimeout = 30 * time.Second

	// PersistDebounce coalesces tracker state writes: at most one disk write
	// per window, plus a mandatory synchronous flush on shutdown.
	PersistDebounce = 2 * time.Second

	// MaxTrackingDays is how long a slot stays tracked after it was last seen
	// in a fetch.
	MaxTrackingDays = 30

	// PersistentErrorThreshold is the number of repeats of the same error
	// signature after which the monitor raises a high-severity notification.
	PersistentErrorThreshold = 5

	// HealthCheckTimeout bounds the upstream reachability probe behind the
	// /health endpoint.
	HealthCheckTimeout = 5 * time.Second

	// MaxCheckHistory bounds the persisted check history ring.
	MaxCheckHistory = 500
)

const (
	// LogMaxSizeMB is the status log rotation threshold.
	LogMaxSizeMB = 5

	// LogMaxFiles is how many rotated status log files are kept around.
	LogMaxFiles = 5
)

const (
	// ConfigPath is the default location of the monitor configuration file.
	ConfigPath = "config/monitor-config.json"

	// DataDir holds the persisted state files.
	DataDir = "data"

	// LogDir holds the event, notification and error logs.
	LogDir = "logs"

	// TrackingFile persists tracked appointments between runs.
	TrackingFile = "appointment-tracking.json"

	// NotifiedFile persists the notified key set between runs.
	NotifiedFile = "notified-appointments.json"

	// InspectionFile persists parser inspection captures.
	InspectionFile = "inspection-data.json"

	// CheckHistoryFile persists the recent check history.
	CheckHistoryFile = "check-history.json"

	// MonitorLog is the general structured event log.
	MonitorLog = "monitor.log"

	// NotificationsLog receives one line per dispatched notification.
	NotificationsLog = "notifications.log"

	// ErrorsLog receives detailed error traces.
	ErrorsLog = "errors.log"

	// PidFile lets the CLI signal a daemonized monitor.
	PidFile = "slotwatch.pid"
)
