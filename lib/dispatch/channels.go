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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/slotwatch/slotwatch/lib/appointment"
	"github.com/slotwatch/slotwatch/lib/defaults"
)

// Title shown by the desktop channel.
const notificationTitle = "IELTS slots available"

// summaryLine renders the one-line human summary used by the desktop channel
// and the simple Telegram format.
func summaryLine(slots []appointment.Appointment) string {
	if len(slots) == 1 {
		s := slots[0]
		return fmt.Sprintf("%s %s in %s (%s) is available", s.Date, s.Time, s.City, s.ExamType)
	}
	cities := make(map[string]bool)
	for _, s := range slots {
		cities[s.City] = true
	}
	names := make([]string, 0, len(cities))
	for c := range cities {
		names = append(names, c)
	}
	return fmt.Sprintf("%d appointments available in %s", len(slots), strings.Join(names, ", "))
}

// DesktopChannel shows a host OS notification.
type DesktopChannel struct{}

// NewDesktopChannel returns the desktop channel.
func NewDesktopChannel() *DesktopChannel {
	return &DesktopChannel{}
}

// Name implements Channel.
func (c *DesktopChannel) Name() string { return ChannelDesktop }

// Timeout implements Channel.
func (c *DesktopChannel) Timeout() time.Duration { return defaults.LocalChannelTimeout }

// Send implements Channel.
func (c *DesktopChannel) Send(ctx context.Context, msg Message) error {
	done := make(chan error, 1)
	go func() {
		done <- beeep.Notify(notificationTitle, summaryLine(msg.Appointments), "")
	}()
	select {
	case err := <-done:
		return trace.Wrap(err)
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

// AudioChannel plays the system alert sound.
type AudioChannel struct{}

// NewAudioChannel returns the audio channel.
func NewAudioChannel() *AudioChannel {
	return &AudioChannel{}
}

// Name implements Channel.
func (c *AudioChannel) Name() string { return ChannelAudio }

// Timeout implements Channel.
func (c *AudioChannel) Timeout() time.Duration { return defaults.LocalChannelTimeout }

// Send implements Channel.
func (c *AudioChannel) Send(ctx context.Context, msg Message) error {
	done := make(chan error, 1)
	go func() {
		done <- beeep.Beep(beeep.DefaultFreq, beeep.DefaultDuration)
	}()
	select {
	case err := <-done:
		return trace.Wrap(err)
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

// LogFileConfig configures the log-file channel.
type LogFileConfig struct {
	// Path is the notifications log location.
	Path string
	// Clock is the time source for retry delays.
	Clock clockwork.Clock
}

// LogFileChannel appends one structured JSON line per notification to the
// notifications log. This channel is the delivery of record: it retries twice
// with a short backoff before giving up.
type LogFileChannel struct {
	cfg LogFileConfig
}

const (
	logFileRetries = 2
	logFileBackoff = 100 * time.Millisecond
)

// NewLogFileChannel builds the log-file channel, creating the log directory
// when needed.
func NewLogFileChannel(cfg LogFileConfig) (*LogFileChannel, error) {
	if cfg.Path == "" {
		return nil, trace.BadParameter("missing notifications log path")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &LogFileChannel{cfg: cfg}, nil
}

// Name implements Channel.
func (c *LogFileChannel) Name() string { return ChannelLogFile }

// Timeout implements Channel.
func (c *LogFileChannel) Timeout() time.Duration { return defaults.LocalChannelTimeout }

// notificationRecord is the JSON line layout in notifications.log.
type notificationRecord struct {
	Timestamp    time.Time                 `json:"timestamp"`
	Count        int                       `json:"count"`
	Appointments []appointment.Appointment `json:"appointments"`
}

// Send implements Channel.
func (c *LogFileChannel) Send(ctx context.Context, msg Message) error {
	line, err := json.Marshal(notificationRecord{
		Timestamp:    msg.Timestamp,
		Count:        len(msg.Appointments),
		Appointments: msg.Appointments,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	var lastErr error
	for attempt := 0; attempt <= logFileRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-c.cfg.Clock.After(logFileBackoff):
			case <-ctx.Done():
				return trace.Wrap(ctx.Err())
			}
		}
		if lastErr = c.append(line); lastErr == nil {
			return nil
		}
	}
	return trace.Wrap(lastErr)
}

func (c *LogFileChannel) append(line []byte) error {
	f, err := os.OpenFile(c.cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}
