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

// Package config loads, validates and defaults the monitor configuration.
// Values come from a JSON file; a fixed set of environment variables shadows
// file values. Validation is total: an invalid config is rejected with every
// field error enumerated, never silently accepted.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/gravitational/trace"

	"github.com/slotwatch/slotwatch/lib/appointment"
	"github.com/slotwatch/slotwatch/lib/defaults"
)

// NotificationSettings selects the delivery channels. At least one channel
// must be enabled.
type NotificationSettings struct {
	Desktop  bool `json:"desktop"`
	Audio    bool `json:"audio"`
	LogFile  bool `json:"log_file"`
	Telegram bool `json:"telegram"`
}

// Enabled reports whether any channel is on.
func (n NotificationSettings) Enabled() bool {
	return n.Desktop || n.Audio || n.LogFile || n.Telegram
}

// TelegramFormat selects the Telegram message layout.
type TelegramFormat string

const (
	// TelegramSimple is a one-line summary per batch.
	TelegramSimple TelegramFormat = "simple"
	// TelegramDetailed lists every slot with its booking link.
	TelegramDetailed TelegramFormat = "detailed"
)

// TelegramSettings configures the Telegram channel. Token and chat id usually
// arrive through the environment, not the config file.
type TelegramSettings struct {
	// BotToken authenticates against the Bot API.
	BotToken string `json:"bot_token,omitempty"`
	// ChatID selects the recipient: a user id, or a channel when prefixed
	// with "@" or "-100".
	ChatID string `json:"chat_id,omitempty"`
	// MessageFormat is simple or detailed.
	MessageFormat TelegramFormat `json:"message_format,omitempty"`
	// EnablePreview turns link previews on.
	EnablePreview bool `json:"enable_preview,omitempty"`
	// APIURL overrides the Bot API base URL, used in tests.
	APIURL string `json:"-"`
}

// SecuritySettings controls log hygiene.
type SecuritySettings struct {
	// MaskSensitiveData hides tokens and chat ids in every log line.
	MaskSensitiveData bool `json:"mask_sensitive_data"`
	// LogLevel gates the status log: error, warn, info or debug.
	LogLevel string `json:"log_level"`
}

// ServerSettings configures the optional diagnostics endpoint.
type ServerSettings struct {
	// HealthCheckPort serves GET /health when non-zero.
	HealthCheckPort int `json:"health_check_port,omitempty"`
	// EnableMetrics additionally serves Prometheus metrics on /metrics.
	EnableMetrics bool `json:"enable_metrics,omitempty"`
}

// Config is the complete monitor configuration.
type Config struct {
	// Cities to watch, e.g. ["Tehran", "Isfahan"].
	Cities []string `json:"cities"`
	// ExamModels to watch.
	ExamModels []appointment.ExamType `json:"exam_models"`
	// Months restricts fetches to these calendar months (1-12).
	Months []int `json:"months"`
	// CheckIntervalMS is the poll period in milliseconds (5000-3600000).
	CheckIntervalMS int64 `json:"check_interval"`
	// BaseURL is the timetable page to scrape.
	BaseURL string `json:"base_url"`
	// NotificationSettings selects delivery channels.
	NotificationSettings NotificationSettings `json:"notification_settings"`
	// Telegram configures the Telegram channel.
	Telegram TelegramSettings `json:"telegram,omitempty"`
	// Security controls masking and log level.
	Security SecuritySettings `json:"security"`
	// Server configures the diagnostics endpoint.
	Server ServerSettings `json:"server,omitempty"`
	// DataDir overrides where state files live.
	DataDir string `json:"data_dir,omitempty"`
	// LogDir overrides where log files live.
	LogDir string `json:"log_dir,omitempty"`
}

// CheckInterval returns the poll period as a duration.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalMS) * time.Millisecond
}

// Filters returns the fetch filters this config selects.
func (c *Config) Filters() appointment.Filters {
	return appointment.Filters{
		Cities:     c.Cities,
		ExamModels: c.ExamModels,
		Months:     c.Months,
	}
}

// CheckAndSetDefaults validates the whole config, collecting every field
// error rather than stopping at the first one.
func (c *Config) CheckAndSetDefaults() error {
	var errors []error

	if c.CheckIntervalMS == 0 {
		c.CheckIntervalMS = defaults.CheckInterval.Milliseconds()
	}
	if interval := c.CheckInterval(); interval < defaults.MinCheckInterval || interval > defaults.MaxCheckInterval {
		errors = append(errors, trace.BadParameter(
			"check_interval %vms is out of range %v-%v",
			c.CheckIntervalMS, defaults.MinCheckInterval.Milliseconds(), defaults.MaxCheckInterval.Milliseconds()))
	}
	if c.BaseURL == "" {
		errors = append(errors, trace.BadParameter("missing required value base_url"))
	}
	for _, m := range c.Months {
		if m < 1 || m > 12 {
			errors = append(errors, trace.BadParameter("months entry %v is out of range 1-12", m))
		}
	}
	if !c.NotificationSettings.Enabled() {
		errors = append(errors, trace.BadParameter("at least one notification channel must be enabled"))
	}
	if c.NotificationSettings.Telegram {
		if c.Telegram.BotToken == "" {
			errors = append(errors, trace.BadParameter("telegram channel is enabled but bot token is not set (TELEGRAM_BOT_TOKEN)"))
		}
		if c.Telegram.ChatID == "" {
			errors = append(errors, trace.BadParameter("telegram channel is enabled but chat id is not set (TELEGRAM_CHAT_ID)"))
		}
	}
	switch c.Telegram.MessageFormat {
	case "", TelegramSimple, TelegramDetailed:
		if c.Telegram.MessageFormat == "" {
			c.Telegram.MessageFormat = TelegramSimple
		}
	default:
		errors = append(errors, trace.BadParameter(
			"telegram message_format %q is not %q or %q",
			c.Telegram.MessageFormat, TelegramSimple, TelegramDetailed))
	}
	if c.Security.LogLevel == "" {
		c.Security.LogLevel = "info"
	}
	switch c.Security.LogLevel {
	case "error", "warn", "info", "debug":
	default:
		errors = append(errors, trace.BadParameter(
			"security.log_level %q is not one of error, warn, info, debug", c.Security.LogLevel))
	}
	if c.Server.HealthCheckPort < 0 || c.Server.HealthCheckPort > 65535 {
		errors = append(errors, trace.BadParameter(
			"server.health_check_port %v is out of range", c.Server.HealthCheckPort))
	}
	if c.DataDir == "" {
		c.DataDir = defaults.DataDir
	}
	if c.LogDir == "" {
		c.LogDir = defaults.LogDir
	}
	return trace.NewAggregate(errors...)
}

// Load reads the JSON config file, applies environment overrides and
// validates the result. A missing file yields defaults plus environment,
// still subject to validation.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, trace.BadParameter("could not parse config file %v: %v", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, trace.ConvertSystemError(err)
	}
	ApplyEnv(cfg)
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// Save writes the config back to disk as pretty JSON. Used by the configure
// and config-validate --fix commands.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}
