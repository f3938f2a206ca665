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

package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/slotwatch/slotwatch/lib/appointment"
)

// Environment variables that shadow config file values.
const (
	EnvTelegramBotToken      = "TELEGRAM_BOT_TOKEN"
	EnvTelegramChatID        = "TELEGRAM_CHAT_ID"
	EnvTelegramMessageFormat = "TELEGRAM_MESSAGE_FORMAT"
	EnvTelegramEnablePreview = "TELEGRAM_ENABLE_PREVIEW"
	EnvCheckInterval         = "MONITOR_CHECK_INTERVAL"
	EnvCities                = "MONITOR_CITIES"
	EnvExamModels            = "MONITOR_EXAM_MODELS"
	EnvMonths                = "MONITOR_MONTHS"
	EnvBaseURL               = "MONITOR_BASE_URL"
	EnvLogLevel              = "MONITOR_LOG_LEVEL"
	EnvSecureLogging         = "ENABLE_SECURE_LOGGING"
	EnvMaskSensitiveData     = "MASK_SENSITIVE_DATA"
	EnvHealthCheckPort       = "HEALTH_CHECK_PORT"
	EnvEnableMetrics         = "ENABLE_METRICS"
)

// ApplyEnv overlays recognised environment variables onto cfg. Unset
// variables leave the file values alone; malformed numeric values are
// ignored here and surface as validation errors later where applicable.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(EnvTelegramBotToken); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv(EnvTelegramChatID); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv(EnvTelegramMessageFormat); v != "" {
		cfg.Telegram.MessageFormat = TelegramFormat(strings.ToLower(v))
	}
	if v, ok := parseBool(os.Getenv(EnvTelegramEnablePreview)); ok {
		cfg.Telegram.EnablePreview = v
	}
	if v := os.Getenv(EnvCheckInterval); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.CheckIntervalMS = ms
		}
	}
	if v := os.Getenv(EnvCities); v != "" {
		cfg.Cities = splitList(v)
	}
	if v := os.Getenv(EnvExamModels); v != "" {
		cfg.ExamModels = nil
		for _, m := range splitList(v) {
			cfg.ExamModels = append(cfg.ExamModels, appointment.ExamType(strings.ToUpper(m)))
		}
	}
	if v := os.Getenv(EnvMonths); v != "" {
		cfg.Months = nil
		for _, m := range splitList(v) {
			if n, err := strconv.Atoi(m); err == nil {
				cfg.Months = append(cfg.Months, n)
			}
		}
	}
	if v := os.Getenv(EnvBaseURL); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Security.LogLevel = strings.ToLower(v)
	}
	if v, ok := parseBool(os.Getenv(EnvSecureLogging)); ok && v {
		cfg.Security.MaskSensitiveData = true
	}
	if v, ok := parseBool(os.Getenv(EnvMaskSensitiveData)); ok {
		cfg.Security.MaskSensitiveData = v
	}
	if v := os.Getenv(EnvHealthCheckPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.HealthCheckPort = port
		}
	}
	if v, ok := parseBool(os.Getenv(EnvEnableMetrics)); ok {
		cfg.Server.EnableMetrics = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBool(s string) (value, ok bool) {
	if s == "" {
		return false, false
	}
	v, err := strconv.ParseBool(strings.ToLower(s))
	if err != nil {
		return false, false
	}
	return v, true
}
