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
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/slotwatch/slotwatch/lib/config"
	"github.com/slotwatch/slotwatch/lib/defaults"
	"github.com/slotwatch/slotwatch/lib/statuslog"
)

const telegramAPIURL = "https://api.telegram.org"

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	// Settings carries the bot token, chat id and message format.
	Settings config.TelegramSettings
	// Mask hides the token and chat id in log lines.
	Mask bool
	// Clock is the time source for retry delays.
	Clock clockwork.Clock
	// Log receives retry diagnostics.
	Log *slog.Logger
	// Client overrides the HTTP client, used in tests.
	Client *resty.Client
}

// TelegramChannel sends one message per batch through the Telegram Bot API.
// Transient failures back off exponentially (1s, 2s, 4s); client errors are
// not retried, and 429 honours the server's retry-after.
type TelegramChannel struct {
	cfg TelegramConfig
}

const telegramAttempts = 3

// NewTelegramChannel builds the Telegram channel.
func NewTelegramChannel(cfg TelegramConfig) (*TelegramChannel, error) {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Settings.APIURL == "" {
		cfg.Settings.APIURL = telegramAPIURL
	}
	if cfg.Client == nil {
		cfg.Client = resty.New().
			SetBaseURL(cfg.Settings.APIURL).
			SetTimeout(defaults.TelegramTimeout).
			SetHeader("Content-Type", "application/json")
	} else if cfg.Client.BaseURL == "" {
		cfg.Client.SetBaseURL(cfg.Settings.APIURL)
	}
	return &TelegramChannel{cfg: cfg}, nil
}

// Name implements Channel.
func (c *TelegramChannel) Name() string { return ChannelTelegram }

// Timeout implements Channel.
func (c *TelegramChannel) Timeout() time.Duration {
	// Room for the full backoff schedule on top of per-request timeouts.
	return telegramAttempts*defaults.TelegramTimeout + 7*time.Second
}

// sendMessageRequest is the Bot API sendMessage payload.
type sendMessageRequest struct {
	ChatID             string `json:"chat_id"`
	Text               string `json:"text"`
	ParseMode          string `json:"parse_mode"`
	DisableLinkPreview bool   `json:"disable_web_page_preview"`
}

// Send implements Channel.
func (c *TelegramChannel) Send(ctx context.Context, msg Message) error {
	if c.cfg.Settings.BotToken == "" || c.cfg.Settings.ChatID == "" {
		return trace.BadParameter("telegram channel is not configured")
	}
	payload := sendMessageRequest{
		ChatID:             c.cfg.Settings.ChatID,
		Text:               c.formatMessage(msg),
		ParseMode:          "HTML",
		DisableLinkPreview: !c.cfg.Settings.EnablePreview,
	}
	endpoint := "/bot" + c.cfg.Settings.BotToken + "/sendMessage"

	var lastErr error
	for attempt := 0; attempt < telegramAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<(attempt-1)) * time.Second
			if retryAfter, ok := retryAfterHint(lastErr); ok && retryAfter > delay {
				delay = retryAfter
			}
			c.cfg.Log.Debug("Retrying telegram delivery.",
				"attempt", attempt+1, "delay", delay.String(), "chat_id", c.maskable(c.cfg.Settings.ChatID))
			select {
			case <-c.cfg.Clock.After(delay):
			case <-ctx.Done():
				return trace.Wrap(ctx.Err())
			}
		}
		lastErr = c.attempt(ctx, endpoint, payload)
		if lastErr == nil {
			return nil
		}
		if !isRetryableTelegramError(lastErr) {
			return trace.Wrap(lastErr)
		}
	}
	return trace.Wrap(lastErr)
}

func (c *TelegramChannel) attempt(ctx context.Context, endpoint string, payload sendMessageRequest) error {
	resp, err := c.cfg.Client.R().SetContext(ctx).SetBody(payload).Post(endpoint)
	if err != nil {
		return trace.ConnectionProblem(err, "could not reach the Telegram API")
	}
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if secs, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
			retryAfter = time.Duration(secs) * time.Second
		}
		return &telegramAPIError{code: code, body: resp.String(), retryAfter: retryAfter}
	default:
		return &telegramAPIError{code: code, body: resp.String()}
	}
}

// telegramAPIError carries the HTTP status for retry decisions.
type telegramAPIError struct {
	code       int
	body       string
	retryAfter time.Duration
}

func (e *telegramAPIError) Error() string {
	body := e.body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("telegram API returned status %v: %v", e.code, body)
}

func isRetryableTelegramError(err error) bool {
	if trace.IsConnectionProblem(err) {
		return true
	}
	var apiErr *telegramAPIError
	if errors.As(err, &apiErr) {
		// 429 and server errors retry; other client errors are permanent.
		return apiErr.code == http.StatusTooManyRequests || apiErr.code >= 500
	}
	return false
}

func retryAfterHint(err error) (time.Duration, bool) {
	var apiErr *telegramAPIError
	if errors.As(err, &apiErr) && apiErr.retryAfter > 0 {
		return apiErr.retryAfter, true
	}
	return 0, false
}

// formatMessage renders the batch per the configured format: a single line
// for simple, one block per slot with booking links for detailed.
func (c *TelegramChannel) formatMessage(msg Message) string {
	if c.cfg.Settings.MessageFormat != config.TelegramDetailed {
		return "<b>" + html.EscapeString(notificationTitle) + "</b>\n" +
			html.EscapeString(summaryLine(msg.Appointments))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n\n", html.EscapeString(notificationTitle))
	for _, s := range msg.Appointments {
		fmt.Fprintf(&b, "📅 <b>%s %s</b>\n", html.EscapeString(s.Date), html.EscapeString(s.Time))
		fmt.Fprintf(&b, "📍 %s, %s\n", html.EscapeString(s.City), html.EscapeString(s.Location))
		fmt.Fprintf(&b, "📝 %s\n", html.EscapeString(string(s.ExamType)))
		if s.Price > 0 {
			fmt.Fprintf(&b, "💰 %d\n", s.Price)
		}
		if s.RegistrationURL != "" {
			fmt.Fprintf(&b, "<a href=\"%s\">Register</a>\n", html.EscapeString(s.RegistrationURL))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// maskable masks an identifier when masking is enabled.
func (c *TelegramChannel) maskable(s string) string {
	if c.cfg.Mask {
		return statuslog.MaskSecret(s)
	}
	return s
}
