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

package common

import (
	"context"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"
	"github.com/gravitational/trace"

	"github.com/slotwatch/slotwatch/lib/appointment"
	"github.com/slotwatch/slotwatch/lib/dispatch"
	"github.com/slotwatch/slotwatch/lib/statuslog"
)

// TelegramTestCommand implements `slotwatch telegram-test`: send one test
// message through the configured bot.
type TelegramTestCommand struct {
	env *Env

	telegramTest *kingpin.CmdClause
}

// Initialize registers the command.
func (c *TelegramTestCommand) Initialize(app *kingpin.Application, env *Env) {
	c.env = env
	c.telegramTest = app.Command("telegram-test", "Send a test message through the configured Telegram bot.")
}

// TryRun executes the command when selected.
func (c *TelegramTestCommand) TryRun(cmd string) (bool, error) {
	if cmd != c.telegramTest.FullCommand() {
		return false, nil
	}
	return true, trace.Wrap(c.run())
}

func (c *TelegramTestCommand) run() error {
	cfg, err := c.env.Config()
	if err != nil {
		return newValidationError(err)
	}
	if cfg.Telegram.BotToken == "" || cfg.Telegram.ChatID == "" {
		return newValidationError(trace.BadParameter(
			"telegram is not configured; set TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID"))
	}

	channel, err := dispatch.NewTelegramChannel(dispatch.TelegramConfig{
		Settings: cfg.Telegram,
		Mask:     cfg.Security.MaskSensitiveData,
		Log:      newLogger(c.env.Debug),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), channel.Timeout())
	defer cancel()
	err = channel.Send(ctx, dispatch.Message{
		Appointments: []appointment.Appointment{{
			ID:       "telegram-test",
			Date:     time.Now().Format("2006-01-02"),
			Time:     "00:00-00:00",
			City:     "Test",
			ExamType: appointment.ExamIELTS,
			Status:   appointment.StatusAvailable,
		}},
		Timestamp: time.Now(),
	})
	if err != nil {
		fmt.Println(color.RedString("telegram delivery failed"))
		fmt.Println("  Check your bot token with @BotFather and make sure the bot")
		fmt.Println("  has been started (or added to the channel) by the recipient.")
		return trace.Wrap(err)
	}

	fmt.Println(color.GreenString("test message delivered to chat %s",
		statuslog.MaskSecret(cfg.Telegram.ChatID)))
	return nil
}
