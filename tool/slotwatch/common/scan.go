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
	"encoding/json"
	"fmt"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"
	"github.com/gravitational/trace"

	"github.com/slotwatch/slotwatch/lib/appointment"
	"github.com/slotwatch/slotwatch/lib/fetch"
)

// ScanCommand implements `slotwatch appointment-scan`: a one-off fetch with
// the configured (or overridden) filters, without touching tracker state.
type ScanCommand struct {
	env        *Env
	cities     []string
	examModels []string
	months     []int
	asJSON     bool

	scan *kingpin.CmdClause
}

// Initialize registers the command.
func (c *ScanCommand) Initialize(app *kingpin.Application, env *Env) {
	c.env = env
	c.scan = app.Command("appointment-scan", "Fetch the timetable once and print the classified slots.")
	c.scan.Flag("city", "Override the configured cities; repeatable.").StringsVar(&c.cities)
	c.scan.Flag("exam-model", "Override the configured exam models; repeatable.").StringsVar(&c.examModels)
	c.scan.Flag("months", "Override the configured months; repeatable.").IntsVar(&c.months)
	c.scan.Flag("json", "Machine-readable output.").BoolVar(&c.asJSON)
}

// TryRun executes the command when selected.
func (c *ScanCommand) TryRun(cmd string) (bool, error) {
	if cmd != c.scan.FullCommand() {
		return false, nil
	}
	return true, trace.Wrap(c.run())
}

func (c *ScanCommand) run() error {
	cfg, err := c.env.Config()
	if err != nil {
		return newValidationError(err)
	}

	filters := cfg.Filters()
	if len(c.cities) > 0 {
		filters.Cities = c.cities
	}
	if len(c.examModels) > 0 {
		filters.ExamModels = nil
		for _, model := range c.examModels {
			filters.ExamModels = append(filters.ExamModels, appointment.ExamType(model))
		}
	}
	if len(c.months) > 0 {
		filters.Months = c.months
	}

	fetcher, err := fetch.NewWebFetcher(fetch.WebConfig{
		BaseURL: cfg.BaseURL,
		Log:     newLogger(c.env.Debug),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	result, err := fetcher.Fetch(context.Background(), filters)
	if err != nil {
		return trace.Wrap(err)
	}

	if c.asJSON {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return trace.Wrap(err)
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("%d slots (%d available, %d filled)\n",
		result.AppointmentCount, result.AvailableCount, result.FilledCount)
	for _, slot := range result.Appointments {
		marker := color.HiBlackString("·")
		switch slot.Status {
		case appointment.StatusAvailable:
			marker = color.GreenString("✓")
		case appointment.StatusFilled:
			marker = color.RedString("✗")
		case appointment.StatusPending:
			marker = color.YellowString("…")
		}
		fmt.Printf("  %s %s %s  %s (%s)  %s\n",
			marker, slot.Date, slot.Time, slot.City, slot.ExamType, slot.Status)
	}
	return nil
}
