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
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"
	"github.com/gravitational/trace"

	"github.com/slotwatch/slotwatch/lib/defaults"
	"github.com/slotwatch/slotwatch/lib/storage"
)

// ClearCommand implements `slotwatch clear`: remove persisted state files.
type ClearCommand struct {
	env           *Env
	appointments  bool
	notifications bool
	inspection    bool
	all           bool
	force         bool

	clear *kingpin.CmdClause
}

// Initialize registers the command.
func (c *ClearCommand) Initialize(app *kingpin.Application, env *Env) {
	c.env = env
	c.clear = app.Command("clear", "Remove persisted monitor state.")
	c.clear.Flag("appointments", "Clear tracked appointments and check history.").BoolVar(&c.appointments)
	c.clear.Flag("notifications", "Clear the notified-appointments set.").BoolVar(&c.notifications)
	c.clear.Flag("inspection", "Clear recorded inspection data.").BoolVar(&c.inspection)
	c.clear.Flag("all", "Clear everything.").BoolVar(&c.all)
	c.clear.Flag("force", "Skip the confirmation prompt.").BoolVar(&c.force)
}

// TryRun executes the command when selected.
func (c *ClearCommand) TryRun(cmd string) (bool, error) {
	if cmd != c.clear.FullCommand() {
		return false, nil
	}
	return true, trace.Wrap(c.run())
}

func (c *ClearCommand) run() error {
	if !c.appointments && !c.notifications && !c.inspection && !c.all {
		return newValidationError(trace.BadParameter(
			"choose what to clear: --appointments, --notifications, --inspection or --all"))
	}

	var files []string
	if c.all || c.appointments {
		files = append(files, defaults.TrackingFile, defaults.CheckHistoryFile)
	}
	if c.all || c.notifications {
		files = append(files, defaults.NotifiedFile)
	}
	if c.all || c.inspection {
		files = append(files, defaults.InspectionFile)
	}

	cfg, err := c.env.Config()
	if err != nil {
		return newValidationError(err)
	}

	if !c.force && !confirm(fmt.Sprintf("Remove %s from %s?", strings.Join(files, ", "), cfg.DataDir)) {
		fmt.Println("aborted")
		return nil
	}

	store, err := storage.NewStore(cfg.DataDir, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, file := range files {
		if err := store.Remove(file); err != nil {
			return trace.Wrap(err)
		}
	}
	fmt.Println(color.GreenString("cleared %d state file(s)", len(files)))
	return nil
}

// confirm asks a yes/no question on stdin.
func confirm(question string) bool {
	fmt.Printf("%s [y/N] ", question)
	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
