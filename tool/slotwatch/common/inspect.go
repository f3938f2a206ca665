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
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"
	"github.com/gravitational/trace"

	"github.com/slotwatch/slotwatch/lib/defaults"
	"github.com/slotwatch/slotwatch/lib/fetch"
	"github.com/slotwatch/slotwatch/lib/storage"
)

// InspectCommand implements `slotwatch inspect`: show or export the parser
// inspection capture recorded on repeated parse failures.
type InspectCommand struct {
	env      *Env
	detailed bool
	export   string
	format   string

	inspect *kingpin.CmdClause
}

// Initialize registers the command.
func (c *InspectCommand) Initialize(app *kingpin.Application, env *Env) {
	c.env = env
	c.inspect = app.Command("inspect", "Show the parser inspection capture from the last parse failure.")
	c.inspect.Flag("detailed", "Include the captured HTML sample.").BoolVar(&c.detailed)
	c.inspect.Flag("export", "Write the capture to this file.").StringVar(&c.export)
	c.inspect.Flag("format", "Export format: json, text or csv.").Default("json").
		EnumVar(&c.format, "json", "text", "csv")
}

// TryRun executes the command when selected.
func (c *InspectCommand) TryRun(cmd string) (bool, error) {
	if cmd != c.inspect.FullCommand() {
		return false, nil
	}
	return true, trace.Wrap(c.run())
}

func (c *InspectCommand) run() error {
	cfg, err := c.env.Config()
	if err != nil {
		return newValidationError(err)
	}
	store, err := storage.NewStore(cfg.DataDir, nil)
	if err != nil {
		return trace.Wrap(err)
	}

	var inspection fetch.Inspection
	ok, err := store.Load(defaults.InspectionFile, &inspection)
	if err != nil {
		return trace.Wrap(err)
	}
	if !ok {
		fmt.Println("No inspection data recorded; the parser has not failed recently.")
		return nil
	}

	if c.export != "" {
		if err := c.exportTo(c.export, &inspection); err != nil {
			return trace.Wrap(err)
		}
		fmt.Println(color.GreenString("inspection data exported to %v", c.export))
		return nil
	}

	fmt.Printf("captured:   %s\n", inspection.Timestamp.Local().Format(time.RFC822))
	fmt.Printf("url:        %s\n", inspection.URL)
	fmt.Printf("selectors:  %v\n", inspection.SelectorsTried)
	for family, score := range inspection.Confidence {
		fmt.Printf("  %-14s confidence %.2f\n", family, score)
	}
	if c.detailed && inspection.HTMLSample != "" {
		fmt.Printf("html sample (%d bytes):\n%s\n", len(inspection.HTMLSample), inspection.HTMLSample)
	}
	return nil
}

func (c *InspectCommand) exportTo(path string, inspection *fetch.Inspection) error {
	f, err := os.Create(path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer f.Close()

	switch c.format {
	case "json":
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return trace.Wrap(enc.Encode(inspection))
	case "text":
		fmt.Fprintf(f, "captured: %s\nurl: %s\nselectors: %v\n",
			inspection.Timestamp.Format(time.RFC3339), inspection.URL, inspection.SelectorsTried)
		for family, score := range inspection.Confidence {
			fmt.Fprintf(f, "confidence %s: %.2f\n", family, score)
		}
		if inspection.HTMLSample != "" {
			fmt.Fprintf(f, "\n%s\n", inspection.HTMLSample)
		}
		return nil
	case "csv":
		w := csv.NewWriter(f)
		if err := w.Write([]string{"selector_family", "confidence"}); err != nil {
			return trace.Wrap(err)
		}
		for family, score := range inspection.Confidence {
			if err := w.Write([]string{family, strconv.FormatFloat(score, 'f', 2, 64)}); err != nil {
				return trace.Wrap(err)
			}
		}
		w.Flush()
		return trace.Wrap(w.Error())
	}
	return trace.BadParameter("unknown export format %q", c.format)
}
