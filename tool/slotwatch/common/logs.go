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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"
	"github.com/gravitational/trace"

	"github.com/slotwatch/slotwatch/lib/defaults"
	"github.com/slotwatch/slotwatch/lib/statuslog"
)

// LogsCommand implements `slotwatch logs`: view the monitor event log.
type LogsCommand struct {
	env    *Env
	follow bool
	lines  int
	level  string
	since  time.Duration

	logs *kingpin.CmdClause
}

// Initialize registers the command.
func (c *LogsCommand) Initialize(app *kingpin.Application, env *Env) {
	c.env = env
	c.logs = app.Command("logs", "Show the monitor event log.")
	c.logs.Flag("follow", "Keep printing new entries.").Short('f').BoolVar(&c.follow)
	c.logs.Flag("lines", "How many recent entries to show.").Short('n').Default("50").IntVar(&c.lines)
	c.logs.Flag("level", "Only entries at this level or above (error, warn, info, debug).").StringVar(&c.level)
	c.logs.Flag("since", "Only entries newer than this, e.g. 30m or 2h.").DurationVar(&c.since)
}

// TryRun executes the command when selected.
func (c *LogsCommand) TryRun(cmd string) (bool, error) {
	if cmd != c.logs.FullCommand() {
		return false, nil
	}
	return true, trace.Wrap(c.run())
}

func (c *LogsCommand) run() error {
	cfg, err := c.env.Config()
	if err != nil {
		return newValidationError(err)
	}
	severity := statuslog.LevelDebug
	if c.level != "" {
		severity, err = statuslog.ParseLevel(c.level)
		if err != nil {
			return newValidationError(err)
		}
	}

	path := filepath.Join(cfg.LogDir, defaults.MonitorLog)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return trace.NotFound("no log file at %v; has the monitor run yet?", path)
		}
		return trace.ConvertSystemError(err)
	}
	defer f.Close()

	entries, err := readEntries(f)
	if err != nil {
		return trace.Wrap(err)
	}
	entries = c.filter(entries, severity)
	if c.lines > 0 && len(entries) > c.lines {
		entries = entries[len(entries)-c.lines:]
	}
	for _, entry := range entries {
		printEntry(entry)
	}

	if !c.follow {
		return nil
	}
	return trace.Wrap(c.tail(f, severity))
}

// tail keeps reading appended lines until interrupted.
func (c *LogsCommand) tail(f *os.File, severity statuslog.Level) error {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	reader := bufio.NewReader(f)
	for {
		select {
		case <-signals:
			return nil
		default:
		}
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			time.Sleep(500 * time.Millisecond)
			continue
		}
		if err != nil {
			return trace.ConvertSystemError(err)
		}
		var entry statuslog.Entry
		if json.Unmarshal(line, &entry) != nil {
			continue
		}
		if matched := c.filter([]statuslog.Entry{entry}, severity); len(matched) == 1 {
			printEntry(entry)
		}
	}
}

func readEntries(r io.Reader) ([]statuslog.Entry, error) {
	var entries []statuslog.Entry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry statuslog.Entry
		if json.Unmarshal(scanner.Bytes(), &entry) != nil {
			// Rotated or partially written lines are skipped.
			continue
		}
		entries = append(entries, entry)
	}
	return entries, trace.Wrap(scanner.Err())
}

func (c *LogsCommand) filter(entries []statuslog.Entry, severity statuslog.Level) []statuslog.Entry {
	cutoff := time.Time{}
	if c.since > 0 {
		cutoff = time.Now().Add(-c.since)
	}
	var out []statuslog.Entry
	for _, entry := range entries {
		level, err := statuslog.ParseLevel(entry.Level)
		if err != nil || level < severity {
			continue
		}
		if !cutoff.IsZero() && entry.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, entry)
	}
	return out
}

func printEntry(entry statuslog.Entry) {
	levelColor := color.New(color.FgWhite)
	switch entry.Level {
	case "error":
		levelColor = color.New(color.FgRed)
	case "warn":
		levelColor = color.New(color.FgYellow)
	case "debug":
		levelColor = color.New(color.FgHiBlack)
	}
	details := ""
	if len(entry.Details) > 0 {
		if data, err := json.Marshal(entry.Details); err == nil {
			details = " " + string(data)
		}
	}
	fmt.Printf("%s %s %s%s\n",
		entry.Timestamp.Local().Format("2006-01-02 15:04:05"),
		levelColor.Sprintf("%-5s", entry.Level),
		entry.Event, details)
}
