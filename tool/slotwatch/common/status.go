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
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"
	"github.com/gravitational/trace"

	"github.com/slotwatch/slotwatch/lib/appointment"
	"github.com/slotwatch/slotwatch/lib/config"
	"github.com/slotwatch/slotwatch/lib/defaults"
	"github.com/slotwatch/slotwatch/lib/monitor"
	"github.com/slotwatch/slotwatch/lib/storage"
	"github.com/slotwatch/slotwatch/lib/tracker"
)

// statusReport is the cross-process view of the monitor, assembled from the
// pid file and the persisted state files.
type statusReport struct {
	Running      bool                  `json:"running"`
	Pid          int                   `json:"pid,omitempty"`
	Tracked      int                   `json:"tracked"`
	Available    int                   `json:"available"`
	Notified     int                   `json:"notified"`
	LastCheck    *monitor.CheckRecord  `json:"last_check,omitempty"`
	RecentChecks []monitor.CheckRecord `json:"recent_checks,omitempty"`
}

// gatherStatus reads the persisted state files; it never needs the monitor
// process itself.
func gatherStatus(cfg *config.Config) (*statusReport, error) {
	store, err := storage.NewStore(cfg.DataDir, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	report := &statusReport{}

	if pid, err := readPid(cfg); err == nil {
		if syscall.Kill(pid, 0) == nil {
			report.Running = true
			report.Pid = pid
		}
	}

	var tracked map[string]*tracker.TrackedAppointment
	if _, err := store.Load(defaults.TrackingFile, &tracked); err != nil {
		return nil, trace.Wrap(err)
	}
	report.Tracked = len(tracked)
	for _, rec := range tracked {
		if rec.Appointment.Status == appointment.StatusAvailable {
			report.Available++
		}
	}

	var notified map[string]time.Time
	if _, err := store.Load(defaults.NotifiedFile, &notified); err != nil {
		return nil, trace.Wrap(err)
	}
	report.Notified = len(notified)

	var history []monitor.CheckRecord
	if _, err := store.Load(defaults.CheckHistoryFile, &history); err != nil {
		return nil, trace.Wrap(err)
	}
	if len(history) > 0 {
		report.LastCheck = &history[len(history)-1]
		if len(history) > 10 {
			history = history[len(history)-10:]
		}
		report.RecentChecks = history
	}
	return report, nil
}

// StatusCommand implements `slotwatch status`.
type StatusCommand struct {
	env    *Env
	asJSON bool
	simple bool
	watch  bool

	status *kingpin.CmdClause
}

// Initialize registers the command.
func (c *StatusCommand) Initialize(app *kingpin.Application, env *Env) {
	c.env = env
	c.status = app.Command("status", "Show monitor status and recent checks.")
	c.status.Flag("json", "Machine-readable output.").BoolVar(&c.asJSON)
	c.status.Flag("simple", "One-line output.").BoolVar(&c.simple)
	c.status.Flag("watch", "Refresh every two seconds until interrupted.").BoolVar(&c.watch)
}

// TryRun executes the command when selected.
func (c *StatusCommand) TryRun(cmd string) (bool, error) {
	if cmd != c.status.FullCommand() {
		return false, nil
	}
	return true, trace.Wrap(c.run())
}

func (c *StatusCommand) run() error {
	cfg, err := c.env.Config()
	if err != nil {
		return newValidationError(err)
	}
	if !c.watch {
		return trace.Wrap(c.render(cfg))
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	for {
		if err := c.render(cfg); err != nil {
			return trace.Wrap(err)
		}
		select {
		case <-signals:
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

func (c *StatusCommand) render(cfg *config.Config) error {
	report, err := gatherStatus(cfg)
	if err != nil {
		return trace.Wrap(err)
	}

	switch {
	case c.asJSON:
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return trace.Wrap(err)
		}
		fmt.Println(string(data))
	case c.simple:
		state := "stopped"
		if report.Running {
			state = "running"
		}
		fmt.Printf("%s tracked=%d available=%d notified=%d\n",
			state, report.Tracked, report.Available, report.Notified)
	default:
		if report.Running {
			fmt.Println(color.GreenString("● slotwatch is running (pid %d)", report.Pid))
		} else {
			fmt.Println(color.YellowString("○ slotwatch is not running"))
		}
		fmt.Printf("  tracked appointments: %d (%d available)\n", report.Tracked, report.Available)
		fmt.Printf("  notified this rise:   %d\n", report.Notified)
		if report.LastCheck != nil {
			last := report.LastCheck
			line := fmt.Sprintf("  last check:           %s (%d slots, %d new available)",
				last.Timestamp.Local().Format(time.RFC822), last.AppointmentCount, last.NewAvailable)
			if last.Error != "" {
				line = fmt.Sprintf("  last check:           %s %s",
					last.Timestamp.Local().Format(time.RFC822),
					color.RedString("failed (%s: %s)", last.ErrorCategory, last.Error))
			}
			fmt.Println(line)
		}
	}
	return nil
}

// ServerStatusCommand implements `slotwatch server-status`: probe the
// diagnostics endpoint of a running monitor.
type ServerStatusCommand struct {
	env      *Env
	asJSON   bool
	detailed bool

	serverStatus *kingpin.CmdClause
}

// Initialize registers the command.
func (c *ServerStatusCommand) Initialize(app *kingpin.Application, env *Env) {
	c.env = env
	c.serverStatus = app.Command("server-status", "Probe the monitor's diagnostics endpoint.")
	c.serverStatus.Flag("json", "Machine-readable output.").BoolVar(&c.asJSON)
	c.serverStatus.Flag("detailed", "Include the raw response body.").BoolVar(&c.detailed)
}

// TryRun executes the command when selected.
func (c *ServerStatusCommand) TryRun(cmd string) (bool, error) {
	if cmd != c.serverStatus.FullCommand() {
		return false, nil
	}
	return true, trace.Wrap(c.run())
}

func (c *ServerStatusCommand) run() error {
	cfg, err := c.env.Config()
	if err != nil {
		return newValidationError(err)
	}
	if cfg.Server.HealthCheckPort == 0 {
		return trace.BadParameter("no health check port configured (set server.health_check_port or HEALTH_CHECK_PORT)")
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.HealthCheckPort)
	client := &http.Client{Timeout: defaults.HealthCheckTimeout}
	resp, err := client.Get(url)
	if err != nil {
		return trace.ConnectionProblem(err, "could not reach the diagnostics endpoint at %v; is the monitor running?", url)
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode == http.StatusOK
	if c.asJSON {
		data, err := json.Marshal(map[string]any{
			"healthy": healthy,
			"status":  resp.StatusCode,
			"url":     url,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		fmt.Println(string(data))
		return nil
	}
	if healthy {
		fmt.Println(color.GreenString("upstream reachable (%d)", resp.StatusCode))
	} else {
		fmt.Println(color.RedString("upstream unreachable (%d)", resp.StatusCode))
	}
	if c.detailed {
		body := make([]byte, 4096)
		n, _ := resp.Body.Read(body)
		fmt.Print(string(body[:n]))
	}
	return nil
}
