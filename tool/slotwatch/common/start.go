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
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/slotwatch/slotwatch/lib/config"
	"github.com/slotwatch/slotwatch/lib/defaults"
	"github.com/slotwatch/slotwatch/lib/healthcheck"
	"github.com/slotwatch/slotwatch/lib/monitor"
)

// StartCommand implements `slotwatch start`.
type StartCommand struct {
	env    *Env
	daemon bool

	start *kingpin.CmdClause
}

// Initialize registers the command.
func (c *StartCommand) Initialize(app *kingpin.Application, env *Env) {
	c.env = env
	c.start = app.Command("start", "Start monitoring the timetable.")
	c.start.Flag("daemon", "Detach and run in the background.").BoolVar(&c.daemon)
}

// TryRun executes the command when selected.
func (c *StartCommand) TryRun(cmd string) (bool, error) {
	if cmd != c.start.FullCommand() {
		return false, nil
	}
	if c.daemon {
		return true, trace.Wrap(c.daemonize())
	}
	return true, trace.Wrap(c.run())
}

// daemonize re-executes the binary detached from the terminal; the child
// writes the pid file once it is up.
func (c *StartCommand) daemonize() error {
	executable, err := os.Executable()
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	cmd := exec.Command(executable, "start", "--config", c.env.ConfigPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return trace.ConvertSystemError(err)
	}
	fmt.Println(color.GreenString("slotwatch started in the background (pid %d)", cmd.Process.Pid))
	return nil
}

func (c *StartCommand) run() error {
	cfg, err := c.env.Config()
	if err != nil {
		return newValidationError(err)
	}

	log := newLogger(c.env.Debug)
	var metrics *monitor.Metrics
	var registry *prometheus.Registry
	if cfg.Server.EnableMetrics {
		registry = prometheus.NewRegistry()
		metrics = monitor.NewMetrics(registry)
	}

	ctrl, err := monitor.NewController(monitor.ControllerConfig{
		Config:  cfg,
		Log:     log,
		Metrics: metrics,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer ctrl.Close()

	var diag *healthcheck.Server
	if cfg.Server.HealthCheckPort != 0 {
		diag, err = healthcheck.NewServer(healthcheck.Config{
			Port:     cfg.Server.HealthCheckPort,
			BaseURL:  cfg.BaseURL,
			Gatherer: registry,
			Log:      log,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		if err := diag.Start(); err != nil {
			return trace.Wrap(err)
		}
	}

	if err := writePidFile(cfg); err != nil {
		return trace.Wrap(err)
	}
	defer removePidFile(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ctrl.Start(ctx); err != nil {
		return trace.Wrap(err)
	}
	fmt.Println(color.GreenString("slotwatch is monitoring %v every %v",
		strings.Join(cfg.Cities, ", "), cfg.CheckInterval()))

	waitForShutdown(ctrl, log)

	if diag != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := diag.Close(shutdownCtx); err != nil {
			log.Warn("Diagnostics server did not shut down cleanly.", "error", err)
		}
	}
	return nil
}

// waitForShutdown blocks until an interrupt or terminate signal, stops the
// controller gracefully, and forces exit on a second one. SIGUSR1 and
// SIGUSR2 pause and resume checking without stopping the daemon.
func waitForShutdown(ctrl *monitor.Controller, log *slog.Logger) {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(signals)

	var sig os.Signal
	for {
		sig = <-signals
		if sig == syscall.SIGUSR1 {
			if err := ctrl.Pause(); err != nil {
				log.Warn("Pause failed.", "error", err)
			} else {
				log.Info("Monitoring paused.")
			}
			continue
		}
		if sig == syscall.SIGUSR2 {
			if err := ctrl.Resume(); err != nil {
				log.Warn("Resume failed.", "error", err)
			} else {
				log.Info("Monitoring resumed.")
			}
			continue
		}
		break
	}
	log.Info("Shutting down gracefully.", "signal", sig.String())
	fmt.Println(color.YellowString("received %v, finishing the current check...", sig))

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := ctrl.Stop(); err != nil {
			log.Warn("Graceful stop failed.", "error", err)
		}
	}()

	for {
		select {
		case <-done:
			fmt.Println(color.GreenString("slotwatch stopped"))
			return
		case sig = <-signals:
			if sig == syscall.SIGUSR1 || sig == syscall.SIGUSR2 {
				continue
			}
			log.Warn("Forced shutdown.", "signal", sig.String())
			os.Exit(exitFatal)
		}
	}
}

func pidFilePath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, defaults.PidFile)
}

func writePidFile(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return trace.ConvertSystemError(err)
	}
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(pidFilePath(cfg), []byte(pid+"\n"), 0o644); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

func removePidFile(cfg *config.Config) {
	os.Remove(pidFilePath(cfg))
}

// readPid returns the pid of the running monitor, or an error when no
// monitor appears to be running.
func readPid(cfg *config.Config) (int, error) {
	data, err := os.ReadFile(pidFilePath(cfg))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, trace.NotFound("no running monitor found (missing %v)", pidFilePath(cfg))
		}
		return 0, trace.ConvertSystemError(err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, trace.BadParameter("malformed pid file %v: %v", pidFilePath(cfg), err)
	}
	return pid, nil
}

// newLogger builds the process logger: terse by default, verbose with
// --debug.
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// StopCommand implements `slotwatch stop`: signal the daemonized monitor and
// wait for it to exit.
type StopCommand struct {
	env *Env

	stop *kingpin.CmdClause
}

// Initialize registers the command.
func (c *StopCommand) Initialize(app *kingpin.Application, env *Env) {
	c.env = env
	c.stop = app.Command("stop", "Stop a running monitor.")
}

// TryRun executes the command when selected.
func (c *StopCommand) TryRun(cmd string) (bool, error) {
	if cmd != c.stop.FullCommand() {
		return false, nil
	}
	return true, trace.Wrap(c.run())
}

func (c *StopCommand) run() error {
	cfg, err := c.env.Config()
	if err != nil {
		return newValidationError(err)
	}
	pid, err := readPid(cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return trace.ConvertSystemError(err)
	}

	// Wait for the process to exit, bounded by the graceful window.
	deadline := time.Now().Add(defaults.ShutdownTimeout + 5*time.Second)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); err != nil {
			fmt.Println(color.GreenString("slotwatch (pid %d) stopped", pid))
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return trace.LimitExceeded("monitor (pid %d) did not stop within %v", pid, defaults.ShutdownTimeout)
}
