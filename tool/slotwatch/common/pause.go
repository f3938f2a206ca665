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
	"fmt"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"
	"github.com/gravitational/trace"
)

// PauseCommand implements `slotwatch pause`: suspend checking in the running
// daemon while keeping its session and tracked state.
type PauseCommand struct {
	env *Env

	pause *kingpin.CmdClause
}

// Initialize registers the command.
func (c *PauseCommand) Initialize(app *kingpin.Application, env *Env) {
	c.env = env
	c.pause = app.Command("pause", "Pause a running monitor without stopping it.")
}

// TryRun executes the command when selected.
func (c *PauseCommand) TryRun(cmd string) (bool, error) {
	if cmd != c.pause.FullCommand() {
		return false, nil
	}
	return true, trace.Wrap(signalMonitor(c.env, syscall.SIGUSR1, "paused"))
}

// ResumeCommand implements `slotwatch resume`: continue checking in a paused
// daemon.
type ResumeCommand struct {
	env *Env

	resume *kingpin.CmdClause
}

// Initialize registers the command.
func (c *ResumeCommand) Initialize(app *kingpin.Application, env *Env) {
	c.env = env
	c.resume = app.Command("resume", "Resume a paused monitor.")
}

// TryRun executes the command when selected.
func (c *ResumeCommand) TryRun(cmd string) (bool, error) {
	if cmd != c.resume.FullCommand() {
		return false, nil
	}
	return true, trace.Wrap(signalMonitor(c.env, syscall.SIGUSR2, "resumed"))
}

// signalMonitor delivers a control signal to the daemonized monitor found
// through the pid file.
func signalMonitor(env *Env, sig syscall.Signal, verb string) error {
	cfg, err := env.Config()
	if err != nil {
		return newValidationError(err)
	}
	pid, err := readPid(cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := syscall.Kill(pid, sig); err != nil {
		return trace.ConvertSystemError(err)
	}
	fmt.Println(color.GreenString("monitor %s (pid %d)", verb, pid))
	return nil
}
