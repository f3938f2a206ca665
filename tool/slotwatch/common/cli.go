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

// Package common implements the slotwatch CLI commands. Each command is a
// struct that plugs itself into the kingpin parser via Initialize and claims
// its parsed command line via TryRun.
package common

import (
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"
	"github.com/gravitational/trace"

	"github.com/slotwatch/slotwatch/lib/config"
	"github.com/slotwatch/slotwatch/lib/defaults"
)

// CLICommand is one top-level command of the slotwatch binary.
type CLICommand interface {
	// Initialize registers the command and its flags with the parser.
	Initialize(app *kingpin.Application, env *Env)
	// TryRun executes the command if cmd matches, reporting whether it did.
	TryRun(cmd string) (match bool, err error)
}

// Env carries the global flags and the lazily loaded configuration shared by
// all commands.
type Env struct {
	// ConfigPath is the monitor configuration file.
	ConfigPath string
	// Debug turns on verbose diagnostics.
	Debug bool

	cfg *config.Config
}

// Config loads and validates the configuration once.
func (e *Env) Config() (*config.Config, error) {
	if e.cfg != nil {
		return e.cfg, nil
	}
	cfg, err := config.Load(e.ConfigPath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.cfg = cfg
	return cfg, nil
}

// validationError marks failures that exit with code 2 instead of 1.
type validationError struct {
	err error
}

func (e *validationError) Error() string { return e.err.Error() }
func (e *validationError) Unwrap() error { return e.err }

func newValidationError(err error) error {
	return &validationError{err: err}
}

// Exit codes of the slotwatch binary.
const (
	exitOK         = 0
	exitFatal      = 1
	exitValidation = 2
)

// Run parses the command line and executes the matching command, returning
// the process exit code.
func Run(args []string) int {
	app := kingpin.New("slotwatch", "Monitors a public IELTS timetable and notifies about newly available exam slots.")
	env := &Env{}
	app.Flag("config", "Path to the monitor configuration file.").
		Short('c').Default(defaults.ConfigPath).StringVar(&env.ConfigPath)
	app.Flag("debug", "Verbose diagnostics to stderr.").Short('d').BoolVar(&env.Debug)
	app.HelpFlag.Short('h')

	commands := []CLICommand{
		&StartCommand{},
		&StopCommand{},
		&PauseCommand{},
		&ResumeCommand{},
		&StatusCommand{},
		&ConfigureCommand{},
		&ConfigValidateCommand{},
		&LogsCommand{},
		&InspectCommand{},
		&ScanCommand{},
		&TelegramTestCommand{},
		&ServerStatusCommand{},
		&ClearCommand{},
	}
	for _, cmd := range commands {
		cmd.Initialize(app, env)
	}

	selected, err := app.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		return exitValidation
	}

	for _, cmd := range commands {
		match, err := cmd.TryRun(selected)
		if !match {
			continue
		}
		if err != nil {
			printError(env, err)
			var ve *validationError
			if errors.As(err, &ve) || trace.IsBadParameter(err) {
				return exitValidation
			}
			return exitFatal
		}
		return exitOK
	}
	fmt.Fprintln(os.Stderr, color.RedString("error: unknown command %q", selected))
	return exitFatal
}

// printError renders the single-line summary; the detailed trace goes to the
// errors log and, with --debug, to stderr.
func printError(env *Env, err error) {
	fmt.Fprintln(os.Stderr, color.RedString("error: %v", trace.UserMessage(err)))
	if env.Debug {
		fmt.Fprintln(os.Stderr, trace.DebugReport(err))
	}
}
