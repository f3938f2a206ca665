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
	"os"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"
	"github.com/gravitational/trace"

	"github.com/slotwatch/slotwatch/lib/config"
	"github.com/slotwatch/slotwatch/lib/defaults"
)

// defaultConfig is the starting point written by `configure --reset`.
func defaultConfig() *config.Config {
	return &config.Config{
		Cities:          []string{"Tehran"},
		CheckIntervalMS: defaults.CheckInterval.Milliseconds(),
		BaseURL:         "https://irsafam.org/ielts/timetable",
		NotificationSettings: config.NotificationSettings{
			Desktop: true,
			LogFile: true,
		},
		Security: config.SecuritySettings{
			MaskSensitiveData: true,
			LogLevel:          "info",
		},
	}
}

// ConfigureCommand implements `slotwatch configure`: print, reset or replace
// the configuration file.
type ConfigureCommand struct {
	env   *Env
	reset bool
	file  string

	configure *kingpin.CmdClause
}

// Initialize registers the command.
func (c *ConfigureCommand) Initialize(app *kingpin.Application, env *Env) {
	c.env = env
	c.configure = app.Command("configure", "Show or update the monitor configuration.")
	c.configure.Flag("reset", "Write the default configuration.").BoolVar(&c.reset)
	c.configure.Flag("file", "Replace the configuration with a validated copy of this file.").StringVar(&c.file)
}

// TryRun executes the command when selected.
func (c *ConfigureCommand) TryRun(cmd string) (bool, error) {
	if cmd != c.configure.FullCommand() {
		return false, nil
	}
	return true, trace.Wrap(c.run())
}

func (c *ConfigureCommand) run() error {
	switch {
	case c.reset:
		cfg := defaultConfig()
		if err := cfg.CheckAndSetDefaults(); err != nil {
			return trace.Wrap(err)
		}
		if err := writeConfig(c.env.ConfigPath, cfg); err != nil {
			return trace.Wrap(err)
		}
		fmt.Println(color.GreenString("wrote default configuration to %v", c.env.ConfigPath))
		return nil

	case c.file != "":
		cfg, err := config.Load(c.file)
		if err != nil {
			return newValidationError(err)
		}
		if err := writeConfig(c.env.ConfigPath, cfg); err != nil {
			return trace.Wrap(err)
		}
		fmt.Println(color.GreenString("configuration updated from %v", c.file))
		return nil

	default:
		cfg, err := c.env.Config()
		if err != nil {
			return newValidationError(err)
		}
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return trace.Wrap(err)
		}
		fmt.Println(string(data))
		return nil
	}
}

func writeConfig(path string, cfg *config.Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return trace.ConvertSystemError(err)
	}
	return trace.Wrap(config.Save(path, cfg))
}

// ConfigValidateCommand implements `slotwatch config-validate`.
type ConfigValidateCommand struct {
	env *Env
	fix bool

	validate *kingpin.CmdClause
}

// Initialize registers the command.
func (c *ConfigValidateCommand) Initialize(app *kingpin.Application, env *Env) {
	c.env = env
	c.validate = app.Command("config-validate", "Validate the configuration file and report every field error.")
	c.validate.Flag("fix", "Fill in missing defaults and rewrite the file.").BoolVar(&c.fix)
}

// TryRun executes the command when selected.
func (c *ConfigValidateCommand) TryRun(cmd string) (bool, error) {
	if cmd != c.validate.FullCommand() {
		return false, nil
	}
	return true, trace.Wrap(c.run())
}

func (c *ConfigValidateCommand) run() error {
	cfg, err := config.Load(c.env.ConfigPath)
	if err != nil {
		// Enumerate every field error before failing.
		fieldErrs := []error{err}
		if agg, ok := trace.Unwrap(err).(trace.Aggregate); ok {
			fieldErrs = agg.Errors()
		}
		for _, fieldErr := range fieldErrs {
			fmt.Println(color.RedString("  ✗ %v", trace.UserMessage(fieldErr)))
		}
		return newValidationError(trace.BadParameter("configuration %v is invalid", c.env.ConfigPath))
	}

	fmt.Println(color.GreenString("configuration %v is valid", c.env.ConfigPath))
	if c.fix {
		if err := writeConfig(c.env.ConfigPath, cfg); err != nil {
			return trace.Wrap(err)
		}
		fmt.Println(color.GreenString("rewrote %v with defaults filled in", c.env.ConfigPath))
	}
	return nil
}
