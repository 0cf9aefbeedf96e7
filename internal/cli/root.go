// This file is part of Hotpatch project, available at https://github.com/qrdl/hotpatch
// Copyright (c) 2024 Ilya Caramishev. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at https://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli implements hotpatch command line.
package cli

import (
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/qrdl/hotpatch/internal/config"
	"github.com/qrdl/hotpatch/internal/logging"
)

// app holds state shared by all commands, filled before any command runs.
type app struct {
	configPath string
	logLevel   string
	cfg        *config.Config
	logCfg     logging.Config
	logger     zerolog.Logger
}

// NewRootCmd creates hotpatch command with all subcommands.
func NewRootCmd() *cobra.Command {
	a := &app{
		cfg:    config.Default(),
		logger: zerolog.Nop(),
	}
	root := &cobra.Command{
		Use:   "hotpatch",
		Short: "Inspect running processes and patch their functions",
		Long: `Hotpatch redirects functions of running processes to replacement code.

It reads memory maps and ELF symbol tables, attaches to processes with ptrace
to call their functions or install jump patches, and delivers patch payloads
to the device running the target.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "",
		"configuration file (default $"+config.EnvConfig+" or ~/.hotpatch/config.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level, overrides configuration")

	root.AddCommand(
		a.newMapsCmd(),
		a.newResolveCmd(),
		a.newDeliverCmd(),
		a.newBuildCmdCmd(),
	)
	root.AddCommand(a.remoteCommands()...)

	return root
}

// Execute runs hotpatch command line.
func Execute() error {
	return NewRootCmd().Execute()
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	a.cfg = cfg

	a.logCfg = logging.DefaultConfig()
	if cfg.Log.Level != "" {
		a.logCfg.Level = cfg.Log.Level
	}
	a.logCfg.Pretty = cfg.Log.Pretty
	a.logCfg.Output = cmd.ErrOrStderr()
	a.logger = logging.New(a.logCfg).With().Str("command", cmd.Name()).Logger()
	return nil
}

// componentLogger returns logger for library package doing the work of a command.
func (a *app) componentLogger(component string) zerolog.Logger {
	return logging.NewWithComponent(a.logCfg, component)
}

func parsePid(s string) (int, error) {
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid %q", s)
	}
	return pid, nil
}

// parseArgs converts call arguments, accepting decimal, hex (0x) and octal (0) forms.
func parseArgs(args []string) ([]uintptr, error) {
	res := make([]uintptr, len(args))
	for i, arg := range args {
		v, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			n, ierr := strconv.ParseInt(arg, 0, 64)
			if ierr != nil {
				return nil, fmt.Errorf("invalid argument %q: %w", arg, err)
			}
			v = uint64(n)
		}
		res[i] = uintptr(v)
	}
	return res, nil
}
