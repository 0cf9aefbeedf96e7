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

package cli

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/qrdl/hotpatch/internal/compiledb"
	"github.com/qrdl/hotpatch/internal/transmit"
)

func (a *app) newDeliverCmd() *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "deliver <file> [dest]",
		Short: "Copy patch payload to the device",
		Long: `Copy patch payload to the device configured in device section, over SFTP.
Relative destination is placed into device.dir, default is the file name.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			dest := filepath.Base(args[0])
			if len(args) > 1 {
				dest = args[1]
			}
			if !path.IsAbs(dest) {
				dest = path.Join(a.cfg.Device.Dir, dest)
			}

			var d transmit.Deliverer = transmit.NewSFTP(a.componentLogger("transmit"), 0)
			if local {
				d = transmit.Local{}
			} else if a.cfg.Device.Host == "" {
				return errors.New("device.host is not configured")
			}
			creds := transmit.Credentials{
				Host:       a.cfg.Device.Host,
				Port:       a.cfg.Device.Port,
				User:       a.cfg.Device.User,
				Password:   a.cfg.Device.Password,
				KeyFile:    a.cfg.Device.KeyFile,
				KnownHosts: a.cfg.Device.KnownHosts,
			}
			if err := d.Deliver(cmd.Context(), data, dest, creds); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), dest)
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "write to this machine instead of the device")
	return cmd
}

func (a *app) newBuildCmdCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "buildcmd <source>",
		Short: "Print command building source file, from compilation database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				dbPath = a.cfg.CompileCommands
			}
			db, err := compiledb.Open(dbPath)
			if err != nil {
				return err
			}
			source, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			command, ok := db.LookupBuildCommand(source)
			if !ok {
				// map layout may use paths as written
				if command, ok = db.LookupBuildCommand(args[0]); !ok {
					return fmt.Errorf("no build command for %s in %s", args[0], dbPath)
				}
			}
			a.logger.Debug().Str("db", dbPath).Int("sources", db.Len()).Msg("Compilation database loaded")
			fmt.Fprintln(cmd.OutOrStdout(), command)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "compilation database (default compile_commands from configuration)")
	return cmd
}
