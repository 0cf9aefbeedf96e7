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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qrdl/hotpatch/elfsym"
	"github.com/qrdl/hotpatch/internal/logging"
	"github.com/qrdl/hotpatch/procmaps"
)

func (a *app) newMapsCmd() *cobra.Command {
	var module string
	cmd := &cobra.Command{
		Use:   "maps <pid>",
		Short: "Print memory map of process, or base address of module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePid(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if module != "" {
				base, err := procmaps.FindModuleBase(pid, module)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%#x\n", base)
				return nil
			}

			regions, err := procmaps.Read(pid)
			if err != nil {
				return err
			}
			for _, r := range regions {
				fmt.Fprintf(out, "%012x-%012x %s %08x %s\n", r.Start, r.End, r.Perms, r.Offset, r.Path)
			}
			a.logger.Debug().Int("regions", len(regions)).Msg("Memory map read")
			return nil
		},
	}
	cmd.Flags().StringVarP(&module, "module", "m", "", "print base address of executable mapping of this module")
	return cmd
}

func (a *app) newResolveCmd() *cobra.Command {
	var static bool
	cmd := &cobra.Command{
		Use:   "resolve <file> <symbol>",
		Short: "Print value of exported symbol in ELF file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []elfsym.Option
			if static {
				opts = append(opts, elfsym.WithStatic())
			}
			image, err := elfsym.Open(args[0], opts...)
			if err != nil {
				return err
			}
			defer logging.DeferClose(a.logger, image, "failed to close ELF image")

			sym, err := image.Lookup(args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%#x\n", sym.Value)
			a.logger.Debug().Str("file", args[0]).Str("machine", image.Machine().String()).
				Str("symbol", sym.Name).Uint64("size", sym.Size).Msg("Symbol resolved")
			return nil
		},
	}
	cmd.Flags().BoolVar(&static, "static", false, "also search .symtab, for binaries without dynamic symbols")
	return cmd
}
