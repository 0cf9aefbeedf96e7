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

//go:build linux && (amd64 || arm64)

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qrdl/hotpatch/elfsym"
	"github.com/qrdl/hotpatch/remote"
)

func (a *app) remoteCommands() []*cobra.Command {
	return []*cobra.Command{
		a.newAddrCmd(),
		a.newCallCmd(),
		a.newPatchCmd(),
	}
}

// attach attaches to pid with configured limits, the returned function detaches.
func (a *app) attach(ctx context.Context, pid int) (*remote.Process, func(), error) {
	p, err := remote.Attach(ctx, pid,
		remote.WithLogger(a.componentLogger("remote")),
		remote.WithWaitTimeout(a.cfg.Remote.WaitTimeout),
		remote.WithScratchSize(a.cfg.Remote.ScratchSize),
		remote.WithIslandWindow(uintptr(a.cfg.Island.Window)),
	)
	if err != nil {
		return nil, nil, err
	}
	return p, func() {
		if err := p.Detach(); err != nil {
			a.logger.Warn().Err(err).Msg("Detach failed")
		}
	}, nil
}

func (a *app) newAddrCmd() *cobra.Command {
	var useDlsym bool
	cmd := &cobra.Command{
		Use:   "addr <pid> <module> <symbol>",
		Short: "Print address of symbol in running process",
		Long: `Print address of symbol in running process, computed from module base
address and symbol value in the module file. With --dlsym the process is also
asked through its own dlsym, and both answers must match.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePid(args[0])
			if err != nil {
				return err
			}
			addr, err := elfsym.ResolveRemoteAddress(pid, args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%#x\n", addr)
			if !useDlsym {
				return nil
			}

			p, detach, err := a.attach(cmd.Context(), pid)
			if err != nil {
				return err
			}
			defer detach()
			got, err := p.Dlsym(cmd.Context(), args[2])
			if err != nil {
				return err
			}
			if got != addr {
				return fmt.Errorf("dlsym returned %#x, resolved %#x", got, addr)
			}
			a.logger.Info().Str("symbol", args[2]).Msg("Address confirmed by dlsym")
			return nil
		},
	}
	cmd.Flags().BoolVar(&useDlsym, "dlsym", false, "confirm address with dlsym of the process")
	return cmd
}

func (a *app) newCallCmd() *cobra.Command {
	var module string
	cmd := &cobra.Command{
		Use:   "call <pid> <symbol> [args...]",
		Short: "Call function inside running process and print its result",
		Long: `Call function inside running process and print its result. Arguments are
integers, in decimal or 0x-prefixed hex. Without --module the symbol is found
with dlsym of the process.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePid(args[0])
			if err != nil {
				return err
			}
			callArgs, err := parseArgs(args[2:])
			if err != nil {
				return err
			}
			if len(callArgs) > remote.MaxCallArgs {
				return fmt.Errorf("at most %d arguments supported", remote.MaxCallArgs)
			}

			p, detach, err := a.attach(cmd.Context(), pid)
			if err != nil {
				return err
			}
			defer detach()

			fn, err := a.lookup(cmd.Context(), p, module, args[1])
			if err != nil {
				return err
			}
			res, err := p.Call(cmd.Context(), fn, callArgs...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%#x\n", res)
			return nil
		},
	}
	cmd.Flags().StringVarP(&module, "module", "m", "", "module exporting the function")
	return cmd
}

func (a *app) newPatchCmd() *cobra.Command {
	var lib, targetModule string
	cmd := &cobra.Command{
		Use:   "patch <pid> <target> <replacement>",
		Short: "Redirect function of running process to replacement",
		Long: `Redirect function of running process to replacement. The patch stays in
place after hotpatch detaches. Replacement is usually exported by a library,
loaded first with --lib (path on the machine running the process).`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pid, err := parsePid(args[0])
			if err != nil {
				return err
			}
			p, detach, err := a.attach(ctx, pid)
			if err != nil {
				return err
			}
			defer detach()

			if lib != "" {
				if _, err := p.Dlopen(ctx, lib); err != nil {
					return err
				}
			}
			target, err := a.lookup(ctx, p, targetModule, args[1])
			if err != nil {
				return err
			}
			replacement, err := p.Dlsym(ctx, args[2])
			if err != nil {
				return err
			}
			patch, err := p.InstallJump(ctx, target, replacement)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), patch)
			return nil
		},
	}
	cmd.Flags().StringVar(&lib, "lib", "", "shared library to load before patching")
	cmd.Flags().StringVarP(&targetModule, "module", "m", "", "module exporting target function")
	return cmd
}

// lookup finds function in module, or through dlsym of the process without module.
func (a *app) lookup(ctx context.Context, p *remote.Process, module, symbol string) (uintptr, error) {
	if module != "" {
		return p.ResolveSymbol(module, symbol)
	}
	return p.Dlsym(ctx, symbol)
}
