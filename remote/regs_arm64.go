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

//go:build linux

package remote

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MaxCallArgs is number of arguments passed in registers by AAPCS64.
const MaxCallArgs = 8

const (
	regSyscallNr = 8
	regLR        = 30
	stackGap     = 128
	instrLength  = 4
)

// syscallSite returns address to inject syscall at. Process stopped inside a
// syscall has PC rewound to the svc instruction, and on resume the kernel may
// replace x8 with restart_syscall if PC is still there, so code goes past it.
func syscallSite(pc uintptr) uintptr { return pc + 2*instrLength }

// syscallRegs sets up registers to run svc instruction at pc.
func syscallRegs(saved *unix.PtraceRegs, pc uintptr, nr uintptr, args []uintptr) unix.PtraceRegs {
	regs := *saved
	for i := 0; i < 6; i++ {
		regs.Regs[i] = 0
	}
	for i, v := range args {
		regs.Regs[i] = uint64(v)
	}
	regs.Regs[regSyscallNr] = uint64(nr)
	regs.SetPC(uint64(pc))
	return regs
}

// callRegs sets up registers to call fn, which returns to ret through link register.
func (p *Process) callRegs(saved *unix.PtraceRegs, fn, ret uintptr, args []uintptr) (unix.PtraceRegs, error) {
	if len(args) > MaxCallArgs {
		return unix.PtraceRegs{}, fmt.Errorf("%d arguments, at most %d supported", len(args), MaxCallArgs)
	}
	regs := *saved
	for i := 0; i < MaxCallArgs; i++ {
		regs.Regs[i] = 0
	}
	for i, v := range args {
		regs.Regs[i] = uint64(v)
	}
	regs.Regs[regLR] = uint64(ret)
	regs.Sp = (saved.Sp - stackGap) &^ 0xF
	regs.SetPC(uint64(fn))
	return regs, nil
}

func resultReg(regs *unix.PtraceRegs) uintptr {
	return uintptr(regs.Regs[0])
}
