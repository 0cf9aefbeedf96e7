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
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// MaxCallArgs is number of arguments passed in registers by System V ABI.
const MaxCallArgs = 6

const redZone = 128

// syscallSite returns address to inject syscall at, Orig_rax keeps PC usable.
func syscallSite(pc uintptr) uintptr { return pc }

// syscallRegs sets up registers to run syscall instruction at pc.
func syscallRegs(saved *unix.PtraceRegs, pc uintptr, nr uintptr, args []uintptr) unix.PtraceRegs {
	regs := *saved
	var a [6]uint64
	for i, v := range args {
		a[i] = uint64(v)
	}
	regs.SetPC(uint64(pc))
	regs.Rax = uint64(nr)
	regs.Rdi, regs.Rsi, regs.Rdx, regs.R10, regs.R8, regs.R9 = a[0], a[1], a[2], a[3], a[4], a[5]
	// no syscall restart for injected code, even if process stopped inside a syscall
	regs.Orig_rax = ^uint64(0)
	return regs
}

// callRegs sets up registers and stack to call fn, which returns to ret.
func (p *Process) callRegs(saved *unix.PtraceRegs, fn, ret uintptr, args []uintptr) (unix.PtraceRegs, error) {
	if len(args) > MaxCallArgs {
		return unix.PtraceRegs{}, fmt.Errorf("%d arguments, at most %d supported", len(args), MaxCallArgs)
	}
	regs := *saved
	var a [MaxCallArgs]uint64
	for i, v := range args {
		a[i] = uint64(v)
	}
	regs.Rdi, regs.Rsi, regs.Rdx, regs.Rcx, regs.R8, regs.R9 = a[0], a[1], a[2], a[3], a[4], a[5]
	regs.Rax = 0 // no vector registers used by variadic functions
	regs.Orig_rax = ^uint64(0)

	// keep red zone of interrupted function, stack must be 16-byte aligned before CALL
	sp := (saved.Rsp - redZone) &^ 0xF
	sp -= 8
	var retAddr [8]byte
	binary.LittleEndian.PutUint64(retAddr[:], uint64(ret))
	if err := p.WriteMemory(uintptr(sp), retAddr[:]); err != nil {
		return unix.PtraceRegs{}, err
	}
	regs.Rsp = sp
	regs.SetPC(uint64(fn))
	return regs, nil
}

func resultReg(regs *unix.PtraceRegs) uintptr {
	return uintptr(regs.Rax)
}
