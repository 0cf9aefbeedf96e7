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

package remote

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/qrdl/hotpatch/fault"
	"github.com/qrdl/hotpatch/procmaps"
)

const (
	// syscall returns values in [-4095, -1] as negated errno
	maxErrno = uintptr(0xfffffffffffff001)

	// kernel-internal codes, seen when syscall is interrupted by tracer
	errRestartSys    = unix.Errno(512)
	errRestartNoIntr = unix.Errno(513)
	errRestartNoHand = unix.Errno(514)
	errRestartBlock  = unix.Errno(516)

	protRWX = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	protRX  = unix.PROT_READ | unix.PROT_EXEC

	// scratch layout: return trap first, data after it
	scratchData = 16
)

/*
Syscall runs system call nr with args inside the process and returns its result.

Syscall and breakpoint instructions are written at current PC (a few instructions
further on arm64), process is resumed until breakpoint, then original code and
registers are put back. Error returned
by the kernel is [unix.Errno]. Interrupted calls are restarted.
*/
func (p *Process) Syscall(ctx context.Context, nr uintptr, args ...uintptr) (uintptr, error) {
	if len(args) > 6 {
		return 0, fmt.Errorf("syscall %d: %d arguments, at most 6 supported", nr, len(args))
	}
	for {
		res, err := p.syscall(ctx, nr, args)
		switch {
		case errors.Is(err, unix.EINTR),
			errors.Is(err, errRestartSys),
			errors.Is(err, errRestartNoIntr),
			errors.Is(err, errRestartNoHand),
			errors.Is(err, errRestartBlock):
			p.logger.Debug().Uint64("nr", uint64(nr)).Err(err).Msg("Syscall interrupted, restarting")
			continue
		}
		return res, err
	}
}

func (p *Process) syscall(ctx context.Context, nr uintptr, args []uintptr) (res uintptr, err error) {
	saved, err := p.Registers()
	if err != nil {
		return 0, err
	}
	site := syscallSite(uintptr(saved.PC()))
	trap := p.gen.SyscallTrap()
	orig, err := p.ReadMemory(site, len(trap))
	if err != nil {
		return 0, fmt.Errorf("save code at %#x: %w", site, err)
	}
	if err := p.WriteMemory(site, trap); err != nil {
		return 0, fmt.Errorf("write syscall at %#x: %w", site, err)
	}
	defer func() {
		if p.state != Attached {
			return
		}
		if werr := p.WriteMemory(site, orig); werr != nil {
			err = errors.Join(err, fmt.Errorf("restore code at %#x: %w", site, werr))
		}
		err = p.restore(&saved, err)
	}()

	regs := syscallRegs(&saved, site, nr, args)
	if err := p.SetRegisters(&regs); err != nil {
		return 0, err
	}
	bp := site + uintptr(len(trap)-len(p.gen.Breakpoint()))
	after, err := p.resume(ctx, bp)
	if err != nil {
		return 0, fmt.Errorf("syscall %d: %w", nr, err)
	}

	res = resultReg(&after)
	if res >= maxErrno {
		return 0, unix.Errno(-res)
	}
	return res, nil
}

// Allocate maps size bytes of read-write-execute memory anywhere in the process.
func (p *Process) Allocate(ctx context.Context, size int) (uintptr, error) {
	addr, err := p.mmap(ctx, 0, size, 0)
	if err != nil {
		return 0, fault.Wrap(fault.ErrRemoteAllocation, err, "%d bytes", size)
	}
	p.logger.Debug().Str("addr", hex(addr)).Int("size", size).Msg("Allocated")
	return addr, nil
}

/*
AllocateNear maps size bytes of read-write-execute memory within window bytes
of target, nearest free gaps first. The second result is false if nothing was
free within the window and memory was allocated anywhere.
*/
func (p *Process) AllocateNear(ctx context.Context, target uintptr, size int, window uintptr) (uintptr, bool, error) {
	page := uintptr(os.Getpagesize())
	size = pageRound(size)

	regions, err := procmaps.Read(p.pid)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Cannot read memory map, probing blindly")
	}

	var (
		addr    uintptr
		callErr error
	)
	found := regions.ScanNear(target, uintptr(size), window, page, func(c uintptr) bool {
		got, err := p.mmap(ctx, c, size, unix.MAP_FIXED_NOREPLACE)
		if err == nil && got != c {
			// old kernels treat unknown flag as a hint
			err = p.munmap(ctx, got, size)
			if err == nil {
				return false
			}
		}
		if err != nil {
			var errno unix.Errno
			if !errors.As(err, &errno) {
				// call itself failed, no point trying further
				callErr = err
				return true
			}
			return false
		}
		addr = got
		return true
	})
	if callErr != nil {
		return 0, false, fault.Wrap(fault.ErrRemoteAllocation, callErr, "%d bytes near %#x", size, target)
	}
	if found {
		p.logger.Debug().Str("target", hex(target)).Str("addr", hex(addr)).Int("size", size).
			Msg("Allocated near target")
		return addr, true, nil
	}

	addr, err = p.Allocate(ctx, size)
	return addr, false, err
}

// Free unmaps memory allocated by Allocate or AllocateNear.
func (p *Process) Free(ctx context.Context, addr uintptr, size int) error {
	if err := p.munmap(ctx, addr, size); err != nil {
		return fmt.Errorf("munmap %#x: %w", addr, err)
	}
	return nil
}

// Protect changes protection of the process memory.
func (p *Process) Protect(ctx context.Context, addr uintptr, size int, prot int) error {
	if _, err := p.Syscall(ctx, unix.SYS_MPROTECT, addr, uintptr(size), uintptr(prot)); err != nil {
		return fault.Wrap(fault.ErrProtection, err, "%#x-%#x", addr, addr+uintptr(size))
	}
	return nil
}

func (p *Process) mmap(ctx context.Context, addr uintptr, size int, flags int) (uintptr, error) {
	return p.Syscall(ctx, unix.SYS_MMAP, addr, uintptr(size), protRWX,
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|flags), ^uintptr(0), 0)
}

func (p *Process) munmap(ctx context.Context, addr uintptr, size int) error {
	_, err := p.Syscall(ctx, unix.SYS_MUNMAP, addr, uintptr(size))
	return err
}

// ensureScratch allocates scratch memory with return trap at its start.
func (p *Process) ensureScratch(ctx context.Context) (uintptr, error) {
	if p.scratch != 0 {
		return p.scratch, nil
	}
	addr, err := p.Allocate(ctx, p.scratchSize)
	if err != nil {
		return 0, err
	}
	if err := p.WriteMemory(addr, p.gen.Breakpoint()); err != nil {
		_ = p.Free(ctx, addr, p.scratchSize)
		return 0, err
	}
	p.scratch = addr
	return addr, nil
}

func hex(v uintptr) string {
	return fmt.Sprintf("%#x", v)
}
