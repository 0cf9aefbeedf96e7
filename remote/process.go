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

/*
Package remote controls another process through ptrace: it reads and writes
its memory, runs syscalls and calls functions inside it, and installs jump
patches into its code.

Ptrace binds the tracee to the tracer thread, so [Attach] locks the calling
goroutine to its OS thread, and all further calls must be made from the same
goroutine until [Process.Detach].

	p, err := remote.Attach(ctx, pid)
	if err != nil {
	    return err
	}
	defer p.Detach()

	addr, err := p.Dlsym(ctx, "printf")
*/
package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/qrdl/hotpatch/arch"
	"github.com/qrdl/hotpatch/fault"
)

const (
	// DefaultWaitTimeout limits every wait for the tracee to stop.
	DefaultWaitTimeout = 10 * time.Second
	// DefaultScratchSize is size of memory mapped in the tracee for return trap and call arguments.
	DefaultScratchSize = 4096

	maxPollDelay = 10 * time.Millisecond
)

// State of the trace relationship.
type State int

const (
	Detached State = iota
	Attached
)

func (s State) String() string {
	if s == Attached {
		return "attached"
	}
	return "detached"
}

// Process is a traced process, stopped between operations.
type Process struct {
	pid         int
	state       State
	gen         arch.CodeGen
	waitTimeout time.Duration
	scratchSize int
	scratch     uintptr
	window      uintptr
	logger      zerolog.Logger
	patches     map[uintptr]*Patch
}

// Option configures Process.
type Option func(*Process)

// WithLogger sets logger, by default Process logs nothing.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Process) { p.logger = logger }
}

// WithWaitTimeout limits how long to wait for the tracee to stop.
func WithWaitTimeout(d time.Duration) Option {
	return func(p *Process) {
		if d > 0 {
			p.waitTimeout = d
		}
	}
}

// WithScratchSize sets size of scratch memory, used for return trap and string arguments.
func WithScratchSize(size int) Option {
	return func(p *Process) {
		if size > 0 {
			p.scratchSize = size
		}
	}
}

// WithIslandWindow sets maximal distance between patched function and its jump island.
func WithIslandWindow(window uintptr) Option {
	return func(p *Process) {
		if window > 0 {
			p.window = window
		}
	}
}

/*
Attach starts tracing process pid and waits until it stops. The calling goroutine
stays locked to its OS thread until [Process.Detach].

If the process doesn't stop before ctx is done or wait timeout expires, it is
detached, and error matches both [fault.ErrAttach] and [fault.ErrTimeout].
*/
func Attach(ctx context.Context, pid int, opts ...Option) (*Process, error) {
	p := &Process{
		pid:         pid,
		waitTimeout: DefaultWaitTimeout,
		scratchSize: DefaultScratchSize,
		window:      DefaultIslandWindow,
		logger:      zerolog.Nop(),
		patches:     make(map[uintptr]*Patch),
	}
	for _, opt := range opts {
		opt(p)
	}
	gen, err := arch.Native()
	if err != nil {
		return nil, err
	}
	p.gen = gen
	p.logger = p.logger.With().Int("pid", pid).Logger()

	runtime.LockOSThread()
	if err := unix.PtraceAttach(pid); err != nil {
		runtime.UnlockOSThread()
		return nil, fault.Wrap(fault.ErrAttach, err, "pid %d", pid)
	}
	if err := p.waitAttachStop(ctx); err != nil {
		_ = unix.PtraceDetach(pid)
		runtime.UnlockOSThread()
		return nil, fault.Wrap(fault.ErrAttach, err, "pid %d", pid)
	}
	p.state = Attached
	p.logger.Debug().Msg("Attached")

	return p, nil
}

// waitAttachStop waits for SIGSTOP sent by PTRACE_ATTACH, passing through signals arrived earlier.
func (p *Process) waitAttachStop(ctx context.Context) error {
	for {
		status, err := p.wait(ctx)
		if err != nil {
			return err
		}
		if !status.Stopped() {
			return fmt.Errorf("process exited with status %#x", uint32(status))
		}
		sig := status.StopSignal()
		if sig == unix.SIGSTOP {
			// process stopped before attach reports its group stop, and SIGSTOP
			// queued by attach would stop the first resume
			pending, err := stopPending(p.pid)
			if err != nil {
				p.logger.Warn().Err(err).Msg("Cannot check pending signals")
				return nil
			}
			if !pending {
				return nil
			}
			p.logger.Debug().Msg("Process was stopped, consuming SIGSTOP sent by attach")
			if err := unix.PtraceCont(p.pid, 0); err != nil {
				return err
			}
			continue
		}
		p.logger.Debug().Str("signal", sig.String()).Msg("Signal before attach stop, passing it on")
		if err := unix.PtraceCont(p.pid, int(sig)); err != nil {
			return err
		}
	}
}

// stopPending reports if SIGSTOP is queued for the process but not delivered yet.
func stopPending(pid int) (bool, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok || (key != "SigPnd" && key != "ShdPnd") {
			continue
		}
		mask, err := strconv.ParseUint(strings.TrimSpace(value), 16, 64)
		if err != nil {
			return false, fmt.Errorf("invalid %s mask %q: %w", key, value, err)
		}
		if mask&(1<<(unix.SIGSTOP-1)) != 0 {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// Detach releases scratch memory and stops tracing. The process continues running.
func (p *Process) Detach() error {
	if p.state != Attached {
		return fault.ErrNotAttached
	}
	var err error
	if p.scratch != 0 {
		if ferr := p.Free(context.Background(), p.scratch, p.scratchSize); ferr != nil {
			err = fmt.Errorf("free scratch memory: %w", ferr)
		}
		p.scratch = 0
	}
	if derr := unix.PtraceDetach(p.pid); derr != nil && !errors.Is(derr, unix.ESRCH) {
		err = errors.Join(err, fmt.Errorf("detach: %w", derr))
	}
	p.release()
	p.logger.Debug().Msg("Detached")

	return err
}

// release drops the trace relationship from this side, it is used when process is gone.
func (p *Process) release() {
	if p.state == Attached {
		p.state = Detached
		runtime.UnlockOSThread()
	}
}

// Pid returns process ID.
func (p *Process) Pid() int { return p.pid }

// State returns current state of the trace relationship.
func (p *Process) State() State { return p.state }

// Arch returns code generator matching the process.
func (p *Process) Arch() arch.CodeGen { return p.gen }

// Registers returns snapshot of general purpose registers.
func (p *Process) Registers() (unix.PtraceRegs, error) {
	var regs unix.PtraceRegs
	if p.state != Attached {
		return regs, fault.ErrNotAttached
	}
	if err := unix.PtraceGetRegs(p.pid, &regs); err != nil {
		return regs, fmt.Errorf("get registers: %w", err)
	}
	return regs, nil
}

// SetRegisters replaces general purpose registers.
func (p *Process) SetRegisters(regs *unix.PtraceRegs) error {
	if p.state != Attached {
		return fault.ErrNotAttached
	}
	if err := unix.PtraceSetRegs(p.pid, regs); err != nil {
		return fmt.Errorf("set registers: %w", err)
	}
	return nil
}

// wait polls the process until it changes state, ctx is done or wait timeout expires.
func (p *Process) wait(ctx context.Context) (unix.WaitStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, p.waitTimeout)
	defer cancel()

	delay := 50 * time.Microsecond
	for {
		var status unix.WaitStatus
		wpid, err := unix.Wait4(p.pid, &status, unix.WNOHANG|unix.WALL, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return 0, fmt.Errorf("wait: %w", err)
		case wpid == p.pid:
			return status, nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, fmt.Errorf("%w: %w", fault.ErrTimeout, ctx.Err())
		case <-timer.C:
		}
		if delay *= 2; delay > maxPollDelay {
			delay = maxPollDelay
		}
	}
}

// resume continues the process and waits until it hits breakpoint, so PC is
// expected + BreakpointAdvance. Registers at the stop are returned.
// On timeout the process is stopped with SIGSTOP, so it can be restored by the caller.
func (p *Process) resume(ctx context.Context, expected uintptr) (unix.PtraceRegs, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceCont(p.pid, 0); err != nil {
		return regs, fmt.Errorf("%w: continue: %w", fault.ErrUnexpectedStop, err)
	}

	status, err := p.wait(ctx)
	if errors.Is(err, fault.ErrTimeout) {
		if serr := p.interrupt(); serr != nil {
			return regs, errors.Join(fmt.Errorf("%w: %w", fault.ErrRemoteCallTimeout, err), serr)
		}
		return regs, fmt.Errorf("%w: %w", fault.ErrRemoteCallTimeout, err)
	}
	if err != nil {
		return regs, err
	}

	switch {
	case status.Exited(), status.Signaled():
		p.release()
		return regs, fmt.Errorf("%w: process terminated with status %#x", fault.ErrUnexpectedStop, uint32(status))
	case !status.Stopped():
		return regs, fmt.Errorf("%w: status %#x", fault.ErrUnexpectedStop, uint32(status))
	case status.StopSignal() != unix.SIGTRAP:
		return regs, fmt.Errorf("%w: signal %s", fault.ErrUnexpectedStop, status.StopSignal())
	}

	if regs, err = p.Registers(); err != nil {
		return regs, err
	}
	if pc := uintptr(regs.PC()); pc != expected+p.gen.BreakpointAdvance() {
		return regs, fmt.Errorf("%w: trap at %#x, expected %#x", fault.ErrUnexpectedStop, pc, expected)
	}
	return regs, nil
}

// interrupt stops running process, used when injected code doesn't return in time.
func (p *Process) interrupt() error {
	if err := unix.Tgkill(p.pid, p.pid, unix.SIGSTOP); err != nil {
		return fmt.Errorf("stop process: %w", err)
	}
	status, err := p.wait(context.Background())
	if err != nil {
		return fmt.Errorf("stop process: %w", err)
	}
	if !status.Stopped() {
		p.release()
		return fmt.Errorf("%w: process terminated with status %#x", fault.ErrUnexpectedStop, uint32(status))
	}
	p.logger.Warn().Str("signal", status.StopSignal().String()).Msg("Process interrupted")
	return nil
}

// restore puts back saved registers, joining the error with err.
func (p *Process) restore(saved *unix.PtraceRegs, err error) error {
	if p.state != Attached {
		return err
	}
	return errors.Join(err, p.SetRegisters(saved))
}
