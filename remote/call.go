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
	"fmt"

	"github.com/qrdl/hotpatch/elfsym"
	"github.com/qrdl/hotpatch/fault"
)

const (
	// RTLD_DEFAULT handle searches global symbols in load order
	rtldDefault = 0
	// RTLD_NOW | RTLD_GLOBAL, so symbols of loaded library are visible to Dlsym
	dlopenFlags = 0x002 | 0x100
)

// modules providing libdl functions, glibc 2.34 merged libdl into libc
var dlModules = []string{"libc.so", "libdl.so"}

/*
Call calls function at fn inside the process with integer or pointer args,
and returns content of the return register.

Return address points to breakpoint in scratch memory, so the call ends with
SIGTRAP there. Any other stop fails with [fault.ErrUnexpectedStop]. If function
doesn't return in time, process is stopped and call fails with
[fault.ErrRemoteCallTimeout]. Registers are restored in every case.
*/
func (p *Process) Call(ctx context.Context, fn uintptr, args ...uintptr) (res uintptr, err error) {
	ret, err := p.ensureScratch(ctx)
	if err != nil {
		return 0, err
	}
	saved, err := p.Registers()
	if err != nil {
		return 0, err
	}
	defer func() { err = p.restore(&saved, err) }()

	regs, err := p.callRegs(&saved, fn, ret, args)
	if err != nil {
		return 0, fmt.Errorf("call %#x: %w", fn, err)
	}
	if err := p.SetRegisters(&regs); err != nil {
		return 0, err
	}
	p.logger.Debug().Str("fn", hex(fn)).Int("args", len(args)).Msg("Calling")

	after, err := p.resume(ctx, ret)
	if err != nil {
		return 0, fmt.Errorf("call %#x: %w", fn, err)
	}
	return resultReg(&after), nil
}

// ResolveSymbol returns address of exported symbol in module loaded by the process.
func (p *Process) ResolveSymbol(module, symbol string) (uintptr, error) {
	return elfsym.ResolveRemoteAddress(p.pid, module, symbol)
}

// Dlsym asks dynamic linker of the process for address of symbol.
func (p *Process) Dlsym(ctx context.Context, symbol string) (uintptr, error) {
	dlsym, err := p.resolveDl("dlsym")
	if err != nil {
		return 0, err
	}

	name, err := p.WriteString(ctx, symbol)
	if err != nil {
		return 0, err
	}
	addr, err := p.Call(ctx, dlsym, rtldDefault, name)
	if err != nil {
		return 0, err
	}
	if addr == 0 {
		return 0, fmt.Errorf("%w: %s", fault.ErrSymbolNotFound, symbol)
	}
	return addr, nil
}

// Dlopen loads shared library at path, which must exist on the machine running
// the process, and returns its handle. Symbols of the library become available to Dlsym.
func (p *Process) Dlopen(ctx context.Context, path string) (uintptr, error) {
	dlopen, err := p.resolveDl("dlopen")
	if err != nil {
		return 0, err
	}
	name, err := p.WriteString(ctx, path)
	if err != nil {
		return 0, err
	}
	handle, err := p.Call(ctx, dlopen, name, dlopenFlags)
	if err != nil {
		return 0, err
	}
	if handle == 0 {
		return 0, fmt.Errorf("%w: dlopen %s failed", fault.ErrModuleNotFound, path)
	}
	p.logger.Debug().Str("path", path).Str("handle", hex(handle)).Msg("Library loaded")
	return handle, nil
}

func (p *Process) resolveDl(symbol string) (uintptr, error) {
	var err error
	for _, module := range dlModules {
		var addr uintptr
		if addr, err = p.ResolveSymbol(module, symbol); err == nil {
			return addr, nil
		}
	}
	return 0, fmt.Errorf("find %s: %w", symbol, err)
}
