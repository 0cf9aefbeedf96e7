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

/*
Package arch produces and inspects machine code for control transfers.

Each supported instruction set has a code generator which knows how to
encode short (PC-relative) and long (absolute) jumps, how many bytes must be
taken from a function prologue to fit a jump at its entry, and how to move
those prologue instructions to another address keeping PC-relative operands
pointing to the same targets.

Generators are pure: they only fill byte slices and never touch process memory,
so a generator for a foreign architecture can be used to prepare code for another
process or to run tests on any host.

Supported architectures:
  - x86_64 (amd64): short jump is JMP rel32 (5 bytes, +-2 GiB), long jump is
    JMP [RIP+0] followed by the 64-bit destination (14 bytes, no register clobbered)
  - ARM64 (arm64): short jump is B imm26 (4 bytes, +-128 MiB), long jump is
    LDR X17, #8; BR X17 followed by the 64-bit destination (16 bytes, X17 is clobbered)
*/
package arch

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/qrdl/hotpatch/fault"
)

var (
	// ErrOutOfRange is returned when a PC-relative offset doesn't fit the encoding.
	ErrOutOfRange = errors.New("offset out of range")
	// ErrRelocation is returned when prologue instructions can't be moved.
	ErrRelocation = errors.New("cannot relocate instruction")
)

// CodeGen is an instruction encoder for a single architecture.
type CodeGen interface {
	// Name returns GOARCH-style architecture name.
	Name() string
	// ShortJumpSize is the size of PC-relative jump, it is also the minimal patch size.
	ShortJumpSize() int
	// LongJumpSize is the size of absolute jump, including inline destination address.
	LongJumpSize() int
	// ShortRange is the maximal distance reachable with short jump.
	ShortRange() uint64
	// Reachable reports whether short jump placed at src can reach dst.
	Reachable(src, dst uintptr) bool

	// EncodeShortJump writes short jump from src to dst into buf, returning number of bytes written.
	EncodeShortJump(buf []byte, src, dst uintptr) (int, error)
	// EncodeLongJump writes position-independent absolute jump to dst into buf.
	EncodeLongJump(buf []byte, dst uintptr) (int, error)
	// EncodeJump writes short jump if dst is reachable from src, otherwise long jump.
	EncodeJump(buf []byte, src, dst uintptr) (int, error)
	// DecodeShortJump returns destination of short jump located at src.
	DecodeShortJump(code []byte, src uintptr) (uintptr, bool)

	// Nop returns single no-op instruction.
	Nop() []byte
	// Breakpoint returns instruction which stops the process with SIGTRAP.
	Breakpoint() []byte
	// BreakpointAdvance is how far PC moves past the breakpoint address when it is hit.
	BreakpointAdvance() uintptr
	// SyscallTrap returns system call instruction followed by breakpoint.
	SyscallTrap() []byte

	// PrologueSize returns the smallest instruction-aligned length which is at least min bytes.
	PrologueSize(code []byte, min int) (int, error)
	// Relocate copies code which was located at from so it can run at to.
	Relocate(code []byte, from, to uintptr) ([]byte, error)
}

// Lookup returns code generator for GOARCH-style architecture name.
func Lookup(name string) (CodeGen, error) {
	switch name {
	case "amd64":
		return AMD64{}, nil
	case "arm64":
		return ARM64{}, nil
	}
	return nil, fmt.Errorf("%w: %s", fault.ErrUnsupportedArchitecture, name)
}

// Native returns code generator for the architecture this program was built for.
func Native() (CodeGen, error) {
	return Lookup(runtime.GOARCH)
}

// Pad fills buf with no-op instructions.
func Pad(gen CodeGen, buf []byte) {
	nop := gen.Nop()
	for i := 0; i+len(nop) <= len(buf); i += len(nop) {
		copy(buf[i:], nop)
	}
}

func short(buf []byte, need int) error {
	if len(buf) < need {
		return fmt.Errorf("buffer of %d bytes is too small, need %d", len(buf), need)
	}
	return nil
}
