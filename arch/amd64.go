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

package arch

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/arch/x86/x86asm"
)

const (
	jmpInstrLength     = 5 // length of local JMP instruction with operand
	jmpInstrCode       = uint8(0xE9)
	jmpAbsInstrLength  = 14 // JMP [RIP+0] + 64-bit address
	jmpShortInstrCode  = uint8(0xEB)
	callInstrCode      = uint8(0xE8)
	jccShortFirst      = uint8(0x70)
	jccShortLast       = uint8(0x7F)
	jccNearPrefix      = uint8(0x0F)
	jccNearFirst       = uint8(0x80)
	nopInstrCode       = uint8(0x90)
	int3InstrCode      = uint8(0xCC)
	amd64DecoderMode   = 64
	amd64JumpReach     = math.MaxInt32
	amd64RIPJumpPrefix = uint16(0x25FF) // FF 25, little endian
)

// AMD64 is code generator for x86_64.
type AMD64 struct{}

func (AMD64) Name() string               { return "amd64" }
func (AMD64) ShortJumpSize() int         { return jmpInstrLength }
func (AMD64) LongJumpSize() int          { return jmpAbsInstrLength }
func (AMD64) ShortRange() uint64         { return amd64JumpReach }
func (AMD64) Nop() []byte                { return []byte{nopInstrCode} }
func (AMD64) Breakpoint() []byte         { return []byte{int3InstrCode} }
func (AMD64) SyscallTrap() []byte        { return []byte{0x0F, 0x05, int3InstrCode} } // SYSCALL; INT3
func (AMD64) BreakpointAdvance() uintptr { return 1 }

func (AMD64) Reachable(src, dst uintptr) bool {
	_, ok := rel32(src+jmpInstrLength, dst)
	return ok
}

func (AMD64) EncodeShortJump(buf []byte, src, dst uintptr) (int, error) {
	if err := short(buf, jmpInstrLength); err != nil {
		return 0, err
	}
	rel, ok := rel32(src+jmpInstrLength, dst)
	if !ok {
		return 0, fmt.Errorf("%w: jump from %#x to %#x", ErrOutOfRange, src, dst)
	}
	// JMP <relative address>
	buf[0] = jmpInstrCode
	binary.LittleEndian.PutUint32(buf[1:], uint32(rel))
	return jmpInstrLength, nil
}

func (AMD64) EncodeLongJump(buf []byte, dst uintptr) (int, error) {
	if err := short(buf, jmpAbsInstrLength); err != nil {
		return 0, err
	}
	// JMP [RIP+0] followed by absolute address
	binary.LittleEndian.PutUint16(buf, amd64RIPJumpPrefix)
	binary.LittleEndian.PutUint32(buf[2:], 0)
	binary.LittleEndian.PutUint64(buf[6:], uint64(dst))
	return jmpAbsInstrLength, nil
}

func (a AMD64) EncodeJump(buf []byte, src, dst uintptr) (int, error) {
	if a.Reachable(src, dst) {
		return a.EncodeShortJump(buf, src, dst)
	}
	return a.EncodeLongJump(buf, dst)
}

func (AMD64) DecodeShortJump(code []byte, src uintptr) (uintptr, bool) {
	if len(code) < jmpInstrLength || code[0] != jmpInstrCode {
		return 0, false
	}
	rel := int32(binary.LittleEndian.Uint32(code[1:]))
	return uintptr(int64(src) + jmpInstrLength + int64(rel)), true
}

// PrologueSize walks instructions with x86 decoder until at least min bytes are covered.
func (AMD64) PrologueSize(code []byte, min int) (int, error) {
	size := 0
	for size < min {
		if size >= len(code) {
			return 0, fmt.Errorf("%w: prologue shorter than %d bytes", ErrRelocation, min)
		}
		inst, err := x86asm.Decode(code[size:], amd64DecoderMode)
		if err != nil {
			return 0, fmt.Errorf("%w: decode at offset %d: %w", ErrRelocation, size, err)
		}
		size += inst.Len
	}
	return size, nil
}

// Relocate copies instructions to new location, fixing PC-relative operands.
// Short jumps are widened to rel32 form, and branches whose targets are out of
// rel32 reach are replaced by absolute sequences, so relocated code may be
// longer than the original.
func (a AMD64) Relocate(code []byte, from, to uintptr) ([]byte, error) {
	out := make([]byte, 0, len(code)*4)
	for i := 0; i < len(code); {
		inst, err := x86asm.Decode(code[i:], amd64DecoderMode)
		if err != nil {
			return nil, fmt.Errorf("%w: decode at offset %d: %w", ErrRelocation, i, err)
		}
		if i+inst.Len > len(code) {
			return nil, fmt.Errorf("%w: instruction at offset %d crosses prologue end", ErrRelocation, i)
		}
		raw := code[i : i+inst.Len]
		srcNext := from + uintptr(i+inst.Len)

		switch inst.PCRel {
		case 0:
			if hasRIPOperand(inst) {
				return nil, fmt.Errorf("%w: %v at offset %d", ErrRelocation, inst, i)
			}
			out = append(out, raw...)

		case 1, 4:
			var disp int64
			if inst.PCRel == 1 {
				disp = int64(int8(raw[inst.PCRelOff]))
			} else {
				disp = int64(int32(binary.LittleEndian.Uint32(raw[inst.PCRelOff:])))
			}
			dest := uintptr(int64(srcNext) + disp)
			out, err = a.relocateOne(out, raw, inst, dest, to)
			if err != nil {
				return nil, fmt.Errorf("%w at offset %d", err, i)
			}

		default:
			return nil, fmt.Errorf("%w: %v at offset %d", ErrRelocation, inst, i)
		}
		i += inst.Len
	}
	return out, nil
}

// relocateOne appends PC-relative instruction raw, which refers to dest, to out located at base.
func (a AMD64) relocateOne(out, raw []byte, inst x86asm.Inst, dest, base uintptr) ([]byte, error) {
	op := raw[0]
	cc := -1 // condition code of Jcc
	switch {
	case op >= jccShortFirst && op <= jccShortLast:
		cc = int(op - jccShortFirst)
	case op == jccNearPrefix && len(raw) == 6 && raw[1]&0xF0 == jccNearFirst:
		cc = int(raw[1] - jccNearFirst)
	}
	isJump := op == jmpInstrCode || op == jmpShortInstrCode
	isCall := op == callInstrCode && len(raw) == 5

	// rel32 form first
	var near []byte
	switch {
	case isJump:
		near = []byte{jmpInstrCode, 0, 0, 0, 0}
	case cc >= 0:
		near = []byte{jccNearPrefix, jccNearFirst + uint8(cc), 0, 0, 0, 0}
	case inst.PCRel == 4:
		near = append([]byte(nil), raw...)
	default:
		// JRCXZ, LOOP and friends have no rel32 form
		return nil, fmt.Errorf("%w: %v", ErrRelocation, inst)
	}
	relOff := len(near) - 4
	if inst.PCRel == 4 && !isJump && cc < 0 {
		relOff = inst.PCRelOff
	}
	if rel, ok := rel32(base+uintptr(len(out)+len(near)), dest); ok {
		binary.LittleEndian.PutUint32(near[relOff:], uint32(rel))
		return append(out, near...), nil
	}

	// absolute forms
	var far [jmpAbsInstrLength]byte
	if _, err := a.EncodeLongJump(far[:], dest); err != nil {
		return nil, err
	}
	switch {
	case isJump:
		return append(out, far[:]...), nil
	case cc >= 0:
		// J<not cc> over the absolute jump
		out = append(out, jccShortFirst+uint8(cc^1), jmpAbsInstrLength)
		return append(out, far[:]...), nil
	case isCall:
		// CALL [RIP+2]; JMP +8; .quad dest
		out = append(out, 0xFF, 0x15, 0x02, 0, 0, 0, jmpShortInstrCode, 0x08)
		return binary.LittleEndian.AppendUint64(out, uint64(dest)), nil
	}
	return nil, fmt.Errorf("%w: %v: target %#x unreachable", ErrOutOfRange, inst, dest)
}

func hasRIPOperand(inst x86asm.Inst) bool {
	for _, arg := range inst.Args {
		if mem, ok := arg.(x86asm.Mem); ok && mem.Base == x86asm.RIP {
			return true
		}
	}
	return false
}

func rel32(next, dst uintptr) (int32, bool) {
	diff := int64(dst) - int64(next)
	if diff < math.MinInt32 || diff > math.MaxInt32 {
		return 0, false
	}
	return int32(diff), true
}
