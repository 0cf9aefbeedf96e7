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

	"golang.org/x/arch/arm64/arm64asm"
)

const (
	instrLength       = 4
	jmpInstrMask      = uint32(0xFC000000)
	jmpInstrOpcode    = uint32(0x14000000) // B
	callInstrOpcode   = uint32(0x94000000) // BL
	imm26Mask         = uint32(0x03FFFFFF)
	ldrX17Literal8    = ldrLiteral8 | 17 // LDR X17, #8
	brX17             = uint32(0xD61F0220) // BR X17
	nopInstr          = uint32(0xD503201F)
	brkInstr          = uint32(0xD4200000) // BRK #0
	svcInstr          = uint32(0xD4000001) // SVC #0
	arm64LongJumpSize = 16
	arm64JumpReach    = 1<<27 - instrLength

	condBranchMask   = uint32(0xFF000010)
	condBranchOpcode = uint32(0x54000000) // B.cond
	condAlways       = uint32(0xE)        // AL and NV conditions
	cmpBranchMask    = uint32(0x7E000000)
	cbzOpcode        = uint32(0x34000000) // CBZ/CBNZ
	tbzOpcode        = uint32(0x36000000) // TBZ/TBNZ
	adrMask          = uint32(0x1F000000)
	adrOpcode        = uint32(0x10000000) // ADR/ADRP
	adrpFlag         = uint32(1 << 31)
	ldrLiteral8      = uint32(0x58000040) // LDR Xd, #8
	regMask          = uint32(0x1F)
)

// pc-relative encodings without 26-bit immediate, which can't be moved
var pcRelMasks = []struct {
	mask, value uint32
	name        string
}{
	{0x1F000000, 0x10000000, "ADR/ADRP"},
	{0x3B000000, 0x18000000, "LDR (literal)"},
	{0xFF000010, 0x54000000, "B.cond"},
	{0x7E000000, 0x34000000, "CBZ/CBNZ"},
	{0x7E000000, 0x36000000, "TBZ/TBNZ"},
}

// ARM64 is code generator for AArch64.
type ARM64 struct{}

func (ARM64) Name() string               { return "arm64" }
func (ARM64) ShortJumpSize() int         { return instrLength }
func (ARM64) LongJumpSize() int          { return arm64LongJumpSize }
func (ARM64) ShortRange() uint64         { return arm64JumpReach }
func (ARM64) Nop() []byte                { return word(nopInstr) }
func (ARM64) Breakpoint() []byte         { return word(brkInstr) }
func (ARM64) SyscallTrap() []byte        { return append(word(svcInstr), word(brkInstr)...) }
func (ARM64) BreakpointAdvance() uintptr { return 0 } // BRK doesn't advance PC

func (ARM64) Reachable(src, dst uintptr) bool {
	_, ok := imm26(src, dst)
	return ok
}

func (ARM64) EncodeShortJump(buf []byte, src, dst uintptr) (int, error) {
	if err := short(buf, instrLength); err != nil {
		return 0, err
	}
	imm, ok := imm26(src, dst)
	if !ok {
		return 0, fmt.Errorf("%w: jump from %#x to %#x", ErrOutOfRange, src, dst)
	}
	binary.LittleEndian.PutUint32(buf, jmpInstrOpcode|imm)
	return instrLength, nil
}

func (ARM64) EncodeLongJump(buf []byte, dst uintptr) (int, error) {
	if err := short(buf, arm64LongJumpSize); err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint32(buf, ldrX17Literal8)
	binary.LittleEndian.PutUint32(buf[4:], brX17)
	binary.LittleEndian.PutUint64(buf[8:], uint64(dst))
	return arm64LongJumpSize, nil
}

func (a ARM64) EncodeJump(buf []byte, src, dst uintptr) (int, error) {
	if a.Reachable(src, dst) {
		return a.EncodeShortJump(buf, src, dst)
	}
	return a.EncodeLongJump(buf, dst)
}

func (ARM64) DecodeShortJump(code []byte, src uintptr) (uintptr, bool) {
	if len(code) < instrLength {
		return 0, false
	}
	instr := binary.LittleEndian.Uint32(code)
	if instr&jmpInstrMask != jmpInstrOpcode {
		return 0, false
	}
	return branchTarget(instr, src), true
}

// PrologueSize rounds min up to whole instructions, all of them have the same size.
func (ARM64) PrologueSize(code []byte, min int) (int, error) {
	size := (min + instrLength - 1) &^ (instrLength - 1)
	if size > len(code) {
		return 0, fmt.Errorf("%w: prologue shorter than %d bytes", ErrRelocation, size)
	}
	return size, nil
}

// Relocate copies instructions to new location. Unconditional branches are
// re-encoded, conditional branches become inverted branch over absolute jump,
// ADR and ADRP load precomputed address from literal. Other PC-relative
// instructions (LDR literal) can't be moved and cause ErrRelocation.
func (a ARM64) Relocate(code []byte, from, to uintptr) ([]byte, error) {
	if len(code)%instrLength != 0 {
		return nil, fmt.Errorf("%w: code size %d is not instruction-aligned", ErrRelocation, len(code))
	}
	out := make([]byte, 0, len(code)*6)
	for i := 0; i < len(code); i += instrLength {
		instr := binary.LittleEndian.Uint32(code[i:])
		pc := from + uintptr(i)
		at := to + uintptr(len(out))

		switch op := instr & jmpInstrMask; {
		case op == jmpInstrOpcode || op == callInstrOpcode:
			dest := branchTarget(instr, pc)
			if imm, ok := imm26(at, dest); ok {
				out = binary.LittleEndian.AppendUint32(out, op|imm)
				continue
			}
			if op == callInstrOpcode {
				// BL can't be replaced without clobbering LR
				return nil, fmt.Errorf("%w: BL at offset %d to %#x", ErrOutOfRange, i, dest)
			}
			var far [arm64LongJumpSize]byte
			a.EncodeLongJump(far[:], dest)
			out = append(out, far[:]...)

		case instr&condBranchMask == condBranchOpcode && instr&condAlways == condAlways:
			// B.AL and B.NV both branch always, so they have no inverse
			dest := uintptr(int64(pc) + int64(int32((instr>>5)&0x7FFFF<<13)>>13)*instrLength)
			if imm, ok := imm26(at, dest); ok {
				out = binary.LittleEndian.AppendUint32(out, jmpInstrOpcode|imm)
				continue
			}
			var far [arm64LongJumpSize]byte
			a.EncodeLongJump(far[:], dest)
			out = append(out, far[:]...)

		case instr&condBranchMask == condBranchOpcode,
			instr&cmpBranchMask == cbzOpcode,
			instr&cmpBranchMask == tbzOpcode:
			inverted, dest := invertBranch(instr, pc)
			var far [arm64LongJumpSize]byte
			a.EncodeLongJump(far[:], dest)
			out = binary.LittleEndian.AppendUint32(out, inverted)
			out = append(out, far[:]...)

		case instr&adrMask == adrOpcode:
			// LDR Xd, #8; B #12; .quad value
			out = binary.LittleEndian.AppendUint32(out, ldrLiteral8|instr&regMask)
			out = binary.LittleEndian.AppendUint32(out, jmpInstrOpcode|3)
			out = binary.LittleEndian.AppendUint64(out, uint64(adrValue(instr, pc)))

		default:
			if name := pcRelative(code[i : i+instrLength]); name != "" {
				return nil, fmt.Errorf("%w: %s at offset %d", ErrRelocation, name, i)
			}
			out = append(out, code[i:i+instrLength]...)
		}
	}
	return out, nil
}

// invertBranch returns conditional branch with inverted condition, which skips
// following long jump, together with destination of the original branch.
func invertBranch(instr uint32, pc uintptr) (uint32, uintptr) {
	const skip = (instrLength + arm64LongJumpSize) / instrLength
	if instr&cmpBranchMask == tbzOpcode {
		off := int64(int32((instr>>5)&0x3FFF<<18)>>18) * instrLength
		inverted := (instr ^ 1<<24) &^ (0x3FFF << 5)
		return inverted | skip<<5, uintptr(int64(pc) + off)
	}
	off := int64(int32((instr>>5)&0x7FFFF<<13)>>13) * instrLength
	inverted := instr &^ (0x7FFFF << 5)
	if instr&condBranchMask == condBranchOpcode {
		inverted ^= 1 // condition codes come in pairs
	} else {
		inverted ^= 1 << 24 // CBZ <-> CBNZ
	}
	return inverted | skip<<5, uintptr(int64(pc) + off)
}

func adrValue(instr uint32, pc uintptr) uintptr {
	imm := int64(int32(((instr>>5)&0x7FFFF<<2|(instr>>29)&3)<<11) >> 11)
	if instr&adrpFlag != 0 {
		return uintptr(int64(pc&^0xFFF) + imm<<12)
	}
	return uintptr(int64(pc) + imm)
}

// pcRelative returns name of PC-relative instruction or empty string.
// Decoder is consulted first, raw masks cover encodings it rejects.
func pcRelative(raw []byte) string {
	if inst, err := arm64asm.Decode(raw); err == nil {
		for _, arg := range inst.Args {
			if arg == nil {
				break
			}
			if _, ok := arg.(arm64asm.PCRel); ok {
				return inst.Op.String()
			}
		}
		if inst.Op == arm64asm.ADRP || inst.Op == arm64asm.ADR {
			return inst.Op.String()
		}
		return ""
	}
	instr := binary.LittleEndian.Uint32(raw)
	for _, m := range pcRelMasks {
		if instr&m.mask == m.value {
			return m.name
		}
	}
	return ""
}

func branchTarget(instr uint32, src uintptr) uintptr {
	off := int64(int32((instr&imm26Mask)<<6)>>6) * instrLength // sign-extend imm26
	return uintptr(int64(src) + off)
}

func imm26(src, dst uintptr) (uint32, bool) {
	diff := int64(dst) - int64(src)
	if diff%instrLength != 0 || diff < -(1<<27) || diff > arm64JumpReach {
		return 0, false
	}
	return uint32(diff>>2) & imm26Mask, true
}

func word(instr uint32) []byte {
	buf := make([]byte, instrLength)
	binary.LittleEndian.PutUint32(buf, instr)
	return buf
}
