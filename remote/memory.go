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
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/qrdl/hotpatch/fault"
)

const wordSize = 8

var errShortTransfer = errors.New("short transfer")

// ReadMemory reads n bytes at addr word by word.
func (p *Process) ReadMemory(addr uintptr, n int) ([]byte, error) {
	if p.state != Attached {
		return nil, fault.ErrNotAttached
	}
	buf := make([]byte, n)
	for off := 0; off < n; off += wordSize {
		var word [wordSize]byte
		cnt, err := unix.PtracePeekData(p.pid, addr+uintptr(off), word[:])
		if err != nil || cnt != wordSize {
			return buf[:off], fault.Wrap(fault.ErrPartialWrite, orShort(err),
				"read %d of %d bytes at %#x", off, n, addr)
		}
		copy(buf[off:], word[:])
	}
	return buf, nil
}

// WriteMemory writes data at addr word by word. The last partial word is
// read first, so bytes after data stay untouched.
// Ptrace ignores page protection, so code can be written as well.
func (p *Process) WriteMemory(addr uintptr, data []byte) error {
	if p.state != Attached {
		return fault.ErrNotAttached
	}
	for off := 0; off < len(data); off += wordSize {
		var word [wordSize]byte
		at := addr + uintptr(off)
		if rest := len(data) - off; rest < wordSize {
			cnt, err := unix.PtracePeekData(p.pid, at, word[:])
			if err != nil || cnt != wordSize {
				return fault.Wrap(fault.ErrPartialWrite, orShort(err),
					"wrote %d of %d bytes at %#x", off, len(data), addr)
			}
		}
		copy(word[:], data[off:])
		cnt, err := unix.PtracePokeData(p.pid, at, word[:])
		if err != nil || cnt != wordSize {
			return fault.Wrap(fault.ErrPartialWrite, orShort(err),
				"wrote %d of %d bytes at %#x", off, len(data), addr)
		}
	}
	return nil
}

// ReadWord reads 64-bit little-endian value.
func (p *Process) ReadWord(addr uintptr) (uint64, error) {
	buf, err := p.ReadMemory(addr, wordSize)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// WriteString writes NUL-terminated string into scratch memory and returns its address.
func (p *Process) WriteString(ctx context.Context, s string) (uintptr, error) {
	scratch, err := p.ensureScratch(ctx)
	if err != nil {
		return 0, err
	}
	if len(s)+1 > p.scratchSize-scratchData {
		return 0, fmt.Errorf("string of %d bytes doesn't fit into scratch memory", len(s))
	}
	addr := scratch + scratchData
	if err := p.WriteMemory(addr, append([]byte(s), 0)); err != nil {
		return 0, err
	}
	return addr, nil
}

func orShort(err error) error {
	if err == nil {
		return errShortTransfer
	}
	return err
}
