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

package hotpatch

import (
	"errors"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/qrdl/hotpatch/fault"
)

const (
	ProtRX  = unix.PROT_READ | unix.PROT_EXEC
	ProtRW  = unix.PROT_READ | unix.PROT_WRITE
	ProtRWX = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
)

// SetProtection changes protection of all pages covering [addr, addr+size).
func SetProtection(addr uintptr, size int, prot int) error {
	start, sz := pageSpan(addr, size)

	pages := unsafe.Slice((*uint8)(unsafe.Pointer(start)), sz)
	if err := unix.Mprotect(pages, prot); err != nil {
		return fault.Wrap(fault.ErrProtection, err, "mprotect %#x+%#x", start, sz)
	}
	return nil
}

// FlushInstructions makes CPU see code written to [addr, addr+size).
func FlushInstructions(addr uintptr, size int) {
	flushCache(addr, size) // arch-specific
}

// withWritable makes code at addr writable, passes it to fn and then restores
// read+execute protection and flushes instruction cache, whatever fn returns.
func withWritable(addr uintptr, size int, fn func(code []byte) error) (err error) {
	if err = SetProtection(addr, size, ProtRWX); err != nil {
		return err
	}
	defer func() {
		FlushInstructions(addr, size)
		err = errors.Join(err, SetProtection(addr, size, ProtRX))
	}()

	return fn(unsafe.Slice((*uint8)(unsafe.Pointer(addr)), size))
}

// readCode copies up to size bytes of code at addr.
func readCode(addr uintptr, size int) []byte {
	buf := make([]byte, size)
	copy(buf, unsafe.Slice((*uint8)(unsafe.Pointer(addr)), size))
	return buf
}

// pageSpan returns start of the page holding addr and length up to addr+size.
func pageSpan(addr uintptr, size int) (uintptr, uintptr) {
	start := addr &^ (uintptr(os.Getpagesize()) - 1)
	return start, addr + uintptr(size) - start
}

func pageRound(size int) int {
	pageSize := os.Getpagesize()
	return (size + pageSize - 1) &^ (pageSize - 1)
}
