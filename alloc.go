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
	"fmt"
	"os"
	"unsafe"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/qrdl/hotpatch/fault"
	"github.com/qrdl/hotpatch/procmaps"
)

// DefaultWindow is maximal distance between patched function and its jump island.
const DefaultWindow = 256 << 20

// Region is a block of anonymous memory.
type Region struct {
	Addr uintptr
	Size int
	Near bool // false if region was allocated without placement constraint
}

// End returns address right after the region.
func (r Region) End() uintptr { return r.Addr + uintptr(r.Size) }

// Mapper maps and unmaps anonymous read-write memory.
type Mapper interface {
	// Map maps size bytes exactly at addr, without replacing existing mappings,
	// or anywhere if addr is 0.
	Map(addr uintptr, size int) (uintptr, error)
	Unmap(addr uintptr, size int) error
	// Regions returns current memory map.
	Regions() (procmaps.Map, error)
}

// Allocator finds memory for jump islands close to patched code.
type Allocator struct {
	mapper Mapper
	window uintptr
	logger zerolog.Logger
}

// NewAllocator creates allocator searching for free memory within window bytes
// around target. Nil mapper means the memory of the current process.
func NewAllocator(mapper Mapper, window uintptr, logger zerolog.Logger) *Allocator {
	if mapper == nil {
		mapper = sysMapper{}
	}
	if window == 0 {
		window = DefaultWindow
	}
	return &Allocator{mapper: mapper, window: window, logger: logger}
}

// AllocateNear returns read-write region of at least size bytes, as close to target as possible.
// If nothing is free within the window, region is allocated anywhere and Near is false.
func (a *Allocator) AllocateNear(target uintptr, size int) (Region, error) {
	size = pageRound(size)

	regions, err := a.mapper.Regions()
	if err != nil {
		// MAP_FIXED_NOREPLACE keeps probing safe without the map, just slower
		a.logger.Warn().Err(err).Msg("Cannot read memory map, probing blindly")
		regions = nil
	}

	var addr uintptr
	found := regions.ScanNear(target, uintptr(size), a.window, uintptr(os.Getpagesize()), func(c uintptr) bool {
		got, err := a.mapper.Map(c, size)
		if err != nil {
			a.logger.Debug().Err(err).Str("candidate", hex(c)).Msg("Candidate rejected")
			return false
		}
		addr = got
		return true
	})
	if found {
		a.logger.Debug().Str("target", hex(target)).Str("region", hex(addr)).Int("size", size).
			Msg("Allocated near target")
		return Region{Addr: addr, Size: size, Near: true}, nil
	}

	addr, err = a.mapper.Map(0, size)
	if err != nil {
		return Region{}, fault.Wrap(fault.ErrAllocation, err, "%d bytes", size)
	}
	a.logger.Debug().Str("target", hex(target)).Str("region", hex(addr)).Int("size", size).
		Msg("No free memory near target, allocated anywhere")
	return Region{Addr: addr, Size: size}, nil
}

// Free releases region.
func (a *Allocator) Free(r Region) error {
	if err := a.mapper.Unmap(r.Addr, r.Size); err != nil {
		return fmt.Errorf("munmap %#x: %w", r.Addr, err)
	}
	return nil
}

type sysMapper struct{}

func (sysMapper) Map(addr uintptr, size int) (uintptr, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if addr != 0 {
		flags |= unix.MAP_FIXED_NOREPLACE
	}
	ptr, err := unix.MmapPtr(-1, 0, unsafe.Pointer(addr), uintptr(size), ProtRW, flags)
	if err != nil {
		return 0, err
	}
	// kernels before 4.17 treat unknown flag as a hint
	if addr != 0 && uintptr(ptr) != addr {
		_ = unix.MunmapPtr(ptr, uintptr(size))
		return 0, fmt.Errorf("mapped at %#x instead of %#x", uintptr(ptr), addr)
	}
	return uintptr(ptr), nil
}

func (sysMapper) Unmap(addr uintptr, size int) error {
	return unix.MunmapPtr(unsafe.Pointer(addr), uintptr(size))
}

func (sysMapper) Regions() (procmaps.Map, error) {
	return procmaps.ReadSelf()
}

func hex(v uintptr) string {
	return fmt.Sprintf("%#x", v)
}
