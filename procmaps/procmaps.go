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

// Package procmaps reads memory map of a process from /proc/<pid>/maps.
//
// Every call reads a fresh snapshot, maps are never cached because the target
// process may map and unmap memory at any time.
package procmaps

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/qrdl/hotpatch/fault"
)

// Self refers to the current process.
const Self = 0

// Region is a single line of memory map.
type Region struct {
	Start  uintptr
	End    uintptr
	Perms  string // e.g. "r-xp"
	Offset uint64 // offset in mapped file
	Dev    string
	Inode  uint64
	Path   string // file path, pseudo-name like [heap] or empty for anonymous mapping
}

func (r Region) Size() uintptr    { return r.End - r.Start }
func (r Region) Readable() bool   { return len(r.Perms) > 0 && r.Perms[0] == 'r' }
func (r Region) Writable() bool   { return len(r.Perms) > 1 && r.Perms[1] == 'w' }
func (r Region) Executable() bool { return len(r.Perms) > 2 && r.Perms[2] == 'x' }

// Contains reports whether addr belongs to the region.
func (r Region) Contains(addr uintptr) bool {
	return addr >= r.Start && addr < r.End
}

// Map is a snapshot of process memory map, sorted by address as kernel reports it.
type Map []Region

// Read returns memory map of process pid, use Self for the current process.
func Read(pid int) (Map, error) {
	f, err := os.Open(path(pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path(pid), err)
	}
	return m, nil
}

// ReadSelf returns memory map of the current process.
func ReadSelf() (Map, error) {
	return Read(Self)
}

// Parse reads memory map in /proc/<pid>/maps format.
func Parse(r io.Reader) (Map, error) {
	var m Map
	scanner := bufio.NewScanner(r)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		region, err := parseLine(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		m = append(m, region)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// FindModuleBase returns start address of the first executable mapping of module
// in process pid. Module is matched as substring of mapping path.
func FindModuleBase(pid int, module string) (uintptr, error) {
	m, err := Read(pid)
	if err != nil {
		return 0, fault.Wrap(fault.ErrModuleNotFound, err, "%s", module)
	}
	r, err := m.FindModule(module)
	if err != nil {
		return 0, err
	}
	return r.Start, nil
}

// FindModule returns the first executable mapping whose path contains module.
func (m Map) FindModule(module string) (Region, error) {
	for _, r := range m {
		if r.Executable() && r.Path != "" && strings.Contains(r.Path, module) {
			return r, nil
		}
	}
	return Region{}, fmt.Errorf("%w: %s", fault.ErrModuleNotFound, module)
}

// Find returns region containing addr.
func (m Map) Find(addr uintptr) (Region, bool) {
	for _, r := range m {
		if r.Contains(addr) {
			return r, true
		}
	}
	return Region{}, false
}

// Overlaps reports whether [start, end) intersects any mapped region.
func (m Map) Overlaps(start, end uintptr) bool {
	for _, r := range m {
		if start < r.End && r.Start < end {
			return true
		}
	}
	return false
}

func path(pid int) string {
	if pid == Self {
		return "/proc/self/maps"
	}
	return "/proc/" + strconv.Itoa(pid) + "/maps"
}

// line format: start-end perms offset dev inode [path], path may contain spaces
func parseLine(line string) (Region, error) {
	var fields [5]string
	rest := line
	for i := range fields {
		rest = strings.TrimLeft(rest, " ")
		end := strings.IndexByte(rest, ' ')
		if end < 0 {
			if i < len(fields)-1 {
				return Region{}, fmt.Errorf("malformed mapping %q", line)
			}
			end = len(rest)
		}
		fields[i] = rest[:end]
		rest = rest[end:]
	}

	var r Region
	start, end, ok := strings.Cut(fields[0], "-")
	if !ok {
		return Region{}, fmt.Errorf("malformed address range %q", fields[0])
	}
	s, err := strconv.ParseUint(start, 16, 64)
	if err != nil {
		return Region{}, fmt.Errorf("start address: %w", err)
	}
	e, err := strconv.ParseUint(end, 16, 64)
	if err != nil {
		return Region{}, fmt.Errorf("end address: %w", err)
	}
	r.Start, r.End = uintptr(s), uintptr(e)
	r.Perms = fields[1]
	if r.Offset, err = strconv.ParseUint(fields[2], 16, 64); err != nil {
		return Region{}, fmt.Errorf("offset: %w", err)
	}
	r.Dev = fields[3]
	if r.Inode, err = strconv.ParseUint(fields[4], 10, 64); err != nil {
		return Region{}, fmt.Errorf("inode: %w", err)
	}
	r.Path = strings.TrimSpace(rest)

	return r, nil
}
