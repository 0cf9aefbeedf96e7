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
Package elfsym resolves symbols of ELF64 shared objects and executables.

Binary file is mapped into memory read-only and its dynamic symbol table
(.dynsym with names in .dynstr) is scanned linearly. Optionally static symbol
table (.symtab) is consulted as well, which is useful for statically linked
Go binaries without dynamic symbols.

Symbol values are offsets relative to module load address. To get runtime
address of a symbol in a live process, combine it with the load bias of the
module, computed from the process memory map:

	addr, err := elfsym.ResolveRemoteAddress(pid, "libc.so", "printf")
*/
package elfsym

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/qrdl/hotpatch/fault"
	"github.com/qrdl/hotpatch/procmaps"
)

// Symbol is a single symbol table entry.
type Symbol struct {
	Name    string
	Value   uint64
	Size    uint64
	Type    elf.SymType
	Bind    elf.SymBind
	Section elf.SectionIndex
}

// Table maps symbol names to entries. When name repeats, the first defined entry wins.
type Table map[string]Symbol

// Image is ELF file mapped into memory.
type Image struct {
	path   string
	data   []byte
	file   *elf.File
	static bool
}

// Option configures Image.
type Option func(*Image)

// WithStatic makes Image consult static symbol table after the dynamic one.
func WithStatic() Option {
	return func(im *Image) { im.static = true }
}

// Open maps ELF64 file at path.
func Open(path string, opts ...Option) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return nil, fmt.Errorf("%s: empty file", path)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if ef.Class != elf.ELFCLASS64 {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("%s: not an ELF64 file (%v)", path, ef.Class)
	}

	im := &Image{path: path, data: data, file: ef}
	for _, opt := range opts {
		opt(im)
	}
	return im, nil
}

// Close unmaps the file.
func (im *Image) Close() error {
	if im.data == nil {
		return nil
	}
	err := unix.Munmap(im.data)
	im.data = nil
	im.file = nil
	return err
}

// Path returns file name Image was opened from.
func (im *Image) Path() string { return im.path }

// Machine returns ELF machine type.
func (im *Image) Machine() elf.Machine { return im.file.Machine }

// Lookup returns defined symbol with given name.
func (im *Image) Lookup(name string) (Symbol, error) {
	var found Symbol
	var ok bool
	err := im.walk(func(s Symbol) bool {
		if s.Name == name && s.Section != elf.SHN_UNDEF {
			found, ok = s, true
			return false
		}
		return true
	})
	if err != nil {
		return Symbol{}, err
	}
	if !ok {
		return Symbol{}, fmt.Errorf("%w: %s in %s", fault.ErrSymbolNotFound, name, im.path)
	}
	return found, nil
}

// Symbols returns all defined symbols.
func (im *Image) Symbols() (Table, error) {
	t := Table{}
	err := im.walk(func(s Symbol) bool {
		if _, exists := t[s.Name]; !exists && s.Name != "" && s.Section != elf.SHN_UNDEF {
			t[s.Name] = s
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// LoadBias returns difference between runtime and link-time addresses for module
// mapped at region. Region must be a mapping of this file.
func (im *Image) LoadBias(region procmaps.Region) (uintptr, error) {
	page := uint64(os.Getpagesize())
	for _, p := range im.file.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if region.Offset >= p.Off&^(page-1) && region.Offset < p.Off+p.Filesz {
			return region.Start - uintptr(p.Vaddr-p.Off+region.Offset), nil
		}
	}
	return 0, fmt.Errorf("%s: no loadable segment covers file offset %#x", im.path, region.Offset)
}

// walk calls fn for each symbol until fn returns false.
func (im *Image) walk(fn func(Symbol) bool) error {
	if im.file == nil {
		return errors.New("image is closed")
	}
	tables := [][2]string{{".dynsym", ".dynstr"}}
	if im.static {
		tables = append(tables, [2]string{".symtab", ".strtab"})
	}

	seen := false
	for _, names := range tables {
		syms, strs := im.file.Section(names[0]), im.file.Section(names[1])
		if syms == nil || strs == nil {
			continue
		}
		seen = true
		more, err := im.scan(syms, strs, fn)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	if !seen {
		return fmt.Errorf("%w: %s has no symbol table", fault.ErrSymbolNotFound, im.path)
	}
	return nil
}

func (im *Image) scan(syms, strs *elf.Section, fn func(Symbol) bool) (bool, error) {
	symData, err := im.slice(syms)
	if err != nil {
		return false, err
	}
	strData, err := im.slice(strs)
	if err != nil {
		return false, err
	}

	order := im.file.ByteOrder
	// entry 0 is reserved
	for off := elf.Sym64Size; off+elf.Sym64Size <= len(symData); off += elf.Sym64Size {
		entry := symData[off : off+elf.Sym64Size]
		info := entry[4]
		s := Symbol{
			Type:    elf.ST_TYPE(info),
			Bind:    elf.ST_BIND(info),
			Section: elf.SectionIndex(order.Uint16(entry[6:])),
			Value:   order.Uint64(entry[8:]),
			Size:    order.Uint64(entry[16:]),
		}
		name, ok := cstring(strData, order.Uint32(entry[0:]))
		if !ok {
			return false, fmt.Errorf("%s: %s entry at %#x: name offset out of bounds", im.path, syms.Name, off)
		}
		s.Name = name
		if !fn(s) {
			return false, nil
		}
	}
	return true, nil
}

// slice returns section content straight from the mapping, checking bounds.
func (im *Image) slice(s *elf.Section) ([]byte, error) {
	if s.Type == elf.SHT_NOBITS {
		return nil, nil
	}
	end := s.Offset + s.Size
	if end < s.Offset || end > uint64(len(im.data)) {
		return nil, fmt.Errorf("%s: section %s [%#x, %#x) is out of file bounds", im.path, s.Name, s.Offset, end)
	}
	return im.data[s.Offset:end], nil
}

func cstring(data []byte, off uint32) (string, bool) {
	if int(off) >= len(data) {
		return "", false
	}
	end := bytes.IndexByte(data[off:], 0)
	if end < 0 {
		return "", false
	}
	return string(data[off : int(off)+end]), true
}

// ResolveOffset returns value of dynamic symbol in file at path.
func ResolveOffset(path, symbol string) (uint64, error) {
	im, err := Open(path)
	if err != nil {
		return 0, err
	}
	defer im.Close()

	s, err := im.Lookup(symbol)
	if err != nil {
		return 0, err
	}
	return s.Value, nil
}

// ResolveRemoteAddress returns runtime address of symbol in module loaded by process pid.
func ResolveRemoteAddress(pid int, module, symbol string) (uintptr, error) {
	m, err := procmaps.Read(pid)
	if err != nil {
		return 0, fault.Wrap(fault.ErrModuleNotFound, err, "%s", module)
	}
	region, err := m.FindModule(module)
	if err != nil {
		return 0, err
	}

	im, err := Open(modulePath(pid, region.Path))
	if err != nil {
		return 0, err
	}
	defer im.Close()

	s, err := im.Lookup(symbol)
	if err != nil {
		return 0, err
	}
	bias, err := im.LoadBias(region)
	if err != nil {
		return 0, err
	}
	return bias + uintptr(s.Value), nil
}

// modulePath prefers the path as seen from the process root, it differs for containerised processes.
func modulePath(pid int, path string) string {
	if pid == procmaps.Self {
		return path
	}
	rooted := filepath.Join("/proc", strconv.Itoa(pid), "root", path)
	if _, err := os.Stat(rooted); err == nil {
		return rooted
	}
	return path
}
