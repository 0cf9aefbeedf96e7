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
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"github.com/rs/zerolog"

	"github.com/qrdl/hotpatch/arch"
	"github.com/qrdl/hotpatch/fault"
)

// maxPrologue is how many bytes of target are inspected to find instruction boundaries.
const maxPrologue = 32

// Engine installs and removes patches in the current process. It owns
// every patch it installs, as well as memory allocated for jump islands.
type Engine struct {
	mu      sync.Mutex
	gen     arch.CodeGen
	alloc   *Allocator
	mapper  Mapper
	window  uintptr
	logger  zerolog.Logger
	patches map[uintptr]*Patch
}

// Option configures Engine.
type Option func(*Engine)

// WithLogger sets logger, by default Engine logs nothing.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithArch overrides code generator, normally chosen by runtime.GOARCH.
func WithArch(gen arch.CodeGen) Option {
	return func(e *Engine) { e.gen = gen }
}

// WithWindow sets maximal distance between function and its jump island.
// It is further limited by reach of the short jump.
func WithWindow(window uintptr) Option {
	return func(e *Engine) { e.window = window }
}

// WithMapper replaces memory mapper used for jump islands.
func WithMapper(m Mapper) Option {
	return func(e *Engine) { e.mapper = m }
}

// New creates Engine for the architecture of the current process.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		logger:  zerolog.Nop(),
		window:  DefaultWindow,
		patches: make(map[uintptr]*Patch),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.gen == nil {
		gen, err := arch.Native()
		if err != nil {
			return nil, err
		}
		e.gen = gen
	}
	// island must be reachable from the site with a short jump, with room for the island itself
	if reach := uintptr(e.gen.ShortRange()) - uintptr(maxIslandSize(e.gen)); e.window > reach {
		e.window = reach
	}
	e.alloc = NewAllocator(e.mapper, e.window, e.logger)
	return e, nil
}

/*
Install redirects all calls of function at target to replacement.

Installation goes through these steps, and any failure rolls back everything done before:
  - the prologue of target, at least as long as a short jump, is captured
  - jump island is allocated near target
  - if island is out of reach, prologue is extended to fit a long jump
  - island gets a jump to replacement, relocated prologue and a jump back to target after the prologue
  - island becomes read+execute
  - target prologue is overwritten by a jump to the island padded with no-op instructions

Install fails with [fault.ErrAlreadyPatched] if target is already patched by this Engine,
the existing patch stays intact.
*/
func (e *Engine) Install(target, replacement uintptr) (*Patch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.patches[target]; ok {
		return nil, fmt.Errorf("%w: %s", fault.ErrAlreadyPatched, funcName(target))
	}
	log := e.logger.With().Str("target", funcName(target)).Str("replacement", funcName(replacement)).Logger()

	code := readCode(target, maxPrologue)
	size, err := e.gen.PrologueSize(code, e.gen.ShortJumpSize())
	if err != nil {
		return nil, fmt.Errorf("capture prologue of %s: %w", funcName(target), err)
	}
	log.Debug().Int("size", size).Msg("Prologue captured")

	island, err := e.alloc.AllocateNear(target, maxIslandSize(e.gen))
	if err != nil {
		return nil, err
	}

	long := !e.gen.Reachable(target, island.Addr)
	if long {
		if size, err = e.gen.PrologueSize(code, e.gen.LongJumpSize()); err != nil {
			e.free(island)
			return nil, fmt.Errorf("capture prologue of %s: %w", funcName(target), err)
		}
		log.Debug().Int("size", size).Msg("Island is out of reach, prologue extended for long jump")
	}

	trampoline, err := e.buildIsland(island, target, replacement, code[:size])
	if err != nil {
		e.free(island)
		return nil, err
	}
	log.Debug().Str("island", hex(island.Addr)).Msg("Island built")

	err = withWritable(target, size, func(site []byte) error {
		n, err := e.gen.EncodeJump(site, target, island.Addr)
		if err != nil {
			copy(site, code[:size])
			return err
		}
		arch.Pad(e.gen, site[n:])
		return nil
	})
	if err != nil {
		// the site was restored in the callback, protection failure may leave it untouched
		e.free(island)
		return nil, fmt.Errorf("write jump at %s: %w", funcName(target), err)
	}

	p := &Patch{
		target:      target,
		replacement: replacement,
		prologue:    append([]byte(nil), code[:size]...),
		island:      island,
		trampoline:  trampoline,
		long:        long,
	}
	e.patches[target] = p
	log.Debug().Bool("long", long).Msg("Patch installed")

	return p, nil
}

// buildIsland fills island and makes it executable, returning trampoline address.
func (e *Engine) buildIsland(island Region, target, replacement uintptr, prologue []byte) (uintptr, error) {
	buf := unsafe.Slice((*uint8)(unsafe.Pointer(island.Addr)), island.Size)
	fill(buf, e.gen.Breakpoint())

	n, err := e.gen.EncodeJump(buf, island.Addr, replacement)
	if err != nil {
		return 0, err
	}
	trampoline := island.Addr + uintptr(n)

	relocated, err := e.gen.Relocate(prologue, target, trampoline)
	if err != nil {
		return 0, fmt.Errorf("relocate prologue of %s: %w", funcName(target), err)
	}
	if n+len(relocated)+e.gen.LongJumpSize() > island.Size {
		return 0, fmt.Errorf("%w: island of %d bytes is too small", arch.ErrRelocation, island.Size)
	}
	copy(buf[n:], relocated)

	back := n + len(relocated)
	if _, err = e.gen.EncodeJump(buf[back:], island.Addr+uintptr(back), target+uintptr(len(prologue))); err != nil {
		return 0, err
	}

	if err = SetProtection(island.Addr, island.Size, ProtRX); err != nil {
		return 0, err
	}
	FlushInstructions(island.Addr, island.Size)

	return trampoline, nil
}

// Uninstall restores original prologue of target and releases its jump island.
func (e *Engine) Uninstall(target uintptr) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.uninstall(target)
}

func (e *Engine) uninstall(target uintptr) error {
	p, ok := e.patches[target]
	if !ok {
		return fmt.Errorf("%w: %s", fault.ErrNotPatched, funcName(target))
	}

	err := withWritable(target, len(p.prologue), func(site []byte) error {
		copy(site, p.prologue)
		return nil
	})
	if err != nil {
		// patch stays registered, so it can be retried
		return fmt.Errorf("restore %s: %w", funcName(target), err)
	}

	delete(e.patches, target)
	e.free(p.island)
	e.logger.Debug().Str("target", funcName(target)).Msg("Patch removed")

	return nil
}

// Lookup returns patch installed at target.
func (e *Engine) Lookup(target uintptr) (*Patch, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.patches[target]
	return p, ok
}

// Patches returns all installed patches ordered by target address.
func (e *Engine) Patches() []*Patch {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := make([]*Patch, 0, len(e.patches))
	for _, p := range e.patches {
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].target < res[j].target })
	return res
}

// Close removes all patches. It is safe to call Close several times.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var err error
	for target := range e.patches {
		if uerr := e.uninstall(target); uerr != nil && !errors.Is(uerr, fault.ErrNotPatched) {
			err = errors.Join(err, uerr)
		}
	}
	return err
}

// Arch returns code generator used by Engine.
func (e *Engine) Arch() arch.CodeGen { return e.gen }

func (e *Engine) free(r Region) {
	if err := e.alloc.Free(r); err != nil {
		e.logger.Warn().Err(err).Msg("Cannot free jump island")
	}
}

// maxIslandSize is enough for two long jumps and the longest relocated prologue.
func maxIslandSize(gen arch.CodeGen) int {
	return 2*gen.LongJumpSize() + 2*maxPrologue
}

func fill(buf, pattern []byte) {
	for i := 0; i+len(pattern) <= len(buf); i += len(pattern) {
		copy(buf[i:], pattern)
	}
}
