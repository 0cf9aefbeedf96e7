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
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/qrdl/hotpatch/arch"
	"github.com/qrdl/hotpatch/fault"
)

const (
	maxPrologue = 32
	// DefaultIslandWindow is maximal distance between patched function and its jump island.
	DefaultIslandWindow = 256 << 20
)

// Patch is a jump installed into code of the process.
type Patch struct {
	Target      uintptr
	Replacement uintptr
	Prologue    []byte  // original bytes at Target
	Island      uintptr // jump island, IslandSize bytes
	IslandSize  int
	Trampoline  uintptr // entry running the original code
	Long        bool    // site uses long jump
}

func (p *Patch) String() string {
	return fmt.Sprintf("%#x -> %#x (island %#x, trampoline %#x)", p.Target, p.Replacement, p.Island, p.Trampoline)
}

/*
InstallJump redirects function at target to replacement, both being addresses
in the process. Steps are the same as for local patches: prologue is saved,
island with jump to replacement, relocated prologue and jump back is built near
target, and prologue is overwritten by a jump to the island. On failure nothing
is left in the process.
*/
func (p *Process) InstallJump(ctx context.Context, target, replacement uintptr) (*Patch, error) {
	if _, ok := p.patches[target]; ok {
		return nil, fmt.Errorf("%w: %#x", fault.ErrAlreadyPatched, target)
	}
	log := p.logger.With().Str("target", hex(target)).Str("replacement", hex(replacement)).Logger()

	code, err := p.ReadMemory(target, maxPrologue)
	if err != nil {
		return nil, fmt.Errorf("read prologue at %#x: %w", target, err)
	}
	size, err := p.gen.PrologueSize(code, p.gen.ShortJumpSize())
	if err != nil {
		return nil, fmt.Errorf("capture prologue at %#x: %w", target, err)
	}

	islandSize := 2*p.gen.LongJumpSize() + 2*maxPrologue
	window := p.window
	if reach := uintptr(p.gen.ShortRange()) - uintptr(islandSize); window > reach {
		window = reach
	}
	island, _, err := p.AllocateNear(ctx, target, islandSize, window)
	if err != nil {
		return nil, err
	}
	islandSize = pageRound(islandSize)

	long := !p.gen.Reachable(target, island)
	if long {
		if size, err = p.gen.PrologueSize(code, p.gen.LongJumpSize()); err != nil {
			return nil, p.discard(ctx, island, islandSize, fmt.Errorf("capture prologue at %#x: %w", target, err))
		}
		log.Debug().Int("size", size).Msg("Island is out of reach, prologue extended for long jump")
	}

	buf, trampoline, err := buildIsland(p.gen, island, islandSize, target, replacement, code[:size])
	if err != nil {
		return nil, p.discard(ctx, island, islandSize, err)
	}
	if err := p.WriteMemory(island, buf); err != nil {
		return nil, p.discard(ctx, island, islandSize, err)
	}
	if err := p.Protect(ctx, island, islandSize, protRX); err != nil {
		return nil, p.discard(ctx, island, islandSize, err)
	}

	site := make([]byte, size)
	n, err := p.gen.EncodeJump(site, target, island)
	if err != nil {
		return nil, p.discard(ctx, island, islandSize, err)
	}
	arch.Pad(p.gen, site[n:])
	if err := p.WriteMemory(target, site); err != nil {
		// partial write may leave broken code at target
		if rerr := p.WriteMemory(target, code[:size]); rerr != nil {
			err = errors.Join(err, fmt.Errorf("restore prologue: %w", rerr))
		}
		return nil, p.discard(ctx, island, islandSize, err)
	}

	patch := &Patch{
		Target:      target,
		Replacement: replacement,
		Prologue:    append([]byte(nil), code[:size]...),
		Island:      island,
		IslandSize:  islandSize,
		Trampoline:  trampoline,
		Long:        long,
	}
	p.patches[target] = patch
	log.Debug().Str("island", hex(island)).Bool("long", long).Msg("Patch installed")

	return patch, nil
}

// RemovePatch restores original code at target and frees its island.
func (p *Process) RemovePatch(ctx context.Context, target uintptr) error {
	patch, ok := p.patches[target]
	if !ok {
		return fmt.Errorf("%w: %#x", fault.ErrNotPatched, target)
	}
	if err := p.WriteMemory(target, patch.Prologue); err != nil {
		return fmt.Errorf("restore prologue at %#x: %w", target, err)
	}
	delete(p.patches, target)
	if err := p.Free(ctx, patch.Island, patch.IslandSize); err != nil {
		p.logger.Warn().Err(err).Msg("Cannot free jump island")
	}
	p.logger.Debug().Str("target", hex(target)).Msg("Patch removed")
	return nil
}

// Patches returns patches installed into the process, ordered by target.
func (p *Process) Patches() []*Patch {
	res := make([]*Patch, 0, len(p.patches))
	for _, patch := range p.patches {
		res = append(res, patch)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Target < res[j].Target })
	return res
}

// buildIsland returns island content and trampoline address.
func buildIsland(gen arch.CodeGen, island uintptr, size int, target, replacement uintptr, prologue []byte) ([]byte, uintptr, error) {
	buf := make([]byte, size)
	bp := gen.Breakpoint()
	for i := 0; i+len(bp) <= len(buf); i += len(bp) {
		copy(buf[i:], bp)
	}

	n, err := gen.EncodeJump(buf, island, replacement)
	if err != nil {
		return nil, 0, err
	}
	trampoline := island + uintptr(n)

	relocated, err := gen.Relocate(prologue, target, trampoline)
	if err != nil {
		return nil, 0, fmt.Errorf("relocate prologue at %#x: %w", target, err)
	}
	if n+len(relocated)+gen.LongJumpSize() > size {
		return nil, 0, fmt.Errorf("%w: island of %d bytes is too small", arch.ErrRelocation, size)
	}
	copy(buf[n:], relocated)

	back := n + len(relocated)
	if _, err = gen.EncodeJump(buf[back:], island+uintptr(back), target+uintptr(len(prologue))); err != nil {
		return nil, 0, err
	}
	return buf, trampoline, nil
}

// discard frees island after failed installation, keeping the original error.
func (p *Process) discard(ctx context.Context, island uintptr, size int, err error) error {
	if ferr := p.Free(ctx, island, size); ferr != nil {
		p.logger.Warn().Err(ferr).Msg("Cannot free jump island")
	}
	return err
}

func pageRound(size int) int {
	page := os.Getpagesize()
	return (size + page - 1) &^ (page - 1)
}
