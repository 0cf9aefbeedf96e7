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
	"runtime"
)

// Patch is installed redirection of a function. It is created by [Engine.Install]
// and never changes afterwards.
type Patch struct {
	target      uintptr
	replacement uintptr
	prologue    []byte
	island      Region
	trampoline  uintptr
	long        bool
}

// Target returns address of patched function.
func (p *Patch) Target() uintptr { return p.target }

// Replacement returns address calls to target are redirected to.
func (p *Patch) Replacement() uintptr { return p.replacement }

// Prologue returns copy of the original bytes overwritten at target.
func (p *Patch) Prologue() []byte {
	return append([]byte(nil), p.prologue...)
}

// Island returns memory region holding the jump island.
func (p *Patch) Island() Region { return p.island }

// Trampoline returns address which executes the original function.
func (p *Patch) Trampoline() uintptr { return p.trampoline }

// Long reports whether the patch site holds an absolute jump, because
// the island couldn't be allocated within reach of a short one.
func (p *Patch) Long() bool { return p.long }

func (p *Patch) String() string {
	return fmt.Sprintf("%s -> %s", funcName(p.target), funcName(p.replacement))
}

func funcName(addr uintptr) string {
	if f := runtime.FuncForPC(addr); f != nil {
		return f.Name()
	}
	return fmt.Sprintf("%#x", addr)
}
