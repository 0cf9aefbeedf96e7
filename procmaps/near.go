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

package procmaps

import "sort"

// MinAddress is the lowest address candidate, kernels refuse to map below vm.mmap_min_addr.
const MinAddress = 0x10000

// Candidates returns page-aligned addresses of free gaps able to hold size bytes,
// such that the whole [addr, addr+size) is within window of target.
// One candidate per gap is returned, the closest one to target, and candidates
// are ordered by distance to target.
func (m Map) Candidates(target, size, window, page uintptr) []uintptr {
	size = alignUp(size, page)
	lo := uintptr(MinAddress)
	if target > window && target-window > lo {
		lo = target - window
	}
	hi := target + window
	if hi < target { // overflow
		hi = ^uintptr(0) &^ (page - 1)
	}

	var found []uintptr
	consider := func(gapStart, gapEnd uintptr) {
		gapStart, gapEnd = alignUp(gapStart, page), gapEnd&^(page-1)
		if gapEnd <= gapStart || gapEnd-gapStart < size {
			return
		}
		last := gapEnd - size
		var c uintptr
		switch {
		case target <= gapStart:
			c = gapStart
		case target >= last:
			c = last
		default:
			c = alignUp(target, page)
			if c > last {
				c = last
			}
		}
		if c < lo || c+size > hi {
			return
		}
		found = append(found, c)
	}

	prev := lo
	for _, r := range m {
		if r.End <= prev || r.Start >= hi {
			continue
		}
		if r.Start > prev {
			consider(prev, r.Start)
		}
		if r.End > prev {
			prev = r.End
		}
	}
	if prev < hi {
		consider(prev, hi)
	}

	sort.SliceStable(found, func(i, j int) bool {
		return distance(found[i], target) < distance(found[j], target)
	})
	return found
}

// ScanNear calls try for every candidate returned by Candidates until try
// returns true. It returns false if no candidate was accepted.
func (m Map) ScanNear(target, size, window, page uintptr, try func(addr uintptr) bool) bool {
	for _, c := range m.Candidates(target, size, window, page) {
		if try(c) {
			return true
		}
	}
	return false
}

func alignUp(v, page uintptr) uintptr {
	return (v + page - 1) &^ (page - 1)
}

func distance(a, b uintptr) uintptr {
	if a > b {
		return a - b
	}
	return b - a
}
