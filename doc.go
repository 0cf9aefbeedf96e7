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
Package hotpatch redirects calls of existing functions to replacement code at runtime,
without recompiling or restarting the program.

# Platforms supported

This package modifies executable code of the running process, therefore is OS- and CPU arch-specific.

Supported OSes:

  - Linux

Supported CPU archs:

  - x86-64
  - ARM64 aka Aarch64

# The concept

Function entry is overwritten with a jump to a small block of code, called jump island, allocated
as close to the function as possible. The island jumps to the replacement, and also keeps the
overwritten instructions of the original function, moved so they can run from the island, followed
by a jump back to the rest of the original function. This way original behaviour stays available
through [Original], and uninstalling the patch just puts the original bytes back.

When the island is close enough, function entry gets a short PC-relative jump (5 bytes on x86-64,
4 bytes on ARM64), otherwise a longer absolute one (14 bytes on x86-64, 16 bytes on ARM64). On ARM64
long jump clobbers X17 register, which is reserved for such veneers by the platform ABI.

Typical use:

	engine, err := hotpatch.New()
	if err != nil {
	    return err
	}
	defer engine.Close()

	if _, err = hotpatch.Replace(engine, greet, func(name string) string {
	    return "Bye, " + name
	}); err != nil {
	    return err
	}
	greet("world") // calls replacement

	hotpatch.Restore(engine, greet)
	greet("world") // calls original function

Processes other than the current one can be patched with package [github.com/qrdl/hotpatch/remote].

# Command line options

It is recommended to disable function inlining using `-gcflags="all=-l"` CLI option when building
programs which patch themselves, otherwise calls to small functions are inlined and never reach
the patched code:

	go test -gcflags="all=-l" [<path>]

# Caveats

Code is rewritten while other threads may execute it. Engine serialises its own operations, but it
doesn't stop other goroutines, so patching a function which is being executed concurrently is a race.
*/
package hotpatch
