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

// Package fault defines error kinds shared by all hotpatch packages.
//
// Errors returned by hotpatch wrap one of these kinds together with the
// underlying cause, so callers can test both with errors.Is:
//
//	if errors.Is(err, fault.ErrAttach) && errors.Is(err, unix.EPERM) {
//	    ...
//	}
package fault

import (
	"errors"
	"fmt"
)

var (
	ErrAttach                  = errors.New("cannot attach to process")
	ErrNotAttached             = errors.New("process is not attached")
	ErrModuleNotFound          = errors.New("module not found")
	ErrSymbolNotFound          = errors.New("symbol not found")
	ErrAllocation              = errors.New("cannot allocate executable memory")
	ErrRemoteAllocation        = errors.New("cannot allocate memory in remote process")
	ErrProtection              = errors.New("cannot change memory protection")
	ErrUnexpectedStop          = errors.New("unexpected stop of remote process")
	ErrPartialWrite            = errors.New("partial memory transfer")
	ErrUnsupportedArchitecture = errors.New("unsupported architecture")
	ErrRemoteCallTimeout       = errors.New("remote call timed out")
	ErrTimeout                 = errors.New("timeout")
	ErrAlreadyPatched          = errors.New("function already patched")
	ErrNotPatched              = errors.New("function is not patched")
)

// Wrap returns an error matching both kind and cause. A nil cause yields nil.
func Wrap(kind, cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	if format == "" {
		return fmt.Errorf("%w: %w", kind, cause)
	}
	return fmt.Errorf("%w: %s: %w", kind, fmt.Sprintf(format, args...), cause)
}
