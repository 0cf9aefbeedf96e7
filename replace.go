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
	"reflect"
	"unsafe"
)

// ErrNotFunc is returned when generic helpers get a value which is not a function.
var ErrNotFunc = errors.New("value is not a function")

/*
Replace redirects calls of <org> to <repl>. The signatures of <org> and <repl> must match exactly,
otherwise compilation error is reported. For example:

	p, err := hotpatch.Replace(engine, strconv.Itoa, func(i int) string {
	    return "forty-two"
	})

It is important to remember that <repl> is called in place of <org>, therefore it must not capture
variables of enclosing scope, although compiler considers such code valid. Replacement must be
a top-level function or a function literal without captured variables.

Methods can be replaced as well, in this case receiver becomes the first argument:

	hotpatch.Replace(engine, (*os.File).Close, func(f *os.File) error {
	    return nil
	})

It is recommended to disable inlining with `-gcflags=all=-l`, otherwise calls to small functions may
not reach the patched code at all.
*/
func Replace[T any](e *Engine, org, repl T) (*Patch, error) {
	orgPtr, err := funcPointer(org)
	if err != nil {
		return nil, err
	}
	replPtr, err := funcPointer(repl)
	if err != nil {
		return nil, err
	}
	return e.Install(orgPtr, replPtr)
}

// Restore removes patch of <org> installed by [Replace].
func Restore[T any](e *Engine, org T) error {
	ptr, err := funcPointer(org)
	if err != nil {
		return err
	}
	return e.Uninstall(ptr)
}

/*
Original returns function which runs the original code of patched function, bypassing the patch.
It allows replacement to wrap the original behaviour:

	p, _ := hotpatch.Replace(engine, greet, greetLoudly)
	orig := hotpatch.Original[func(string) string](p)
	orig("world") // runs unpatched greet()

The returned function must not be called after the patch is removed.
*/
func Original[T any](p *Patch) T {
	var res T
	if reflect.TypeOf((*T)(nil)).Elem().Kind() != reflect.Func {
		return res
	}
	// func value is a pointer to a struct starting with code pointer
	fv := &struct{ fn uintptr }{p.trampoline}
	*(*unsafe.Pointer)(unsafe.Pointer(&res)) = unsafe.Pointer(fv)
	return res
}

func funcPointer(fn any) (uintptr, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return 0, ErrNotFunc
	}
	return uintptr(v.UnsafePointer()), nil
}
