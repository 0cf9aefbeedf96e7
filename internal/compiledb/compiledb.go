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
Package compiledb looks up commands used to build source files, so replacement
functions can be rebuilt with the same flags as the target.

Two layouts of compile_commands.json are understood: a JSON object mapping
source file to command, and the array of entries produced by CMake and Bear:

	[{"directory": "/src/build", "file": "../main.c", "arguments": ["cc", "-c", "../main.c"]}]
*/
package compiledb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DB maps cleaned source paths to build commands.
type DB struct {
	commands map[string]string
}

type entry struct {
	Directory string   `json:"directory"`
	File      string   `json:"file"`
	Command   string   `json:"command"`
	Arguments []string `json:"arguments"`
}

// Open reads compilation database from file.
func Open(path string) (*DB, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read compilation database: %w", err)
	}
	db, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return db, nil
}

// Parse decodes compilation database in either layout.
func Parse(data []byte) (*DB, error) {
	db := &DB{commands: make(map[string]string)}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var m map[string]any
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return nil, err
		}
		for file, v := range m {
			// non-string values are ignored, same as missing entries
			if cmd, ok := v.(string); ok {
				db.commands[filepath.Clean(file)] = cmd
			}
		}
		return db, nil
	}

	var entries []entry
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, err
	}
	for i, e := range entries {
		if e.File == "" {
			return nil, fmt.Errorf("entry %d has no file", i)
		}
		cmd := e.Command
		if cmd == "" {
			cmd = joinArgs(e.Arguments)
		}
		file := e.File
		if !filepath.IsAbs(file) && e.Directory != "" {
			file = filepath.Join(e.Directory, file)
		}
		db.commands[filepath.Clean(file)] = cmd
	}
	return db, nil
}

// LookupBuildCommand returns command building source, if known.
func (db *DB) LookupBuildCommand(source string) (string, bool) {
	cmd, ok := db.commands[filepath.Clean(source)]
	return cmd, ok
}

// Sources returns all known source files, sorted.
func (db *DB) Sources() []string {
	res := make([]string, 0, len(db.commands))
	for file := range db.commands {
		res = append(res, file)
	}
	sort.Strings(res)
	return res
}

// Len returns number of known source files.
func (db *DB) Len() int { return len(db.commands) }

// joinArgs quotes arguments for POSIX shell where needed.
func joinArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		if arg != "" && !strings.ContainsAny(arg, " \t\n\"'\\$`*?[]{}()<>|&;#~") {
			quoted[i] = arg
			continue
		}
		quoted[i] = "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
