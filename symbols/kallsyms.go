//
// Copyright 2019 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS-IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
//
package symbols

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// textSymbolTypes are the /proc/kallsyms type letters that name code
// addresses (text, weak text). Data symbols share the same namespace
// but are never what a stack or funcgraph address points into.
var textSymbolTypes = map[byte]bool{
	't': true, 'T': true, 'w': true, 'W': true,
}

// ParseKallsyms reads a kallsyms-formatted symbol table (one "<addr> <type>
// <name>" row per line, optionally followed by a module name in brackets)
// and returns a Table of its text symbols.
func ParseKallsyms(r io.Reader) (*Table, error) {
	symbols := make(map[uint64]string)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		typ := fields[1]
		if len(typ) != 1 || !textSymbolTypes[typ[0]] {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing kallsyms address %q: %s", fields[0], err)
		}
		symbols[addr] = fields[2]
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading kallsyms: %s", err)
	}

	return NewTable(symbols), nil
}
