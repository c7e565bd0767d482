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
// Package symbols resolves instruction addresses seen in funcgraph and
// kernel_stack records to kernel symbol names, the way the reference
// implementation consults a kallsyms-derived function table.
package symbols

import "sort"

// Source resolves an address to the name of the function it falls
// within. Implementations need not be exact: an address inside a
// function body (not just its entry point) must still resolve.
type Source interface {
	FindFunction(addr uint64) (name string, ok bool)
}

// entry is one symbol table row: a function starting at Addr and
// running until the next entry's Addr (or, for the last entry, unbounded).
type entry struct {
	Addr uint64
	Name string
}

// Table is a Source backed by a sorted address-to-name table, the Go
// equivalent of the reference implementation's kallsyms-derived function
// list consulted by pevent_find_function.
type Table struct {
	entries []entry
}

// NewTable builds a Table from a map of symbol start address to name.
// Addresses are sorted once at construction; lookups are O(log n).
func NewTable(symbols map[uint64]string) *Table {
	t := &Table{entries: make([]entry, 0, len(symbols))}
	for addr, name := range symbols {
		t.entries = append(t.entries, entry{Addr: addr, Name: name})
	}
	sort.Slice(t.entries, func(i, j int) bool { return t.entries[i].Addr < t.entries[j].Addr })
	return t
}

// FindFunction returns the name of the last symbol whose address is <=
// addr, i.e. the function addr falls within.
func (t *Table) FindFunction(addr uint64) (string, bool) {
	if len(t.entries) == 0 {
		return "", false
	}
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].Addr > addr })
	if i == 0 {
		return "", false
	}
	return t.entries[i-1].Name, true
}
