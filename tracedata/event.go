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
package trace

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Event is a fully decoded trace event: every field of its format has
// already been read out into one of the two property maps. This is a
// display-oriented view, built on demand from a Record by
// traceparser.DecodeEvent -- the pairing engine never builds one of these
// for every record, since it only needs the handful of fields a given
// event's wiring names.
type Event struct {
	// Index uniquely identifies this Event within its Collection.
	Index int `json:"index"`
	// Name is the event's type name, e.g. "sched_switch".
	Name string `json:"name"`
	// CPU is the CPU that logged the event.
	CPU int64 `json:"cpu"`
	// Timestamp is the event's timestamp, in the trace's native clock units.
	Timestamp uint64 `json:"timestamp"`
	// TextProperties holds the event's string-valued fields, indexed by name.
	TextProperties map[string]string `json:"textProperties"`
	// NumberProperties holds the event's integer-valued fields, indexed by name.
	NumberProperties map[string]int64 `json:"numberProperties"`
}

func isPrintable(data string) bool {
	for _, r := range data {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// String renders ev for debug logs.
func (ev Event) String() string {
	out := []string{fmt.Sprintf("%-18d (CPU %d) %s", ev.Timestamp, ev.CPU, ev.Name)}
	var props sort.StringSlice
	for k, v := range ev.TextProperties {
		if !isPrintable(v) {
			v = "<binary>"
		}
		props = append(props, fmt.Sprintf("%s: %s", k, v))
	}
	for k, v := range ev.NumberProperties {
		props = append(props, fmt.Sprintf("%s: %d", k, v))
	}
	sort.Sort(props)
	return strings.Join(append(out, props...), " ")
}

// Collection is an ordered, immutable set of decoded Events. The pairing
// engine does not use Collection -- it consumes a live Reader instead --
// and the CLI's -dump_events path decodes and prints record by record.
type Collection struct {
	events []*Event
}

// NewCollection builds a Collection from already-decoded events, sorting
// them into ascending timestamp order.
func NewCollection(events []*Event) (*Collection, error) {
	if len(events) == 0 {
		return nil, errors.New("invalid collection: no events")
	}
	sorted := make([]*Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(a, b int) bool {
		return sorted[a].Timestamp < sorted[b].Timestamp
	})
	for i, ev := range sorted {
		ev.Index = i
	}
	return &Collection{events: sorted}, nil
}

// EventCount returns the number of events in the Collection.
func (c *Collection) EventCount() int {
	if c == nil {
		return 0
	}
	return len(c.events)
}

// Valid reports whether c is a non-nil Collection with at least one event.
func (c *Collection) Valid() bool {
	return c != nil && len(c.events) > 0
}

// Interval returns the first and last timestamps of the events in c. Only
// meaningful if c.Valid().
func (c *Collection) Interval() (start, end uint64) {
	if !c.Valid() {
		return 0, 0
	}
	return c.events[0].Timestamp, c.events[len(c.events)-1].Timestamp
}

// EventByIndex returns the idx'th event in timestamp order.
func (c *Collection) EventByIndex(idx int) (*Event, error) {
	if !c.Valid() {
		return nil, errors.New("invalid collection")
	}
	if idx < 0 || idx >= len(c.events) {
		return nil, status.Errorf(codes.NotFound, "event %d not found", idx)
	}
	return c.events[idx], nil
}

// EventNames returns the sorted, deduplicated set of event type names present in c.
func (c *Collection) EventNames() []string {
	if !c.Valid() {
		return nil
	}
	seen := make(map[string]bool)
	var names []string
	for _, ev := range c.events {
		if ev.Name == "" || seen[ev.Name] {
			continue
		}
		seen[ev.Name] = true
		names = append(names, ev.Name)
	}
	sort.Strings(names)
	return names
}
