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
// Package registry resolves trace event formats by (system, name),
// caches the field descriptors the pairing engine and function-graph
// renderer look up by name, classifies events into the handful of
// classes the pairing engine dispatches on, and extracts integer field
// values lazily from a record's raw bytes.
package registry

import (
	"encoding/binary"
	"fmt"

	log "github.com/golang/glog"
	"github.com/hashicorp/golang-lru/simplelru"

	trace "github.com/google/traceprofile/tracedata"
	"github.com/google/traceprofile/traceparser"
)

// Class is the small enum the pairing engine dispatches on.
type Class int

// Event classes. Undefined is the zero value so an unclassified event
// falls through to the generic handler path safely.
const (
	Undefined Class = iota
	Stack
	SchedSwitch
	Wakeup
	Func
	Syscall
	Irq
	Softirq
	SoftirqRaise
)

func (c Class) String() string {
	switch c {
	case Stack:
		return "Stack"
	case SchedSwitch:
		return "SchedSwitch"
	case Wakeup:
		return "Wakeup"
	case Func:
		return "Func"
	case Syscall:
		return "Syscall"
	case Irq:
		return "Irq"
	case Softirq:
		return "Softirq"
	case SoftirqRaise:
		return "SoftirqRaise"
	default:
		return "Undefined"
	}
}

// classByName maps the fixed set of event names the core understands to
// their class. Names absent here classify as Undefined.
var classByName = map[string]Class{
	"kernel_stack":      Stack,
	"sched_switch":      SchedSwitch,
	"sched_wakeup":      Wakeup,
	"sched_wakeup_new":  Wakeup,
	"funcgraph_entry":   Func,
	"funcgraph_exit":    Func,
	"function":          Func,
	"sys_enter":         Syscall,
	"sys_exit":          Syscall,
	"irq_handler_entry": Irq,
	"irq_handler_exit":  Irq,
	"softirq_entry":     Softirq,
	"softirq_exit":      Softirq,
	"softirq_raise":     SoftirqRaise,
}

// fieldCacheSize bounds the (EventFormat, field name) -> FormatField
// cache. The core only ever resolves a few dozen distinct fields across
// the whole wiring table, so this is generous headroom, not a tuning
// knob.
const fieldCacheSize = 256

// HandlerFunc is installed by RegisterHandler and looked up with
// HandlerFor by a caller that owns its own dispatch loop.
type HandlerFunc func(ev *trace.Event) error

// Registry is the event-format registry the core treats as an external
// collaborator: event lookup by (system, name), field lookup by name,
// classification, and lazy numeric field extraction.
type Registry struct {
	tp         traceparser.TraceParser
	fieldCache *simplelru.LRU
	handlers   map[string]HandlerFunc
}

// New wraps tp, an already-loaded TraceParser, in a Registry.
func New(tp traceparser.TraceParser) (*Registry, error) {
	cache, err := simplelru.NewLRU(fieldCacheSize, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create field descriptor cache: %s", err)
	}
	return &Registry{
		tp:         tp,
		fieldCache: cache,
		handlers:   make(map[string]HandlerFunc),
	}, nil
}

// FindEvent looks up an event format by name. The system component of
// (system, name) is nominal in TraceFS captures -- event names are
// unique in practice -- so system is accepted for interface fidelity but
// not consulted.
func (r *Registry) FindEvent(system, name string) *traceparser.EventFormat {
	return r.tp.FindEvent(name)
}

// FindField resolves name within ef's fields (common or event-specific),
// caching the result since the pairing graph's wiring step repeatedly
// resolves a small, fixed set of names at init.
func (r *Registry) FindField(ef *traceparser.EventFormat, name string) *traceparser.FormatField {
	key := ef.Name + "." + name
	if v, ok := r.fieldCache.Get(key); ok {
		return v.(*traceparser.FormatField)
	}
	field := traceparser.FindField(ef, name)
	r.fieldCache.Add(key, field)
	return field
}

// FindCommonField resolves name among ef's common fields. The pairing
// graph uses it exclusively to resolve "common_pid".
func (r *Registry) FindCommonField(ef *traceparser.EventFormat, name string) *traceparser.FormatField {
	for _, f := range ef.Format.CommonFields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// ClassOf returns name's Class, Undefined if name is not one of the
// fixed set of events the core understands.
func ClassOf(name string) Class {
	return classByName[name]
}

// ReadNumberField extracts field's value out of data as an unsigned
// 64-bit integer, zero-padding short fields. data is a record's payload
// with the leading format-ID word already stripped by the reader, so
// field.Offset is adjusted by -2 to match.
func ReadNumberField(field *traceparser.FormatField, data []byte, endianness binary.ByteOrder) (uint64, error) {
	if field == nil {
		return 0, fmt.Errorf("nil field descriptor")
	}
	off := int(field.Offset) - 2
	size := int(field.Size)
	if off < 0 || size <= 0 || off+size > len(data) {
		return 0, fmt.Errorf("field %q: offset %d size %d out of range for %d-byte record", field.Name, field.Offset, field.Size, len(data))
	}
	buf := data[off : off+size]
	if len(buf) < 8 {
		if endianness != binary.LittleEndian {
			return 0, fmt.Errorf("field %q: big endian is not supported", field.Name)
		}
		padded := make([]byte, 8)
		copy(padded, buf)
		buf = padded
	}
	return endianness.Uint64(buf), nil
}

// DataTypeID returns the format ID tagging record -- the same value a
// caller would get by reading record.FormatID directly, exposed here for
// interface parity with the reference registry's data_type_id.
func DataTypeID(record *trace.Record) uint16 {
	return record.FormatID
}

// RegisterHandler installs fn as the handler for (system, name), keyed
// by name alone. The function-graph renderer does not register handlers
// here: funcgraph.Renderer's methods are called directly by
// cmd/traceprofile's record loop.
func (r *Registry) RegisterHandler(system, name string, fn HandlerFunc) {
	if _, ok := r.handlers[name]; ok {
		log.Warningf("overwriting handler already registered for %s", name)
	}
	r.handlers[name] = fn
}

// HandlerFor returns the handler registered for name, if any.
func (r *Registry) HandlerFor(name string) (HandlerFunc, bool) {
	fn, ok := r.handlers[name]
	return fn, ok
}
