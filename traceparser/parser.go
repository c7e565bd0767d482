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
package traceparser

import "encoding/binary"

// TraceParser holds the parsed TraceFS format of a trace-cmd session: the
// ring-buffer page header layout and every known event's field layout,
// indexed by the numeric format ID that tags each record in the raw trace.
type TraceParser struct {
	// HeaderFormat is the parsed "header_page" format, describing the
	// layout of a ring buffer page header.
	HeaderFormat Format
	// Formats maps an event's numeric format ID to its parsed EventFormat.
	Formats map[uint16]*EventFormat
	// Endianness is the byte order raw trace data should be read in. Call
	// SetNativeEndian, SetBigEndian, or SetLittleEndian to set it; if unset,
	// ParseTrace defaults to native endianness.
	Endianness binary.ByteOrder

	// failOnUnknownEventFormat, if true, makes ParseTrace return an error
	// when it encounters a record whose format ID has no corresponding
	// entry in Formats, instead of skipping the record.
	failOnUnknownEventFormat bool
}

// New parses a header_page format file's content and a set of per-event
// format file contents into a TraceParser.
func New(headerFormatFile string, eventFormatFiles []string) (TraceParser, error) {
	headerFormat, err := parseHeaderFormat(headerFormatFile)
	if err != nil {
		return TraceParser{}, err
	}
	formats, err := parseRegularFormats(eventFormatFiles)
	if err != nil {
		return TraceParser{}, err
	}
	return TraceParser{
		HeaderFormat: *headerFormat,
		Formats:      formats,
	}, nil
}

// FailOnUnknownEventFormat controls whether ParseTrace treats an
// unrecognized format ID as fatal (true) or silently skips the record
// (false, the default).
func (tp *TraceParser) FailOnUnknownEventFormat(fail bool) {
	tp.failOnUnknownEventFormat = fail
}

// FindEvent returns the EventFormat registered under the given event name,
// regardless of system, or nil if none matches. System scoping in TraceFS is
// nominal -- event names are unique per trace in practice, as assumed by the
// (system, name) lookups in the profiling core's event registry.
func (tp TraceParser) FindEvent(name string) *EventFormat {
	for _, ef := range tp.Formats {
		if ef.Name == name {
			return ef
		}
	}
	return nil
}

// FindField returns the field descriptor named name within ef, searching
// both common and event-specific fields, or nil if absent.
func FindField(ef *EventFormat, name string) *FormatField {
	for _, f := range ef.Format.CommonFields {
		if f.Name == name {
			return f
		}
	}
	for _, f := range ef.Format.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}
