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

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	trace "github.com/google/traceprofile/tracedata"
)

// DecodeEvent turns a raw trace.Record into a fully decoded trace.Event,
// reading every field named by ef's format out of the record's byte
// payload. This is the slow, allocation-heavy path used to render a
// trace for display (the CLI's -dump_events mode) -- the pairing engine never calls this, since it only ever needs
// the one or two fields its handlers name, fetched lazily through the
// event registry.
func DecodeEvent(record *trace.Record, ef *EventFormat, endianness binary.ByteOrder) (*trace.Event, error) {
	ev := &trace.Event{
		Name:             ef.Name,
		CPU:              record.CPU,
		Timestamp:        record.Timestamp,
		TextProperties:   make(map[string]string),
		NumberProperties: make(map[string]int64),
	}
	fields := append(append([]*FormatField{}, ef.Format.CommonFields...), ef.Format.Fields...)
	for _, field := range fields {
		if err := decodeField(ev, field, record.Data, endianness); err != nil {
			return nil, fmt.Errorf("event %q: %s", ef.Name, err)
		}
	}
	return ev, nil
}

// decodeField extracts field's value out of data -- the record payload
// with the leading format-ID word already stripped -- and stores it into
// ev's appropriate property map.
func decodeField(ev *trace.Event, field *FormatField, data []byte, endianness binary.ByteOrder) error {
	// A field lying wholly inside the format-ID word (common_type) has no
	// bytes in data; its value is already the Record's FormatID.
	if field.Offset+field.Size <= 2 {
		return nil
	}
	// Field offsets are relative to the start of the on-wire entry, which
	// begins with the two-byte format ID that the reader already consumed.
	off := int(field.Offset) - 2
	if off < 0 || off > len(data) {
		return fmt.Errorf("field %q: offset %d out of range for %d-byte record", field.Name, field.Offset, len(data))
	}

	if field.IsDynamicArray {
		if off+4 > len(data) {
			return fmt.Errorf("field %q: dynamic array descriptor out of range", field.Name)
		}
		descriptor := endianness.Uint32(data[off : off+4])
		arrOffset := int(descriptor&0xffff) - 2
		arrLength := int(descriptor >> 16)
		if arrOffset < 0 || arrOffset+arrLength > len(data) {
			return fmt.Errorf("field %q: dynamic array contents out of range", field.Name)
		}
		ev.TextProperties[field.Name] = string(data[arrOffset : arrOffset+arrLength])
		return nil
	}

	size := int(field.Size)
	if off+size > len(data) {
		return fmt.Errorf("field %q: extends past end of %d-byte record", field.Name, len(data))
	}
	buf := data[off : off+size]

	switch field.ProtoType {
	case "string":
		ev.TextProperties[field.Name] = strings.Split(string(buf), "\x00")[0]
	case "int64":
		if len(buf) < 8 {
			if endianness != binary.LittleEndian {
				return errors.New("big endian is not supported")
			}
			padded := make([]byte, 8)
			copy(padded, buf)
			buf = padded
		}
		v := int64(endianness.Uint64(buf))
		if !field.Signed {
			ev.NumberProperties[field.Name] = v
		} else {
			ev.NumberProperties[field.Name] = signExtend(v, size)
		}
	default:
		return fmt.Errorf("unknown field type %s: only string and int64 are supported", field.ProtoType)
	}
	return nil
}

// signExtend sign-extends a value that was zero-padded out to 8 bytes but
// originally occupied only width bytes (e.g. a signed int32 prev_state).
func signExtend(v int64, width int) int64 {
	if width >= 8 || width <= 0 {
		return v
	}
	shift := uint(64 - width*8)
	return (v << shift) >> shift
}
