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
	"bufio"
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	trace "github.com/google/traceprofile/tracedata"
)

// testHeaderFormat mirrors a typical 64-bit header_page format: an 8 byte
// timestamp, an 8 byte commit (size + overwrite flag), and a data region.
var testHeaderFormat = Format{
	Fields: []*FormatField{
		{Name: "timestamp", ProtoType: "int64", Offset: 0, Size: 8},
		{Name: "commit", ProtoType: "int64", Offset: 8, Size: 8, Signed: true},
		{Name: "overwrite", ProtoType: "int64", Offset: 8, Size: 1, Signed: true},
		{Name: "data", ProtoType: "string", Offset: 16, Size: 16},
	},
}

var testFormats = map[uint16]*EventFormat{
	100: {
		Name: "test_event",
		ID:   100,
		Format: Format{
			CommonFields: []*FormatField{
				{Name: "common_type", ProtoType: "int64", Offset: 0, Size: 2},
			},
			Fields: []*FormatField{
				{Name: "payload", ProtoType: "string", Offset: 2, Size: 6},
			},
		},
	},
}

// buildPage encodes a single ring-buffer page containing one data event
// with the given format ID, time delta from the page base timestamp, and
// payload bytes. It returns the full page header + page body + the
// padding needed to round out to pageDataSize bytes, exactly as
// ParseTrace expects to find on the wire.
func buildPage(t *testing.T, baseTimestamp uint64, timeDelta uint32, formatID uint16, payload []byte, pageDataSize int) []byte {
	t.Helper()

	eventData := make([]byte, 2+len(payload))
	binary.LittleEndian.PutUint16(eventData, formatID)
	copy(eventData[2:], payload)

	// type_len must express eventData's length as a whole number of words.
	if len(eventData)%4 != 0 {
		t.Fatalf("eventData length %d is not a multiple of 4", len(eventData))
	}
	typeLen := uint32(len(eventData) / 4)
	if typeLen == 0 || typeLen > 28 {
		t.Fatalf("unsupported typeLen %d", typeLen)
	}
	bitfield := uint64(typeLen) | (uint64(timeDelta) << 5)

	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, uint32(bitfield))
	body.Write(eventData)

	if body.Len() > pageDataSize {
		t.Fatalf("event body %d exceeds page size %d", body.Len(), pageDataSize)
	}

	var commit uint64 = uint64(body.Len())

	var page bytes.Buffer
	binary.Write(&page, binary.LittleEndian, baseTimestamp)
	binary.Write(&page, binary.LittleEndian, commit)
	page.Write(body.Bytes())
	// Pad out to the declared page data size, as skipToNextPage expects.
	page.Write(make([]byte, pageDataSize-body.Len()))

	return page.Bytes()
}

func TestParseTraceSingleEvent(t *testing.T) {
	tp := TraceParser{
		HeaderFormat: testHeaderFormat,
		Formats:      testFormats,
	}
	if err := tp.SetLittleEndian(); err != nil {
		t.Fatalf("SetLittleEndian() failed: %s", err)
	}

	pageDataSize := 16
	payload := []byte("abcdef")
	pageBytes := buildPage(t, 1000, 5, 100, payload, pageDataSize)

	reader := bufio.NewReader(bytes.NewReader(pageBytes))

	var got []*trace.Record
	if err := tp.ParseTrace(reader, 0, func(rec *trace.Record) (bool, error) {
		got = append(got, rec)
		return true, nil
	}); err != nil {
		t.Fatalf("ParseTrace() failed: %s", err)
	}

	want := []*trace.Record{
		trace.NewRecord(1005, 0, 100, payload),
	}

	if diff := cmp.Diff(want, got, cmpopts.IgnoreUnexported(trace.Record{})); diff != "" {
		t.Errorf("ParseTrace() diff (-want +got):\n%s", diff)
	}
}

func TestParseTraceUnknownFormatIsSkipped(t *testing.T) {
	tp := TraceParser{
		HeaderFormat: testHeaderFormat,
		Formats:      testFormats,
	}
	if err := tp.SetLittleEndian(); err != nil {
		t.Fatalf("SetLittleEndian() failed: %s", err)
	}

	pageDataSize := 16
	pageBytes := buildPage(t, 1000, 5, 999 /*unknown*/, []byte("abcdef"), pageDataSize)

	reader := bufio.NewReader(bytes.NewReader(pageBytes))

	var got []*trace.Record
	if err := tp.ParseTrace(reader, 0, func(rec *trace.Record) (bool, error) {
		got = append(got, rec)
		return true, nil
	}); err != nil {
		t.Fatalf("ParseTrace() with unknown format id failed: %s", err)
	}
	if len(got) != 0 {
		t.Errorf("ParseTrace() with unknown format id: got %d records, want 0", len(got))
	}
}

func TestParseTraceFailOnUnknownFormat(t *testing.T) {
	tp := TraceParser{
		HeaderFormat: testHeaderFormat,
		Formats:      testFormats,
	}
	tp.FailOnUnknownEventFormat(true)
	if err := tp.SetLittleEndian(); err != nil {
		t.Fatalf("SetLittleEndian() failed: %s", err)
	}

	pageDataSize := 16
	pageBytes := buildPage(t, 1000, 5, 999, []byte("abcdef"), pageDataSize)
	reader := bufio.NewReader(bytes.NewReader(pageBytes))

	err := tp.ParseTrace(reader, 0, func(rec *trace.Record) (bool, error) {
		return true, nil
	})
	if err == nil {
		t.Errorf("ParseTrace() with FailOnUnknownEventFormat(true): got nil error, want error")
	}
}
