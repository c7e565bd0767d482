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
	"testing"

	"github.com/google/go-cmp/cmp"
	trace "github.com/google/traceprofile/tracedata"
)

func TestDecodeEvent(t *testing.T) {
	ef := &EventFormat{
		Name: "sched_wakeup",
		ID:   299,
		Format: Format{
			CommonFields: []*FormatField{
				{Name: "common_type", ProtoType: "int64", Offset: 0, Size: 2},
				{Name: "common_pid", ProtoType: "int64", Offset: 4, Size: 4, Signed: true},
			},
			Fields: []*FormatField{
				{Name: "comm", ProtoType: "string", Offset: 8, Size: 8},
				{Name: "pid", ProtoType: "int64", Offset: 16, Size: 4, Signed: true},
			},
		},
	}

	// Data excludes the leading 2-byte format ID, so offsets here are 2
	// less than the FormatField.Offset values above.
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[2:6], 1234) // common_pid
	copy(data[6:14], []byte("worker\x00\x00"))     // comm
	binary.LittleEndian.PutUint32(data[14:16], 1234)
	// pid only has 2 bytes left in this small buffer; extend it.
	data = append(data, 0, 0)
	binary.LittleEndian.PutUint32(data[14:18], 1234)

	record := trace.NewRecord(5000, 2, 299, data)

	got, err := DecodeEvent(record, ef, binary.LittleEndian)
	if err != nil {
		t.Fatalf("DecodeEvent() failed: %s", err)
	}

	want := &trace.Event{
		Name:      "sched_wakeup",
		CPU:       2,
		Timestamp: 5000,
		TextProperties: map[string]string{
			"comm": "worker",
		},
		NumberProperties: map[string]int64{
			"common_pid": 1234,
			"pid":        1234,
		},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("DecodeEvent() diff (-want +got):\n%s", diff)
	}
}

func TestDecodeEventFieldOutOfRange(t *testing.T) {
	ef := &EventFormat{
		Name: "broken",
		Format: Format{
			Fields: []*FormatField{
				{Name: "too_far", ProtoType: "int64", Offset: 100, Size: 8},
			},
		},
	}
	record := trace.NewRecord(0, 0, 1, make([]byte, 4))
	if _, err := DecodeEvent(record, ef, binary.LittleEndian); err == nil {
		t.Errorf("DecodeEvent() with out-of-range field: got nil error, want error")
	}
}
