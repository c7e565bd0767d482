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
// Package trace provides the record and reader types that the trace
// profiling core consumes. A Record is a timestamped, CPU-tagged, opaque
// byte payload; fields are extracted from it by name via a FieldDescriptor
// supplied by an event registry, never by this package.
package trace

import "sync/atomic"

// Record is a single trace event as delivered by a Reader: a timestamp, the
// CPU it was logged on, a format ID identifying its layout, and the raw
// event bytes (excluding the leading format-ID word already consumed by the
// reader). Records are reference counted: any holder that must keep a
// Record alive past the call that handed it out (the pairing engine's
// StackHolder is the only one in this module) must call Ref, and must call
// Free exactly once when done.
type Record struct {
	Timestamp uint64
	CPU       int64
	FormatID  uint16
	Data      []byte

	refs *int32
}

// NewRecord constructs a Record with a single outstanding reference.
func NewRecord(timestamp uint64, cpu int64, formatID uint16, data []byte) *Record {
	refs := int32(1)
	return &Record{
		Timestamp: timestamp,
		CPU:       cpu,
		FormatID:  formatID,
		Data:      data,
		refs:      &refs,
	}
}

// Ref acquires an additional reference on r, keeping it alive until a
// matching Free is called.
func Ref(r *Record) {
	if r == nil {
		return
	}
	atomic.AddInt32(r.refs, 1)
}

// Free releases one reference on r. Once the reference count reaches zero
// the Record's backing storage may be reused by the reader; callers must not
// retain r past their Free call.
func Free(r *Record) {
	if r == nil {
		return
	}
	atomic.AddInt32(r.refs, -1)
}

// Reader is the external trace-reader collaborator described in the
// profiling core's interface boundary: it materializes Records from
// whatever underlying trace format it understands, in ascending timestamp
// order per CPU, and hands out/accepts references to them.
type Reader interface {
	// Peek returns the next Record on cpu without consuming it. Calling
	// Peek repeatedly without an intervening Read returns the same Record.
	Peek(cpu int64) (*Record, bool)
	// Read consumes and returns the next Record on cpu.
	Read(cpu int64) (*Record, bool)
	// CurrentCPU returns the CPU of the Record currently being processed by
	// the caller, i.e. the CPU of the last Record returned by Read across
	// all CPUs in timestamp order. Only meaningful after at least one Read.
	CurrentCPU() int64
	// LongSize returns the host word size (4 or 8) of the machine the trace
	// was captured on.
	LongSize() int
	// CPUCount returns the number of CPU buffers this Reader multiplexes.
	CPUCount() int
}
