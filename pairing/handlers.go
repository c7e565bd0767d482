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
package pairing

import (
	"bytes"
	"encoding/binary"

	trace "github.com/google/traceprofile/tracedata"
	"github.com/google/traceprofile/registry"
	"github.com/google/traceprofile/traceparser"
)

// taskStateMax bounds prev_state to its real scheduling-state bits;
// higher bits carry unrelated kernel flags the reporter's state-letter
// mapping was never meant to see.
const taskStateMax = 1024

// handleSchedSwitch implements the dual-close semantics described in the
// component design: the outgoing task opens a self-keyed start recording
// why it left the CPU, and the incoming task is checked against both an
// open wakeup start and an open self-paired sched_switch start, since
// the handler cannot tell a priori which one explains why it stopped
// running earlier.
func handleSchedSwitch(h *HandleData, pid uint64, ed *EventData, record *trace.Record) error {
	prevPID, err := registry.ReadNumberField(ed.PIDField, record.Data, binary.LittleEndian)
	if err != nil {
		return nil
	}
	prevState, err := registry.ReadNumberField(ed.DataField, record.Data, binary.LittleEndian)
	if err != nil {
		return nil
	}
	prevState &= taskStateMax - 1

	nextPID, err := registry.ReadNumberField(ed.EndMatchField, record.Data, binary.LittleEndian)
	if err != nil {
		return nil
	}

	task := h.findTask(prevPID)
	task.Sleeping = prevState != 0
	if task.Comm == "" {
		if comm, ok := readCommField(ed.PrevCommField, record.Data); ok {
			task.Comm = comm
		}
	}

	start := h.addStart(task, ed, record.Timestamp, prevPID, prevState)
	task.LastStart = start

	task = h.findTask(nextPID)
	if task.Comm == "" {
		if comm, ok := readCommField(ed.NextCommField, record.Data); ok {
			task.Comm = comm
		}
	}
	// ed.Start is the mated sched_wakeup event: close a wakeup-latency
	// start if the incoming task was blocked and woken.
	h.findAndUpdateStart(task, ed.Start, record.Timestamp, nextPID)
	// Close a self-paired sched_switch start if the incoming task was
	// merely preempted and never blocked.
	h.findAndUpdateStart(task, ed, record.Timestamp, nextPID)

	return nil
}

// readCommField reads a fixed-size, NUL-terminated (or NUL-padded)
// command-name field, mirroring how the reference implementation treats
// the char comm[16]-style fields trace-cmd emits.
func readCommField(field *traceparser.FormatField, data []byte) (string, bool) {
	if field == nil {
		return "", false
	}
	off := int(field.Offset) - 2
	size := int(field.Size)
	if off < 0 || size <= 0 || off+size > len(data) {
		return "", false
	}
	raw := data[off : off+size]
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	if len(raw) == 0 {
		return "", false
	}
	return string(raw), true
}

// handleSchedWakeup implements the one-shot proxy mechanism: a stack
// record immediately following a wakeup is typically logged on the
// waker's CPU, but belongs to the woken task.
func handleSchedWakeup(h *HandleData, pid uint64, ed *EventData, record *trace.Record) error {
	waker := h.findTask(pid)

	if ed.DataField != nil {
		success, err := registry.ReadNumberField(ed.DataField, record.Data, binary.LittleEndian)
		if err != nil {
			return nil
		}
		if success == 0 {
			return nil
		}
	}

	wokenPID, err := registry.ReadNumberField(ed.PIDField, record.Data, binary.LittleEndian)
	if err != nil {
		return nil
	}
	task := h.findTask(wokenPID)

	if !task.Sleeping {
		return nil
	}
	task.Sleeping = false

	waker.Proxy = task

	// ed.Start is the mated sched_switch event: close the "blocked"
	// interval this wakeup ends.
	h.findAndUpdateStart(task, ed.Start, record.Timestamp, wokenPID)

	// Open a new start to time the wakeup latency itself, closed by the
	// sched_switch that eventually schedules this task in.
	start := h.addStart(task, ed, record.Timestamp, wokenPID, wokenPID)
	task.LastStart = start

	return nil
}

// handleStackTrace implements the proxy redirect and last-start/
// last-event routing described in the stack attribution handler: a
// kernel_stack record carries no reference to the event it belongs to,
// so it is attributed to whichever of a task's last-opened start or
// last-closed event is still live.
func handleStackTrace(h *HandleData, pid uint64, ed *EventData, record *trace.Record) error {
	task := h.findTask(pid)

	if task.Proxy != nil {
		proxy := task.Proxy
		task.Proxy = nil
		task = proxy
	}

	if task.LastStart == nil && task.LastEvent == nil {
		return nil
	}

	off := int(ed.DataField.Offset) - 2
	if off < 0 || off > len(record.Data) {
		return nil
	}
	caller := record.Data[off:]

	if task.LastStart != nil {
		trace.Ref(record)
		task.LastStart.Stack = &StackHolder{
			Record: record,
			Caller: caller,
			Size:   len(caller),
		}
		task.LastStart = nil
		return nil
	}

	eh := task.LastEvent
	task.LastEvent = nil
	addEventStack(eh, caller, len(caller), eh.LastTime)

	return nil
}
