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
	"encoding/binary"
	"testing"

	trace "github.com/google/traceprofile/tracedata"
	"github.com/google/traceprofile/hashindex"
	"github.com/google/traceprofile/registry"
	"github.com/google/traceprofile/traceparser"
)

// field builds a FormatField whose offset is stated in on-the-wire terms
// (i.e. including the two-byte format-ID word the reader has already
// stripped from record.Data; registry.ReadNumberField subtracts it back
// out), matching how the real registry reports offsets.
func field(name string, wireOffset, size uint64) *traceparser.FormatField {
	return &traceparser.FormatField{Name: name, Offset: wireOffset, Size: size}
}

// Payload layout used by every synthetic record in this file: common_pid
// at wire-offset 6 (data-offset 4), event-specific fields starting at
// wire-offset 10 (data-offset 8).
//
//	sched_switch: prev_pid[0:4] next_pid[4:8] prev_state[8:16]
//	sched_wakeup: pid[0:4]      success[4:8]
//	irq entry/exit: irq[0:4]
//	kernel_stack: caller[0:...]

// buildHandle wires a minimal HandleData by hand, covering sched_switch,
// sched_wakeup, irq, and kernel_stack, without going through the registry
// or traceparser -- the scenarios in this file only need the pairing
// graph, not format-file parsing.
func buildHandle() *HandleData {
	h := &HandleData{
		events:         make(map[uint16]*EventData),
		Tasks:          hashindex.New(taskBuckets),
		specialized:    make(map[uint16]specializedHandler),
		CommonPIDField: field("common_pid", 6, 4),
	}

	schedSwitch := &EventData{Name: "sched_switch", ID: 1, Class: registry.SchedSwitch}
	schedSwitch.PIDField = field("prev_pid", 10, 4)
	schedSwitch.EndMatchField = field("next_pid", 14, 4)
	schedSwitch.DataField = field("prev_state", 18, 8)
	schedSwitch.PrintFunc = schedSwitchPrint
	h.events[schedSwitch.ID] = schedSwitch
	h.specialized[schedSwitch.ID] = handleSchedSwitch

	schedWakeup := &EventData{Name: "sched_wakeup", ID: 2, Class: registry.Wakeup}
	schedWakeup.PIDField = field("pid", 10, 4)
	schedWakeup.DataField = field("success", 14, 4)
	h.events[schedWakeup.ID] = schedWakeup
	h.specialized[schedWakeup.ID] = handleSchedWakeup

	schedSwitch.End = schedWakeup
	schedSwitch.Start = schedWakeup
	schedWakeup.Start = schedSwitch
	schedWakeup.End = schedSwitch

	irqEntry := &EventData{Name: "irq_handler_entry", ID: 3, Class: registry.Irq}
	irqEntry.EndMatchField = field("irq", 10, 4)
	irqExit := &EventData{Name: "irq_handler_exit", ID: 4, Class: registry.Irq}
	irqExit.StartMatchField = field("irq", 10, 4)
	irqEntry.End = irqExit
	irqExit.Start = irqEntry
	h.events[irqEntry.ID] = irqEntry
	h.events[irqExit.ID] = irqExit

	stack := &EventData{Name: "kernel_stack", ID: 5, Class: registry.Stack}
	stack.DataField = field("caller", 10, 0)
	h.events[stack.ID] = stack
	h.specialized[stack.ID] = handleStackTrace

	return h
}

// rec builds a synthetic record: FormatID 1 (sched_switch) unless
// overwritten by the caller, common_pid at wire-offset 6, and payload
// starting at wire-offset 10.
func rec(ts uint64, commonPID uint32, payload []byte) *trace.Record {
	data := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint32(data[4:8], commonPID)
	copy(data[8:], payload)
	return trace.NewRecord(ts, 0, 1, data)
}

func u32le(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func u64le(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func concat(bs ...[]byte) []byte {
	var out []byte
	for _, b := range bs {
		out = append(out, b...)
	}
	return out
}

func switchPayload(prevPID, nextPID uint32, prevState uint64) []byte {
	return concat(u32le(prevPID), u32le(nextPID), u64le(prevState))
}

func wakeupPayload(pid, success uint32) []byte {
	return concat(u32le(pid), u32le(success))
}

func TestPreemptedTask(t *testing.T) {
	h := buildHandle()

	// sched_switch prev_pid=10 prev_state=0 next_pid=20 ts=1000
	r1 := rec(1000, 10, switchPayload(10, 20, 0))
	if err := h.HandleRecord(r1); err != nil {
		t.Fatalf("HandleRecord(1) failed: %s", err)
	}

	// sched_switch prev_pid=20 prev_state=0 next_pid=10 ts=1500
	r2 := rec(1500, 20, switchPayload(20, 10, 0))
	if err := h.HandleRecord(r2); err != nil {
		t.Fatalf("HandleRecord(2) failed: %s", err)
	}

	task10 := h.findTask(10)
	if task10.EventHash.Len() != 1 {
		t.Fatalf("task 10 EventHash.Len() = %d, want 1", task10.EventHash.Len())
	}
	var eh *EventHash
	task10.EventHash.Each(func(it hashindex.Item) { eh = it.(*EventHash) })
	if eh.Val != 0 {
		t.Errorf("eh.Val = %d, want 0", eh.Val)
	}
	if eh.Count != 1 {
		t.Errorf("eh.Count = %d, want 1", eh.Count)
	}
	if eh.TimeTotal != 500 {
		t.Errorf("eh.TimeTotal = %d, want 500", eh.TimeTotal)
	}
}

func TestBlockedThenWoken(t *testing.T) {
	h := buildHandle()

	// sched_switch prev_pid=10 prev_state=1 next_pid=20 ts=1000
	r1 := rec(1000, 10, switchPayload(10, 20, 1))
	if err := h.HandleRecord(r1); err != nil {
		t.Fatalf("HandleRecord(1) failed: %s", err)
	}

	// sched_wakeup pid=10 success=1 ts=1800
	r2 := rec(1800, 99, wakeupPayload(10, 1))
	r2.FormatID = 2
	if err := h.HandleRecord(r2); err != nil {
		t.Fatalf("HandleRecord(2) failed: %s", err)
	}

	// sched_switch prev_pid=20 prev_state=0 next_pid=10 ts=2000
	r3 := rec(2000, 20, switchPayload(20, 10, 0))
	if err := h.HandleRecord(r3); err != nil {
		t.Fatalf("HandleRecord(3) failed: %s", err)
	}

	task10 := h.findTask(10)
	if task10.EventHash.Len() != 2 {
		t.Fatalf("task 10 EventHash.Len() = %d, want 2", task10.EventHash.Len())
	}

	var blockedTotal, wakeupTotal uint64
	var blockedCount, wakeupCount int
	task10.EventHash.Each(func(it hashindex.Item) {
		eh := it.(*EventHash)
		switch eh.EventData.Name {
		case "sched_switch":
			blockedTotal = eh.TimeTotal
			blockedCount++
		case "sched_wakeup":
			wakeupTotal = eh.TimeTotal
			wakeupCount++
		}
	})
	if blockedCount != 1 || blockedTotal != 800 {
		t.Errorf("blocked interval: count=%d total=%d, want count=1 total=800", blockedCount, blockedTotal)
	}
	if wakeupCount != 1 || wakeupTotal != 200 {
		t.Errorf("wakeup interval: count=%d total=%d, want count=1 total=200", wakeupCount, wakeupTotal)
	}
}

func TestIRQPair(t *testing.T) {
	h := buildHandle()

	r1 := rec(100, 42, u32le(7))
	r1.FormatID = 3
	if err := h.HandleRecord(r1); err != nil {
		t.Fatalf("HandleRecord(entry) failed: %s", err)
	}

	r2 := rec(250, 42, u32le(7))
	r2.FormatID = 4
	if err := h.HandleRecord(r2); err != nil {
		t.Fatalf("HandleRecord(exit) failed: %s", err)
	}

	task := h.findTask(42)
	if task.EventHash.Len() != 1 {
		t.Fatalf("EventHash.Len() = %d, want 1", task.EventHash.Len())
	}
	var eh *EventHash
	task.EventHash.Each(func(it hashindex.Item) { eh = it.(*EventHash) })
	if eh.Count != 1 || eh.TimeTotal != 150 {
		t.Errorf("irq event: count=%d total=%d, want count=1 total=150", eh.Count, eh.TimeTotal)
	}
}

func TestStackOnStart(t *testing.T) {
	h := buildHandle()

	r1 := rec(100, 42, u32le(7))
	r1.FormatID = 3
	if err := h.HandleRecord(r1); err != nil {
		t.Fatalf("HandleRecord(entry) failed: %s", err)
	}

	caller := concat(u32le(0xA), u32le(0xB))
	r2 := rec(101, 42, caller)
	r2.FormatID = 5
	if err := h.HandleRecord(r2); err != nil {
		t.Fatalf("HandleRecord(stack) failed: %s", err)
	}

	r3 := rec(250, 42, u32le(7))
	r3.FormatID = 4
	if err := h.HandleRecord(r3); err != nil {
		t.Fatalf("HandleRecord(exit) failed: %s", err)
	}

	task := h.findTask(42)
	var eh *EventHash
	task.EventHash.Each(func(it hashindex.Item) { eh = it.(*EventHash) })
	if eh == nil {
		t.Fatalf("no EventHash recorded")
	}
	if eh.Stacks.Len() != 1 {
		t.Fatalf("Stacks.Len() = %d, want 1", eh.Stacks.Len())
	}
	var sd *StackData
	eh.Stacks.Each(func(it hashindex.Item) { sd = it.(*StackData) })
	if sd.Count != 1 || sd.Time != 150 {
		t.Errorf("stack: count=%d time=%d, want count=1 time=150", sd.Count, sd.Time)
	}
}

func TestProxyWakeupStack(t *testing.T) {
	h := buildHandle()

	// Task 10 must be sleeping for the wakeup to take effect: seed it
	// with a blocking sched_switch first.
	r0 := rec(900, 10, switchPayload(10, 20, 1))
	if err := h.HandleRecord(r0); err != nil {
		t.Fatalf("HandleRecord(seed switch) failed: %s", err)
	}

	// sched_wakeup pid=10 success=1, logged on the waker's (task 20's) CPU.
	r1 := rec(1000, 20, wakeupPayload(10, 1))
	r1.FormatID = 2
	if err := h.HandleRecord(r1); err != nil {
		t.Fatalf("HandleRecord(wakeup) failed: %s", err)
	}

	// kernel_stack common_pid=20 caller=[0xDEAD] -- immediately follows
	// the wakeup on the waker's CPU, but must attribute to task 10.
	r2 := rec(1001, 20, u32le(0xDEAD))
	r2.FormatID = 5
	if err := h.HandleRecord(r2); err != nil {
		t.Fatalf("HandleRecord(stack) failed: %s", err)
	}

	schedWakeup := h.events[2]
	wakeupStart := h.findStart(h.findTask(10), schedWakeup, 10)
	if wakeupStart == nil || wakeupStart.Stack == nil {
		t.Fatalf("task 10's wakeup start did not capture the stack")
	}
	if string(wakeupStart.Stack.Caller) != string(u32le(0xDEAD)) {
		t.Errorf("captured stack = %v, want %v", wakeupStart.Stack.Caller, u32le(0xDEAD))
	}

	task20 := h.findTask(20)
	if task20.LastStart != nil {
		t.Errorf("task 20 (the waker) still holds a last-start, want it untouched by the redirected stack")
	}
}

func TestEndWithNoStartIsDropped(t *testing.T) {
	h := buildHandle()

	r := rec(250, 42, u32le(7))
	r.FormatID = 4
	if err := h.HandleRecord(r); err != nil {
		t.Fatalf("HandleRecord() failed: %s", err)
	}

	task := h.findTask(42)
	if task.EventHash.Len() != 0 {
		t.Errorf("EventHash.Len() = %d, want 0", task.EventHash.Len())
	}
}

func TestStackWithNoLastStartOrEventIsDropped(t *testing.T) {
	h := buildHandle()

	r := rec(100, 42, u32le(0xA))
	r.FormatID = 5
	if err := h.HandleRecord(r); err != nil {
		t.Fatalf("HandleRecord() failed: %s", err)
	}
	task := h.findTask(42)
	if task.LastStart != nil || task.LastEvent != nil {
		t.Errorf("task has non-nil LastStart/LastEvent after a dropped stack record")
	}
}

func commBytes(s string, size int) []byte {
	b := make([]byte, size)
	copy(b, s)
	return b
}

func TestSchedSwitchSetsComm(t *testing.T) {
	h := buildHandle()
	schedSwitch := h.events[1]
	// Comm fields trail prev_state (wire offset 18, size 8): prev_comm at
	// 26, next_comm at 42, 16 bytes each.
	schedSwitch.PrevCommField = field("prev_comm", 26, 16)
	schedSwitch.NextCommField = field("next_comm", 42, 16)

	payload := concat(
		switchPayload(10, 20, 0),
		commBytes("task-a", 16),
		commBytes("task-b", 16),
	)
	r := rec(1000, 10, payload)
	if err := h.HandleRecord(r); err != nil {
		t.Fatalf("HandleRecord() failed: %s", err)
	}

	if got := h.findTask(10).Comm; got != "task-a" {
		t.Errorf("task 10 Comm = %q, want %q", got, "task-a")
	}
	if got := h.findTask(20).Comm; got != "task-b" {
		t.Errorf("task 20 Comm = %q, want %q", got, "task-b")
	}
}

func TestSchedSwitchPrint(t *testing.T) {
	tests := []struct {
		val  uint64
		want string
	}{
		{0, "R"},
		{1, "S"},
		{2, "D"},
	}
	for _, test := range tests {
		eh := &EventHash{Val: test.val}
		if got := schedSwitchPrint(eh); got != test.want {
			t.Errorf("schedSwitchPrint(%d) = %q, want %q", test.val, got, test.want)
		}
	}
}
