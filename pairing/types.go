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
// Package pairing implements the trace profiling core: per-task
// reconciliation of start/end event pairs, stack attribution, and the
// event-class wiring that gives each pair its matching semantics.
package pairing

import (
	trace "github.com/google/traceprofile/tracedata"
	"github.com/google/traceprofile/traceparser"

	"github.com/google/traceprofile/hashindex"
	"github.com/google/traceprofile/registry"
)

// EventData is the registered, wired view of one event type: its
// classification, the field descriptors used to route and match
// records, and (for paired events) a back-reference to its mate.
type EventData struct {
	Name  string
	ID    uint16
	Class registry.Class

	// Start and End are non-owning back-references to this event's
	// mate in a wired pair. At most one of Start or End is set for
	// most event types; sched_switch has both (it is simultaneously
	// the end of the previous wakeup/switch and the start of a new
	// one).
	Start *EventData
	End   *EventData

	PIDField        *traceparser.FormatField
	StartMatchField *traceparser.FormatField
	EndMatchField   *traceparser.FormatField
	DataField       *traceparser.FormatField

	// PrevCommField and NextCommField are sched_switch's two comm
	// fields, resolved only for that event. Neither is load-bearing for
	// pairing; a trace format missing them just leaves TaskData.Comm
	// unpopulated.
	PrevCommField *traceparser.FormatField
	NextCommField *traceparser.FormatField

	// Migrate reports whether this event's start/end pair may validly
	// span different CPUs.
	Migrate bool

	// PrintFunc renders this event's label for the reporter. If nil,
	// the reporter falls back to "<name>:<val>".
	PrintFunc func(eh *EventHash) string
}

// StackHolder is an owned reference to the trace.Record carrying a
// kernel stack, captured against an open start until the start closes.
type StackHolder struct {
	Record *trace.Record
	Caller []byte
	Size   int
}

// StartData is an outstanding, unmatched start: one task is waiting for
// a record that closes it.
type StartData struct {
	EventData *EventData
	Timestamp uint64
	SearchVal uint64
	Val       uint64
	Stack     *StackHolder
}

// HashKey buckets a StartData by its SearchVal, mirroring the reference
// implementation's trace_hash(search_val) keying; identity within a
// bucket is (EventData, SearchVal), enforced by the predicates in
// engine.go.
func (s *StartData) HashKey() uint64 { return s.SearchVal }

// StackData is a deduplicated kernel stack attached to an EventHash,
// aggregating every occurrence of the same caller chain.
type StackData struct {
	Count   uint64
	Time    uint64
	TimeMin uint64
	TimeMax uint64
	TimeAvg uint64
	Size    int
	Caller  []byte
}

// HashKey buckets a StackData by a content hash of its caller bytes.
func (s *StackData) HashKey() uint64 { return contentHashBytes(s.Caller) }

// contentHashBytes treats data as a sequence of 32-bit words and sums
// their values, matching the reference stack-deduplication hash.
func contentHashBytes(data []byte) uint64 {
	var words []uint64
	for i := 0; i+4 <= len(data); i += 4 {
		w := uint64(data[i]) | uint64(data[i+1])<<8 | uint64(data[i+2])<<16 | uint64(data[i+3])<<24
		words = append(words, w)
	}
	return hashindex.ContentHash(words)
}

// EventHash is the per-task, per-(event, search_val, val) aggregate the
// reporter ultimately prints.
type EventHash struct {
	EventData *EventData
	SearchVal uint64
	Val       uint64

	Count     uint64
	TimeTotal uint64
	TimeAvg   uint64
	TimeMax   uint64
	TimeMin   uint64
	LastTime  uint64

	Stacks *hashindex.Index
}

// HashKey buckets an EventHash by its defining triple's identity.
// Disambiguation within a bucket is exact-equality on (EventData,
// SearchVal, Val), enforced by the predicates in engine.go.
func (e *EventHash) HashKey() uint64 {
	return eventHashKey(e.EventData, e.SearchVal)
}

// eventHashKey computes the bucket key shared by EventHash.HashKey and
// the lookup in findEventHash, so inserts and lookups always agree.
func eventHashKey(ed *EventData, searchVal uint64) uint64 {
	return uint64(ed.ID)*2654435761 + searchVal
}

// TaskData is one task's complete pairing state.
type TaskData struct {
	PID      uint64
	Sleeping bool

	// Comm is the task's command name, filled in by handleSchedSwitch
	// the first time this pid appears in a prev_comm or next_comm
	// field. It is best effort: a task never seen in a sched_switch
	// record keeps an empty Comm.
	Comm string

	StartHash *hashindex.Index
	EventHash *hashindex.Index

	// Proxy, if set, redirects the next kernel-stack record seen for
	// this task to the named task instead -- a one-shot forwarding
	// pointer set by the sched-wakeup handler.
	Proxy *TaskData

	LastStart *StartData
	LastEvent *EventHash
}

// HashKey buckets a TaskData by its PID.
func (t *TaskData) HashKey() uint64 { return t.PID }

const (
	startBuckets = 16
	eventBuckets = 32
	stackBuckets = 32
	taskBuckets  = 1024
)

func newTaskData(pid uint64) *TaskData {
	return &TaskData{
		PID:       pid,
		StartHash: hashindex.New(startBuckets),
		EventHash: hashindex.New(eventBuckets),
	}
}

// schedSwitchInterpretation is a preconfigured descriptor the reference
// implementation declares but never populates or consults; it is
// preserved here, unused, as the spec's data model names it.
type schedSwitchInterpretation struct {
	prevState  *traceparser.FormatField
	matchState int
}

// HandleData is the root of one profiling session: every wired
// EventData, the task table, and the two session-wide field descriptors
// every handler needs (common_pid, and the optional wakeup success
// flag).
type HandleData struct {
	registry *registry.Registry

	events map[uint16]*EventData

	Tasks *hashindex.Index

	CommonPIDField     *traceparser.FormatField
	WakeupSuccessField *traceparser.FormatField

	cpuCount int

	// specialized holds the per-event handlers that override the
	// generic start/end handler: sched_switch, sched_wakeup, and
	// kernel_stack each enforce pairing semantics the generic handler
	// cannot express.
	specialized map[uint16]specializedHandler

	// schedSwitchBlocked and schedSwitchPreempt mirror the reference
	// implementation's sched_switch_blocked/sched_switch_preempt
	// fields: declared as part of the handle's data model, never
	// populated. See accountTask in engine.go for the same pattern.
	schedSwitchBlocked schedSwitchInterpretation
	schedSwitchPreempt schedSwitchInterpretation
}

// findTask returns the TaskData for pid, creating one on first sighting.
func (h *HandleData) findTask(pid uint64) *TaskData {
	item := h.Tasks.Find(pid, func(it hashindex.Item) bool {
		return it.(*TaskData).PID == pid
	})
	if item != nil {
		return item.(*TaskData)
	}
	task := newTaskData(pid)
	h.Tasks.Add(task)
	return task
}

// eventByID returns the wired EventData for a record's format ID, or nil
// if this build was not configured to track that event.
func (h *HandleData) eventByID(id uint16) *EventData {
	return h.events[id]
}
