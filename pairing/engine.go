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

	log "github.com/golang/glog"

	trace "github.com/google/traceprofile/tracedata"
	"github.com/google/traceprofile/hashindex"
	"github.com/google/traceprofile/registry"
)

// specializedHandler is the signature of a per-event handler installed
// over the generic handler: sched_switch, sched_wakeup, and kernel_stack
// each enforce pairing semantics the generic handler cannot express.
type specializedHandler func(h *HandleData, pid uint64, ed *EventData, record *trace.Record) error

// HandleRecord is the core's single entry point: dispatch one record by
// its event class to either its specialized handler or the generic
// start/end handler. Records for event IDs this session did not
// register are silently ignored -- the reader may be decoding events no
// component of this build cares about.
func (h *HandleData) HandleRecord(record *trace.Record) error {
	ed := h.eventByID(record.FormatID)
	if ed == nil {
		return nil
	}

	pid, err := registry.ReadNumberField(h.CommonPIDField, record.Data, binary.LittleEndian)
	if err != nil {
		// A record that does not carry a readable common_pid cannot be
		// routed to any task; this is a data error, not structural.
		log.V(2).Infof("dropping %s record: %s", ed.Name, err)
		return nil
	}

	if fn, ok := h.specialized[ed.ID]; ok {
		return fn(h, pid, ed, record)
	}
	return h.handleGenericEvent(pid, ed, record)
}

// handleGenericEvent implements the reference implementation's
// handle_event_data: an event may close a start (if it is configured as
// an end), open a start (if it is configured as a start), or neither (a
// pure event, which just clears the task's last-start/last-event slots).
func (h *HandleData) handleGenericEvent(pid uint64, ed *EventData, record *trace.Record) error {
	var task *TaskData

	if ed.Start != nil {
		epid, err := h.resolvePID(ed, pid, record)
		if err != nil {
			return nil
		}
		task = h.findTask(epid)

		val, err := registry.ReadNumberField(ed.StartMatchField, record.Data, binary.LittleEndian)
		if err != nil {
			return nil
		}
		eh := h.findAndUpdateStart(task, ed.Start, record.Timestamp, val)
		task.LastStart = nil
		task.LastEvent = eh
	}

	if ed.End != nil {
		epid, err := h.resolvePID(ed, pid, record)
		if err != nil {
			return nil
		}
		task = h.findTask(epid)

		val, err := registry.ReadNumberField(ed.EndMatchField, record.Data, binary.LittleEndian)
		if err != nil {
			return nil
		}
		start := h.addStart(task, ed, record.Timestamp, val, val)
		task.LastStart = start
		task.LastEvent = nil
	}

	if task == nil {
		task = h.findTask(pid)
		task.LastStart = nil
		task.LastEvent = nil
		accountTask(task, ed)
	}

	return nil
}

// resolvePID resolves the task-identifying pid for ed: ed.PIDField if
// present, else the record's common_pid.
func (h *HandleData) resolvePID(ed *EventData, commonPID uint64, record *trace.Record) (uint64, error) {
	if ed.PIDField == nil {
		return commonPID, nil
	}
	return registry.ReadNumberField(ed.PIDField, record.Data, binary.LittleEndian)
}

// accountTask is a no-op extension point preserved from the reference
// implementation, where it is also never given a body.
func accountTask(task *TaskData, ed *EventData) {}

// addStart opens a new StartData on task for ed, keyed by searchVal.
func (h *HandleData) addStart(task *TaskData, ed *EventData, ts, searchVal, val uint64) *StartData {
	start := &StartData{
		EventData: ed,
		Timestamp: ts,
		SearchVal: searchVal,
		Val:       val,
	}
	task.StartHash.Add(start)
	return start
}

// findStart locates the open start on task matching (ed, searchVal), the
// only identity a start has per invariant 1 of the data model.
func (h *HandleData) findStart(task *TaskData, ed *EventData, searchVal uint64) *StartData {
	item := task.StartHash.Find(searchVal, func(it hashindex.Item) bool {
		s := it.(*StartData)
		return s.EventData == ed && s.SearchVal == searchVal
	})
	if item == nil {
		return nil
	}
	return item.(*StartData)
}

// findEventHash returns the EventHash for (ed, start.SearchVal,
// start.Val) on task, creating an empty one on first sight.
func (h *HandleData) findEventHash(task *TaskData, ed *EventData, start *StartData) *EventHash {
	item := task.EventHash.Find(eventHashKey(ed, start.SearchVal), func(it hashindex.Item) bool {
		e := it.(*EventHash)
		return e.EventData == ed && e.SearchVal == start.SearchVal && e.Val == start.Val
	})
	if item != nil {
		return item.(*EventHash)
	}
	eh := &EventHash{
		EventData: ed,
		SearchVal: start.SearchVal,
		Val:       start.Val,
		Stacks:    hashindex.New(stackBuckets),
	}
	task.EventHash.Add(eh)
	return eh
}

// addAndFreeStart closes start at timestamp ts against ed, folding its
// duration and any captured stack into the resulting EventHash, then
// removes start from the task's open-start table.
func (h *HandleData) addAndFreeStart(task *TaskData, start *StartData, ed *EventData, ts uint64) *EventHash {
	delta := ts - start.Timestamp

	eh := h.findEventHash(task, ed, start)
	eh.Count++
	eh.TimeTotal += delta
	eh.LastTime = delta
	if delta > eh.TimeMax {
		eh.TimeMax = delta
	}
	if eh.Count == 1 || delta < eh.TimeMin {
		eh.TimeMin = delta
	}

	if start.Stack != nil {
		addEventStack(eh, start.Stack.Caller, start.Stack.Size, delta)
		trace.Free(start.Stack.Record)
	}

	task.StartHash.Delete(start)
	return eh
}

// findAndUpdateStart finds the open start on task for (ed, searchVal)
// and closes it at ts, or returns nil if no such start is open -- the
// silent-drop boundary behavior for an end with no matching start.
func (h *HandleData) findAndUpdateStart(task *TaskData, ed *EventData, ts, searchVal uint64) *EventHash {
	start := h.findStart(task, ed, searchVal)
	if start == nil {
		return nil
	}
	return h.addAndFreeStart(task, start, ed, ts)
}

// addEventStack folds one occurrence of a caller chain into eh's stack
// aggregate, deduplicating by exact byte content.
func addEventStack(eh *EventHash, caller []byte, size int, duration uint64) {
	if size < 4 {
		log.Errorf("stack size %d smaller than a word, dropping", size)
		return
	}
	key := contentHashBytes(caller)
	item := eh.Stacks.Find(key, func(it hashindex.Item) bool {
		sd := it.(*StackData)
		return sd.Size == size && string(sd.Caller) == string(caller)
	})
	var stack *StackData
	if item != nil {
		stack = item.(*StackData)
	} else {
		stack = &StackData{
			Size:   size,
			Caller: append([]byte(nil), caller...),
		}
		eh.Stacks.Add(stack)
	}
	stack.Count++
	stack.Time += duration
	if stack.Count == 1 || duration < stack.TimeMin {
		stack.TimeMin = duration
	}
	if duration > stack.TimeMax {
		stack.TimeMax = duration
	}
}
