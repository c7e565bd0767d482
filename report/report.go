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
// Package report aggregates, sorts, and prints the per-task event
// summaries and per-event stack summaries a pairing handle accumulates.
package report

import (
	"fmt"
	"io"

	"github.com/google/traceprofile/hashindex"
	"github.com/google/traceprofile/pairing"
	"github.com/google/traceprofile/registry"
	trace "github.com/google/traceprofile/tracedata"
)

// CommFunc resolves a pid to a display name, mirroring
// pevent_data_comm_from_pid. A nil CommFunc (or one that finds nothing)
// falls back to TaskData.Comm, and then to "<...>".
type CommFunc func(pid uint64) (string, bool)

// Reporter prints a handle's accumulated state to w. It is stateless
// between calls; all per-run state lives in the handle it is given.
type Reporter struct {
	w    io.Writer
	comm CommFunc
}

// New builds a Reporter writing to w. comm may be nil.
func New(w io.Writer, comm CommFunc) *Reporter {
	return &Reporter{w: w, comm: comm}
}

// Report drains h via Summarize and prints the result as plain text.
// Popping destroys h's aggregates: rerunning Report on the same handle
// produces no further output, per the reporter's idempotence-on-a-copy
// invariant -- to report twice, report from two independently populated
// handles. The server package calls Summarize directly to serve the
// same aggregation as JSON instead of text.
func (r *Reporter) Report(h *pairing.HandleData) error {
	return r.renderText(Summarize(h, r.comm))
}

func (r *Reporter) renderText(summary Summary) error {
	for _, task := range summary.Tasks {
		if err := r.renderTask(task); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reporter) renderTask(task TaskSummary) error {
	comm := task.Comm
	if comm == "" {
		comm = "<...>"
	}
	if _, err := fmt.Fprintf(r.w, "\ntask: %s-%d\n", comm, task.PID); err != nil {
		return err
	}
	for _, event := range task.Events {
		if err := r.renderEvent(event); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reporter) renderEvent(event EventSummary) error {
	if _, err := fmt.Fprintf(r.w, "  Event: %s (%d) Total: %d Avg: %d Max: %d Min: %d\n",
		event.Label, event.Count, event.Total, event.Avg, event.Max, event.Min); err != nil {
		return err
	}
	for _, stack := range event.Stacks {
		if err := r.renderStack(stack); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reporter) renderStack(stack StackSummary) error {
	_, err := fmt.Fprintf(r.w, "    Stack: (%d) Total: %d Avg: %d Max: %d Min: %d\n",
		stack.Count, stack.Total, stack.Avg, stack.Max, stack.Min)
	return err
}

func popTasks(h *pairing.HandleData) []*pairing.TaskData {
	var tasks []*pairing.TaskData
	h.Tasks.Each(func(it hashindex.Item) {
		tasks = append(tasks, it.(*pairing.TaskData))
	})
	for _, task := range tasks {
		h.Tasks.Delete(task)
	}
	return tasks
}

// freeTaskStarts releases the stack reference held by every outstanding,
// never-closed start on task. These starts produced no aggregate (per
// the boundary behavior "a start record with no later end produces no
// aggregate") and are simply discarded.
func freeTaskStarts(task *pairing.TaskData) {
	var starts []hashindex.Item
	task.StartHash.Each(func(it hashindex.Item) { starts = append(starts, it) })
	for _, it := range starts {
		start := it.(*pairing.StartData)
		if start.Stack != nil {
			trace.Free(start.Stack.Record)
		}
		task.StartHash.Delete(it)
	}
}

func popEvents(task *pairing.TaskData) []*pairing.EventHash {
	var events []*pairing.EventHash
	task.EventHash.Each(func(it hashindex.Item) {
		events = append(events, it.(*pairing.EventHash))
	})
	for _, eh := range events {
		task.EventHash.Delete(eh)
	}
	return events
}

// compareEvents is the total order named in the component design:
// sched_switch sorts first (ties broken by ascending val), then wakeup,
// then everything else by ascending event id.
func compareEvents(a, b *pairing.EventHash) int {
	classA, classB := a.EventData.Class, b.EventData.Class

	if classA == registry.SchedSwitch {
		if classB != registry.SchedSwitch {
			return -1
		}
		switch {
		case a.Val > b.Val:
			return 1
		case a.Val < b.Val:
			return -1
		default:
			return 0
		}
	} else if classB == registry.SchedSwitch {
		return 1
	}

	if classA == registry.Wakeup {
		if classB != registry.Wakeup {
			return -1
		}
		return 0
	} else if classB == registry.Wakeup {
		return 1
	}

	switch {
	case a.EventData.ID > b.EventData.ID:
		return 1
	case a.EventData.ID < b.EventData.ID:
		return -1
	default:
		return 0
	}
}

// eventLabel renders eh's label via its EventData's PrintFunc if one was
// wired (sched_switch and funcgraph entries get one), else falls back to
// the generic "<name>:<val>" rendering.
func eventLabel(eh *pairing.EventHash) string {
	if eh.EventData.PrintFunc != nil {
		return eh.EventData.PrintFunc(eh)
	}
	return fmt.Sprintf("%s:%d", eh.EventData.Name, eh.Val)
}

func popStacks(eh *pairing.EventHash) []*pairing.StackData {
	var stacks []*pairing.StackData
	eh.Stacks.Each(func(it hashindex.Item) {
		stacks = append(stacks, it.(*pairing.StackData))
	})
	for _, sd := range stacks {
		eh.Stacks.Delete(sd)
	}
	return stacks
}
