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
package report

import (
	"sort"

	"github.com/google/traceprofile/pairing"
)

// StackSummary is one deduplicated caller chain's aggregate, the
// JSON-marshalable twin of renderStack's printed line.
type StackSummary struct {
	Count uint64 `json:"count"`
	Total uint64 `json:"totalNs"`
	Avg   uint64 `json:"avgNs"`
	Max   uint64 `json:"maxNs"`
	Min   uint64 `json:"minNs"`
}

// EventSummary is one task's aggregate for a single (event, search_val,
// val) triple, the JSON-marshalable twin of renderEvent's printed line.
type EventSummary struct {
	Label  string         `json:"label"`
	Count  uint64         `json:"count"`
	Total  uint64         `json:"totalNs"`
	Avg    uint64         `json:"avgNs"`
	Max    uint64         `json:"maxNs"`
	Min    uint64         `json:"minNs"`
	Stacks []StackSummary `json:"stacks,omitempty"`
}

// TaskSummary is one task's complete aggregate.
type TaskSummary struct {
	PID    uint64         `json:"pid"`
	Comm   string         `json:"comm,omitempty"`
	Events []EventSummary `json:"events"`
}

// Summary is a completed profiling run, ready to serve as JSON or hand
// to renderText for the CLI's plain-text report. Both forms are built
// from the same aggregation pass so they never disagree.
type Summary struct {
	Tasks []TaskSummary `json:"tasks"`
}

// Summarize drains h exactly as Reporter.Report does -- every task,
// event and stack is popped out of its hash index as it is visited --
// and returns the result as a tree suitable for JSON encoding. Calling
// Summarize a second time on the same handle returns an empty Summary.
func Summarize(h *pairing.HandleData, comm CommFunc) Summary {
	tasks := popTasks(h)
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].PID < tasks[j].PID })

	summary := Summary{Tasks: make([]TaskSummary, 0, len(tasks))}
	for _, task := range tasks {
		summary.Tasks = append(summary.Tasks, summarizeTask(task, comm))
	}
	return summary
}

func summarizeTask(task *pairing.TaskData, comm CommFunc) TaskSummary {
	freeTaskStarts(task)

	name := task.Comm
	if comm != nil {
		if c, ok := comm(task.PID); ok {
			name = c
		}
	}

	events := popEvents(task)
	sort.Slice(events, func(i, j int) bool { return compareEvents(events[i], events[j]) < 0 })

	ts := TaskSummary{PID: task.PID, Comm: name, Events: make([]EventSummary, 0, len(events))}
	for _, eh := range events {
		ts.Events = append(ts.Events, summarizeEvent(eh))
	}
	return ts
}

func summarizeEvent(eh *pairing.EventHash) EventSummary {
	avg := uint64(0)
	if eh.Count > 0 {
		avg = eh.TimeTotal / eh.Count
	}
	es := EventSummary{
		Label: eventLabel(eh),
		Count: eh.Count,
		Total: eh.TimeTotal,
		Avg:   avg,
		Max:   eh.TimeMax,
		Min:   eh.TimeMin,
	}

	stacks := popStacks(eh)
	for _, sd := range stacks {
		es.Stacks = append(es.Stacks, summarizeStack(sd))
	}
	return es
}

func summarizeStack(sd *pairing.StackData) StackSummary {
	avg := uint64(0)
	if sd.Count > 0 {
		avg = sd.Time / sd.Count
	}
	return StackSummary{
		Count: sd.Count,
		Total: sd.Time,
		Avg:   avg,
		Max:   sd.TimeMax,
		Min:   sd.TimeMin,
	}
}
