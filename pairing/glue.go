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
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/google/traceprofile/hashindex"
	"github.com/google/traceprofile/registry"
	"github.com/google/traceprofile/symbols"
)

// eventSpec names one event this session tracks, by (system, name) and
// its classification.
type eventSpec struct {
	system string
	name   string
	class  registry.Class
}

var trackedEvents = []eventSpec{
	{"irq", "irq_handler_entry", registry.Irq},
	{"irq", "irq_handler_exit", registry.Irq},
	{"irq", "softirq_entry", registry.Softirq},
	{"irq", "softirq_exit", registry.Softirq},
	{"irq", "softirq_raise", registry.SoftirqRaise},
	{"sched", "sched_wakeup", registry.Wakeup},
	{"sched", "sched_switch", registry.SchedSwitch},
	{"ftrace", "funcgraph_entry", registry.Func},
	{"ftrace", "funcgraph_exit", registry.Func},
	{"raw_syscalls", "sys_enter", registry.Syscall},
	{"raw_syscalls", "sys_exit", registry.Syscall},
	{"ftrace", "kernel_stack", registry.Stack},
}

// NewHandle builds a HandleData for a session against reg, wiring every
// event pair the component design names. Events absent from the trace's
// format set are silently skipped, along with any pair referencing them;
// a field named by the wiring table but absent from an event that *was*
// found is a structural error and aborts construction, since every
// downstream computation over that event depends on the field existing.
func NewHandle(reg *registry.Registry, sym symbols.Source, cpuCount int) (*HandleData, error) {
	h := &HandleData{
		registry:    reg,
		events:      make(map[uint16]*EventData),
		Tasks:       hashindex.New(taskBuckets),
		cpuCount:    cpuCount,
		specialized: make(map[uint16]specializedHandler),
	}

	byName := make(map[string]*EventData)
	for _, spec := range trackedEvents {
		ef := reg.FindEvent(spec.system, spec.name)
		if ef == nil {
			continue
		}
		if h.CommonPIDField == nil {
			h.CommonPIDField = reg.FindCommonField(ef, "common_pid")
			if h.CommonPIDField == nil {
				return nil, status.Errorf(codes.Internal, "event %s has no common_pid field", ef.Name)
			}
		}
		ed := &EventData{
			Name:  spec.name,
			ID:    ef.ID,
			Class: spec.class,
		}
		h.events[ef.ID] = ed
		byName[spec.name] = ed
	}

	if stack, ok := byName["kernel_stack"]; ok {
		field := reg.FindField(reg.FindEvent("ftrace", "kernel_stack"), "caller")
		if field == nil {
			return nil, status.Errorf(codes.Internal, "event %s does not have field caller", stack.Name)
		}
		stack.DataField = field
		h.specialized[stack.ID] = handleStackTrace
	}

	schedSwitch, hasSwitch := byName["sched_switch"]
	if hasSwitch {
		ef := reg.FindEvent("sched", "sched_switch")
		prevStateField := reg.FindField(ef, "prev_state")
		if prevStateField == nil {
			return nil, status.Errorf(codes.Internal, "event %s does not have field prev_state", schedSwitch.Name)
		}
		schedSwitch.DataField = prevStateField
		schedSwitch.PrevCommField = reg.FindField(ef, "prev_comm")
		schedSwitch.NextCommField = reg.FindField(ef, "next_comm")
		schedSwitch.PrintFunc = schedSwitchPrint
		h.specialized[schedSwitch.ID] = handleSchedSwitch
	}

	if schedWakeup, ok := byName["sched_wakeup"]; ok && hasSwitch {
		if err := mate(reg, schedSwitch, "prev_pid", "next_pid", schedWakeup, "pid", true); err != nil {
			return nil, err
		}
		if err := mate(reg, schedWakeup, "pid", "pid", schedSwitch, "prev_pid", true); err != nil {
			return nil, err
		}
		schedWakeup.DataField = reg.FindField(reg.FindEvent("sched", "sched_wakeup"), "success")
		h.specialized[schedWakeup.ID] = handleSchedWakeup
		h.WakeupSuccessField = schedWakeup.DataField
	}

	if entry, ok := byName["irq_handler_entry"]; ok {
		if exit, ok := byName["irq_handler_exit"]; ok {
			if err := mate(reg, entry, "", "irq", exit, "irq", false); err != nil {
				return nil, err
			}
		}
	}
	if entry, ok := byName["softirq_entry"]; ok {
		if exit, ok := byName["softirq_exit"]; ok {
			if err := mate(reg, entry, "", "vec", exit, "vec", false); err != nil {
				return nil, err
			}
		}
		if raise, ok := byName["softirq_raise"]; ok {
			if err := mate(reg, raise, "", "vec", entry, "vec", false); err != nil {
				return nil, err
			}
		}
	}
	if entry, ok := byName["funcgraph_entry"]; ok {
		if exit, ok := byName["funcgraph_exit"]; ok {
			if err := mate(reg, entry, "", "func", exit, "func", true); err != nil {
				return nil, err
			}
			entry.PrintFunc = funcgraphPrint(sym)
		}
	}
	if enter, ok := byName["sys_enter"]; ok {
		if exit, ok := byName["sys_exit"]; ok {
			if err := mate(reg, enter, "", "id", exit, "id", true); err != nil {
				return nil, err
			}
		}
	}

	return h, nil
}

// mate wires start as the open-side and end as the close-side of a pair,
// resolving every named field against their respective events. A named
// field absent from the event it should belong to is a structural error:
// the caller asked to match on a field name that does not exist, which
// can only be a configuration bug, not a malformed trace.
func mate(reg *registry.Registry, start *EventData, pidField, endMatchField string, end *EventData, startMatchField string, migrate bool) error {
	start.End = end
	end.Start = start

	startEF := reg.FindEvent("", start.Name)
	endEF := reg.FindEvent("", end.Name)

	if pidField != "" {
		f := reg.FindField(startEF, pidField)
		if f == nil {
			return status.Errorf(codes.Internal, "event %s does not have field %s", start.Name, pidField)
		}
		start.PIDField = f
	}

	f := reg.FindField(startEF, endMatchField)
	if f == nil {
		return status.Errorf(codes.Internal, "event %s does not have field %s", start.Name, endMatchField)
	}
	start.EndMatchField = f

	f = reg.FindField(endEF, startMatchField)
	if f == nil {
		return status.Errorf(codes.Internal, "event %s does not have field %s", end.Name, startMatchField)
	}
	end.StartMatchField = f

	start.Migrate = migrate
	return nil
}
