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
// Package schedevent provides human-readable formatting for the scheduling
// and interrupt trace.Events the profiling core pairs.
package schedevent

import (
	"fmt"
	"strconv"

	trace "github.com/google/traceprofile/tracedata"
)

// String returns a human-readable formatted event if ev is one of the
// event types the profiling core understands, and the raw decoded event
// otherwise.
func String(ev *trace.Event) string {
	prefix := fmt.Sprintf("[%3d] %-22s %-10s ", ev.CPU, strconv.FormatUint(ev.Timestamp, 10), ev.Name)
	switch ev.Name {
	case "sched_switch":
		return fmt.Sprintf("%s PID %d ('%s', state %d) to PID %d ('%s') on CPU %3d",
			prefix,
			ev.NumberProperties["prev_pid"], ev.TextProperties["prev_comm"], ev.NumberProperties["prev_state"],
			ev.NumberProperties["next_pid"], ev.TextProperties["next_comm"],
			ev.CPU)
	case "sched_wakeup", "sched_wakeup_new":
		return fmt.Sprintf("%s PID %d ('%s') on CPU %3d",
			prefix,
			ev.NumberProperties["pid"], ev.TextProperties["comm"],
			ev.CPU)
	case "irq_handler_entry", "irq_handler_exit":
		return fmt.Sprintf("%s irq=%d", prefix, ev.NumberProperties["irq"])
	case "softirq_entry", "softirq_exit", "softirq_raise":
		return fmt.Sprintf("%s vec=%d", prefix, ev.NumberProperties["vec"])
	case "sys_enter", "sys_exit":
		return fmt.Sprintf("%s id=%d", prefix, ev.NumberProperties["id"])
	default:
		return fmt.Sprintf("NON-SCHED %s", ev.String())
	}
}
