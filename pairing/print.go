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
	"fmt"

	"github.com/google/traceprofile/symbols"
)

// schedSwitchStateLetters indexes the bit position of a sched_switch
// prev_state value to its printable letter. Bit 0 (the first set bit,
// at index 1) prints the letter at that index; a zero val is "R"
// (running/runnable), which sets no bit at all.
const schedSwitchStateLetters = "RSDTtXZxKWP"

// schedSwitchPrint renders a sched_switch EventHash's label as a
// human-readable task-state string.
func schedSwitchPrint(eh *EventHash) string {
	if eh.Val == 0 {
		return "R"
	}
	var letters []byte
	for bit := 0; bit < len(schedSwitchStateLetters)-1; bit++ {
		if eh.Val&(1<<uint(bit)) != 0 {
			letters = append(letters, schedSwitchStateLetters[bit+1])
		}
	}
	if len(letters) == 0 {
		return "R"
	}
	return string(letters)
}

// funcgraphPrint returns a PrintFunc that renders a funcgraph EventHash's
// label as the called function's symbol name, falling back to its raw
// address when sym cannot resolve it.
func funcgraphPrint(sym symbols.Source) func(eh *EventHash) string {
	return func(eh *EventHash) string {
		if sym != nil {
			if name, ok := sym.FindFunction(eh.Val); ok {
				return fmt.Sprintf("func: %s()", name)
			}
		}
		return fmt.Sprintf("func: 0x%x", eh.Val)
	}
}
