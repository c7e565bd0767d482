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
package traceparser

import (
	"fmt"
	"io/ioutil"
	"path/filepath"
)

// LoadFromDir reads a trace-cmd report directory's format files --
// events/header_page and every events/<system>/<event>/format -- and
// parses them into a TraceParser. traceDir's per-CPU data files
// (cpu\d+) are left for WalkPerCPUDir; this only reads the format
// metadata New needs.
func LoadFromDir(traceDir string) (TraceParser, error) {
	headerPath := filepath.Join(traceDir, "events", "header_page")
	header, err := ioutil.ReadFile(headerPath)
	if err != nil {
		return TraceParser{}, fmt.Errorf("failed to read %s: %s", headerPath, err)
	}

	matches, err := filepath.Glob(filepath.Join(traceDir, "events", "*", "*", "format"))
	if err != nil {
		return TraceParser{}, fmt.Errorf("failed to enumerate event format files: %s", err)
	}
	if len(matches) == 0 {
		return TraceParser{}, fmt.Errorf("no event format files found under %s", traceDir)
	}

	var formats []string
	for _, m := range matches {
		content, err := ioutil.ReadFile(m)
		if err != nil {
			return TraceParser{}, fmt.Errorf("failed to read %s: %s", m, err)
		}
		formats = append(formats, string(content))
	}

	return New(string(header), formats)
}
