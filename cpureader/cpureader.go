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
// Package cpureader implements the trace.Reader the profiling core
// consumes: it walks a trace-cmd capture directory's per-CPU ring
// buffer files concurrently, decodes each into an ascending-timestamp
// slice of trace.Records, and drives the merged, globally-ascending
// stream the pairing engine expects.
package cpureader

import (
	"bufio"
	"fmt"
	"sort"

	log "github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	trace "github.com/google/traceprofile/tracedata"
	"github.com/google/traceprofile/traceparser"
)

// MultiReader implements trace.Reader over a fixed set of per-CPU record
// slices, each already in ascending timestamp order. It is not safe for
// concurrent use -- the pairing core that drives it is single-threaded by
// design.
type MultiReader struct {
	records  [][]*trace.Record
	pos      []int
	longSize int
	current  int64
}

// Load walks traceDir's per-CPU trace files (as laid out by
// traceparser.WalkPerCPUDir) and decodes each one concurrently using tp,
// returning a MultiReader ready to be driven by Drive. longSize is the
// captured machine's word size in bytes (4 or 8), used only for
// function-graph frame rendering downstream; it does not affect decoding.
func Load(traceDir string, tp traceparser.TraceParser, longSize int) (*MultiReader, error) {
	var cpus []int64
	var readers []*bufio.Reader
	err := traceparser.WalkPerCPUDir(traceDir, false, func(reader *bufio.Reader, cpu int64) error {
		cpus = append(cpus, cpu)
		readers = append(readers, reader)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate per-CPU trace files: %s", err)
	}

	records := make([][]*trace.Record, len(cpus))

	var g errgroup.Group
	for i := range cpus {
		i := i
		g.Go(func() error {
			cpu := cpus[i]
			var recs []*trace.Record
			err := tp.ParseTrace(readers[i], cpu, func(rec *trace.Record) (bool, error) {
				recs = append(recs, rec)
				return true, nil
			})
			if err != nil {
				return fmt.Errorf("failed to parse CPU %d trace: %s", cpu, err)
			}
			records[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Infof("decoded %d CPU buffers from %s", len(cpus), traceDir)

	return &MultiReader{
		records:  records,
		pos:      make([]int, len(records)),
		longSize: longSize,
		current:  -1,
	}, nil
}

// Peek returns the next undelivered Record on cpu without consuming it.
func (m *MultiReader) Peek(cpu int64) (*trace.Record, bool) {
	if int(cpu) < 0 || int(cpu) >= len(m.records) {
		return nil, false
	}
	recs := m.records[cpu]
	p := m.pos[cpu]
	if p >= len(recs) {
		return nil, false
	}
	return recs[p], true
}

// Read consumes and returns the next Record on cpu.
func (m *MultiReader) Read(cpu int64) (*trace.Record, bool) {
	rec, ok := m.Peek(cpu)
	if !ok {
		return nil, false
	}
	m.pos[cpu]++
	m.current = cpu
	return rec, true
}

// CurrentCPU returns the CPU of the last Record returned by Read.
func (m *MultiReader) CurrentCPU() int64 {
	return m.current
}

// LongSize returns the captured machine's word size in bytes.
func (m *MultiReader) LongSize() int {
	return m.longSize
}

// CPUCount returns the number of CPU buffers this reader multiplexes.
func (m *MultiReader) CPUCount() int {
	return len(m.records)
}

// exhausted reports whether every CPU stream has been fully consumed.
func (m *MultiReader) exhausted() bool {
	for cpu, recs := range m.records {
		if m.pos[cpu] < len(recs) {
			return false
		}
	}
	return true
}

// nextCPU returns the CPU whose next undelivered Record has the smallest
// timestamp across all CPUs, breaking ties by lowest CPU number -- the
// same tie-break trace-cmd's own merge uses, keeping the merged stream
// deterministic for identical input.
func (m *MultiReader) nextCPU() (int64, bool) {
	best := -1
	var bestTS uint64
	for cpu := range m.records {
		rec, ok := m.Peek(int64(cpu))
		if !ok {
			continue
		}
		if best == -1 || rec.Timestamp < bestTS {
			best = cpu
			bestTS = rec.Timestamp
		}
	}
	if best == -1 {
		return 0, false
	}
	return int64(best), true
}

// Drive feeds every Record across all CPU streams to fn, in ascending
// global timestamp order, stopping at the first error fn returns. This is
// the outer loop that turns per-CPU ascending streams into the single
// globally-ascending stream the pairing engine's invariants assume.
func Drive(m *MultiReader, fn func(rec *trace.Record, cpu int64) error) error {
	for !m.exhausted() {
		cpu, ok := m.nextCPU()
		if !ok {
			break
		}
		rec, ok := m.Read(cpu)
		if !ok {
			break
		}
		if err := fn(rec, cpu); err != nil {
			return err
		}
	}
	return nil
}

// sortRecords is a helper retained for callers that build a []*trace.Record
// out of band (e.g. tests) and need it in the ascending order ParseTrace
// would have produced from a well-formed trace.
func sortRecords(recs []*trace.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Timestamp < recs[j].Timestamp
	})
}
