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
// Command traceprofile runs the pairing engine over a trace-cmd capture
// directory and prints the resulting per-task report, optionally
// alongside a function-graph text rendering of the same trace.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"

	log "github.com/golang/glog"

	"github.com/google/traceprofile/cpureader"
	"github.com/google/traceprofile/funcgraph"
	"github.com/google/traceprofile/pairing"
	"github.com/google/traceprofile/registry"
	"github.com/google/traceprofile/report"
	"github.com/google/traceprofile/symbols"
	trace "github.com/google/traceprofile/tracedata"
	"github.com/google/traceprofile/tracedata/schedevent"
	"github.com/google/traceprofile/traceparser"
)

var (
	traceDir     = flag.String("trace_dir", "", "Trace-cmd capture directory to profile.")
	outputPath   = flag.String("output", "", "Where to write the text report; empty means stdout.")
	symbolFile   = flag.String("symbol_file", "", "Optional /proc/kallsyms-style symbol table for resolving function addresses.")
	funcgraphOut = flag.String("funcgraph_output", "", "If set, also render a function-graph text trace to this path.")
	longSize     = flag.Int("long_size", 8, "Captured machine's word size in bytes (4 or 8).")
	dumpEvents   = flag.String("dump_events", "", "If set, also write a human-readable decode of every event with a known format to this path.")
)

func main() {
	flag.Parse()
	if *traceDir == "" {
		log.Exit("-trace_dir is required")
	}

	if err := run(); err != nil {
		log.Exit(err)
	}
}

func run() error {
	tp, err := traceparser.LoadFromDir(*traceDir)
	if err != nil {
		return err
	}

	reg, err := registry.New(tp)
	if err != nil {
		return err
	}

	sym, err := loadSymbols(*symbolFile)
	if err != nil {
		return err
	}

	reader, err := cpureader.Load(*traceDir, tp, *longSize)
	if err != nil {
		return err
	}

	handle, err := pairing.NewHandle(reg, sym, reader.CPUCount())
	if err != nil {
		return err
	}

	out, closeOut, err := openOutput(*outputPath)
	if err != nil {
		return err
	}
	defer closeOut()

	var renderer *funcgraph.Renderer
	var graphOut *os.File
	if *funcgraphOut != "" {
		renderer, err = funcgraph.NewRenderer(reg, sym, *longSize)
		if err != nil {
			return err
		}
		graphOut, err = os.Create(*funcgraphOut)
		if err != nil {
			return err
		}
		defer graphOut.Close()
	}

	entryID, exitID, stackID := funcgraphEventIDs(reg)

	var dumpOut *os.File
	if *dumpEvents != "" {
		dumpOut, err = os.Create(*dumpEvents)
		if err != nil {
			return err
		}
		defer dumpOut.Close()
	}

	if err := cpureader.Drive(reader, func(rec *trace.Record, cpu int64) error {
		if renderer != nil {
			switch rec.FormatID {
			case entryID:
				if err := renderer.RenderEntry(graphOut, reader, cpu, rec); err != nil {
					return err
				}
			case exitID:
				if err := renderer.RenderExit(graphOut, rec); err != nil {
					return err
				}
			case stackID:
				if err := renderer.RenderStack(graphOut, rec); err != nil {
					return err
				}
			}
		}
		if dumpOut != nil {
			dumpRecord(dumpOut, tp, rec)
		}
		return handle.HandleRecord(rec)
	}); err != nil {
		return err
	}

	return report.New(out, nil).Report(handle)
}

func loadSymbols(path string) (symbols.Source, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return symbols.ParseKallsyms(f)
}

func openOutput(path string) (*os.File, func() error, error) {
	if path == "" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

// dumpRecord decodes rec and writes its human-readable form to w, for the
// -dump_events debug path. An unrecognized format ID or a malformed
// field is a data error here, not a structural one, so it is logged and
// skipped rather than aborting the run.
func dumpRecord(w *os.File, tp traceparser.TraceParser, rec *trace.Record) {
	ef, ok := tp.Formats[rec.FormatID]
	if !ok {
		return
	}
	ev, err := traceparser.DecodeEvent(rec, ef, binary.LittleEndian)
	if err != nil {
		log.Warningf("failed to decode record for dump: %s", err)
		return
	}
	fmt.Fprintln(w, schedevent.String(ev))
}

// funcgraphEventIDs resolves the format IDs of funcgraph_entry,
// funcgraph_exit and kernel_stack so the Drive loop's dispatch switch
// can route records to the renderer without a second registry lookup
// per record. A zero ID never matches a real record's FormatID, so an
// absent event simply never routes here.
func funcgraphEventIDs(reg *registry.Registry) (entry, exit, stack uint16) {
	if ef := reg.FindEvent("ftrace", "funcgraph_entry"); ef != nil {
		entry = ef.ID
	}
	if ef := reg.FindEvent("ftrace", "funcgraph_exit"); ef != nil {
		exit = ef.ID
	}
	if ef := reg.FindEvent("ftrace", "kernel_stack"); ef != nil {
		stack = ef.ID
	}
	return entry, exit, stack
}
