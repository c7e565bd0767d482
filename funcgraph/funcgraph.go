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
// Package funcgraph renders funcgraph_entry/funcgraph_exit and
// kernel_stack records into trace-cmd's function-graph text format, the
// way the reference implementation's per-event print handlers do.
package funcgraph

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/google/traceprofile/registry"
	"github.com/google/traceprofile/symbols"
	trace "github.com/google/traceprofile/tracedata"
	"github.com/google/traceprofile/traceparser"
)

const traceGraphIndent = 2

// Renderer holds the field descriptors and collaborators needed to print
// one trace's function-graph records. It is stateless between calls:
// all addressing needed to detect a leaf comes from peeking the reader
// passed to RenderEntry.
type Renderer struct {
	sym      symbols.Source
	longSize int

	exitID uint16

	entryCommonPID *traceparser.FormatField
	entryFunc      *traceparser.FormatField
	entryDepth     *traceparser.FormatField

	exitCommonPID *traceparser.FormatField
	exitFunc      *traceparser.FormatField
	exitDepth     *traceparser.FormatField
	exitRettime   *traceparser.FormatField
	exitCalltime  *traceparser.FormatField

	stackCaller *traceparser.FormatField
}

// NewRenderer resolves every field descriptor the renderer needs against
// reg. A field named here but absent from its event is a structural
// error -- the renderer has nothing sensible to fall back to for a
// duration or function address it cannot read.
func NewRenderer(reg *registry.Registry, sym symbols.Source, longSize int) (*Renderer, error) {
	entry := reg.FindEvent("ftrace", "funcgraph_entry")
	exit := reg.FindEvent("ftrace", "funcgraph_exit")
	if entry == nil || exit == nil {
		return nil, status.Errorf(codes.NotFound, "funcgraph_entry/funcgraph_exit not present in this trace")
	}

	r := &Renderer{sym: sym, longSize: longSize, exitID: exit.ID}

	fields := []struct {
		ef   *traceparser.EventFormat
		name string
		dst  **traceparser.FormatField
	}{
		{entry, "common_pid", &r.entryCommonPID},
		{entry, "func", &r.entryFunc},
		{entry, "depth", &r.entryDepth},
		{exit, "common_pid", &r.exitCommonPID},
		{exit, "func", &r.exitFunc},
		{exit, "depth", &r.exitDepth},
		{exit, "rettime", &r.exitRettime},
		{exit, "calltime", &r.exitCalltime},
	}
	for _, f := range fields {
		field := reg.FindField(f.ef, f.name)
		if field == nil {
			return nil, status.Errorf(codes.Internal, "event %s does not have field %s", f.ef.Name, f.name)
		}
		*f.dst = field
	}

	if stack := reg.FindEvent("ftrace", "kernel_stack"); stack != nil {
		r.stackCaller = reg.FindField(stack, "caller")
	}

	return r, nil
}

func readField(field *traceparser.FormatField, data []byte) (uint64, bool) {
	v, err := registry.ReadNumberField(field, data, binary.LittleEndian)
	return v, err == nil
}

// RenderEntry prints one funcgraph_entry record. If the next record on
// the same CPU (peeked, not consumed, unless it turns out to match) is
// the matching funcgraph_exit for this call, the pair renders as a
// single leaf line and the exit record is consumed from reader; the
// caller must not also render it. Otherwise this renders as a nested
// open and the exit is left for a later RenderExit call.
func (r *Renderer) RenderEntry(w io.Writer, reader trace.Reader, cpu int64, record *trace.Record) error {
	pid, ok := readField(r.entryCommonPID, record.Data)
	if !ok {
		return writeBang(w)
	}
	fn, ok := readField(r.entryFunc, record.Data)
	if !ok {
		return writeBang(w)
	}

	if next, ok := reader.Peek(cpu); ok {
		if ret, isLeaf := r.matchingReturn(next, pid, fn); isLeaf {
			reader.Read(cpu)
			return r.renderLeaf(w, record, ret)
		}
	}
	return r.renderNested(w, record)
}

// matchingReturn reports whether rec is the funcgraph_exit closing the
// call identified by (pid, fn): same event, same pid, same function.
func (r *Renderer) matchingReturn(rec *trace.Record, pid, fn uint64) (*trace.Record, bool) {
	if rec.FormatID != r.exitID {
		return nil, false
	}
	retPID, ok := readField(r.exitCommonPID, rec.Data)
	if !ok || retPID != pid {
		return nil, false
	}
	retFunc, ok := readField(r.exitFunc, rec.Data)
	if !ok || retFunc != fn {
		return nil, false
	}
	return rec, true
}

func (r *Renderer) renderLeaf(w io.Writer, entry, ret *trace.Record) error {
	rettime, ok := readField(r.exitRettime, ret.Data)
	if !ok {
		return writeBang(w)
	}
	calltime, ok := readField(r.exitCalltime, ret.Data)
	if !ok {
		return writeBang(w)
	}
	duration := rettime - calltime

	if err := writeOverhead(w, duration); err != nil {
		return err
	}
	if err := writeDuration(w, duration); err != nil {
		return err
	}

	depth, ok := readField(r.entryDepth, entry.Data)
	if !ok {
		return writeBang(w)
	}
	if err := writeIndent(w, depth); err != nil {
		return err
	}

	fn, ok := readField(r.entryFunc, entry.Data)
	if !ok {
		return writeBang(w)
	}
	return r.writeFuncCall(w, fn, "();")
}

func (r *Renderer) renderNested(w io.Writer, entry *trace.Record) error {
	if err := writeOverhead(w, ^uint64(0)); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "           |  "); err != nil {
		return err
	}

	depth, ok := readField(r.entryDepth, entry.Data)
	if !ok {
		return writeBang(w)
	}
	if err := writeIndent(w, depth); err != nil {
		return err
	}

	fn, ok := readField(r.entryFunc, entry.Data)
	if !ok {
		return writeBang(w)
	}
	return r.writeFuncCall(w, fn, "() {")
}

// RenderExit prints a funcgraph_exit record that was not consumed as
// part of a leaf pair (i.e. the matching entry was rendered nested).
func (r *Renderer) RenderExit(w io.Writer, record *trace.Record) error {
	rettime, ok := readField(r.exitRettime, record.Data)
	if !ok {
		return writeBang(w)
	}
	calltime, ok := readField(r.exitCalltime, record.Data)
	if !ok {
		return writeBang(w)
	}
	duration := rettime - calltime

	if err := writeOverhead(w, duration); err != nil {
		return err
	}
	if err := writeDuration(w, duration); err != nil {
		return err
	}

	depth, ok := readField(r.exitDepth, record.Data)
	if !ok {
		return writeBang(w)
	}
	if err := writeIndent(w, depth); err != nil {
		return err
	}
	_, err := io.WriteString(w, "}")
	return err
}

// RenderStack prints a kernel_stack record: one address per line until a
// host-word-width all-ones terminator, or a word whose low 32 bits are
// all ones, is seen.
func (r *Renderer) RenderStack(w io.Writer, record *trace.Record) error {
	if r.stackCaller == nil {
		return writeBang(w)
	}
	if _, err := io.WriteString(w, "<stack trace>\n"); err != nil {
		return err
	}

	off := int(r.stackCaller.Offset) - 2
	size := int(r.stackCaller.Size)
	data := record.Data
	if off < 0 || off+size > len(data) {
		return writeBang(w)
	}
	caller := data[off : off+size]

	for i := 0; i+r.longSize <= len(caller); i += r.longSize {
		var addr uint64
		word := caller[i : i+r.longSize]
		if r.longSize == 8 {
			addr = binary.LittleEndian.Uint64(word)
		} else {
			addr = uint64(binary.LittleEndian.Uint32(word))
		}

		if (r.longSize == 8 && addr == ^uint64(0)) || int32(uint32(addr)) == -1 {
			break
		}

		if err := r.writeStackFrame(w, addr); err != nil {
			return err
		}
	}
	return nil
}

func (r *Renderer) writeStackFrame(w io.Writer, addr uint64) error {
	if r.sym != nil {
		if name, ok := r.sym.FindFunction(addr); ok {
			_, err := fmt.Fprintf(w, "=> %s (%x)\n", name, addr)
			return err
		}
	}
	_, err := fmt.Fprintf(w, "=> %x\n", addr)
	return err
}

func (r *Renderer) writeFuncCall(w io.Writer, addr uint64, suffix string) error {
	if r.sym != nil {
		if name, ok := r.sym.FindFunction(addr); ok {
			_, err := fmt.Fprintf(w, "%s%s", name, suffix)
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%x%s", addr, suffix)
	return err
}

func writeIndent(w io.Writer, depth uint64) error {
	n := int(depth) * traceGraphIndent
	for i := 0; i < n; i++ {
		if _, err := io.WriteString(w, " "); err != nil {
			return err
		}
	}
	return nil
}

func writeBang(w io.Writer) error {
	_, err := io.WriteString(w, "!")
	return err
}

// writeOverhead prints the overhead glyph for a duration in nanoseconds:
// two spaces for the duration sentinel (not a nested pair) or a duration
// of at most 10ms, "+ " past 10ms, "! " past 100ms.
func writeOverhead(w io.Writer, duration uint64) error {
	var glyph string
	switch {
	case duration == ^uint64(0):
		glyph = "  "
	case duration > 100000000:
		glyph = "! "
	case duration > 10000000:
		glyph = "+ "
	default:
		glyph = "  "
	}
	_, err := io.WriteString(w, glyph)
	return err
}

// writeDuration prints a duration in nanoseconds as the integer
// microsecond count, optionally followed by a fractional-nanosecond
// suffix if the integer alone printed under 7 characters, space-padded
// to a 7-character column, then " us |  ".
func writeDuration(w io.Writer, duration uint64) error {
	usecs := duration / 1000
	nsecRem := duration % 1000

	digits := fmt.Sprintf("%d", usecs)
	width := len(digits)
	if width < 7 {
		frac := fmt.Sprintf(".%03d", nsecRem)
		if width+len(frac) > 7 {
			frac = frac[:7-width]
		}
		digits += frac
		width += len(frac)
	}

	if _, err := io.WriteString(w, digits); err != nil {
		return err
	}
	for i := width; i < 7; i++ {
		if _, err := io.WriteString(w, " "); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, " us |  ")
	return err
}
