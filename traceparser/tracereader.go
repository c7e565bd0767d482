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

// tracereader contains methods for reading binary trace-cmd ring buffer
// data and turning it into trace.Records, one per CPU buffer.

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"unsafe"

	log "github.com/golang/glog"
	trace "github.com/google/traceprofile/tracedata"
)

// SetNativeEndian makes the TraceParser parse binary data in the native endian byte order
// of this machine. Currently only little endian is supported.
func (tp *TraceParser) SetNativeEndian() error {
	// From https://github.com/tensorflow/tensorflow/blob/fe5e1f39590f5847a384dcccb33956a5c2606d16/tensorflow/go/tensor.go#L488-L505
	var nativeEndian binary.ByteOrder

	buf := [2]byte{}
	*(*uint16)(unsafe.Pointer(&buf[0])) = uint16(0xABCD)

	switch buf {
	case [2]byte{0xCD, 0xAB}:
		nativeEndian = binary.LittleEndian
	case [2]byte{0xAB, 0xCD}:
		nativeEndian = binary.BigEndian
	default:
		return errors.New("could not determine native endianness")
	}

	tp.Endianness = nativeEndian
	return nil
}

// SetBigEndian makes the TraceParser parse binary data in the big endian byte order.
// Big endian is not currently supported.
func (tp *TraceParser) SetBigEndian() error {
	tp.Endianness = binary.BigEndian
	return nil
}

// SetLittleEndian makes the TraceParser parse binary data in the little endian byte order.
func (tp *TraceParser) SetLittleEndian() error {
	tp.Endianness = binary.LittleEndian
	return nil
}

// TraceReader is an interface for an io.Reader that also provides a Discard function.
// An example implementation of this interface is bufio.Reader.
type TraceReader interface {
	// Read reads up to len(p) bytes into p. It returns the number of bytes read
	// (0 <= n <= len(p)) and any error encountered.
	Read(p []byte) (n int, err error)
	// Discard skips the next n bytes, returning the number of bytes discarded.
	//
	// If Discard skips fewer than n bytes, it also returns an error.
	// If 0 <= n <= b.Buffered(), Discard is guaranteed to succeed without
	// reading from the underlying io.Reader.
	Discard(n int) (discarded int, err error)
}

// AddRecordCallback is the type of the callback used by TraceParser.ParseTrace.
// It is called once per decoded record; returning false or a non-nil error
// stops ParseTrace.
type AddRecordCallback = func(*trace.Record) (bool, error)

// ParseTrace reads every ring-buffer page available from reader -- the raw
// per-CPU trace data for CPU cpu -- and invokes callback with a trace.Record
// for every data event it decodes, in ascending timestamp order. Records are
// handed to the callback with a single outstanding reference; the callback
// must call trace.Free when done with one it did not trace.Ref.
//
// If an error is returned, the raw trace should be considered corrupted.
func (tp *TraceParser) ParseTrace(reader TraceReader, cpu int64, callback AddRecordCallback) error {
	if tp.Endianness == nil {
		if err := tp.SetNativeEndian(); err != nil {
			return err
		}
	}

	commitSize := uint64(8) // 64 bit
	for _, hFormat := range tp.HeaderFormat.Fields {
		if hFormat.Name == "commit" {
			commitSize = hFormat.Size
			break
		}
	}

	numPagesRead := uint64(0)

	for {
		pageHeader, err := tp.readPageHeader(reader, commitSize)
		if err != nil {
			if err != io.EOF {
				return addParseErrorContext(err.Error(), numPagesRead, 0, 0, -1, nil)
			}
			return nil
		}

		page, err := tp.readPageData(reader, pageHeader.Size())
		if err != nil {
			if err != io.EOF {
				return fmt.Errorf("failed to read page. caused by: %s", addParseErrorContext(err.Error(), numPagesRead, pageHeader.Timestamp(), 0, -1, nil))
			}
			return nil
		}

		timeStamp := pageHeader.Timestamp()

		numEventsReadOnPage := uint64(0)
		// readEvent() advances the page start pointer, so stop when there can't be anything
		// contained in what's left.
		for len(page) >= ringBufferEventHeaderSize {
			rbEvent, err := tp.readEvent(&page)
			if err != nil {
				return addParseErrorContext(err.Error(), numPagesRead, pageHeader.Timestamp(), numEventsReadOnPage, -1, nil)
			}

			rawTypeLen, err := rbEvent.TypeLen()
			if err != nil {
				return addParseErrorContext(err.Error(), numPagesRead, pageHeader.Timestamp(), numEventsReadOnPage, -1, &rbEvent)
			}
			typeLen := ringBufferType(rawTypeLen)

			// Handle non-data events.
			if typeLen == ringbufTypeTimeExtend {
				delta, err := rbEvent.TimestampOrExtendedTimeDelta()
				if err != nil {
					return addParseErrorContext(err.Error(), numPagesRead, pageHeader.Timestamp(), numEventsReadOnPage, -1, &rbEvent)
				}
				timeStamp += delta
				continue
			} else if typeLen == ringbufTypeTimeStamp {
				newTimestamp, err := rbEvent.TimestampOrExtendedTimeDelta()
				if err != nil {
					return addParseErrorContext(err.Error(), numPagesRead, pageHeader.Timestamp(), numEventsReadOnPage, -1, &rbEvent)
				}
				timeStamp = newTimestamp
				continue
			} else if typeLen >= ringbufTypePadding {
				continue
			}

			eventData, err := rbEvent.DataFromArray()
			if err != nil {
				return addParseErrorContext(err.Error(), numPagesRead, pageHeader.Timestamp(), numEventsReadOnPage, -1, &rbEvent)
			}

			// The format ID is the first two bytes in eventData.
			id := tp.Endianness.Uint16(eventData)

			if _, ok := tp.Formats[id]; !ok {
				err := addParseErrorContext(
					fmt.Sprintf("no format found with id: %d", id),
					numPagesRead, pageHeader.Timestamp(), numEventsReadOnPage, -1, &rbEvent)
				if tp.failOnUnknownEventFormat {
					return err
				}
				log.V(2).Infof("skipping record with unknown format id: %v", err)
				numEventsReadOnPage++
				continue
			}

			timeDelta, err := rbEvent.TimeDelta()
			if err != nil {
				return addParseErrorContext(err.Error(), numPagesRead, pageHeader.Timestamp(), numEventsReadOnPage, -1, &rbEvent)
			}
			timeStamp += uint64(timeDelta)

			// record.Data is everything after the format ID word: the common
			// fields followed by the event-specific fields, exactly the slice
			// FieldDescriptor offsets in EventFormat are relative to.
			data := make([]byte, len(eventData)-2)
			copy(data, eventData[2:])
			record := trace.NewRecord(timeStamp, cpu, id, data)

			if cont, err := callback(record); !cont || err != nil {
				return addParseErrorContext(
					fmt.Sprintf("callback stopped: %v", err),
					numPagesRead, pageHeader.Timestamp(), numEventsReadOnPage, 0, &rbEvent)
			}
			numEventsReadOnPage++
		}

		// If there weren't enough events to fill up this page, and we aren't done reading all the
		// pages, then skip to the next page.
		if err = tp.skipToNextPage(reader, tp.HeaderFormat, pageHeader.Size()); err != nil {
			if err != io.EOF {
				return err
			}
			return nil
		}
		numPagesRead++
	}
}

func (tp *TraceParser) readPageHeader(page io.Reader, commitSize uint64) (ringBufferPageHeader, error) {
	var pageHeader ringBufferPageHeader
	switch commitSize {
	case 4:
		pageHeader = &ringBufferPageHeader32{endianness: tp.Endianness}
	case 8:
		pageHeader = &ringBufferPageHeader64{endianness: tp.Endianness}
	default:
		return nil, fmt.Errorf("unknown commit size: %d bytes. Must be either 4 or 8 bytes", commitSize)
	}
	if err := binary.Read(page, tp.Endianness, pageHeader.Data()); err != nil {
		return nil, err
	}
	return pageHeader, nil
}

func (tp *TraceParser) readPageData(reader io.Reader, dataSize uint64) ([]byte, error) {
	pageBuf := make([]byte, dataSize)
	n, err := reader.Read(pageBuf)
	if n != len(pageBuf) {
		return nil, fmt.Errorf("not enough bytes left in reader. wanted to read %d, but read %d", len(pageBuf), n)
	}
	if err != nil {
		return nil, err
	}
	return pageBuf, nil
}

func (tp *TraceParser) readEvent(buf *[]byte) (ringBufferEvent, error) {
	if len(*buf) < ringBufferEventHeaderSize {
		return ringBufferEvent{}, fmt.Errorf("not enough bytes to contain ring buffer event header. got: %d, want: %d", len(*buf), ringBufferEventHeaderSize)
	}

	rbEvent := ringBufferEvent{Bitfield: tp.Endianness.Uint32((*buf)[:4]), endianness: tp.Endianness}
	*buf = (*buf)[4:]
	// The length of the data is stored in either the bitfield or in the first 4 bytes of the data.
	rbEvent.Array = (*buf)[:4]
	eventLength, err := rbEvent.Length()
	if err != nil {
		return ringBufferEvent{}, fmt.Errorf("unable to get length of event. caused by: %s", err)
	}

	if uint32(len(*buf)) < eventLength {
		return ringBufferEvent{}, fmt.Errorf("not enough bytes to contain event data. got: %d, want: %d", len(*buf), eventLength)
	}

	rbEvent.Array = (*buf)[:eventLength]
	*buf = (*buf)[eventLength:]

	return rbEvent, nil
}

func (tp *TraceParser) skipToNextPage(reader TraceReader, headerFormat Format, bytesRead uint64) error {
	numRemainingBytes := int(headerFormat.Fields[3].Size - bytesRead)
	if numRemainingBytes > 0 {
		discarded, err := reader.Discard(numRemainingBytes)
		if discarded != numRemainingBytes {
			return fmt.Errorf("not enough bytes left in reader. wanted to discard %d, but discarded %d", numRemainingBytes, discarded)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func addParseErrorContext(message string, pageIndex, timestamp, eventIndex uint64, fieldIndex int, event *ringBufferEvent) error {
	errStr := fmt.Sprintf(
		"%s\nPage: %d Page Timestamp: %d Event Index: %d ",
		message, pageIndex, timestamp, eventIndex)
	if fieldIndex > -1 {
		errStr += fmt.Sprintf("Field Index: %d", fieldIndex)
	}
	if event != nil {
		errStr += fmt.Sprintf("\nBitfield: %0x\nData:\n%s", event.Bitfield, hex.Dump(event.Array))
	}
	return errors.New(errStr)
}
