// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"encoding/binary"
	"fmt"
)

// readFormatEntry is one member's slot in a PERF_FORMAT_GROUP read, as
// decoded by decodeReadFormat.
type readFormatEntry struct {
	Value uint64
	ID    uint64 // valid only if the format included PERF_FORMAT_ID
	Lost  uint64 // valid only if the format included PERF_FORMAT_LOST
}

// decodedReadFormat is the fully parsed PERF_FORMAT_GROUP payload shared
// by Counter Group's grouped read and the Sample Decoder's
// read_format_block field.
type decodedReadFormat struct {
	TimeEnabled uint64
	TimeRunning uint64
	Entries     []readFormatEntry
}

// readFormatSize returns the byte length of a PERF_FORMAT_GROUP payload
// with n members, given whether TIME_ENABLED/TIME_RUNNING/ID/LOST were
// requested in the read_format.
func readFormatSize(n int, timeEnabled, timeRunning, id, lost bool) int {
	size := 8 // nr
	if timeEnabled {
		size += 8
	}
	if timeRunning {
		size += 8
	}
	perEntry := 8
	if id {
		perEntry += 8
	}
	if lost {
		perEntry += 8
	}
	return size + n*perEntry
}

// decodeReadFormat parses a PERF_FORMAT_GROUP buffer as returned by a
// leader's read() or appended to a sample's read_format_block field. The
// caller states which optional sub-fields are present, matching the
// read_format bits the group was opened with.
func decodeReadFormat(buf []byte, timeEnabled, timeRunning, id, lost bool) (decodedReadFormat, int, error) {
	var out decodedReadFormat
	off := 0
	if len(buf) < 8 {
		return out, 0, fmt.Errorf("%w: read format header", ErrDecodeShort)
	}
	nr := binary.NativeEndian.Uint64(buf[off:])
	off += 8

	need := readFormatSize(int(nr), timeEnabled, timeRunning, id, lost)
	if len(buf) < need {
		return out, 0, fmt.Errorf("%w: read format body", ErrDecodeShort)
	}

	if timeEnabled {
		out.TimeEnabled = binary.NativeEndian.Uint64(buf[off:])
		off += 8
	}
	if timeRunning {
		out.TimeRunning = binary.NativeEndian.Uint64(buf[off:])
		off += 8
	}
	out.Entries = make([]readFormatEntry, nr)
	for i := range out.Entries {
		out.Entries[i].Value = binary.NativeEndian.Uint64(buf[off:])
		off += 8
		if id {
			out.Entries[i].ID = binary.NativeEndian.Uint64(buf[off:])
			off += 8
		}
		if lost {
			out.Entries[i].Lost = binary.NativeEndian.Uint64(buf[off:])
			off += 8
		}
	}
	return out, off, nil
}

// findByID returns the entry in a decodedReadFormat whose ID matches id,
// or false if the kernel lost it (e.g., the group was rescheduled
// between reads and didn't include every member).
func (d decodedReadFormat) findByID(id uint64) (readFormatEntry, bool) {
	for _, e := range d.Entries {
		if e.ID == id {
			return e, true
		}
	}
	return readFormatEntry{}, false
}
