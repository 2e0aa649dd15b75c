// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// appendU64/appendU32 build a synthetic sample payload in the kernel's
// fixed field order, mirroring decodeSampleFields. There is no
// production encoder (the kernel is always the producer); this exists
// purely to exercise the decoder against known-good bytes.
func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func TestDecodeSampleFieldsRoundTrip(t *testing.T) {
	fields := NewSampleFields().
		SampleID().
		InstructionPointer().
		ThreadID().
		Time().
		LogicalMemoryAddress().
		ID().
		StreamID().
		CPU().
		Period().
		Callchain().
		Raw().
		Branches().
		DataSource().
		Weight().
		Transaction().
		PhysicalMemoryAddress().
		CGroupID().
		DataPageSize().
		CodePageSize()

	var buf []byte
	buf = appendU64(buf, 0xaaaa)               // sample_id
	buf = appendU64(buf, 0x4010)                // ip
	buf = appendU32(buf, 111)                   // pid
	buf = appendU32(buf, 222)                   // tid
	buf = appendU64(buf, 123456789)             // time
	buf = appendU64(buf, 0x7f0000001000)        // addr
	buf = appendU64(buf, 7)                     // id
	buf = appendU64(buf, 8)                     // stream_id
	buf = appendU32(buf, 3)                     // cpu
	buf = appendU32(buf, 0)                     // res
	buf = appendU64(buf, 4000)                  // period
	buf = appendU64(buf, 2)                     // callchain nr
	buf = appendU64(buf, 0x1000)
	buf = appendU64(buf, 0x2000)
	buf = appendU32(buf, 4)                     // raw size
	buf = append(buf, []byte{1, 2, 3, 4}...)    // raw bytes (already 8-aligned with header+size)
	buf = appendU64(buf, 1)                     // branch_stack nr
	buf = appendU64(buf, 0x3000)                // branch from
	buf = appendU64(buf, 0x3100)                // branch to
	buf = appendU64(buf, 0x3)                   // mispred|predicted packed
	buf = appendU64(buf, 0x5678)                // data_src
	buf = appendU64(buf, 99)                    // weight (non-struct)
	buf = appendU64(buf, 0x200000001)           // transaction (abort code 2, elision bit)
	buf = appendU64(buf, 0xdead)                // phys_addr
	buf = appendU64(buf, 55)                    // cgroup_id
	buf = appendU64(buf, 4096)                  // data_page_size
	buf = appendU64(buf, 4096)                  // code_page_size

	s, err := decodeSampleFields(buf, fields, SampleRegisters{})
	require.NoError(t, err)

	require.Equal(t, uint64(0xaaaa), *s.SampleID)
	require.Equal(t, uint64(0x4010), *s.InstructionPointer)
	require.Equal(t, uint32(111), *s.PID)
	require.Equal(t, uint32(222), *s.TID)
	require.Equal(t, uint64(123456789), *s.Time)
	require.Equal(t, uint64(0x7f0000001000), *s.Addr)
	require.Equal(t, uint64(7), *s.ID)
	require.Equal(t, uint64(8), *s.StreamID)
	require.Equal(t, uint32(3), *s.CPU)
	require.Equal(t, uint64(4000), *s.Period)
	require.Equal(t, []uint64{0x1000, 0x2000}, s.Callchain)
	require.Equal(t, []byte{1, 2, 3, 4}, s.Raw)
	require.Len(t, s.BranchStack, 1)
	require.Equal(t, uint64(0x3000), s.BranchStack[0].From)
	require.Equal(t, uint64(0x3100), s.BranchStack[0].To)
	require.True(t, s.BranchStack[0].Mispredicted)
	require.True(t, s.BranchStack[0].Predicted)
	require.Equal(t, DataSource(0x5678), *s.DataSrc)
	require.Equal(t, uint32(99), s.Weight.Latency)
	require.Equal(t, uint32(2), s.Transaction.AbortCode())
	require.True(t, s.Transaction.Elision())
	require.Equal(t, uint64(0xdead), *s.PhysAddr)
	require.Equal(t, uint64(55), *s.CGroupID)
	require.Equal(t, uint64(4096), *s.DataPageSize)
	require.Equal(t, uint64(4096), *s.CodePageSize)

	// Fields not in the mask must stay nil.
	require.Nil(t, s.CounterValues)
	require.Nil(t, s.UserRegs)
}

func TestDecodeSampleFieldsOnlySelectedFieldsPopulated(t *testing.T) {
	fields := NewSampleFields().Time().Period()

	var buf []byte
	buf = appendU64(buf, 42) // time
	buf = appendU64(buf, 7)  // period

	s, err := decodeSampleFields(buf, fields, SampleRegisters{})
	require.NoError(t, err)

	require.Equal(t, uint64(42), *s.Time)
	require.Equal(t, uint64(7), *s.Period)
	require.Nil(t, s.InstructionPointer)
	require.Nil(t, s.Addr)
	require.Nil(t, s.PID)
	require.Nil(t, s.Callchain)
}

func TestDecodeSampleFieldsShortBufferIsDecodeShort(t *testing.T) {
	fields := NewSampleFields().Time()
	_, err := decodeSampleFields([]byte{1, 2, 3}, fields, SampleRegisters{})
	require.ErrorIs(t, err, ErrDecodeShort)
}

func TestDecodeRecordLost(t *testing.T) {
	hdr := recordHeader{Type: unix.PERF_RECORD_LOST, Size: 16}
	var payload []byte
	payload = appendU64(payload, 0) // id
	payload = appendU64(payload, 5) // lost count

	s, ok, err := decodeRecord(hdr, payload, SampleFields{}, SampleRegisters{})
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, s.IsLoss)
	require.Equal(t, uint64(5), s.CountLoss)
}

func TestDecodeRecordUnknownTypeSkipped(t *testing.T) {
	hdr := recordHeader{Type: 0xff, Size: 8}
	_, ok, err := decodeRecord(hdr, nil, SampleFields{}, SampleRegisters{})
	require.NoError(t, err)
	require.False(t, ok)
}

// TestDecodeSampleFieldsCallchainOverflowIsBounded is a regression test
// for a crafted callchain count that would overflow int arithmetic
// (e.g. 2^61) before the decoder ever reaches the allocation: it must be
// rejected as short input, never panic in make([]uint64, n).
func TestDecodeSampleFieldsCallchainOverflowIsBounded(t *testing.T) {
	fields := NewSampleFields().Callchain()
	buf := appendU64(nil, 1<<61) // nr, wildly larger than the buffer

	_, err := decodeSampleFields(buf, fields, SampleRegisters{})
	require.ErrorIs(t, err, ErrDecodeShort)
}

// TestDecodeBranchStackOverflowIsBounded mirrors the callchain case for
// PERF_SAMPLE_BRANCH_STACK's nr field.
func TestDecodeBranchStackOverflowIsBounded(t *testing.T) {
	buf := appendU64(nil, 1<<61)

	_, _, err := decodeBranchStack(buf)
	require.ErrorIs(t, err, ErrDecodeShort)
}

func TestDecodeRecordContextSwitchCPUWide(t *testing.T) {
	hdr := recordHeader{
		Type: unix.PERF_RECORD_SWITCH_CPU_WIDE,
		Misc: unix.PERF_RECORD_MISC_SWITCH_OUT | unix.PERF_RECORD_MISC_USER,
		Size: 16,
	}
	var payload []byte
	payload = appendU32(payload, 100)
	payload = appendU32(payload, 200)

	s, ok, err := decodeRecord(hdr, payload, SampleFields{}, SampleRegisters{})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ModeUser, s.Mode)
	require.True(t, s.ContextSwitch.IsOut)
	require.False(t, s.ContextSwitch.IsPreempt)
	require.Equal(t, uint32(100), s.ContextSwitch.PID)
	require.Equal(t, uint32(200), s.ContextSwitch.TID)
}
