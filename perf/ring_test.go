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

func putHeader(buf []byte, typ uint32, misc, size uint16) {
	binary.NativeEndian.PutUint32(buf[0:], typ)
	binary.NativeEndian.PutUint16(buf[4:], misc)
	binary.NativeEndian.PutUint16(buf[6:], size)
}

func TestRingDrainEmpty(t *testing.T) {
	var meta unix.PerfEventMmapPage
	r := &ring{meta: &meta, data: make([]byte, 4096), dataSize: 4096}

	var calls int
	r.drain(func(hdr recordHeader, payload []byte) { calls++ })
	require.Equal(t, 0, calls)
	require.Equal(t, uint64(0), meta.Data_tail)
}

func TestRingDrainContiguous(t *testing.T) {
	var meta unix.PerfEventMmapPage
	data := make([]byte, 64)
	putHeader(data[0:], 9, 2, 16)
	binary.NativeEndian.PutUint64(data[8:], 0xdeadbeef)
	meta.Data_head = 16

	r := &ring{meta: &meta, data: data, dataSize: 64}

	var got []recordHeader
	var payloads [][]byte
	r.drain(func(hdr recordHeader, payload []byte) {
		got = append(got, hdr)
		payloads = append(payloads, append([]byte(nil), payload...))
	})

	require.Len(t, got, 1)
	require.Equal(t, recordHeader{Type: 9, Misc: 2, Size: 16}, got[0])
	require.Equal(t, uint64(0xdeadbeef), binary.NativeEndian.Uint64(payloads[0]))
	require.Equal(t, uint64(16), meta.Data_tail)
}

func TestRingDrainWraparound(t *testing.T) {
	var meta unix.PerfEventMmapPage
	data := make([]byte, 64)

	var hdrBuf [8]byte
	putHeader(hdrBuf[:], 1, 0, 16)
	copy(data[60:64], hdrBuf[0:4])
	copy(data[0:4], hdrBuf[4:8])

	var payload [8]byte
	binary.NativeEndian.PutUint64(payload[:], 0x1111111111111111)
	copy(data[4:12], payload[:])

	meta.Data_tail = 60
	meta.Data_head = 76

	r := &ring{meta: &meta, data: data, dataSize: 64}

	var got []recordHeader
	var gotPayload []byte
	r.drain(func(hdr recordHeader, p []byte) {
		got = append(got, hdr)
		gotPayload = append([]byte(nil), p...)
	})

	require.Len(t, got, 1)
	require.Equal(t, recordHeader{Type: 1, Misc: 0, Size: 16}, got[0])
	require.Equal(t, payload[:], gotPayload)
	require.Equal(t, uint64(76), meta.Data_tail)
}

func TestRingDrainStopsOnIncompleteRecord(t *testing.T) {
	var meta unix.PerfEventMmapPage
	data := make([]byte, 64)
	putHeader(data[0:], 9, 0, 32)
	// Kernel has only published 16 of the 32 declared bytes so far.
	meta.Data_head = 16

	r := &ring{meta: &meta, data: data, dataSize: 64}

	var calls int
	r.drain(func(hdr recordHeader, payload []byte) { calls++ })
	require.Equal(t, 0, calls)
	require.Equal(t, uint64(0), meta.Data_tail)
}
