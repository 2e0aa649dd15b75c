// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ring is one trigger's mmap'd sample buffer: a control page the kernel
// writes data_head/data_tail into, followed by a power-of-two data area.
//
// A ring is not safe for concurrent use.
type ring struct {
	raw      []byte
	meta     *unix.PerfEventMmapPage
	data     []byte
	dataSize uint64
}

// mmapRing maps pages pages (including the control page) off fd.
func mmapRing(fd int, pages uint64) (*ring, error) {
	pageSize := uint64(unix.Getpagesize())
	length := int(pages * pageSize)

	raw, err := unix.Mmap(fd, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMapFailed, err)
	}

	meta := (*unix.PerfEventMmapPage)(unsafe.Pointer(&raw[0]))
	dataOffset, dataSize := meta.Data_offset, meta.Data_size
	if dataSize == 0 {
		// Pre-5.x kernels don't populate data_offset/data_size; the data
		// area is always exactly the pages after the control page.
		dataOffset = pageSize
		dataSize = uint64(length) - pageSize
	}

	return &ring{
		raw:      raw,
		meta:     meta,
		data:     raw[dataOffset : dataOffset+dataSize],
		dataSize: dataSize,
	}, nil
}

// close unmaps the ring. close is idempotent.
func (r *ring) close() error {
	if r.raw == nil {
		return nil
	}
	err := unix.Munmap(r.raw)
	r.raw = nil
	return err
}

// peekHeader reads the 8-byte record header at ring offset pos, copying
// through a scratch buffer if it straddles the end of the data area.
func (r *ring) peekHeader(pos uint64) recordHeader {
	var buf [8]byte
	if pos+8 <= r.dataSize {
		copy(buf[:], r.data[pos:pos+8])
	} else {
		n := copy(buf[:], r.data[pos:])
		copy(buf[n:], r.data[:8-uint64(n)])
	}
	hdr, _ := decodeRecordHeader(buf[:])
	return hdr
}

// recordBytes returns the size bytes of the record starting at pos,
// reassembling it into scratch if it wraps the end of the data area.
// scratch is grown and returned for reuse across calls.
func (r *ring) recordBytes(pos uint64, size uint64, scratch []byte) ([]byte, []byte) {
	if pos+size <= r.dataSize {
		return r.data[pos : pos+size], scratch
	}
	if uint64(cap(scratch)) < size {
		scratch = make([]byte, size)
	}
	scratch = scratch[:size]
	n := copy(scratch, r.data[pos:])
	copy(scratch[n:], r.data[:size-uint64(n)])
	return scratch, scratch
}

// drain calls fn once per fully-available record currently in the ring,
// in order, then publishes the new consumer cursor. It never touches
// memory past the control page when the ring is empty. A record whose
// declared size would run past the producer's published head stops the
// drain at that point (the kernel is still writing it).
func (r *ring) drain(fn func(hdr recordHeader, payload []byte)) {
	head := atomic.LoadUint64(&r.meta.Data_head)
	tail := r.meta.Data_tail

	var scratch []byte
	for tail < head {
		pos := tail % r.dataSize
		hdr := r.peekHeader(pos)
		if hdr.Size < 8 || uint64(hdr.Size) > head-tail {
			break
		}

		var rec []byte
		rec, scratch = r.recordBytes(pos, uint64(hdr.Size), scratch)
		fn(hdr, rec[8:])

		tail += uint64(hdr.Size)
	}

	atomic.StoreUint64(&r.meta.Data_tail, tail)
}
