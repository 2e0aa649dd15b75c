// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"golang.org/x/sys/unix"
)

// recordHeader is the 8-byte perf_event_header every ring record begins
// with.
type recordHeader struct {
	Type uint32
	Misc uint16
	Size uint16
}

func decodeRecordHeader(buf []byte) (recordHeader, bool) {
	if len(buf) < 8 {
		return recordHeader{}, false
	}
	return recordHeader{
		Type: leUint32(buf[0:]),
		Misc: leUint16(buf[4:]),
		Size: leUint16(buf[6:]),
	}, true
}

func cString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

// decodeRecord dispatches a single ring record by its header type. ok is
// false for record types this package doesn't surface as a Sample (the
// caller just skips header.Size bytes); err is non-nil only for a
// malformed payload of a type this package does decode.
func decodeRecord(hdr recordHeader, payload []byte, fields SampleFields, regs SampleRegisters) (Sample, bool, error) {
	mode := modeFromMisc(hdr.Misc)

	switch uint32(hdr.Type) {
	case unix.PERF_RECORD_SAMPLE:
		s, err := decodeSampleFields(payload, fields, regs)
		if err != nil {
			return Sample{}, false, err
		}
		s.Mode = mode
		s.IsExactIP = hdr.Misc&unix.PERF_RECORD_MISC_EXACT_IP != 0
		return s, true, nil

	case unix.PERF_RECORD_LOST:
		if len(payload) < 16 {
			return Sample{}, false, ErrDecodeShort
		}
		return Sample{IsLoss: true, CountLoss: leUint64(payload[8:])}, true, nil

	case unix.PERF_RECORD_SWITCH:
		return Sample{
			Mode: mode,
			ContextSwitch: &ContextSwitch{
				IsOut:     hdr.Misc&unix.PERF_RECORD_MISC_SWITCH_OUT != 0,
				IsPreempt: hdr.Misc&unix.PERF_RECORD_MISC_SWITCH_OUT_PREEMPT != 0,
			},
		}, true, nil

	case unix.PERF_RECORD_SWITCH_CPU_WIDE:
		if len(payload) < 8 {
			return Sample{}, false, ErrDecodeShort
		}
		return Sample{
			Mode: mode,
			ContextSwitch: &ContextSwitch{
				IsOut:     hdr.Misc&unix.PERF_RECORD_MISC_SWITCH_OUT != 0,
				IsPreempt: hdr.Misc&unix.PERF_RECORD_MISC_SWITCH_OUT_PREEMPT != 0,
				PID:       leUint32(payload[0:]),
				TID:       leUint32(payload[4:]),
			},
		}, true, nil

	case unix.PERF_RECORD_THROTTLE, unix.PERF_RECORD_UNTHROTTLE:
		return Sample{
			Mode:     mode,
			Throttle: &Throttle{IsThrottle: uint32(hdr.Type) == unix.PERF_RECORD_THROTTLE},
		}, true, nil

	case unix.PERF_RECORD_CGROUP:
		if len(payload) < 8 {
			return Sample{}, false, ErrDecodeShort
		}
		return Sample{
			Mode: mode,
			CGroupRecord: &CGroup{
				ID:   leUint64(payload[0:]),
				Path: cString(payload[8:]),
			},
		}, true, nil

	default:
		return Sample{}, false, nil
	}
}

// decodeSampleFields decodes a SAMPLE record's payload in the kernel's
// fixed field order, advancing past only the fields fields requested.
func decodeSampleFields(buf []byte, fields SampleFields, regs SampleRegisters) (Sample, error) {
	var s Sample
	mask := fields.sampleType()
	off := 0

	need := func(n int) bool { return len(buf)-off >= n }

	if mask&unix.PERF_SAMPLE_IDENTIFIER != 0 {
		if !need(8) {
			return s, ErrDecodeShort
		}
		v := leUint64(buf[off:])
		s.SampleID = &v
		off += 8
	}
	if mask&unix.PERF_SAMPLE_IP != 0 {
		if !need(8) {
			return s, ErrDecodeShort
		}
		v := leUint64(buf[off:])
		s.InstructionPointer = &v
		off += 8
	}
	if mask&unix.PERF_SAMPLE_TID != 0 {
		if !need(8) {
			return s, ErrDecodeShort
		}
		pid := leUint32(buf[off:])
		tid := leUint32(buf[off+4:])
		s.PID, s.TID = &pid, &tid
		off += 8
	}
	if mask&unix.PERF_SAMPLE_TIME != 0 {
		if !need(8) {
			return s, ErrDecodeShort
		}
		v := leUint64(buf[off:])
		s.Time = &v
		off += 8
	}
	if mask&unix.PERF_SAMPLE_ADDR != 0 {
		if !need(8) {
			return s, ErrDecodeShort
		}
		v := leUint64(buf[off:])
		s.Addr = &v
		off += 8
	}
	if mask&unix.PERF_SAMPLE_ID != 0 {
		if !need(8) {
			return s, ErrDecodeShort
		}
		v := leUint64(buf[off:])
		s.ID = &v
		off += 8
	}
	if mask&unix.PERF_SAMPLE_STREAM_ID != 0 {
		if !need(8) {
			return s, ErrDecodeShort
		}
		v := leUint64(buf[off:])
		s.StreamID = &v
		off += 8
	}
	if mask&unix.PERF_SAMPLE_CPU != 0 {
		if !need(8) {
			return s, ErrDecodeShort
		}
		cpu := leUint32(buf[off:])
		s.CPU = &cpu
		off += 8
	}
	if mask&unix.PERF_SAMPLE_PERIOD != 0 {
		if !need(8) {
			return s, ErrDecodeShort
		}
		v := leUint64(buf[off:])
		s.Period = &v
		off += 8
	}
	if mask&unix.PERF_SAMPLE_READ != 0 {
		d, n, err := decodeReadFormat(buf[off:], false, false, true, true)
		if err != nil {
			return s, err
		}
		s.CounterValues = &d
		off += n
	}
	if mask&unix.PERF_SAMPLE_CALLCHAIN != 0 {
		if !need(8) {
			return s, ErrDecodeShort
		}
		nr := leUint64(buf[off:])
		off += 8
		if nr > uint64(len(buf)-off)/8 {
			return s, ErrDecodeShort
		}
		n := int(nr)
		chain := make([]uint64, n)
		for i := range chain {
			chain[i] = leUint64(buf[off:])
			off += 8
		}
		s.Callchain = chain
	}
	if mask&unix.PERF_SAMPLE_RAW != 0 {
		if !need(4) {
			return s, ErrDecodeShort
		}
		size := int(leUint32(buf[off:]))
		off += 4
		if size < 0 || !need(size) {
			return s, ErrDecodeShort
		}
		raw := make([]byte, size)
		copy(raw, buf[off:off+size])
		s.Raw = raw
		off += size
		if pad := (8 - off%8) % 8; pad > 0 {
			if !need(pad) {
				return s, ErrDecodeShort
			}
			off += pad
		}
	}
	if mask&unix.PERF_SAMPLE_BRANCH_STACK != 0 {
		entries, n, err := decodeBranchStack(buf[off:])
		if err != nil {
			return s, err
		}
		s.BranchStack = entries
		off += n
	}
	if mask&unix.PERF_SAMPLE_REGS_USER != 0 {
		abiMask := regs.User
		if !need(8) {
			return s, ErrDecodeShort
		}
		abi := leUint64(buf[off:])
		off += 8
		regs, n, err := decodeRegs(buf[off:], abiMask)
		if err != nil {
			return s, err
		}
		s.UserRegsABI = abi
		s.UserRegs = regs
		off += n
	}
	if mask&unix.PERF_SAMPLE_DATA_SRC != 0 {
		if !need(8) {
			return s, ErrDecodeShort
		}
		v := DataSource(leUint64(buf[off:]))
		s.DataSrc = &v
		off += 8
	}
	if mask&unix.PERF_SAMPLE_WEIGHT_STRUCT != 0 {
		w, n, err := decodeWeightStruct(buf[off:])
		if err != nil {
			return s, err
		}
		s.Weight = &w
		off += n
	} else if mask&unix.PERF_SAMPLE_WEIGHT != 0 {
		w, n, err := decodeWeight(buf[off:])
		if err != nil {
			return s, err
		}
		s.Weight = &w
		off += n
	}
	if mask&unix.PERF_SAMPLE_TRANSACTION != 0 {
		t, n, err := decodeTransaction(buf[off:])
		if err != nil {
			return s, err
		}
		s.Transaction = &t
		off += n
	}
	if mask&unix.PERF_SAMPLE_REGS_INTR != 0 {
		abiMask := regs.Kernel
		if !need(8) {
			return s, ErrDecodeShort
		}
		abi := leUint64(buf[off:])
		off += 8
		regs, n, err := decodeRegs(buf[off:], abiMask)
		if err != nil {
			return s, err
		}
		s.IntrRegsABI = abi
		s.IntrRegs = regs
		off += n
	}
	if mask&unix.PERF_SAMPLE_PHYS_ADDR != 0 {
		if !need(8) {
			return s, ErrDecodeShort
		}
		v := leUint64(buf[off:])
		s.PhysAddr = &v
		off += 8
	}
	if mask&unix.PERF_SAMPLE_CGROUP != 0 {
		if !need(8) {
			return s, ErrDecodeShort
		}
		v := leUint64(buf[off:])
		s.CGroupID = &v
		off += 8
	}
	if mask&unix.PERF_SAMPLE_DATA_PAGE_SIZE != 0 {
		if !need(8) {
			return s, ErrDecodeShort
		}
		v := leUint64(buf[off:])
		s.DataPageSize = &v
		off += 8
	}
	if mask&unix.PERF_SAMPLE_CODE_PAGE_SIZE != 0 {
		if !need(8) {
			return s, ErrDecodeShort
		}
		v := leUint64(buf[off:])
		s.CodePageSize = &v
		off += 8
	}

	return s, nil
}
