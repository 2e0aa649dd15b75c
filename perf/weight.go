// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

// Weight is a latency-like cost attached to a memory sample. When the
// kernel reports the struct variant (PERF_SAMPLE_WEIGHT_STRUCT), Var2
// and Var3 carry additional PMU-specific detail (e.g. Intel's
// instruction-latency and cache-latency sub-fields); the plain
// PERF_SAMPLE_WEIGHT variant only ever populates Latency.
type Weight struct {
	Latency uint32
	Var2    uint16
	Var3    uint16
}

// decodeWeight decodes the non-struct PERF_SAMPLE_WEIGHT field: a single
// u64 copied into Latency, with Var2 and Var3 left zero.
func decodeWeight(buf []byte) (Weight, int, error) {
	if len(buf) < 8 {
		return Weight{}, 0, ErrDecodeShort
	}
	return Weight{Latency: uint32(leUint64(buf))}, 8, nil
}

// decodeWeightStruct decodes the PERF_SAMPLE_WEIGHT_STRUCT field: a
// packed {u32 latency, u16 var2, u16 var3}.
func decodeWeightStruct(buf []byte) (Weight, int, error) {
	if len(buf) < 8 {
		return Weight{}, 0, ErrDecodeShort
	}
	return Weight{
		Latency: leUint32(buf[0:]),
		Var2:    leUint16(buf[4:]),
		Var3:    leUint16(buf[6:]),
	}, 8, nil
}
