// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import "encoding/binary"

// The kernel writes perf_event records in the host's native byte order.
// These helpers centralize that assumption for the ring and sample
// decoders.
func leUint64(b []byte) uint64 { return binary.NativeEndian.Uint64(b) }
func leUint32(b []byte) uint32 { return binary.NativeEndian.Uint32(b) }
func leUint16(b []byte) uint16 { return binary.NativeEndian.Uint16(b) }
