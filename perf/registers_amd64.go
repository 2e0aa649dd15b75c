// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux && amd64

package perf

// Bit positions match the kernel's enum perf_event_x86_regs
// (arch/x86/include/uapi/asm/perf_regs.h).
var amd64RegNames = []string{
	"ax", "cx", "dx", "bx", "sp", "bp", "si", "di",
	"ip", "flags", "cs", "ss", "ds", "es", "fs", "gs",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func registerBit(name string) (uint, bool) {
	for i, n := range amd64RegNames {
		if n == name {
			return uint(i), true
		}
	}
	return 0, false
}

func registerName(bit uint) (string, bool) {
	if int(bit) < len(amd64RegNames) {
		return amd64RegNames[bit], true
	}
	return "", false
}
