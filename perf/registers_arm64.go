// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux && arm64

package perf

// Bit positions match the kernel's enum perf_event_arm_regs
// (arch/arm64/include/uapi/asm/perf_regs.h): x0-x30, sp, pc.
var arm64RegNames = func() []string {
	names := make([]string, 0, 33)
	for i := 0; i <= 30; i++ {
		names = append(names, "x"+itoa(i))
	}
	return append(names, "sp", "pc")
}()

func itoa(i int) string {
	if i < 10 {
		return string(rune('0' + i))
	}
	return string(rune('0'+i/10)) + string(rune('0'+i%10))
}

func registerBit(name string) (uint, bool) {
	for i, n := range arm64RegNames {
		if n == name {
			return uint(i), true
		}
	}
	return 0, false
}

func registerName(bit uint) (string, bool) {
	if int(bit) < len(arm64RegNames) {
		return arm64RegNames[bit], true
	}
	return "", false
}
