// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hwprobe answers a handful of boolean and numeric questions
// about the underlying hardware substrate that the counting and
// sampling packages need but don't own: CPU vendor, AMD Instruction
// Based Sampling (IBS) support, and Intel models that require an
// auxiliary counter for memory sampling. It is an external collaborator
// to package perf, not part of its core subsystems, and every query
// degrades to a safe negative answer when the expected /proc or /sys
// interface isn't present (e.g. running under an unsupported kernel or
// architecture), matching this module's general policy for missing
// platform features.
package hwprobe

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

const cpuInfoPath = "/proc/cpuinfo"

// vendorID returns the "vendor_id" field of the first entry in
// /proc/cpuinfo, or "" if the file is missing or the field isn't there
// (e.g. a non-x86 architecture, which reports no such field).
func vendorID() string {
	f, err := os.Open(cpuInfoPath)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.TrimSpace(name) == "vendor_id" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// modelName returns the "model name" field of the first entry in
// /proc/cpuinfo, or "" if unavailable.
func modelName() string {
	f, err := os.Open(cpuInfoPath)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.TrimSpace(name) == "model name" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// IsIntel reports whether the running CPU identifies itself as GenuineIntel.
func IsIntel() bool { return vendorID() == "GenuineIntel" }

// IsAMD reports whether the running CPU identifies itself as AuthenticAMD.
func IsAMD() bool { return vendorID() == "AuthenticAMD" }

// IsIntelAuxCounterRequired reports whether the running Intel processor
// is one of the models (Sapphire Rapids, Alder Lake) that requires an
// auxiliary counter alongside a memory-sampling event.
func IsIntelAuxCounterRequired() bool {
	if !IsIntel() {
		return false
	}
	model := strings.ToLower(modelName())
	return strings.Contains(model, "sapphire rapids") || strings.Contains(model, "alder lake") ||
		strings.Contains(model, "8480") || strings.Contains(model, "8460") // Sapphire Rapids Xeon SKUs
}

// IsAMDIBSSupported reports whether the running AMD processor exposes
// Instruction Based Sampling, detected by the presence of the kernel's
// ibs_op PMU device rather than a raw CPUID leaf — the same interface
// amd_ibs_op_type/amd_ibs_fetch_type read from.
func IsAMDIBSSupported() bool {
	if !IsAMD() {
		return false
	}
	_, ok := ibsType("ibs_op")
	return ok
}

// IsIBSL3FilterSupported reports whether IBS is supported and additionally
// exposes the L3 miss filter knob.
func IsIBSL3FilterSupported() bool {
	if !IsAMDIBSSupported() {
		return false
	}
	_, err := os.Stat("/sys/bus/event_source/devices/ibs_op/l3missonly")
	return err == nil
}

func ibsType(device string) (uint32, bool) {
	data, err := os.ReadFile("/sys/bus/event_source/devices/" + device + "/type")
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// AMDIBSOpType returns the perf_event_attr.type value to use for the IBS
// execution-sampling counter, if IBS is supported.
func AMDIBSOpType() (uint32, bool) {
	if !IsAMDIBSSupported() {
		return 0, false
	}
	return ibsType("ibs_op")
}

// AMDIBSFetchType returns the perf_event_attr.type value to use for the
// IBS fetch-sampling counter, if IBS is supported.
func AMDIBSFetchType() (uint32, bool) {
	if !IsAMDIBSSupported() {
		return 0, false
	}
	return ibsType("ibs_fetch")
}
