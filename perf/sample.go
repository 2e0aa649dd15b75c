// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import "golang.org/x/sys/unix"

// Mode is the CPU privilege level a sample or context-switch record was
// taken in, decoded from a record's misc CPUMODE bits.
type Mode uint8

const (
	ModeUnknown Mode = iota
	ModeKernel
	ModeUser
	ModeHypervisor
	ModeGuestKernel
	ModeGuestUser
)

func (m Mode) String() string {
	switch m {
	case ModeKernel:
		return "kernel"
	case ModeUser:
		return "user"
	case ModeHypervisor:
		return "hypervisor"
	case ModeGuestKernel:
		return "guest-kernel"
	case ModeGuestUser:
		return "guest-user"
	default:
		return "unknown"
	}
}

func modeFromMisc(misc uint16) Mode {
	switch uint32(misc) & unix.PERF_RECORD_MISC_CPUMODE_MASK {
	case unix.PERF_RECORD_MISC_KERNEL:
		return ModeKernel
	case unix.PERF_RECORD_MISC_USER:
		return ModeUser
	case unix.PERF_RECORD_MISC_HYPERVISOR:
		return ModeHypervisor
	case unix.PERF_RECORD_MISC_GUEST_KERNEL:
		return ModeGuestKernel
	case unix.PERF_RECORD_MISC_GUEST_USER:
		return ModeGuestUser
	default:
		return ModeUnknown
	}
}

// ContextSwitch is the payload of a CONTEXT_SWITCH / CONTEXT_SWITCH_CPU_WIDE
// record: PID and TID are only populated for the CPU-wide variant, which
// reports which task was switched to/from.
type ContextSwitch struct {
	IsOut     bool
	IsPreempt bool
	PID, TID  uint32
}

// Throttle is the payload of a THROTTLE / UNTHROTTLE record.
type Throttle struct {
	IsThrottle bool
}

// CGroup is the payload of a CGROUP record: a cgroup's id and path as
// reported when the cgroup is created or activated. The Sampler remembers
// these so later samples' CGroupID fields can be resolved to a path.
type CGroup struct {
	ID   uint64
	Path string
}

// Sample is one decoded ring-buffer record. Every field beyond Mode is a
// pointer or slice that is nil unless the corresponding bit was requested
// (via SampleFields) and present in the record; LOST, CONTEXT_SWITCH,
// THROTTLE/UNTHROTTLE, and CGROUP records populate only the field named
// after them and leave every sample-payload field nil.
type Sample struct {
	Mode Mode

	// CountLoss and IsLoss are set, and every other field left zero, on a
	// LOST record.
	CountLoss uint64
	IsLoss    bool

	SampleID           *uint64
	InstructionPointer *uint64
	IsExactIP          bool
	PID, TID           *uint32
	Time               *uint64
	Addr               *uint64
	ID                 *uint64
	StreamID           *uint64
	CPU                *uint32
	Period             *uint64
	CounterValues      *decodedReadFormat
	Callchain          []uint64
	Raw                []byte
	BranchStack        []BranchEntry
	UserRegsABI        uint64
	UserRegs           map[string]uint64
	DataSrc            *DataSource
	Weight             *Weight
	Transaction        *Transaction
	IntrRegsABI        uint64
	IntrRegs           map[string]uint64
	PhysAddr           *uint64
	CGroupID           *uint64
	DataPageSize       *uint64
	CodePageSize       *uint64

	ContextSwitch *ContextSwitch
	Throttle      *Throttle
	CGroupRecord  *CGroup
}

// SampleFields selects which optional fields a trigger's samples carry. It
// is built fluently: perf.NewSampleFields().Time().InstructionPointer().
// A zero SampleFields requests nothing but the fields the kernel always
// reports in a SAMPLE record's header.
type SampleFields struct {
	mask          uint64
	contextSwitch bool
	wantUserRegs  bool
	wantIntrRegs  bool
}

// NewSampleFields returns an empty field selection.
func NewSampleFields() SampleFields { return SampleFields{} }

func (f SampleFields) with(bit uint64) SampleFields { f.mask |= bit; return f }

func (f SampleFields) SampleID() SampleFields             { return f.with(unix.PERF_SAMPLE_IDENTIFIER) }
func (f SampleFields) InstructionPointer() SampleFields   { return f.with(unix.PERF_SAMPLE_IP) }
func (f SampleFields) ThreadID() SampleFields             { return f.with(unix.PERF_SAMPLE_TID) }
func (f SampleFields) Time() SampleFields                 { return f.with(unix.PERF_SAMPLE_TIME) }
func (f SampleFields) LogicalMemoryAddress() SampleFields { return f.with(unix.PERF_SAMPLE_ADDR) }
func (f SampleFields) ID() SampleFields                   { return f.with(unix.PERF_SAMPLE_ID) }
func (f SampleFields) StreamID() SampleFields             { return f.with(unix.PERF_SAMPLE_STREAM_ID) }
func (f SampleFields) CPU() SampleFields                  { return f.with(unix.PERF_SAMPLE_CPU) }
func (f SampleFields) Period() SampleFields               { return f.with(unix.PERF_SAMPLE_PERIOD) }
func (f SampleFields) CounterValues() SampleFields        { return f.with(unix.PERF_SAMPLE_READ) }
func (f SampleFields) Callchain() SampleFields             { return f.with(unix.PERF_SAMPLE_CALLCHAIN) }
func (f SampleFields) Raw() SampleFields                  { return f.with(unix.PERF_SAMPLE_RAW) }
func (f SampleFields) Branches() SampleFields             { return f.with(unix.PERF_SAMPLE_BRANCH_STACK) }
func (f SampleFields) DataSource() SampleFields           { return f.with(unix.PERF_SAMPLE_DATA_SRC) }
func (f SampleFields) Weight() SampleFields               { return f.with(unix.PERF_SAMPLE_WEIGHT) }
func (f SampleFields) WeightStruct() SampleFields         { return f.with(unix.PERF_SAMPLE_WEIGHT_STRUCT) }
func (f SampleFields) Transaction() SampleFields          { return f.with(unix.PERF_SAMPLE_TRANSACTION) }
func (f SampleFields) PhysicalMemoryAddress() SampleFields {
	return f.with(unix.PERF_SAMPLE_PHYS_ADDR)
}
func (f SampleFields) CGroupID() SampleFields      { return f.with(unix.PERF_SAMPLE_CGROUP) }
func (f SampleFields) DataPageSize() SampleFields  { return f.with(unix.PERF_SAMPLE_DATA_PAGE_SIZE) }
func (f SampleFields) CodePageSize() SampleFields  { return f.with(unix.PERF_SAMPLE_CODE_PAGE_SIZE) }
func (f SampleFields) ContextSwitch() SampleFields { f.contextSwitch = true; return f }

// UserRegisters requests user-space general-purpose registers
// (PERF_SAMPLE_REGS_USER); which registers is controlled by
// SampleConfig.Registers.User (see registers_amd64.go / registers_arm64.go
// to build that mask by name).
func (f SampleFields) UserRegisters() SampleFields {
	f.wantUserRegs = true
	return f.with(unix.PERF_SAMPLE_REGS_USER)
}

// KernelRegisters requests the registers captured at the point of
// interrupt (PERF_SAMPLE_REGS_INTR) — a kernel or a user context's
// registers depending on where the overflow landed; which registers is
// controlled by SampleConfig.Registers.Kernel.
func (f SampleFields) KernelRegisters() SampleFields {
	f.wantIntrRegs = true
	return f.with(unix.PERF_SAMPLE_REGS_INTR)
}

func (f SampleFields) sampleType() uint64 {
	mask := f.mask
	if mask&unix.PERF_SAMPLE_WEIGHT != 0 && mask&unix.PERF_SAMPLE_WEIGHT_STRUCT != 0 {
		// Mutually exclusive on the wire; struct form wins.
		mask &^= unix.PERF_SAMPLE_WEIGHT
	}
	return mask
}
