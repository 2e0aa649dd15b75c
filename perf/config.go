// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

// Config holds the scheduling and filtering flags applied to every group
// a Counter Group opens, plus the group-capacity limits an Event Counter
// enforces when packing events.
type Config struct {
	// MaxGroups and MaxCountersPerGroup bound how many groups an Event
	// Counter will open and how many counters fit in each. The hardware
	// itself can schedule up to MaxHardwareMembers counters in a single
	// group; MaxCountersPerGroup is a lower, user-visible default that
	// leaves headroom for other processes sharing the PMU.
	MaxGroups           int
	MaxCountersPerGroup int

	IncludeChildThreads bool
	IncludeKernel       bool
	IncludeUser         bool
	IncludeHypervisor   bool
	IncludeIdle         bool
	IncludeGuest        bool

	// Debug, when set, makes CounterGroup.AttrStrings available for
	// diagnostics (the perf_event_attr the kernel actually saw for each
	// member).
	Debug bool
}

// MaxHardwareMembers is the number of counters the PMU hardware itself
// can schedule concurrently in one group. Config.MaxCountersPerGroup
// defaults well below this to leave room for counters opened by other
// processes on the same core.
const MaxHardwareMembers = 8

// NewConfig returns a Config with the package's defaults: 5 groups of up
// to 4 counters each, counting kernel, user, hypervisor, and idle-task
// execution but not child threads or guest VMs.
func NewConfig() Config {
	return Config{
		MaxGroups:           5,
		MaxCountersPerGroup: 4,
		IncludeKernel:       true,
		IncludeUser:         true,
		IncludeHypervisor:   true,
		IncludeIdle:         true,
	}
}

// SampleConfig extends Config with the fields a Sampler needs: skid
// precision, ring buffer size, and the sampling trigger itself (period or
// frequency, mutually exclusive).
type SampleConfig struct {
	Config

	Precision Precision

	// BufferPages is the number of system pages (unix.Getpagesize) mmap'd for the ring
	// buffer, including the one control page. Must be 1 + a power of two
	// so the data area itself is a power-of-two size.
	BufferPages uint64

	// Exactly one of Period or IsFrequency+Frequency is meaningful;
	// IsFrequency selects which.
	Period      uint64
	Frequency   uint64
	IsFrequency bool

	Registers SampleRegisters
}

// NewSampleConfig returns a SampleConfig with the package defaults (see
// NewConfig) plus a 8193-page ring buffer and unspecified precision.
func NewSampleConfig() SampleConfig {
	return SampleConfig{
		Config:      NewConfig(),
		Precision:   Unspecified,
		BufferPages: 8192 + 1,
	}
}

// WithPeriod sets a fixed sample period: one sample every Period
// occurrences of the trigger event.
func (c *SampleConfig) WithPeriod(period uint64) {
	c.Period = period
	c.IsFrequency = false
}

// WithFrequency sets a target sample frequency in Hz; the kernel adjusts
// the period dynamically to approximate it.
func (c *SampleConfig) WithFrequency(freq uint64) {
	c.Frequency = freq
	c.IsFrequency = true
}

// Precision controls the skid: how many instructions may separate the
// overflowing event from the instruction the kernel attributes the
// sample to. It maps 1:1 onto the kernel's precise_ip levels.
type Precision uint8

const (
	AllowArbitrarySkid Precision = 0
	MustHaveConstantSkid Precision = 1
	RequestZeroSkid Precision = 2
	MustHaveZeroSkid Precision = 3

	// Unspecified leaves precise_ip at its zero value without the
	// caller asserting anything about skid.
	Unspecified Precision = 0xff
)

// SampleRegisters selects which general-purpose registers to capture on
// each sample, separately for user and kernel context, as a bitmask the
// kernel interprets per-architecture (see registers.go for the x86/arm
// helpers that build these masks).
type SampleRegisters struct {
	User   uint64
	Kernel uint64
}
