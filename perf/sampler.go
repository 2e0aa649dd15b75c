// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/aclements/go-perfcpp/events"
)

// TriggerSpec names one overflow trigger: the event whose overflow
// produces a sample, at what skid precision, and how often. Exactly one
// of Period or Frequency is meaningful, selected by IsFrequency. A spec
// whose Precision is Unspecified takes the Sampler's SampleConfig.Precision,
// and a spec with neither a Period nor IsFrequency set takes the
// SampleConfig's Period/Frequency/IsFrequency.
type TriggerSpec struct {
	Name        string
	Precision   Precision
	Period      uint64
	Frequency   uint64
	IsFrequency bool
}

type samplerState uint8

const (
	samplerConfigured samplerState = iota
	samplerRunning
	samplerStopped
	samplerDrained
	samplerClosed
)

// trigger is one TriggerSpec's opened kernel resources: a single-member
// group (the overflow event is its own leader) plus the ring buffer
// mmap'd on it once running.
type trigger struct {
	spec TriggerSpec
	desc events.Descriptor

	f *os.File
	r *ring
}

// Sampler drives one or more overflow-triggered sample streams. Each
// trigger owns an independent leader fd and ring buffer; Result merges
// all of their decoded records.
//
// A Sampler is not safe for concurrent use. It follows the state machine
// Configured → Running → Stopped → Drained → Closed; calling an
// operation out of sequence returns ErrStateInvalid.
type Sampler struct {
	catalog *events.Catalog
	target  Target
	cfg     SampleConfig
	fields  SampleFields

	triggers []*trigger
	cgroups  map[uint64]string

	state   samplerState
	lastErr error
}

// NewSampler returns a Sampler in the Configured state. No triggers are
// opened with the kernel until Start.
func NewSampler(catalog *events.Catalog, target Target, cfg SampleConfig) *Sampler {
	return &Sampler{
		catalog: catalog,
		target:  target,
		cfg:     cfg,
		cgroups: make(map[uint64]string),
	}
}

// Values sets which optional fields every trigger's samples carry.
func (s *Sampler) Values(fields SampleFields) {
	s.fields = fields
}

// Trigger adds one overflow source. It must be called before Start.
func (s *Sampler) Trigger(spec TriggerSpec) error {
	if s.state != samplerConfigured {
		return fmt.Errorf("%w: sampler not configured", ErrStateInvalid)
	}
	desc, err := s.catalog.Resolve(spec.Name)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrCatalogMiss, spec.Name)
	}
	s.triggers = append(s.triggers, &trigger{spec: spec, desc: desc})
	return nil
}

// TriggerAll adds every spec in order; it stops and returns the first
// error, leaving any already-added triggers in place.
func (s *Sampler) TriggerAll(specs ...TriggerSpec) error {
	for _, spec := range specs {
		if err := s.Trigger(spec); err != nil {
			return err
		}
	}
	return nil
}

func precisionBits(p Precision) uint64 {
	var bits uint64
	if p == Unspecified {
		return 0
	}
	if p&1 != 0 {
		bits |= unix.PerfBitPreciseIPBit1
	}
	if p&2 != 0 {
		bits |= unix.PerfBitPreciseIPBit2
	}
	return bits
}

func (s *Sampler) buildAttr(t *trigger) unix.PerfEventAttr {
	var attr unix.PerfEventAttr
	attr.Size = uint32(unsafe.Sizeof(attr))
	attr.Type = t.desc.PMUType
	attr.Config = t.desc.EventID
	attr.Ext1 = t.desc.EventIDExt[0]
	attr.Ext2 = t.desc.EventIDExt[1]

	applyFilterBits(&attr, s.cfg.Config)

	attr.Bits |= unix.PerfBitDisabled
	attr.Bits |= unix.PerfBitMmap
	precision := t.spec.Precision
	if precision == Unspecified {
		precision = s.cfg.Precision
	}
	attr.Bits |= precisionBits(precision)

	isFreq, period, freq := t.spec.IsFrequency, t.spec.Period, t.spec.Frequency
	if !isFreq && period == 0 {
		isFreq, period, freq = s.cfg.IsFrequency, s.cfg.Period, s.cfg.Frequency
	}
	if isFreq {
		attr.Bits |= unix.PerfBitFreq
		attr.Sample = freq
	} else {
		attr.Sample = period
	}

	attr.Sample_type = s.fields.sampleType()
	attr.Read_format = unix.PERF_FORMAT_GROUP | unix.PERF_FORMAT_ID | unix.PERF_FORMAT_LOST

	if s.fields.wantUserRegs {
		attr.Sample_regs_user = s.cfg.Registers.User
	}
	if s.fields.wantIntrRegs {
		attr.Sample_regs_intr = s.cfg.Registers.Kernel
	}
	if s.fields.contextSwitch {
		attr.Bits |= unix.PerfBitContextSwitch
	}

	return attr
}

// Start opens every trigger with the kernel, mmaps its ring, and enables
// it. Any failure tears down every trigger opened earlier in this call
// before returning.
func (s *Sampler) Start() error {
	if s.state != samplerConfigured {
		return fmt.Errorf("%w: sampler not in Configured state", ErrStateInvalid)
	}
	if len(s.triggers) == 0 {
		return fmt.Errorf("%w: no triggers configured", ErrStateInvalid)
	}

	s.target.open()
	pid, cpu := s.target.pidCPU()

	success := false
	opened := 0
	defer func() {
		if !success {
			s.closeTriggers(opened)
			s.target.close()
		}
	}()

	for i, t := range s.triggers {
		attr := s.buildAttr(t)
		fd, err := unix.PerfEventOpen(&attr, pid, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			s.lastErr = err
			if errors.Is(err, syscall.EACCES) {
				err = annotateEACCES(err)
			}
			return fmt.Errorf("%w: trigger %d: %v", ErrOpenFailed, i, err)
		}
		t.f = os.NewFile(uintptr(fd), "<perf-sample>")
		opened = i + 1

		r, err := mmapRing(fd, s.cfg.BufferPages)
		if err != nil {
			s.lastErr = err
			return err
		}
		t.r = r

		if _, err := unix.IoctlGetInt(fd, unix.PERF_EVENT_IOC_RESET); err != nil {
			s.lastErr = err
			return fmt.Errorf("%w: reset: %v", ErrOpenFailed, err)
		}
		if _, err := unix.IoctlGetInt(fd, unix.PERF_EVENT_IOC_ENABLE); err != nil {
			s.lastErr = err
			return fmt.Errorf("%w: enable: %v", ErrOpenFailed, err)
		}
	}

	success = true
	s.state = samplerRunning
	return nil
}

func (s *Sampler) closeTriggers(n int) {
	for i := 0; i < n; i++ {
		t := s.triggers[i]
		if t.r != nil {
			t.r.close()
			t.r = nil
		}
		if t.f != nil {
			t.f.Close()
			t.f = nil
		}
	}
}

// Stop disables every trigger. The kernel stops writing new records, but
// already-written ones remain in the ring for Result to drain.
func (s *Sampler) Stop() error {
	if s.state != samplerRunning {
		return fmt.Errorf("%w: sampler not Running", ErrStateInvalid)
	}
	for i, t := range s.triggers {
		if _, err := unix.IoctlGetInt(int(t.f.Fd()), unix.PERF_EVENT_IOC_DISABLE); err != nil {
			s.lastErr = err
			return fmt.Errorf("%w: trigger %d disable: %v", ErrOpenFailed, i, err)
		}
	}
	s.state = samplerStopped
	return nil
}

// Result drains every trigger's ring and decodes its records into one
// slice. If sortByTime is true and every decoded sample has a non-nil
// Time field, the result is stably sorted by time; otherwise the records
// are left in per-ring arrival order, rings visited in trigger order.
func (s *Sampler) Result(sortByTime bool) ([]Sample, error) {
	if s.state != samplerStopped {
		return nil, fmt.Errorf("%w: sampler not Stopped", ErrStateInvalid)
	}

	var out []Sample
	var decodeErr error
	for _, t := range s.triggers {
		t.r.drain(func(hdr recordHeader, payload []byte) {
			if decodeErr != nil {
				return
			}
			sample, ok, err := decodeRecord(hdr, payload, s.fields, s.cfg.Registers)
			if err != nil {
				decodeErr = err
				return
			}
			if !ok {
				return
			}
			if sample.CGroupRecord != nil {
				s.cgroups[sample.CGroupRecord.ID] = sample.CGroupRecord.Path
			}
			out = append(out, sample)
		})
	}
	if decodeErr != nil {
		return out, decodeErr
	}

	if sortByTime && allHaveTime(out) {
		sort.SliceStable(out, func(i, j int) bool {
			return *out[i].Time < *out[j].Time
		})
	}

	s.state = samplerDrained
	return out, nil
}

func allHaveTime(samples []Sample) bool {
	if len(samples) == 0 {
		return false
	}
	for _, s := range samples {
		if s.Time == nil {
			return false
		}
	}
	return true
}

// CGroupPath resolves a sample's CGroupID to the path reported by the
// most recent CGROUP record seen for that id, if any.
func (s *Sampler) CGroupPath(id uint64) (string, bool) {
	path, ok := s.cgroups[id]
	return path, ok
}

// Close unmaps every ring and closes every trigger descriptor. It must
// be called after Result. Close is idempotent once reached from the
// Drained state; calling it earlier is a StateInvalid error.
func (s *Sampler) Close() error {
	if s.state == samplerClosed {
		return nil
	}
	if s.state != samplerDrained {
		return fmt.Errorf("%w: Close called before Result", ErrStateInvalid)
	}
	s.closeTriggers(len(s.triggers))
	s.target.close()
	s.state = samplerClosed
	return nil
}

// LastError returns the error from the most recently failed syscall, or
// nil if none has failed.
func (s *Sampler) LastError() error { return s.lastErr }
