// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/aclements/go-perfcpp/events"
)

// member is one counter instance within a CounterGroup: a descriptor
// paired with the kernel resources it got once the group opened.
type member struct {
	desc  events.Descriptor
	scale float64
	unit  string

	f  *os.File
	id uint64
}

// CounterGroup is the atomic unit the kernel schedules together: up to
// capacity counter instances sharing one group leader file descriptor.
// It opens, starts, stops, and closes its members as a unit, and decodes
// the grouped read the kernel returns into per-member corrected values.
//
// A CounterGroup is not safe for concurrent use.
type CounterGroup struct {
	target   Target
	capacity int
	members  []member

	opened  bool
	running bool

	start decodedReadFormat
	end   decodedReadFormat

	debug       bool
	attrStrings []string
}

// NewCounterGroup returns an empty CounterGroup that will monitor target
// and accepts up to capacity members.
func NewCounterGroup(target Target, capacity int) *CounterGroup {
	return &CounterGroup{target: target, capacity: capacity}
}

// Add appends a counter instance for desc. It fails with
// ErrCapacityExceeded if the group is already full, and with
// ErrStateInvalid if the group is already open.
func (g *CounterGroup) Add(desc events.Descriptor, scale float64, unit string) error {
	if g.opened {
		return fmt.Errorf("%w: group already open", ErrStateInvalid)
	}
	if len(g.members) >= g.capacity {
		return ErrCapacityExceeded
	}
	g.members = append(g.members, member{desc: desc, scale: scale, unit: unit})
	return nil
}

// Len reports the number of members added so far.
func (g *CounterGroup) Len() int { return len(g.members) }

// Full reports whether the group has reached its capacity.
func (g *CounterGroup) Full() bool { return len(g.members) >= g.capacity }

// applyFilterBits sets the exclude/inherit attr.Bits shared by every
// perf_event_attr this package opens, counting or sampling alike.
func applyFilterBits(attr *unix.PerfEventAttr, cfg Config) {
	if !cfg.IncludeKernel {
		attr.Bits |= unix.PerfBitExcludeKernel
	}
	if !cfg.IncludeUser {
		attr.Bits |= unix.PerfBitExcludeUser
	}
	if !cfg.IncludeHypervisor {
		attr.Bits |= unix.PerfBitExcludeHv
	}
	if !cfg.IncludeIdle {
		attr.Bits |= unix.PerfBitExcludeIdle
	}
	if !cfg.IncludeGuest {
		attr.Bits |= unix.PerfBitExcludeGuest
	}
	if cfg.IncludeChildThreads {
		attr.Bits |= unix.PerfBitInherit
	}
}

func buildAttr(d events.Descriptor, cfg Config, leader bool) unix.PerfEventAttr {
	var attr unix.PerfEventAttr
	attr.Size = uint32(unsafe.Sizeof(attr))
	attr.Type = d.PMUType
	attr.Config = d.EventID
	attr.Ext1 = d.EventIDExt[0]
	attr.Ext2 = d.EventIDExt[1]

	applyFilterBits(&attr, cfg)

	attr.Read_format = unix.PERF_FORMAT_GROUP | unix.PERF_FORMAT_ID
	if leader {
		attr.Bits |= unix.PerfBitDisabled
		attr.Read_format |= unix.PERF_FORMAT_TOTAL_TIME_ENABLED | unix.PERF_FORMAT_TOTAL_TIME_RUNNING
	}
	return attr
}

// Open opens every added member with the kernel, as one atomic unit: if
// any member's perf_event_open fails, every descriptor opened earlier in
// this call is closed before the error is returned.
func (g *CounterGroup) Open(cfg Config) error {
	if g.opened {
		return fmt.Errorf("%w: group already open", ErrStateInvalid)
	}
	if len(g.members) == 0 {
		return nil
	}

	success := false
	g.target.open()
	defer func() {
		if !success {
			g.target.close()
		}
	}()
	pid, cpu := g.target.pidCPU()

	leaderFd := -1
	for i := range g.members {
		attr := buildAttr(g.members[i].desc, cfg, i == 0)
		if g.debug || cfg.Debug {
			g.attrStrings = append(g.attrStrings, fmt.Sprintf("%+v", attr))
		}

		fd, err := unix.PerfEventOpen(&attr, pid, cpu, leaderFd, unix.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			if errors.Is(err, syscall.EACCES) {
				err = annotateEACCES(err)
			}
			g.closeOpened(i)
			return fmt.Errorf("%w: %v", ErrOpenFailed, err)
		}
		f := os.NewFile(uintptr(fd), "<perf-event>")
		g.members[i].f = f
		if i == 0 {
			leaderFd = fd
		}

		id, err := unix.IoctlGetInt(fd, unix.PERF_EVENT_IOC_ID)
		if err != nil {
			g.closeOpened(i + 1)
			return fmt.Errorf("%w: reading member id: %v", ErrOpenFailed, err)
		}
		g.members[i].id = uint64(id)
	}

	g.opened = true
	success = true
	return nil
}

func annotateEACCES(err error) error {
	const path = "/proc/sys/kernel/perf_event_paranoid"
	data, readErr := os.ReadFile(path)
	data = bytes.TrimSpace(data)
	if val, convErr := strconv.Atoi(string(data)); readErr != nil || convErr != nil || val > 0 {
		return fmt.Errorf("%w (consider: echo 0 | sudo tee %s)", err, path)
	}
	return err
}

// closeOpened closes the first n members' file descriptors, used to roll
// back a partially-succeeded Open.
func (g *CounterGroup) closeOpened(n int) {
	for i := 0; i < n; i++ {
		if g.members[i].f != nil {
			g.members[i].f.Close()
			g.members[i].f = nil
		}
	}
}

func (g *CounterGroup) leaderFd() int {
	if len(g.members) == 0 || g.members[0].f == nil {
		return -1
	}
	return int(g.members[0].f.Fd())
}

// readGroup performs one grouped read() off the leader and decodes it.
func (g *CounterGroup) readGroup() (decodedReadFormat, error) {
	size := readFormatSize(len(g.members), true, true, true, false)
	buf := make([]byte, size)
	n, err := unix.Read(g.leaderFd(), buf)
	if err != nil {
		return decodedReadFormat{}, fmt.Errorf("%w: %v", ErrReadTruncated, err)
	}
	d, _, err := decodeReadFormat(buf[:n], true, true, true, false)
	if err != nil {
		return decodedReadFormat{}, fmt.Errorf("%w: %w", ErrReadTruncated, err)
	}
	return d, nil
}

// Start resets and enables every member, then snapshots the initial
// grouped read as the baseline for ReadValue.
func (g *CounterGroup) Start() error {
	if !g.opened {
		return fmt.Errorf("%w: group not open", ErrStateInvalid)
	}
	if g.running {
		return fmt.Errorf("%w: group already running", ErrStateInvalid)
	}
	fd := g.leaderFd()
	if _, err := unix.IoctlGetInt(fd, unix.PERF_EVENT_IOC_RESET); err != nil {
		return fmt.Errorf("%w: reset: %v", ErrOpenFailed, err)
	}
	if _, err := unix.IoctlGetInt(fd, unix.PERF_EVENT_IOC_ENABLE); err != nil {
		return fmt.Errorf("%w: enable: %v", ErrOpenFailed, err)
	}
	d, err := g.readGroup()
	if err != nil {
		return err
	}
	g.start = d
	g.running = true
	return nil
}

// Stop snapshots the ending grouped read, then disables every member.
func (g *CounterGroup) Stop() error {
	if !g.running {
		return fmt.Errorf("%w: group not running", ErrStateInvalid)
	}
	d, err := g.readGroup()
	if err != nil {
		return err
	}
	g.end = d
	fd := g.leaderFd()
	if _, err := unix.IoctlGetInt(fd, unix.PERF_EVENT_IOC_DISABLE); err != nil {
		return fmt.Errorf("%w: disable: %v", ErrOpenFailed, err)
	}
	g.running = false
	return nil
}

// Close closes every open member descriptor and unlocks the target.
// Close is idempotent.
func (g *CounterGroup) Close() {
	if !g.opened {
		return
	}
	g.closeOpened(len(g.members))
	g.opened = false
	g.running = false
	g.target.close()
}

// ReadValue returns the corrected value of the index-th member across
// the most recent start/stop region: (end.value - start.value) scaled by
// the multiplexing correction Δtime_enabled/Δtime_running, clamped to
// zero when Δtime_running is zero. ok is false if the kernel's grouped
// read did not include this member's id in either snapshot.
func (g *CounterGroup) ReadValue(index int) (value float64, unit string, ok bool) {
	return g.valueFrom(index, g.end)
}

// Snapshot performs a live grouped read of a running (or stopped) group,
// independent of the Stop snapshot. It lets a caller sample counters
// without ending the start/stop region, e.g. to establish a new
// baseline mid-run.
func (g *CounterGroup) Snapshot() (decodedReadFormat, error) {
	if !g.opened {
		return decodedReadFormat{}, fmt.Errorf("%w: group not open", ErrStateInvalid)
	}
	return g.readGroup()
}

// ValueFrom computes the same corrected-delta value as ReadValue, but
// measured from g's Start baseline to an arbitrary snapshot (typically
// one returned by Snapshot) instead of the Stop snapshot.
func (g *CounterGroup) ValueFrom(index int, end decodedReadFormat) (value float64, unit string, ok bool) {
	return g.valueFrom(index, end)
}

func (g *CounterGroup) valueFrom(index int, end decodedReadFormat) (value float64, unit string, ok bool) {
	if index < 0 || index >= len(g.members) {
		return 0, "", false
	}
	m := g.members[index]

	startEntry, ok1 := g.start.findByID(m.id)
	endEntry, ok2 := end.findByID(m.id)
	if !ok1 || !ok2 {
		return 0, m.unit, false
	}

	deltaRaw := float64(endEntry.Value - startEntry.Value)
	deltaEnabled := end.TimeEnabled - g.start.TimeEnabled
	deltaRunning := end.TimeRunning - g.start.TimeRunning

	if deltaRunning == 0 {
		return 0, m.unit, true
	}
	corrected := deltaRaw * (float64(deltaEnabled) / float64(deltaRunning))
	return corrected * m.scale, m.unit, true
}

// AttrStrings returns the perf_event_attr the kernel saw for each member,
// formatted for debugging. It is populated only when Config.Debug was
// set on the call to Open, or SetDebug(true) was called before it.
func (g *CounterGroup) AttrStrings() []string { return g.attrStrings }

// SetDebug enables attribute-string capture on the next Open.
func (g *CounterGroup) SetDebug(debug bool) { g.debug = debug }
