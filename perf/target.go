// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"runtime"
	"syscall"
)

// Target specifies what thread, process, or CPU a Counter Group or
// Sampler should monitor.
type Target interface {
	pidCPU() (pid, cpu int)
	open()
	close()
}

type targetThisGoroutine struct{}

// pidCPU reports the calling OS thread's TID. Callers must invoke open
// (which locks the goroutine to its OS thread) before pidCPU, so the TID
// observed is the one that stays under the calling goroutine for the
// rest of the measured lifetime.
func (targetThisGoroutine) pidCPU() (pid, cpu int) { return gettid(), -1 }
func (targetThisGoroutine) open()                  { runtime.LockOSThread() }
func (targetThisGoroutine) close()                 { runtime.UnlockOSThread() }

// TargetThisGoroutine monitors the calling goroutine. Open locks the
// goroutine to its OS thread (via [runtime.LockOSThread]) so the pid the
// kernel sees at open time remains the thread being measured; Close
// unlocks it.
var TargetThisGoroutine = targetThisGoroutine{}

// TargetProcess monitors an arbitrary thread or process ID, identified
// by its Linux TID/PID. It does not lock any goroutine to an OS thread:
// the caller is responsible for the target already existing.
type TargetProcess int

func (t TargetProcess) pidCPU() (pid, cpu int) { return int(t), -1 }
func (t TargetProcess) open()                  {}
func (t TargetProcess) close()                 {}

// TargetCPU monitors all tasks scheduled on a given CPU core, regardless
// of which process they belong to. This requires CAP_PERFMON (or running
// as root) on most systems.
type TargetCPU int

func (t TargetCPU) pidCPU() (pid, cpu int) { return -1, int(t) }
func (t TargetCPU) open()                  {}
func (t TargetCPU) close()                 {}

// gettid returns the Linux thread ID of the calling OS thread. Callers
// must have already called runtime.LockOSThread.
func gettid() int {
	return syscall.Gettid()
}
