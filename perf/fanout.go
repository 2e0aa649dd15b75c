// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"fmt"
	"runtime"

	"github.com/aclements/go-perfcpp/events"
)

// FanOut replicates an EventCounter template across a set of targets and
// aggregates their per-instance results into one. Each target gets its
// own independent group set, opened and driven from this type; derived
// metrics are recomputed on the summed raw counters, never averaged from
// per-instance metric values.
//
// A FanOut is not safe for concurrent use by its owner, but internally
// coordinates the per-thread goroutines it spawns for the per-thread
// case.
type FanOut struct {
	catalog *events.Catalog
	cfg     Config
	names   []string

	counters []*EventCounter
	targets  []Target

	// perThread is true for FanOutThreads instances, where pid=gettid()
	// ties each Event Counter to one specific OS thread: that thread
	// must stay parked on its own locked goroutine from Start through
	// Stop, and the workload itself must run there too (via Run) for
	// anything to be counted.
	perThread bool
	threads   []*fanOutThread
}

// fanOutThread drives one per-thread instance's Start/work/Stop sequence
// on a single goroutine locked to its own OS thread for the instance's
// entire lifetime.
type fanOutThread struct {
	ec       *EventCounter
	work     chan func()
	startErr chan error
	stopErr  chan error
}

func (t *fanOutThread) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	err := t.ec.Start()
	t.startErr <- err
	if err != nil {
		return
	}
	for fn := range t.work {
		fn()
	}
	t.stopErr <- t.ec.Stop()
}

// newFanOut builds one EventCounter per target and replays the add
// sequence recorded in names onto each.
func newFanOut(catalog *events.Catalog, cfg Config, names []string, targets []Target) (*FanOut, error) {
	_, perThread := targets[0].(targetThisGoroutine)
	f := &FanOut{catalog: catalog, cfg: cfg, names: names, targets: targets, perThread: perThread}
	for _, t := range targets {
		ec := NewEventCounter(catalog, t, cfg)
		for _, name := range names {
			if err := ec.Add(name); err != nil {
				return nil, err
			}
		}
		f.counters = append(f.counters, ec)
	}
	return f, nil
}

// FanOutThreads builds a per-thread FanOut: n independent goroutines,
// each counting on its own OS thread (pid = gettid(), captured when that
// goroutine's instance starts).
func FanOutThreads(catalog *events.Catalog, cfg Config, names []string, n int) (*FanOut, error) {
	targets := make([]Target, n)
	for i := range targets {
		targets[i] = TargetThisGoroutine
	}
	return newFanOut(catalog, cfg, names, targets)
}

// FanOutProcesses builds a per-process FanOut over the given PID list.
func FanOutProcesses(catalog *events.Catalog, cfg Config, names []string, pids []int) (*FanOut, error) {
	targets := make([]Target, len(pids))
	for i, pid := range pids {
		targets[i] = TargetProcess(pid)
	}
	return newFanOut(catalog, cfg, names, targets)
}

// FanOutCPUs builds a per-CPU FanOut over the given CPU-ID list,
// monitoring all tasks scheduled on each core (pid = -1).
func FanOutCPUs(catalog *events.Catalog, cfg Config, names []string, cpus []int) (*FanOut, error) {
	targets := make([]Target, len(cpus))
	for i, cpu := range cpus {
		targets[i] = TargetCPU(cpu)
	}
	return newFanOut(catalog, cfg, names, targets)
}

// Start starts every instance. For TargetThisGoroutine instances (the
// per-thread case) each instance is started on its own goroutine, which
// stays locked to its own OS thread and parked there for the rest of the
// FanOut's lifetime: call Run to actually execute the measured workload
// on that thread, then Stop to stop and unpark every instance.
// TargetThisGoroutine's pid=gettid() is captured by the worker goroutine
// itself, once locked, in Start. For process/CPU instances, which target
// an already-identified pid or CPU, Start runs them from the caller's
// goroutine since there is no "calling thread" to measure.
func (f *FanOut) Start() error {
	if !f.perThread {
		for i, ec := range f.counters {
			if err := ec.Start(); err != nil {
				f.rollback(i)
				return err
			}
		}
		return nil
	}

	f.threads = make([]*fanOutThread, len(f.counters))
	for i, ec := range f.counters {
		th := &fanOutThread{
			ec:       ec,
			work:     make(chan func()),
			startErr: make(chan error, 1),
			stopErr:  make(chan error, 1),
		}
		f.threads[i] = th
		go th.run()
	}

	for i, th := range f.threads {
		if err := <-th.startErr; err != nil {
			f.abortThreads(i)
			return fmt.Errorf("fan-out instance %d: %w", i, err)
		}
	}
	return nil
}

func (f *FanOut) rollback(n int) {
	for i := 0; i < n; i++ {
		f.counters[i].Close()
	}
}

// abortThreads unwinds the first n per-thread instances, all of which
// started successfully and are parked waiting on their work channel; it
// tells each to stop and waits for its goroutine to unlock and exit
// before closing its kernel resources.
func (f *FanOut) abortThreads(n int) {
	for i := 0; i < n; i++ {
		th := f.threads[i]
		close(th.work)
		<-th.stopErr
		f.counters[i].Close()
	}
}

// Run executes work(i) for every instance's measured region. For
// per-thread instances, work(i) runs on instance i's own locked OS
// thread — the thread the Event Counter opened against — so anything it
// does between Start and Stop is what gets counted; Run blocks until
// every instance's work(i) call returns. For per-process/per-CPU
// instances, which reference an already-running external task rather
// than code this call can execute, work(i) simply runs once from the
// caller's goroutine; callers typically use it to wait for or drive the
// external target's own work instead.
func (f *FanOut) Run(work func(i int)) error {
	if !f.perThread {
		for i := range f.counters {
			work(i)
		}
		return nil
	}

	dones := make([]chan struct{}, len(f.threads))
	for i, th := range f.threads {
		i, th := i, th
		done := make(chan struct{})
		dones[i] = done
		th.work <- func() {
			work(i)
			close(done)
		}
	}
	for _, done := range dones {
		<-done
	}
	return nil
}

// Stop stops every instance, returning the first error encountered. For
// per-thread instances this also unparks and joins each worker goroutine,
// unlocking its OS thread.
func (f *FanOut) Stop() error {
	if !f.perThread {
		var firstErr error
		for _, ec := range f.counters {
			if err := ec.Stop(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	var firstErr error
	for _, th := range f.threads {
		close(th.work)
		if err := <-th.stopErr; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes every instance's kernel resources.
func (f *FanOut) Close() {
	for _, ec := range f.counters {
		ec.Close()
	}
}

// Result aggregates every instance's result by summing raw per-counter
// values before recomputing metrics, so a ratio metric reflects the sum
// across instances rather than the mean of per-instance ratios.
func (f *FanOut) Result(normalization uint64) *CounterResult {
	intermediate := NewCounterResult()
	for _, ec := range f.counters {
		for _, req := range ec.requests {
			if req.kind != requestCounter {
				continue
			}
			v, unit, ok := ec.groups[req.groupIdx].ReadValue(req.inGroupIdx)
			if !ok {
				continue
			}
			if normalization == 0 {
				normalization = 1
			}
			cur, _ := intermediate.Get(req.name)
			intermediate.Set(req.name, cur+v/float64(normalization), unit)
		}
	}

	out := NewCounterResult()
	if len(f.counters) == 0 {
		return out
	}
	for _, req := range f.counters[0].requests {
		switch req.kind {
		case requestCounter:
			if req.hidden {
				continue
			}
			if v, ok := intermediate.Get(req.name); ok {
				out.Set(req.name, v, intermediate.Unit(req.name))
			}
		case requestMetric:
			m, ok := f.catalog.LookupMetric(req.name)
			if !ok {
				continue
			}
			if v, ok := m.Compute(intermediate); ok {
				out.Set(req.name, v, "")
			}
		}
	}
	return out
}
