// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package events

import (
	"sort"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// addBuiltinEvents populates c with the canonical PERF_TYPE_HARDWARE,
// PERF_TYPE_SOFTWARE, and PERF_TYPE_HW_CACHE events, grounded on
// original_source's counter_definition.cpp::initialized_default_counters.
func (c *Catalog) addBuiltinEvents() {
	hw := func(name string, config uint64) { c.Add(name, unix.PERF_TYPE_HARDWARE, config) }
	sw := func(name string, config uint64) { c.Add(name, unix.PERF_TYPE_SOFTWARE, config) }
	cache := func(name string, cacheID, op, result uint64) {
		c.Add(name, unix.PERF_TYPE_HW_CACHE, cacheID|(op<<8)|(result<<16))
	}

	hw("instructions", unix.PERF_COUNT_HW_INSTRUCTIONS)
	hw("cycles", unix.PERF_COUNT_HW_CPU_CYCLES)
	hw("cpu-cycles", unix.PERF_COUNT_HW_CPU_CYCLES)
	hw("bus-cycles", unix.PERF_COUNT_HW_BUS_CYCLES)
	hw("cache-misses", unix.PERF_COUNT_HW_CACHE_MISSES)
	hw("cache-references", unix.PERF_COUNT_HW_CACHE_REFERENCES)
	hw("branches", unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS)
	hw("branch-instructions", unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS)
	hw("branch-misses", unix.PERF_COUNT_HW_BRANCH_MISSES)
	hw("stalled-cycles-backend", unix.PERF_COUNT_HW_STALLED_CYCLES_BACKEND)
	hw("idle-cycles-backend", unix.PERF_COUNT_HW_STALLED_CYCLES_BACKEND)
	hw("stalled-cycles-frontend", unix.PERF_COUNT_HW_STALLED_CYCLES_FRONTEND)
	hw("idle-cycles-frontend", unix.PERF_COUNT_HW_STALLED_CYCLES_FRONTEND)
	hw("ref-cycles", unix.PERF_COUNT_HW_REF_CPU_CYCLES)

	sw("cpu-clock", unix.PERF_COUNT_SW_CPU_CLOCK)
	sw("task-clock", unix.PERF_COUNT_SW_TASK_CLOCK)
	sw("page-faults", unix.PERF_COUNT_SW_PAGE_FAULTS)
	sw("faults", unix.PERF_COUNT_SW_PAGE_FAULTS)
	sw("major-faults", unix.PERF_COUNT_SW_PAGE_FAULTS_MAJ)
	sw("minor-faults", unix.PERF_COUNT_SW_PAGE_FAULTS_MIN)
	sw("alignment-faults", unix.PERF_COUNT_SW_ALIGNMENT_FAULTS)
	sw("emulation-faults", unix.PERF_COUNT_SW_EMULATION_FAULTS)
	sw("context-switches", unix.PERF_COUNT_SW_CONTEXT_SWITCHES)
	sw("cs", unix.PERF_COUNT_SW_CONTEXT_SWITCHES)
	sw("bpf-output", unix.PERF_COUNT_SW_BPF_OUTPUT)
	sw("cpu-migrations", unix.PERF_COUNT_SW_CPU_MIGRATIONS)
	sw("migrations", unix.PERF_COUNT_SW_CPU_MIGRATIONS)
	sw("dummy", unix.PERF_COUNT_SW_DUMMY)

	const (
		read  = unix.PERF_COUNT_HW_CACHE_OP_READ
		write = unix.PERF_COUNT_HW_CACHE_OP_WRITE
		acc   = unix.PERF_COUNT_HW_CACHE_RESULT_ACCESS
		miss  = unix.PERF_COUNT_HW_CACHE_RESULT_MISS
	)
	cache("L1-dcache-loads", unix.PERF_COUNT_HW_CACHE_L1D, read, acc)
	cache("L1-dcache-load-misses", unix.PERF_COUNT_HW_CACHE_L1D, read, miss)
	cache("L1-dcache-stores", unix.PERF_COUNT_HW_CACHE_L1D, write, acc)
	cache("L1-icache-loads", unix.PERF_COUNT_HW_CACHE_L1I, read, acc)
	cache("L1-icache-load-misses", unix.PERF_COUNT_HW_CACHE_L1I, read, miss)
	cache("LLC-loads", unix.PERF_COUNT_HW_CACHE_LL, read, acc)
	cache("LLC-load-misses", unix.PERF_COUNT_HW_CACHE_LL, read, miss)
	cache("dTLB-loads", unix.PERF_COUNT_HW_CACHE_DTLB, read, acc)
	cache("dTLB-load-misses", unix.PERF_COUNT_HW_CACHE_DTLB, read, miss)
	cache("iTLB-loads", unix.PERF_COUNT_HW_CACHE_ITLB, read, acc)
	cache("iTLB-load-misses", unix.PERF_COUNT_HW_CACHE_ITLB, read, miss)
}

// addBuiltinMetrics populates c with the derived ratios original_source's
// metric.h defines as concrete Metric subclasses.
//
// cache-hit-ratio computes references/misses, not misses/references. That
// is the formula original_source actually implements; it's kept verbatim
// rather than "corrected" to references/(references+misses) or similar.
// The name is legacy, not the bug.
func (c *Catalog) addBuiltinMetrics() {
	ratio := func(name, num, den string) *Metric {
		return &Metric{
			Name:     name,
			Requires: []string{num, den},
			Compute: func(v Values) (float64, bool) {
				a, aok := v.Get(num)
				b, bok := v.Get(den)
				if !aok || !bok || b == 0 {
					return 0, false
				}
				return a / b, true
			},
		}
	}
	c.AddMetric(ratio("cycles-per-instruction", "cycles", "instructions"))
	c.AddMetric(ratio("cache-hit-ratio", "cache-references", "cache-misses"))
	c.AddMetric(ratio("dTLB-miss-ratio", "dTLB-load-misses", "dTLB-loads"))
	c.AddMetric(ratio("iTLB-miss-ratio", "iTLB-load-misses", "iTLB-loads"))
	c.AddMetric(ratio("L1-data-miss-ratio", "L1-dcache-load-misses", "L1-dcache-loads"))
}

// The rest of this file is the dynamic symbolic-event resolver, used by
// ParseDynamicEvent (parse.go) to resolve names like "l1d-loads" or
// "L1-dcache-prefetch-miss" that aren't pre-registered in a Catalog's static
// table, mirroring parse-events.c's built-in symbol tables.

type builtinEvent struct {
	pmu    uint32
	config uint64
}

type cacheEventName struct {
	name   string
	config uint64
}

// builtinDynamic are the event names that correspond to well-known perf
// event configs and thus generally don't appear in /sys.
var builtinDynamic struct {
	cpu      map[string]builtinEvent // No PMU or cpu/ PMU
	software map[string]builtinEvent // No PMU

	cache        []cacheEventName
	cacheOp      []cacheEventName
	cacheResult  []cacheEventName
	cacheAllowed map[uint64]uint8 // Cache level -> bitmap of cache op

	once sync.Once
}

func resolveBuiltinEvent(pmu, eventName string) (Descriptor, bool) {
	builtinDynamic.once.Do(func() {
		// See parse-events.c:event_symbols_hw
		builtinDynamic.cpu = make(map[string]builtinEvent)
		hw := func(config uint64, names ...string) {
			ev := builtinEvent{unix.PERF_TYPE_HARDWARE, config}
			for _, name := range names {
				builtinDynamic.cpu[name] = ev
			}
		}
		hw(unix.PERF_COUNT_HW_CPU_CYCLES, "cpu-cycles", "cycles")
		hw(unix.PERF_COUNT_HW_INSTRUCTIONS, "instructions")
		hw(unix.PERF_COUNT_HW_CACHE_REFERENCES, "cache-references")
		hw(unix.PERF_COUNT_HW_CACHE_MISSES, "cache-misses")
		hw(unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS, "branch-instructions", "branches")
		hw(unix.PERF_COUNT_HW_BRANCH_MISSES, "branch-misses")
		hw(unix.PERF_COUNT_HW_BUS_CYCLES, "bus-cycles")
		hw(unix.PERF_COUNT_HW_STALLED_CYCLES_FRONTEND, "stalled-cycles-frontend", "idle-cycles-frontend")
		hw(unix.PERF_COUNT_HW_STALLED_CYCLES_BACKEND, "stalled-cycles-backend", "idle-cycles-backend")
		hw(unix.PERF_COUNT_HW_REF_CPU_CYCLES, "ref-cycles")

		// See parse-events.c:event_symbols_sw
		builtinDynamic.software = make(map[string]builtinEvent)
		sw := func(config uint64, names ...string) {
			ev := builtinEvent{unix.PERF_TYPE_SOFTWARE, config}
			for _, name := range names {
				builtinDynamic.software[name] = ev
			}
		}
		sw(unix.PERF_COUNT_SW_CPU_CLOCK, "cpu-clock")
		sw(unix.PERF_COUNT_SW_TASK_CLOCK, "task-clock")
		sw(unix.PERF_COUNT_SW_PAGE_FAULTS, "page-faults", "faults")
		sw(unix.PERF_COUNT_SW_CONTEXT_SWITCHES, "context-switches", "cs")
		sw(unix.PERF_COUNT_SW_CPU_MIGRATIONS, "cpu-migrations", "migrations")
		sw(unix.PERF_COUNT_SW_PAGE_FAULTS_MIN, "minor-faults")
		sw(unix.PERF_COUNT_SW_PAGE_FAULTS_MAJ, "major-faults")
		sw(unix.PERF_COUNT_SW_ALIGNMENT_FAULTS, "alignment-faults")
		sw(unix.PERF_COUNT_SW_EMULATION_FAULTS, "emulation-faults")
		sw(unix.PERF_COUNT_SW_DUMMY, "dummy")
		sw(unix.PERF_COUNT_SW_BPF_OUTPUT, "bpf-output")
		// The unix package doesn't know this one.
		//sw(unix.PERF_COUNT_SW_CGROUP_SWITCHES, "cgroup-switches")

		var m *[]cacheEventName
		c := func(config uint64, names ...string) {
			for _, name := range names {
				(*m) = append(*m, cacheEventName{name, config})
			}
		}
		cSort := func() {
			// Put longer names earlier for matching.
			sort.Slice(*m, func(i, j int) bool {
				return len((*m)[i].name) > len((*m)[j].name)
			})
		}
		// See evsel.c:evsel__hw_cache
		m = &builtinDynamic.cache
		c(unix.PERF_COUNT_HW_CACHE_L1D, "L1-dcache", "l1-d", "l1d", "L1-data")
		c(unix.PERF_COUNT_HW_CACHE_L1I, "L1-icache", "l1-i", "l1i", "L1-instruction")
		c(unix.PERF_COUNT_HW_CACHE_LL, "LLC", "L2")
		c(unix.PERF_COUNT_HW_CACHE_DTLB, "dTLB", "d-tlb", "Data-TLB")
		c(unix.PERF_COUNT_HW_CACHE_ITLB, "iTLB", "i-tlb", "Instruction-TLB")
		c(unix.PERF_COUNT_HW_CACHE_BPU, "branch", "branches", "bpu", "btb", "bpc")
		c(unix.PERF_COUNT_HW_CACHE_NODE, "node")
		cSort()
		// See evsel.c:evsel__hw_cache_op
		m = &builtinDynamic.cacheOp
		c(unix.PERF_COUNT_HW_CACHE_OP_READ, "load", "loads", "read")
		c(unix.PERF_COUNT_HW_CACHE_OP_WRITE, "store", "stores", "write")
		c(unix.PERF_COUNT_HW_CACHE_OP_PREFETCH, "prefetch", "prefetches", "speculative-read", "speculative-load")
		cSort()
		// evsel.c:evsel__hw_cache_result
		m = &builtinDynamic.cacheResult
		c(unix.PERF_COUNT_HW_CACHE_RESULT_ACCESS, "refs", "Reference", "ops", "access")
		c(unix.PERF_COUNT_HW_CACHE_RESULT_MISS, "misses", "miss")
		cSort()

		r := uint8(1) << unix.PERF_COUNT_HW_CACHE_OP_READ
		w := uint8(1) << unix.PERF_COUNT_HW_CACHE_OP_WRITE
		p := uint8(1) << unix.PERF_COUNT_HW_CACHE_OP_PREFETCH
		builtinDynamic.cacheAllowed = map[uint64]uint8{
			unix.PERF_COUNT_HW_CACHE_L1D:  r | w | p,
			unix.PERF_COUNT_HW_CACHE_L1I:  r | p,
			unix.PERF_COUNT_HW_CACHE_LL:   r | w | p,
			unix.PERF_COUNT_HW_CACHE_DTLB: r | w | p,
			unix.PERF_COUNT_HW_CACHE_ITLB: r,
			unix.PERF_COUNT_HW_CACHE_BPU:  r,
			unix.PERF_COUNT_HW_CACHE_NODE: r | w | p,
		}
	})

	// All builtin events are either under no PMU or under cpu/.
	if !(pmu == "" || pmu == "cpu") {
		return Descriptor{}, false
	}

	// CPU events can be used with or without a PMU name.
	if e, ok := builtinDynamic.cpu[eventName]; ok {
		return Descriptor{Name: eventName, PMUType: e.pmu, EventID: e.config}, true
	}

	// Software events can only be used with no PMU name.
	if pmu == "" {
		if e, ok := builtinDynamic.software[eventName]; ok {
			return Descriptor{Name: eventName, PMUType: e.pmu, EventID: e.config}, true
		}
	}

	// Try to parse it as a cache event name, which can be used with or
	// without a PMU name. See parse-events.c:parse_events__decode_legacy_cache
	// and parse-events.l:PE_LEGACY_CACHE.
	findCache := func(s string, names []cacheEventName) (uint64, string, bool) {
		for i := range names {
			name := names[i].name
			if s == name {
				return names[i].config, "", true
			}
			if strings.HasPrefix(s, name) && s[len(name)] == '-' {
				return names[i].config, s[len(name)+1:], true
			}
		}
		return 0, "", false
	}
	if config, s, ok := findCache(eventName, builtinDynamic.cache); ok {
		op := uint64(unix.PERF_COUNT_HW_CACHE_OP_READ)
		result := uint64(unix.PERF_COUNT_HW_CACHE_RESULT_ACCESS)
		var haveOp, haveResult bool
		for i := 0; i < 2 && s != ""; i++ {
			if !haveOp {
				if op2, s2, ok := findCache(s, builtinDynamic.cacheOp); ok {
					op, s, haveOp = op2, s2, true
					continue
				}
			}
			if !haveResult {
				if result2, s2, ok := findCache(s, builtinDynamic.cacheResult); ok {
					result, s, haveResult = result2, s2, true
					continue
				}
			}
		}
		if s == "" {
			// Parsed the whole event. Check if it's an allowed combination.
			if builtinDynamic.cacheAllowed[config]&(1<<op) != 0 {
				config |= (op << 8) | (result << 16)
				return Descriptor{Name: eventName, PMUType: unix.PERF_TYPE_HW_CACHE, EventID: config}, true
			}
		}
	}

	return Descriptor{}, false
}
