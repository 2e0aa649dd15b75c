// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfbench

import (
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/aclements/go-perfcpp/events"
	"github.com/aclements/go-perfcpp/perf"
)

// TODO: Support derived events that use event groups explicitly chosen
// by the caller, rather than just the catalog defaults.

var defaultEventNames = []string{
	"cycles",
	"instructions",
	"cache-misses",
	"cache-references",
	"branches",
	"L1-dcache-loads",
	"L1-dcache-load-misses",
}

type countersOS struct {
	b  testingB
	bN int

	catalog  *events.Catalog
	ec       *perf.EventCounter
	names    []string
	baseline map[string]float64
}

var printUnits = sync.OnceFunc(func() {
	for _, name := range defaultEventNames {
		// Currently all events are better=lower.
		fmt.Printf("Unit %s/op better=lower\n", name)
	}
	fmt.Printf("\n")
})

// testingB is the *testing.B interface needed by Counters. Used for testing.
type testingB interface {
	ReportMetric(n float64, unit string)
	Logf(format string, args ...any)
	Cleanup(func())
}

var openErrors sync.Map

func openOS(b *testing.B) *Counters {
	printUnits()
	return open(b, b.N)
}

func open(b testingB, bN int) *Counters {
	catalog := events.NewCatalog()
	ec := perf.NewEventCounter(catalog, perf.TargetThisGoroutine, perf.NewConfig())

	var added []string
	for _, name := range defaultEventNames {
		if err := ec.Add(name); err != nil {
			// Only report each error once, to avoid flooding benchmark log.
			msg := fmt.Sprintf("error adding counter %s: %v", name, err)
			if _, prev := openErrors.Swap(msg, true); !prev {
				b.Logf("%s", msg)
			}
			continue
		}
		added = append(added, name)
	}

	cs := &Counters{countersOS{
		b:        b,
		bN:       bN,
		catalog:  catalog,
		ec:       ec,
		names:    added,
		baseline: make(map[string]float64),
	}}

	if err := ec.Start(); err != nil {
		msg := fmt.Sprintf("error starting counters: %v", err)
		if _, prev := openErrors.Swap(msg, true); !prev {
			b.Logf("%s", msg)
		}
	}

	b.Cleanup(cs.close)
	return cs
}

func (cs *Counters) startOS() {
	// A redundant Start is harmless here, mirroring testing.B's own
	// StartTimer contract; EventCounter itself rejects a double start.
	_ = cs.ec.Start()
}

func (cs *Counters) stopOS() {
	_ = cs.ec.Stop()
}

func (cs *Counters) resetOS() {
	// perf_event has a concept of resetting a counter, but it doesn't
	// reset the counter's timers, so instead we track our own baseline
	// against a live read.
	r := cs.ec.Read(1)
	for _, name := range cs.names {
		v, _ := r.Get(name)
		cs.baseline[name] = v
	}
}

func (cs *Counters) totalOS(name string) (float64, bool) {
	r := cs.ec.Read(1)
	v, ok := r.Get(name)
	if !ok {
		return 0, false
	}
	return v - cs.baseline[name], true
}

func (cs *Counters) close() {
	if cs.b == nil {
		return
	}

	cs.Stop()
	final := cs.ec.Read(1)
	for _, name := range cs.names {
		v, ok := final.Get(name)
		if !ok {
			continue
		}
		v -= cs.baseline[name]
		v /= float64(max(cs.bN, 1))
		if math.IsInf(v, 0) || math.IsNaN(v) {
			continue
		}
		cs.b.ReportMetric(v, name+"/op")
	}
	cs.ec.Close()
	cs.b = nil
}
