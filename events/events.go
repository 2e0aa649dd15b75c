// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

// Package events is the event catalog: the mapping from human-readable
// event names to the (pmu_type, event_id, event_id_ext) descriptors the
// kernel's perf_event_open accepts, plus the derived metrics built on top
// of them.
package events

import (
	"fmt"
	"sync"
)

// A Descriptor identifies a performance event the kernel can open: the
// PMU type it belongs to, its config value, and up to two config
// extension words (config1/config2) some PMUs require.
//
// A Descriptor is immutable once returned from a Catalog; its identity is
// its Name.
type Descriptor struct {
	Name       string
	PMUType    uint32
	EventID    uint64
	EventIDExt [2]uint64
}

// Values is the read-only view a Metric computes over: a named set of
// already-normalized counter values. perf.CounterResult implements this.
type Values interface {
	Get(name string) (float64, bool)
}

// A Metric is a named derivation computed from a set of required counter
// values. Metrics are a closed, small polymorphic variant: new metrics are
// registered by constructing a Metric value, not by implementing an
// interface hierarchy.
type Metric struct {
	Name     string
	Requires []string
	Compute  func(Values) (float64, bool)
}

// Catalog maps event names to Descriptors and metric names to Metrics.
//
// A Catalog's lifetime must exceed every perf.EventCounter or
// perf.Sampler built against it: those resolve event names against the
// Catalog when the names are added and look metrics up in it again when
// building a result; they never copy out a Metric's closure independently
// of its owning Catalog.
//
// A zero Catalog is not usable; construct one with NewCatalog.
type Catalog struct {
	mu        sync.RWMutex
	events    map[string]Descriptor
	metrics   map[string]*Metric
	scaleUnit map[string]scaleUnit
}

// NewCatalog returns a Catalog pre-populated with the built-in hardware,
// software, and cache events and the built-in derived metrics (see
// builtin.go).
func NewCatalog() *Catalog {
	c := &Catalog{
		events:    make(map[string]Descriptor, 128),
		metrics:   make(map[string]*Metric, 16),
		scaleUnit: make(map[string]scaleUnit),
	}
	c.addBuiltinEvents()
	c.addBuiltinMetrics()
	return c
}

// Add registers (or overwrites) an event descriptor under name. Name
// collisions replace the previous registration.
func (c *Catalog) Add(name string, pmuType uint32, eventID uint64, ext ...uint64) {
	var e [2]uint64
	copy(e[:], ext)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[name] = Descriptor{Name: name, PMUType: pmuType, EventID: eventID, EventIDExt: e}
}

// AddMetric registers (or overwrites) a metric under its own Name.
func (c *Catalog) AddMetric(m *Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics[m.Name] = m
}

// LookupEvent returns the descriptor registered under name, if any.
func (c *Catalog) LookupEvent(name string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.events[name]
	return d, ok
}

// IsMetric reports whether name refers to a registered metric.
func (c *Catalog) IsMetric(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.metrics[name]
	return ok
}

// LookupMetric returns the metric registered under name, if any.
func (c *Catalog) LookupMetric(name string) (*Metric, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.metrics[name]
	return m, ok
}

// Resolve returns the descriptor for name, first checking the static
// table (LookupEvent) and, failing that, falling back to dynamic
// resolution against /sys/bus/event_source/devices and `perf list -j`
// (ParseDynamicEvent). A successfully resolved dynamic event is cached
// into the Catalog under name so repeated calls and EventCounter.Add
// don't re-walk /sys.
func (c *Catalog) Resolve(name string) (Descriptor, error) {
	if d, ok := c.LookupEvent(name); ok {
		return d, nil
	}
	d, scale, unit, err := ParseDynamicEvent(name)
	if err != nil {
		return Descriptor{}, fmt.Errorf("resolving event %q: %w", name, err)
	}
	c.Add(d.Name, d.PMUType, d.EventID, d.EventIDExt[0], d.EventIDExt[1])
	c.mu.Lock()
	c.scaleUnit[d.Name] = scaleUnit{scale, unit}
	c.mu.Unlock()
	return d, nil
}

// ScaleUnit returns the scale factor and unit a dynamically resolved
// event's PMU (or `perf list -j` entry) associates with its raw counter
// values, for callers reporting values in PMU-native units rather than
// raw kernel counts. It returns (1, "", false) for events that were never
// resolved through Resolve (including all statically registered builtin
// events, which have no PMU-supplied scale).
func (c *Catalog) ScaleUnit(name string) (scale float64, unit string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	su, ok := c.scaleUnit[name]
	if !ok {
		return 1, "", false
	}
	return su.scale, su.unit, true
}

type scaleUnit struct {
	scale float64
	unit  string
}
