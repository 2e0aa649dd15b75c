// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"fmt"

	"github.com/aclements/go-perfcpp/events"
)

type requestKind int

const (
	requestCounter requestKind = iota
	requestMetric
)

// eventRequest is one name the user added to an EventCounter, along with
// the bookkeeping needed to reproduce insertion order and hidden-ness in
// Result.
type eventRequest struct {
	name   string
	kind   requestKind
	hidden bool

	// Valid only for requestCounter: which group and position within it
	// holds this counter's live value.
	groupIdx, inGroupIdx int
}

// EventCounter is the user-facing counting engine. It accepts event and
// metric names, packs the resulting counters into CounterGroups subject
// to the configured group-count and per-group capacity limits, tracks
// counters that are only present because a metric depends on them, and
// produces a normalized, metric-augmented CounterResult.
//
// An EventCounter is not safe for concurrent use.
type EventCounter struct {
	catalog *events.Catalog
	target  Target
	cfg     Config

	requests     []eventRequest
	requestIndex map[string]int

	groups []*CounterGroup

	opened  bool
	running bool
}

// NewEventCounter returns an empty EventCounter that will resolve names
// against catalog and monitor target once opened.
func NewEventCounter(catalog *events.Catalog, target Target, cfg Config) *EventCounter {
	return &EventCounter{
		catalog:      catalog,
		target:       target,
		cfg:          cfg,
		requestIndex: make(map[string]int),
	}
}

// Add requests that name be counted. An empty name is a group separator:
// it closes the current group so subsequent adds start a fresh one,
// provided a new group is available; otherwise it is a no-op. A name
// already requested is not duplicated — if either the existing or the
// new request is non-hidden, the counter becomes (or remains) visible in
// Result. A name that resolves to a metric recursively adds its required
// events as hidden.
func (c *EventCounter) Add(name string) error {
	if c.opened {
		return fmt.Errorf("%w: EventCounter already opened", ErrStateInvalid)
	}
	return c.add(name, false)
}

func (c *EventCounter) add(name string, hidden bool) error {
	if name == "" {
		c.separator()
		return nil
	}

	if idx, ok := c.requestIndex[name]; ok {
		if !hidden {
			c.requests[idx].hidden = false
		}
		return nil
	}

	if d, err := c.catalog.Resolve(name); err == nil {
		return c.addCounter(name, d, hidden)
	}
	if m, ok := c.catalog.LookupMetric(name); ok {
		idx := len(c.requests)
		c.requests = append(c.requests, eventRequest{name: name, kind: requestMetric, hidden: hidden, groupIdx: -1, inGroupIdx: -1})
		c.requestIndex[name] = idx
		for _, req := range m.Requires {
			if err := c.add(req, true); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %q", ErrCatalogMiss, name)
}

func (c *EventCounter) separator() {
	if len(c.groups) > 0 && c.groups[len(c.groups)-1].Len() > 0 && len(c.groups) < c.cfg.MaxGroups {
		c.groups = append(c.groups, NewCounterGroup(c.target, c.cfg.MaxCountersPerGroup))
	}
}

func (c *EventCounter) addCounter(name string, d events.Descriptor, hidden bool) error {
	if len(c.groups) == 0 {
		if err := c.newGroup(); err != nil {
			return err
		}
	}
	g := c.groups[len(c.groups)-1]
	if g.Full() {
		if err := c.newGroup(); err != nil {
			return err
		}
		g = c.groups[len(c.groups)-1]
	}

	scale, unit, ok := c.catalog.ScaleUnit(name)
	if !ok {
		scale = 1
	}
	groupIdx := len(c.groups) - 1
	inGroupIdx := g.Len()
	if err := g.Add(d, scale, unit); err != nil {
		return err
	}

	idx := len(c.requests)
	c.requests = append(c.requests, eventRequest{name: name, kind: requestCounter, hidden: hidden, groupIdx: groupIdx, inGroupIdx: inGroupIdx})
	c.requestIndex[name] = idx
	return nil
}

func (c *EventCounter) newGroup() error {
	if len(c.groups) >= c.cfg.MaxGroups {
		return ErrCapacityExceeded
	}
	c.groups = append(c.groups, NewCounterGroup(c.target, c.cfg.MaxCountersPerGroup))
	return nil
}

// Start opens (if not already open) and starts every group. If opening
// or starting any group fails, every group opened by this call is closed
// and the error is returned; no counters are left running.
func (c *EventCounter) Start() error {
	if c.running {
		return fmt.Errorf("%w: EventCounter already running", ErrStateInvalid)
	}
	if !c.opened {
		for i, g := range c.groups {
			if g.Len() == 0 {
				continue
			}
			if err := g.Open(c.cfg); err != nil {
				for j := 0; j < i; j++ {
					c.groups[j].Close()
				}
				return err
			}
		}
		c.opened = true
	}

	for i, g := range c.groups {
		if g.Len() == 0 {
			continue
		}
		if err := g.Start(); err != nil {
			for j := 0; j <= i; j++ {
				c.groups[j].Close()
			}
			c.opened = false
			return err
		}
	}
	c.running = true
	return nil
}

// Stop stops every group. The first error encountered is returned, but
// every group is still given a chance to stop.
func (c *EventCounter) Stop() error {
	if !c.running {
		return fmt.Errorf("%w: EventCounter not running", ErrStateInvalid)
	}
	var firstErr error
	for _, g := range c.groups {
		if g.Len() == 0 {
			continue
		}
		if err := g.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.running = false
	return firstErr
}

// Close closes every group's kernel resources. Close is idempotent.
func (c *EventCounter) Close() {
	for _, g := range c.groups {
		g.Close()
	}
	c.opened = false
	c.running = false
}

// Read takes a live snapshot of every group without stopping them,
// and returns a result exactly as Result would after a Stop at this
// instant. It is meant for callers that want to sample counters
// mid-region, e.g. to implement their own baseline/reset logic.
func (c *EventCounter) Read(normalization uint64) *CounterResult {
	if normalization == 0 {
		normalization = 1
	}
	snaps := make([]decodedReadFormat, len(c.groups))
	for i, g := range c.groups {
		if g.Len() == 0 {
			continue
		}
		snap, err := g.Snapshot()
		if err != nil {
			continue
		}
		snaps[i] = snap
	}

	intermediate := NewCounterResult()
	for _, req := range c.requests {
		if req.kind != requestCounter {
			continue
		}
		v, unit, ok := c.groups[req.groupIdx].ValueFrom(req.inGroupIdx, snaps[req.groupIdx])
		if !ok {
			continue
		}
		intermediate.Set(req.name, v/float64(normalization), unit)
	}

	out := NewCounterResult()
	for _, req := range c.requests {
		switch req.kind {
		case requestCounter:
			if req.hidden {
				continue
			}
			if v, ok := intermediate.Get(req.name); ok {
				out.Set(req.name, v, intermediate.Unit(req.name))
			}
		case requestMetric:
			m, ok := c.catalog.LookupMetric(req.name)
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

// Result builds the counter result for the most recent start/stop
// region. Raw counter values are divided by normalization (use 1 for no
// normalization). The result contains, in Add order: one entry per
// non-hidden counter request, and one entry per metric request whose
// dependencies were all available.
func (c *EventCounter) Result(normalization uint64) *CounterResult {
	if normalization == 0 {
		normalization = 1
	}

	intermediate := NewCounterResult()
	for _, req := range c.requests {
		if req.kind != requestCounter {
			continue
		}
		v, unit, ok := c.groups[req.groupIdx].ReadValue(req.inGroupIdx)
		if !ok {
			continue
		}
		intermediate.Set(req.name, v/float64(normalization), unit)
	}

	out := NewCounterResult()
	for _, req := range c.requests {
		switch req.kind {
		case requestCounter:
			if req.hidden {
				continue
			}
			if v, ok := intermediate.Get(req.name); ok {
				out.Set(req.name, v, intermediate.Unit(req.name))
			}
		case requestMetric:
			m, ok := c.catalog.LookupMetric(req.name)
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
