// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

// CounterResult holds the output of an Event Counter or Sampler
// grouped-read decode: a set of named values in insertion order. It
// implements events.Values so catalog metrics can be computed directly
// against it.
type CounterResult struct {
	order  []string
	values map[string]float64
	units  map[string]string
}

// NewCounterResult returns an empty CounterResult.
func NewCounterResult() *CounterResult {
	return &CounterResult{values: make(map[string]float64), units: make(map[string]string)}
}

// Get implements events.Values.
func (r *CounterResult) Get(name string) (float64, bool) {
	if r == nil {
		return 0, false
	}
	v, ok := r.values[name]
	return v, ok
}

// Set records (or overwrites) the value for name. If name is new, it is
// appended to iteration order; if name already exists, its value is
// overwritten in place and its position in the order is unchanged.
func (r *CounterResult) Set(name string, value float64, unit string) {
	if _, ok := r.values[name]; !ok {
		r.order = append(r.order, name)
	}
	r.values[name] = value
	r.units[name] = unit
}

// Unit returns the unit string recorded for name, or "" if none was
// ever set.
func (r *CounterResult) Unit(name string) string {
	return r.units[name]
}

// Names returns the result's keys in insertion order.
func (r *CounterResult) Names() []string {
	return r.order
}

// Add sums other into r: every key in other is added to r's value for
// that key (treating a missing key in r as 0), and any key not already
// in r is appended in other's order. This is the same summing rule
// FanOut.Result applies to per-instance counters before computing
// metrics, so derived ratios are computed on the sum rather than
// averaged per-instance.
func (r *CounterResult) Add(other *CounterResult) {
	if other == nil {
		return
	}
	for _, name := range other.order {
		v := other.values[name]
		if _, ok := r.values[name]; !ok {
			r.order = append(r.order, name)
			r.units[name] = other.units[name]
		}
		r.values[name] += v
	}
}
