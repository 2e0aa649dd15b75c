// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aclements/go-perfcpp/events"
)

func TestCounterGroupSingle(t *testing.T) {
	catalog := events.NewCatalog()
	d, ok := catalog.LookupEvent("cycles")
	require.True(t, ok)

	g := NewCounterGroup(TargetThisGoroutine, 4)
	require.NoError(t, g.Add(d, 1, ""))
	require.NoError(t, g.Open(NewConfig()))
	defer g.Close()

	require.NoError(t, g.Start())
	require.NoError(t, g.Stop())

	v, _, ok := g.ReadValue(0)
	require.True(t, ok)
	require.GreaterOrEqual(t, v, 0.0)
}

func TestCounterGroupCapacity(t *testing.T) {
	catalog := events.NewCatalog()
	cycles, _ := catalog.LookupEvent("cycles")

	g := NewCounterGroup(TargetThisGoroutine, 1)
	require.NoError(t, g.Add(cycles, 1, ""))
	require.ErrorIs(t, g.Add(cycles, 1, ""), ErrCapacityExceeded)
}

func TestEventCounterSingleThread(t *testing.T) {
	catalog := events.NewCatalog()
	ec := NewEventCounter(catalog, TargetThisGoroutine, NewConfig())

	require.NoError(t, ec.Add("instructions"))
	require.NoError(t, ec.Add("cycles"))
	require.NoError(t, ec.Add("cycles-per-instruction"))
	defer ec.Close()

	require.NoError(t, ec.Start())

	var sum int64
	for i := 0; i < 1<<20; i++ {
		sum += int64(i)
	}
	_ = sum

	require.NoError(t, ec.Stop())

	r := ec.Result(1)
	names := r.Names()
	require.Equal(t, []string{"instructions", "cycles", "cycles-per-instruction"}, names)

	instr, ok := r.Get("instructions")
	require.True(t, ok)
	require.Greater(t, instr, 0.0)

	cycles, ok := r.Get("cycles")
	require.True(t, ok)
	require.Greater(t, cycles, 0.0)

	cpi, ok := r.Get("cycles-per-instruction")
	require.True(t, ok)
	require.InDelta(t, cycles/instr, cpi, 1e-9)
}

func TestEventCounterMetricHidesDependencies(t *testing.T) {
	catalog := events.NewCatalog()
	ec := NewEventCounter(catalog, TargetThisGoroutine, NewConfig())

	require.NoError(t, ec.Add("cycles-per-instruction"))
	require.Equal(t, []string{"cycles-per-instruction", "cycles", "instructions"}, namesOf(ec))

	require.NoError(t, ec.Start())
	require.NoError(t, ec.Stop())
	r := ec.Result(1)
	require.Equal(t, []string{"cycles-per-instruction"}, r.Names())
	ec.Close()

	ec2 := NewEventCounter(catalog, TargetThisGoroutine, NewConfig())
	require.NoError(t, ec2.Add("cycles-per-instruction"))
	require.NoError(t, ec2.Add("cycles"))
	require.NoError(t, ec2.Start())
	require.NoError(t, ec2.Stop())
	r2 := ec2.Result(1)
	require.Equal(t, []string{"cycles-per-instruction", "cycles"}, r2.Names())
	ec2.Close()
}

func namesOf(ec *EventCounter) []string {
	names := make([]string, len(ec.requests))
	for i, r := range ec.requests {
		names[i] = r.name
	}
	return names
}

func TestEventCounterCapacity(t *testing.T) {
	catalog := events.NewCatalog()
	cfg := NewConfig()
	cfg.MaxGroups = 2
	cfg.MaxCountersPerGroup = 2
	ec := NewEventCounter(catalog, TargetThisGoroutine, cfg)
	defer ec.Close()

	names := []string{"cycles", "instructions", "branches", "branch-misses", "cache-misses"}
	var added int
	for _, name := range names {
		if err := ec.Add(name); err != nil {
			require.ErrorIs(t, err, ErrCapacityExceeded)
			continue
		}
		added++
	}
	require.Equal(t, 4, added)

	require.NoError(t, ec.Start())
	require.NoError(t, ec.Stop())
	require.Len(t, ec.Result(1).Names(), 4)
}

func TestEventCounterUnknownName(t *testing.T) {
	catalog := events.NewCatalog()
	ec := NewEventCounter(catalog, TargetThisGoroutine, NewConfig())
	defer ec.Close()
	require.ErrorIs(t, ec.Add("not-a-real-event-name"), ErrCatalogMiss)
}

func TestEventCounterEmptySeparatorIsNoOp(t *testing.T) {
	catalog := events.NewCatalog()
	ec := NewEventCounter(catalog, TargetThisGoroutine, NewConfig())
	defer ec.Close()
	require.NoError(t, ec.Add(""))
	require.NoError(t, ec.Start())
	require.NoError(t, ec.Stop())
	require.Empty(t, ec.Result(1).Names())
}
