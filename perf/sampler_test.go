// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aclements/go-perfcpp/events"
)

func TestSamplerIPAndTime(t *testing.T) {
	catalog := events.NewCatalog()
	cfg := NewSampleConfig()

	s := NewSampler(catalog, TargetThisGoroutine, cfg)
	require.NoError(t, s.Trigger(TriggerSpec{Name: "cycles", Precision: Unspecified, Period: 4000}))
	s.Values(NewSampleFields().Time().Period().InstructionPointer().CPU())

	require.NoError(t, s.Start())

	buf := make([]byte, 512*1024*1024/8)
	r := rand.New(rand.NewSource(1))
	for i := range buf {
		buf[r.Intn(len(buf))] = byte(i)
	}

	require.NoError(t, s.Stop())
	samples, err := s.Result(true)
	require.NoError(t, err)

	if len(samples) == 0 {
		t.Skip("no samples produced; environment may not support cycles sampling")
	}

	var lastTime uint64
	for _, sample := range samples {
		require.NotNil(t, sample.Time)
		require.NotNil(t, sample.Period)
		require.NotNil(t, sample.InstructionPointer)
		require.NotNil(t, sample.CPU)
		require.Nil(t, sample.Addr)
		require.GreaterOrEqual(t, *sample.Time, lastTime)
		lastTime = *sample.Time
	}

	require.NoError(t, s.Close())
}

func TestSamplerLostRecords(t *testing.T) {
	catalog := events.NewCatalog()
	cfg := NewSampleConfig()
	cfg.BufferPages = 2

	s := NewSampler(catalog, TargetThisGoroutine, cfg)
	require.NoError(t, s.Trigger(TriggerSpec{Name: "cycles", Precision: Unspecified, Period: 1}))
	s.Values(NewSampleFields().Time().InstructionPointer().Callchain())

	require.NoError(t, s.Start())

	buf := make([]byte, 64*1024*1024/8)
	r := rand.New(rand.NewSource(2))
	for i := range buf {
		buf[r.Intn(len(buf))] = byte(i)
	}

	require.NoError(t, s.Stop())
	samples, err := s.Result(false)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	var sawLoss bool
	for _, sample := range samples {
		if sample.IsLoss {
			sawLoss = true
			require.Greater(t, sample.CountLoss, uint64(0))
		}
	}
	if !sawLoss {
		t.Skip("kernel did not overrun the tiny ring on this run")
	}
}

func TestSamplerStateMachine(t *testing.T) {
	catalog := events.NewCatalog()
	s := NewSampler(catalog, TargetThisGoroutine, NewSampleConfig())
	require.NoError(t, s.Trigger(TriggerSpec{Name: "cycles", Period: 10000}))

	require.ErrorIs(t, s.Stop(), ErrStateInvalid)
	require.ErrorIs(t, s.Close(), ErrStateInvalid)

	require.NoError(t, s.Start())
	require.ErrorIs(t, s.Start(), ErrStateInvalid)

	require.NoError(t, s.Stop())
	require.ErrorIs(t, s.Stop(), ErrStateInvalid)

	_, err := s.Result(false)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestSamplerUnknownTriggerName(t *testing.T) {
	catalog := events.NewCatalog()
	s := NewSampler(catalog, TargetThisGoroutine, NewSampleConfig())
	require.ErrorIs(t, s.Trigger(TriggerSpec{Name: "not-a-real-event"}), ErrCatalogMiss)
}
