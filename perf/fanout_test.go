// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aclements/go-perfcpp/events"
)

// TestFanOutThreadsCountsOnWorkerThread is a regression test for the
// per-thread case: each instance must see the instructions actually
// executed by its own Run closure, not whatever (if anything) happened
// to run on that OS thread before it was torn down.
func TestFanOutThreadsCountsOnWorkerThread(t *testing.T) {
	catalog := events.NewCatalog()
	f, err := FanOutThreads(catalog, NewConfig(), []string{"instructions"}, 2)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Start())

	const spins = 1 << 18
	require.NoError(t, f.Run(func(i int) {
		var sum int64
		for j := 0; j < spins; j++ {
			sum += int64(j)
		}
		_ = sum
	}))

	require.NoError(t, f.Stop())

	r := f.Result(1)
	instr, ok := r.Get("instructions")
	require.True(t, ok)
	require.Greater(t, instr, 0.0)
}

// TestFanOutThreadsStopWithoutRun exercises Start immediately followed
// by Stop with no Run call in between, verifying every worker goroutine
// unparks and joins even when it never received any work.
func TestFanOutThreadsStopWithoutRun(t *testing.T) {
	catalog := events.NewCatalog()
	f, err := FanOutThreads(catalog, NewConfig(), []string{"cycles"}, 3)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Start())
	require.NoError(t, f.Stop())
}

func TestFanOutProcessesSelf(t *testing.T) {
	catalog := events.NewCatalog()
	f, err := FanOutProcesses(catalog, NewConfig(), []string{"instructions"}, []int{os.Getpid()})
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Start())
	require.NoError(t, f.Run(func(i int) {
		var sum int64
		for j := 0; j < 1<<18; j++ {
			sum += int64(j)
		}
		_ = sum
	}))
	require.NoError(t, f.Stop())

	r := f.Result(1)
	instr, ok := r.Get("instructions")
	require.True(t, ok)
	require.Greater(t, instr, 0.0)
}
