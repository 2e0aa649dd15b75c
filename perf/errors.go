// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package perf

import "errors"

// Sentinel errors identifying the kinds of failure this package returns.
// Callers distinguish them with errors.Is; wrapped detail (errno, the
// offending name, ...) is attached with fmt.Errorf's %w.
var (
	// ErrCatalogMiss is returned when an event or metric name does not
	// resolve in the catalog passed to NewEventCounter.
	ErrCatalogMiss = errors.New("perf: unknown event or metric name")

	// ErrCapacityExceeded is returned when adding an event would exceed
	// Config.MaxGroups × Config.MaxCountersPerGroup.
	ErrCapacityExceeded = errors.New("perf: counter capacity exceeded")

	// ErrOpenFailed wraps a failed perf_event_open syscall. The group
	// open that produced it has already been rolled back.
	ErrOpenFailed = errors.New("perf: perf_event_open failed")

	// ErrMapFailed wraps a failed mmap of a sampler's ring buffer. The
	// sampler open that produced it has already been rolled back.
	ErrMapFailed = errors.New("perf: mmap failed")

	// ErrReadTruncated is returned when a grouped read() returned fewer
	// bytes than the header promised; the read's counters are
	// unavailable for that snapshot.
	ErrReadTruncated = errors.New("perf: grouped read truncated")

	// ErrStateInvalid is returned when an operation is called in the
	// wrong lifecycle phase (e.g., Start twice, Close before Result).
	ErrStateInvalid = errors.New("perf: invalid state transition")

	// ErrDecodeShort is returned by the record decoders when a record's
	// payload is shorter than the fields it is decoded with require.
	// Sampler.Result stops decoding at the first such record and returns
	// the error along with the samples decoded before it. (A record whose
	// declared size runs past the ring's published head is not an error:
	// the ring drain simply stops before it.)
	ErrDecodeShort = errors.New("perf: ring record truncated")
)
