// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package events

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// LoadFile reads name,value lines from path and registers each as a raw
// PERF_TYPE_RAW event, the way original_source's
// counter_definition.cpp::read_counter_configs loads a CSV of extra raw
// event codes. The format is deliberately not RFC 4180 CSV: no quoting, no
// escaping, one "name,value" pair per line. value may be decimal or, with
// a "0x" prefix, hexadecimal.
//
// Lines that are empty, have an empty name, fail to parse as a number, or
// parse to event ID 0 are silently skipped, matching the original's
// tolerant parser: a malformed config file disables that one counter
// rather than aborting the whole load.
func (c *Catalog) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("loading event catalog: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		name, valStr, ok := strings.Cut(line, ",")
		name = strings.TrimSpace(name)
		valStr = strings.TrimSpace(valStr)
		if !ok || name == "" {
			continue
		}

		base := 10
		if strings.HasPrefix(valStr, "0x") || strings.HasPrefix(valStr, "0X") {
			base = 16
			valStr = valStr[2:]
		}
		val, err := strconv.ParseUint(valStr, base, 64)
		if err != nil || val == 0 {
			continue
		}

		c.Add(name, unix.PERF_TYPE_RAW, val)
	}
	return sc.Err()
}
