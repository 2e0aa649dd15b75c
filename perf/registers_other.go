// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux && !amd64 && !arm64

package perf

// No register name table is known for this architecture; every name
// resolves to absent rather than failing, per this package's policy for
// missing platform features.
func registerBit(name string) (uint, bool)   { return 0, false }
func registerName(bit uint) (string, bool) { return "", false }
