// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm && !rw
// +build tamago,arm,!rw

package main

import (
	_ "unsafe"
)

// The read-only stage runs from the bottom of external DDR, the read-write
// firmware and kernels are loaded at loadStart.
const (
	readWrite = false

	// Verified boot firmware
	firmwareStart = 0x80000000
	firmwareSize  = 0x08000000 // 128MB
)

//go:linkname ramStart runtime.ramStart
var ramStart uint32 = firmwareStart

//go:linkname ramSize runtime.ramSize
var ramSize uint32 = firmwareSize
