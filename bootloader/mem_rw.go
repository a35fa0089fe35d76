// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm && rw
// +build tamago,arm,rw

package main

import (
	_ "unsafe"
)

// The read-write stage is loaded by the read-only one at loadStart, kernels
// are loaded over the read-only stage memory.
const (
	readWrite = true

	// Verified boot firmware
	firmwareStart = loadStart
	firmwareSize  = 0x08000000 // 128MB
)

//go:linkname ramStart runtime.ramStart
var ramStart uint32 = firmwareStart

//go:linkname ramSize runtime.ramSize
var ramSize uint32 = firmwareSize
