// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm && !debug
// +build tamago,arm,!debug

package main

import (
	_ "unsafe"

	"github.com/usbarmory/tamago/soc/nxp/imx6ul"
)

// The firmware does not log any sensitive information to the serial console,
// however it is desirable to silence any potential stack trace or runtime
// errors to avoid unwanted information leaks.
//
// The runtime printk function, responsible for all console logging
// operations (i.e. stdout/stderr), is overridden with a NOP and UART2 is
// disabled at the first opportunity (init()).

func init() {
	// disable console
	imx6ul.UART2.Disable()
}

//go:linkname printk runtime.printk
func printk(c byte) {
	// ensure that any serial output is supressed before UART2 disabling
}
