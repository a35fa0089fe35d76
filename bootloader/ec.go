// Copyright 2024 The Armored Witness OS authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build tamago && arm
// +build tamago,arm

package main

import (
	"fmt"
	"time"

	"github.com/usbarmory/tamago/soc/nxp/i2c"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/transparency-dev/armored-vboot/ec"
)

const (
	// EC host command I2C target address
	ecAddress = 0x1e

	ecPollInterval = 10 * time.Millisecond
	ecPollRetries  = 500
)

// i2cBus carries EC host command packets over I2C.
type i2cBus struct {
	bus *i2c.I2C
}

// Xfer implements ec.Bus.
func (b *i2cBus) Xfer(out []byte, in []byte) error {
	if err := b.bus.Write(out, ecAddress, 0, 0); err != nil {
		return fmt.Errorf("I2C write error: %v", err)
	}

	res, err := b.bus.Read(ecAddress, 0, 0, len(in))
	if err != nil {
		return fmt.Errorf("I2C read error: %v", err)
	}

	copy(in, res)

	return nil
}

func newEC() *ec.HostCmdClient {
	imx6ul.I2C1.Init()

	return &ec.HostCmdClient{
		Bus:          &i2cBus{bus: imx6ul.I2C1},
		PollInterval: ecPollInterval,
		PollRetries:  ecPollRetries,
	}
}
