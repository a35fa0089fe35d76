// Copyright 2022 The Armored Witness OS authors. All Rights Reserved.
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
	"github.com/usbarmory/tamago/dma"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"
)

const (
	// DMA
	dmaStart = 0x8e000000
	dmaSize  = 0x01000000 // 16MB

	// Trust-state record and binary block hand-off
	handoffStart = 0x8f000000
	handoffSize  = 0x00100000 // 1MB

	// RW firmware and kernel load area
	loadStart = 0x90000000
	loadSize  = 0x10000000 // 256MB

	// Read-only stage memory, kernels are loaded over it by the read-write
	// stage.
	roStart = 0x80000000
	roSize  = 0x08000000 // 128MB
)

func init() {
	dma.Init(dmaStart, dmaSize)

	deriveKeyMemory, _ := dma.NewRegion(imx6ul.OCRAM_START, imx6ul.OCRAM_SIZE, false)

	switch {
	case imx6ul.CAAM != nil:
		imx6ul.CAAM.DeriveKeyMemory = deriveKeyMemory
	case imx6ul.DCP != nil:
		imx6ul.DCP.DeriveKeyMemory = deriveKeyMemory
	}
}

// imageRegion returns the region images are loaded into by the current stage.
func imageRegion() (*dma.Region, error) {
	start, size := uint(loadStart), loadSize

	if readWrite {
		start, size = roStart, roSize
	}

	r, err := dma.NewRegion(start, size, false)
	if err != nil {
		return nil, err
	}

	r.Reserve(size, 0)

	return r, nil
}
