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
	"errors"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/usbarmory/armory-boot/exec"

	"github.com/transparency-dev/armored-vboot/crossystem"
	"github.com/transparency-dev/armored-vboot/flash"
	"github.com/transparency-dev/armored-vboot/gbb"
	"github.com/transparency-dev/armored-vboot/internal/verify"
	"github.com/transparency-dev/armored-vboot/memwipe"
	"github.com/transparency-dev/armored-vboot/rpmb"
	"github.com/transparency-dev/armored-vboot/vboot"
)

// board implements vboot.Board on the USB armory Mk II.
type board struct {
	flash   *flash.Flash
	nv      *securePartition
	handoff *physical
}

func led(white, blue bool) {
	usbarmory.LED("white", white)
	usbarmory.LED("blue", blue)
}

// A device with HAB enabled is locked down: write protect is asserted and
// the developer mode switch is off. Recovery is requested through the
// verifier non-volatile context only.
func (b *board) ReadSignals() (crossystem.Signals, error) {
	locked := imx6ul.SNVS.Available()

	return crossystem.Signals{
		WriteProtect: crossystem.Signal{Value: locked, Polarity: 1},
		Developer:    crossystem.Signal{Value: !locked, Polarity: 1},
	}, nil
}

func (b *board) Flash() (flash.Reader, error) {
	if b.flash == nil {
		return nil, errors.New("firmware flash not available")
	}

	return b.flash, nil
}

func (b *board) WriteProtected() (bool, error) {
	return imx6ul.SNVS.Available(), nil
}

func (b *board) NVContext() crossystem.NVContext {
	return crossystem.NVContext{
		Storage: crossystem.NVRPMB,
		LBA:     rpmb.ContextSector,
		Size:    verify.NVSize,
	}
}

func (b *board) MemoryLayout() vboot.MemoryLayout {
	return vboot.MemoryLayout{
		RAM: memwipe.Range{Start: loadStart, End: loadStart + loadSize},
	}
}

// InitSecondaryInput is a no-op, the device has no keyboard.
func (b *board) InitSecondaryInput() error {
	return nil
}

func (b *board) ReinitSecureTransport() error {
	if imx6ul.Native {
		imx6ul.DCP.Init()
	}

	return b.nv.init()
}

// boot loads and starts an ELF image, it only returns on failure.
func boot(elf []byte, what string) error {
	region, err := imageRegion()
	if err != nil {
		return err
	}

	image := &exec.ELFImage{
		Region: region,
		ELF:    elf,
	}

	if err = image.Load(); err != nil {
		return fmt.Errorf("could not load %s, %v", what, err)
	}

	klog.Infof("VB starting %s entry:%#x size:%d", what, image.Entry(), len(elf))

	return image.Boot(func() {
		led(false, false)
	})
}

func (b *board) Jump(image []byte, rec *crossystem.Record, g *gbb.Block) error {
	if err := crossystem.WriteHandoff(b.handoff, handoffSize, rec, g.Bytes()); err != nil {
		return fmt.Errorf("could not hand off trust state, %v", err)
	}

	return boot(image, "RW firmware")
}

func (b *board) HandoffTarget(vboot.Kernel) crossystem.Target {
	return &crossystem.ACPITarget{Table: b.handoff}
}

func (b *board) BootKernel(k vboot.Kernel) error {
	return boot(k.Image, "kernel")
}

func (b *board) Reset() {
	usbarmory.Reset()
}

func (b *board) PowerOff() {
	led(false, false)

	for {
		time.Sleep(time.Second)
	}
}
