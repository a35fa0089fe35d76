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
	"bytes"
	"context"
	"flag"
	"fmt"
	"runtime"

	"github.com/u-root/u-root/pkg/dt"
	"k8s.io/klog/v2"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/usbarmory/armory-boot/config"

	"github.com/transparency-dev/armored-vboot/crossystem"
	"github.com/transparency-dev/armored-vboot/ec"
	"github.com/transparency-dev/armored-vboot/flash"
	"github.com/transparency-dev/armored-vboot/fmap"
	"github.com/transparency-dev/armored-vboot/internal/mmc"
	"github.com/transparency-dev/armored-vboot/internal/verify"
	"github.com/transparency-dev/armored-vboot/rpmb"
	"github.com/transparency-dev/armored-vboot/vboot"
)

// initialized at compile time (see Makefile)
var (
	Build     string
	Revision  string
	Version   string
	PublicKey string
)

var Storage = usbarmory.MMC

// eMMC allocation
const (
	layoutOffset = 0x00100000
	flashOffset  = 0x00200000
	flashLength  = 0x01000000 // 16MB
	kernelOffset = flashOffset + flashLength
	kernelLength = 0x08000000 // 128MB

	loadBufferSize = 0x02000000 // 32MB
)

func init() {
	klog.InitFlags(nil)
	flag.Set("logtostderr", "true")

	if len(PublicKey) == 0 {
		klog.Exit("VB firmware authentication key is missing")
	}

	if imx6ul.Native {
		imx6ul.SetARMFreq(imx6ul.Freq792)
		imx6ul.DCP.Init()
	}

	stage := "RO"
	if readWrite {
		stage = "RW"
	}

	klog.Infof("%s/%s (%s) • verified boot %s firmware %s • %s %s",
		runtime.GOOS, runtime.GOARCH, runtime.Version(),
		stage, Version, Revision, Build)
}

// readLayout returns the authenticated flash layout.
func readLayout() (*dt.Node, error) {
	l := &mmc.Layout{Card: Storage, Offset: layoutOffset}

	dtb, sig, err := l.Read()
	if err != nil {
		return nil, err
	}

	if err = config.Verify(dtb, sig, PublicKey); err != nil {
		return nil, fmt.Errorf("layout verification error, %v", err)
	}

	fdt, err := dt.ReadFDT(bytes.NewReader(dtb))
	if err != nil {
		return nil, err
	}

	return fdt.RootNode, nil
}

func main() {
	led(false, false)

	if imx6ul.Native {
		if err := Storage.Detect(); err != nil {
			klog.Exitf("VB failed to detect storage, %v", err)
		}

		if info := Storage.Info(); !info.MMC || info.BlockSize != mmc.BlockSize {
			klog.Exitf("VB unexpected storage (mmc:%v block size:%d)", info.MMC, info.BlockSize)
		}
	}

	root, err := readLayout()
	if err != nil {
		klog.Exitf("VB could not read flash layout, %v", err)
	}

	cfg, err := vboot.ParseConfig(root)
	if err != nil {
		klog.Exitf("VB invalid configuration, %v", err)
	}

	if cfg.LoadAddress != 0 && cfg.LoadAddress != loadStart {
		klog.Warningf("VB ignoring load address %#x, RW firmware is linked at %#x", cfg.LoadAddress, loadStart)
	}

	flashNode, ok := fmap.FindNode(root, fmap.FlashNode)
	if !ok {
		klog.Exitf("VB missing %q node in flash layout", fmap.FlashNode)
	}

	fm, err := fmap.Decode(flashNode)
	if err != nil {
		klog.Exitf("VB invalid flash layout, %v", err)
	}

	dev, err := mmc.NewFlash(Storage, flashOffset, flashLength)
	if err != nil {
		klog.Exitf("VB %v", err)
	}

	f, err := flash.New(dev)
	if err != nil {
		klog.Exitf("VB %v", err)
	}

	nv := &securePartition{Storage: Storage}

	b := &board{
		flash:   f,
		nv:      nv,
		handoff: &physical{start: handoffStart, size: handoffSize},
	}

	v := &verify.Verifier{
		Check:           config.Verify,
		FirmwareVersion: &rpmb.Version{Partition: nv, Sector: rpmb.FirmwareVersionSector},
		KernelVersion:   &rpmb.Version{Partition: nv, Sector: rpmb.KernelVersionSector},
		NV:              &rpmb.Context{Partition: nv, Sector: rpmb.ContextSector},
		Kernels:         &mmc.Kernel{Card: Storage, Offset: kernelOffset, Length: kernelLength},
		FlashMap:        fm,
	}

	if cfg.ECSoftwareSync {
		v.EC = &ec.Sync{
			EC:    newEC(),
			Flash: f,
			Slow:  cfg.ECSlowUpdate,
			SlowUpdate: func() {
				klog.Info("VB updating EC firmware, do not power off")
				led(true, true)
			},
		}
	}

	c := &vboot.Controller{
		Board:        b,
		Verifier:     v,
		Config:       cfg,
		FlashMap:     flashNode,
		Memory:       &physical{start: loadStart, size: loadSize},
		KernelBuffer: make([]byte, cfg.KernelBufferSize),
	}

	ctx := context.Background()
	usbarmory.LED("white", true)

	var out vboot.Outcome

	if readWrite {
		rec, g, err := crossystem.ReadHandoff(b.handoff, handoffSize)
		if err != nil {
			klog.Exitf("VB could not read hand-off, %v", err)
		}

		out = c.RunReadWrite(ctx, rec, g)
	} else {
		if err = nv.init(); err != nil {
			klog.Exitf("VB could not initialize rollback protection, %v", err)
		}

		c.LoadBuffer = make([]byte, loadBufferSize)
		out = c.Run(ctx)
	}

	klog.Infof("VB boot ended (%v)", out)
}
