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

package vboot

import (
	"context"
	"fmt"

	"github.com/transparency-dev/armored-vboot/crossystem"
	"github.com/transparency-dev/armored-vboot/fmap"
	"github.com/transparency-dev/armored-vboot/gbb"
)

// Selection is the firmware chosen by the Verifier.
type Selection int

const (
	SelectRecovery Selection = iota
	SelectReadOnly
	SelectFirmwareA
	SelectFirmwareB
)

func (s Selection) String() string {
	switch s {
	case SelectRecovery:
		return "recovery"
	case SelectReadOnly:
		return "read-only"
	case SelectFirmwareA:
		return "firmware A"
	case SelectFirmwareB:
		return "firmware B"
	}
	return fmt.Sprintf("Selection(%d)", int(s))
}

// Slot returns the read-write slot of a firmware selection.
func (s Selection) Slot() (fmap.Slot, bool) {
	switch s {
	case SelectFirmwareA:
		return fmap.SlotA, true
	case SelectFirmwareB:
		return fmap.SlotB, true
	}
	return 0, false
}

// InitFlags are the boot conditions handed to the Verifier.
type InitFlags struct {
	Recovery     bool
	Developer    bool
	WriteProtect bool
	OptionROM    bool

	VirtualDevSwitch         bool
	ECSoftwareSync           bool
	ECSlowUpdate             bool
	DisableECSyncForRecovery bool
}

// InitParams is the Verifier initialization input.
type InitParams struct {
	Flags InitFlags
	// GBB is the vendor binary block, its images are loaded only if
	// InitResult.ShowUI is set.
	GBB *gbb.Block
	// Data is the verifier owned blob of the trust-state record.
	Data []byte
}

// InitResult is the Verifier initialization output.
type InitResult struct {
	// WipeMemory requests a memory wipe before any RW firmware runs.
	WipeMemory bool
	// ShowUI signals that display or recovery UI will be needed.
	ShowUI bool

	Recovery  bool
	Developer bool
}

// ImageSource gives the Verifier access to cached firmware images, so that
// they can be hashed on demand. Only the image prefix handed out through
// Range, starting at offset 0, is ever loaded for a jump.
type ImageSource interface {
	// Range returns n bytes at offset off of the boot code of a slot.
	Range(slot fmap.Slot, off uint32, n uint32) ([]byte, error)
}

// Kernel describes a kernel loaded by the Verifier.
type Kernel struct {
	// Image is the verified kernel, within the kernel buffer.
	Image []byte
	// CommandLine is passed to the kernel, if supported.
	CommandLine string
	// ActiveEC is the EC image left running by software sync.
	ActiveEC crossystem.ECImage
}

// Verifier decides firmware and kernel trust.
//
// Errors should be *Status values when they carry a code the controller
// handles specially.
type Verifier interface {
	Init(ctx context.Context, p InitParams) (InitResult, error)
	SelectFirmware(ctx context.Context, vblockA []byte, vblockB []byte, src ImageSource) (Selection, error)
	SelectAndLoadKernel(ctx context.Context, buf []byte) (Kernel, error)
}

// Resumer is implemented by Verifiers that restore their state from the
// trust-state record when entered after a jump into RW firmware.
type Resumer interface {
	Resume(data []byte) error
}
