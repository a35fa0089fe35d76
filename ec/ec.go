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

// Package ec keeps the firmware of the companion embedded controller (EC)
// consistent with the host firmware selected for boot.
//
// The EC holds two independently protectable images, RO and RW. An image can
// only be erased or protected while the EC runs from the other one.
package ec

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-vboot/fmap"
)

// ErrRebootToRORequired is returned when an operation needs the EC to be
// running its RO image and the required reboot cannot happen synchronously.
var ErrRebootToRORequired = errors.New("EC reboot to RO required")

// Image identifies an EC firmware image.
type Image uint32

const (
	ImageUnknown Image = iota
	ImageRO
	ImageRW
)

func (i Image) String() string {
	switch i {
	case ImageRO:
		return "RO"
	case ImageRW:
		return "RW"
	}
	return "unknown"
}

// RebootCmd is the action requested to the EC reboot command.
type RebootCmd uint8

const (
	RebootCancel      RebootCmd = 0
	RebootJumpRO      RebootCmd = 1
	RebootJumpRW      RebootCmd = 2
	RebootCold        RebootCmd = 4
	RebootDisableJump RebootCmd = 5
)

// RebootFlags modify a reboot request.
type RebootFlags uint8

const (
	// RebootOnAPShutdown defers the reboot until the host shuts down.
	RebootOnAPShutdown RebootFlags = 1 << 4
)

// Flash protection flags.
const (
	ProtectROAtBoot          = 1 << 0
	ProtectRONow             = 1 << 1
	ProtectAllNow            = 1 << 2
	ProtectGPIOAsserted      = 1 << 3
	ProtectErrorStuck        = 1 << 4
	ProtectErrorInconsistent = 1 << 5
	ProtectAllAtBoot         = 1 << 6
)

// ProtectInfo is the EC flash protection state.
type ProtectInfo struct {
	Flags    uint32
	Valid    uint32
	Writable uint32
}

// Transport is the EC command set used by the synchronization protocol.
type Transport interface {
	// CurrentImage returns the image the EC is running.
	CurrentImage() (Image, error)
	// Reboot requests the EC to reboot, or jump, as described by cmd.
	Reboot(cmd RebootCmd, flags RebootFlags) error
	// FlashRead reads len(p) bytes of EC flash at offset off.
	FlashRead(off uint32, p []byte) error
	// FlashWrite writes p at offset off of previously erased EC flash.
	FlashWrite(off uint32, p []byte) error
	// FlashErase erases n bytes of EC flash at offset off.
	FlashErase(off uint32, n uint32) error
	// FlashProtect updates the protection flags selected by mask.
	FlashProtect(mask uint32, flags uint32) (ProtectInfo, error)
	// HashRW returns the EC computed hash of its RW image.
	HashRW() ([]byte, error)
	// RegionInfo returns the location of an image in EC flash.
	RegionInfo(img Image) (off uint32, size uint32, err error)
}

var (
	fmapSignature  = []byte(fmap.Signature)
	unpollutedFMAP = []byte("__fMAP__")
)

// Unpollute rewrites, in place, any copy of the flash map signature found in
// an EC image so that tools scanning host flash do not mistake it for the
// host flash map.
func Unpollute(p []byte) (n int) {
	for {
		i := bytes.Index(p, fmapSignature)
		if i < 0 {
			return
		}

		copy(p[i:], unpollutedFMAP)
		p = p[i+len(fmapSignature):]
		n++
	}
}

// ResultError is returned when the EC completes a command with an error
// result.
type ResultError struct {
	Command uint16
	Result  Result
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("EC command %#02x failed: %v", e.Command, e.Result)
}
