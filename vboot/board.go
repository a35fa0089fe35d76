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
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-vboot/crossystem"
	"github.com/transparency-dev/armored-vboot/flash"
	"github.com/transparency-dev/armored-vboot/gbb"
	"github.com/transparency-dev/armored-vboot/memwipe"
)

// MemoryLayout describes the RAM regions relevant to the memory wipe.
type MemoryLayout struct {
	// RAM is the usable RAM range.
	RAM memwipe.Range
	// StackPointer and StackTop delimit the live stack.
	StackPointer uint64
	StackTop     uint64
	// Regions which must survive the wipe, empty ranges are ignored.
	Cache        memwipe.Range
	PostMortem   memwipe.Range
	ResumeVector memwipe.Range
	Framebuffer  memwipe.Range
}

// ErrTransferred is returned by Board.Jump and Board.BootKernel once control
// has been handed to the loaded image, any other result is a failure.
var ErrTransferred = errors.New("control transferred")

// Board provides the hardware collaborators of the controller.
type Board interface {
	// ReadSignals samples the trust relevant inputs.
	ReadSignals() (crossystem.Signals, error)
	// Flash opens the firmware flash.
	Flash() (flash.Reader, error)
	// WriteProtected reports the write protect status of the flash chip.
	WriteProtected() (bool, error)
	// NVContext locates the verifier non-volatile context.
	NVContext() crossystem.NVContext
	// MemoryLayout describes RAM for the memory wipe.
	MemoryLayout() MemoryLayout

	// InitSecondaryInput brings up input devices only needed in recovery
	// and RO modes.
	InitSecondaryInput() error
	// ReinitSecureTransport re-opens the Verifier backing store after a
	// jump into RW firmware.
	ReinitSecureTransport() error

	// Jump transfers control to a firmware image, handing over the
	// trust-state record and binary block. It does not return on
	// hardware, unless it fails.
	Jump(image []byte, rec *crossystem.Record, g *gbb.Block) error
	// HandoffTarget returns the OS representation the record is embedded
	// into before booting k.
	HandoffTarget(k Kernel) crossystem.Target
	// BootKernel transfers control to a loaded kernel, like Jump.
	BootKernel(k Kernel) error

	// Reset and PowerOff do not return on hardware.
	Reset()
	PowerOff()
}

// Outcome is the terminal result of a controller run.
type Outcome int

const (
	// OutcomeCommandLine returns control to the calling environment with
	// a success code.
	OutcomeCommandLine Outcome = iota
	OutcomeReset
	OutcomePowerOff
	OutcomeJumped
	OutcomeKernel
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommandLine:
		return "command line"
	case OutcomeReset:
		return "reset"
	case OutcomePowerOff:
		return "power off"
	case OutcomeJumped:
		return "jumped"
	case OutcomeKernel:
		return "kernel"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}
