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

package testonly

import (
	"context"
	"io"

	"github.com/transparency-dev/armored-vboot/crossystem"
	"github.com/transparency-dev/armored-vboot/flash"
	"github.com/transparency-dev/armored-vboot/gbb"
	"github.com/transparency-dev/armored-vboot/vboot"
)

// Jump is a recorded firmware jump.
type Jump struct {
	Image  []byte
	Record []byte
	GBB    []byte
}

// Table is a shared memory region for ACPI style record hand-off.
type Table struct {
	Buf []byte
}

// WriteAt implements io.WriterAt.
func (t *Table) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(t.Buf)) {
		return 0, io.ErrShortWrite
	}
	return copy(t.Buf[off:], p), nil
}

// ReadAt implements io.ReaderAt.
func (t *Table) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(t.Buf)) {
		return 0, io.EOF
	}
	return copy(p, t.Buf[off:]), nil
}

// FakeBoard records the actions requested by the controller.
type FakeBoard struct {
	Signals crossystem.Signals
	Image   *Image
	WP      bool
	NV      crossystem.NVContext
	Layout  vboot.MemoryLayout

	// Errors returned by the respective operations.
	SignalsErr error
	// JumpErr and BootErr are returned by Jump and BootKernel in place of
	// vboot.ErrTransferred, unless Returns is set.
	JumpErr error
	BootErr error
	Returns bool

	// Handoff receives the embedded trust-state record.
	Handoff *Table

	Jumps          []Jump
	Kernels        []vboot.Kernel
	SecondaryInput int
	Reinits        int
	Resets         int
	PowerOffs      int
}

// NewFakeBoard returns a board booting from the given image.
func NewFakeBoard(img *Image) *FakeBoard {
	return &FakeBoard{
		Image:   img,
		Handoff: &Table{Buf: make([]byte, crossystem.RecordSize)},
	}
}

func (b *FakeBoard) ReadSignals() (crossystem.Signals, error) {
	return b.Signals, b.SignalsErr
}

func (b *FakeBoard) Flash() (flash.Reader, error) {
	return b.Image.Flash, nil
}

func (b *FakeBoard) WriteProtected() (bool, error) {
	return b.WP, nil
}

func (b *FakeBoard) NVContext() crossystem.NVContext {
	return b.NV
}

func (b *FakeBoard) MemoryLayout() vboot.MemoryLayout {
	return b.Layout
}

func (b *FakeBoard) InitSecondaryInput() error {
	b.SecondaryInput++
	return nil
}

func (b *FakeBoard) ReinitSecureTransport() error {
	b.Reinits++
	return nil
}

func (b *FakeBoard) result(err error) error {
	if err == nil && !b.Returns {
		return vboot.ErrTransferred
	}
	return err
}

func (b *FakeBoard) Jump(image []byte, rec *crossystem.Record, g *gbb.Block) error {
	b.Jumps = append(b.Jumps, Jump{
		Image:  append([]byte{}, image...),
		Record: append([]byte{}, rec.Bytes()...),
		GBB:    append([]byte{}, g.Bytes()...),
	})
	return b.result(b.JumpErr)
}

func (b *FakeBoard) HandoffTarget(vboot.Kernel) crossystem.Target {
	return &crossystem.ACPITarget{Table: b.Handoff}
}

func (b *FakeBoard) BootKernel(k vboot.Kernel) error {
	b.Kernels = append(b.Kernels, k)
	return b.result(b.BootErr)
}

func (b *FakeBoard) Reset() {
	b.Resets++
}

func (b *FakeBoard) PowerOff() {
	b.PowerOffs++
}

// FakeVerifier returns scripted results and records its calls.
type FakeVerifier struct {
	InitResult vboot.InitResult
	InitErr    error
	Selection  vboot.Selection
	SelectErr  error
	Kernel     vboot.Kernel
	KernelErr  error

	// HashLen is the number of bytes of each slot image read through the
	// ImageSource by SelectFirmware, when that slot is selected.
	HashLen [2]uint32

	Inits   []vboot.InitParams
	VBlocks [][2][]byte
	Hashed  []byte
	Loads   int
	Resumed []byte
}

func (v *FakeVerifier) Init(_ context.Context, p vboot.InitParams) (vboot.InitResult, error) {
	v.Inits = append(v.Inits, p)
	return v.InitResult, v.InitErr
}

func (v *FakeVerifier) SelectFirmware(_ context.Context, a, b []byte, src vboot.ImageSource) (vboot.Selection, error) {
	v.VBlocks = append(v.VBlocks, [2][]byte{a, b})

	if slot, ok := v.Selection.Slot(); ok && v.HashLen[slot] > 0 {
		buf, err := src.Range(slot, 0, v.HashLen[slot])
		if err != nil {
			return 0, err
		}
		v.Hashed = buf
	}

	return v.Selection, v.SelectErr
}

func (v *FakeVerifier) SelectAndLoadKernel(_ context.Context, buf []byte) (vboot.Kernel, error) {
	v.Loads++
	return v.Kernel, v.KernelErr
}

func (v *FakeVerifier) Resume(data []byte) error {
	v.Resumed = append([]byte{}, data...)
	return nil
}
