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

// Package testonly provides support for flash tests.
package testonly

import (
	"fmt"
	"testing"
)

// MemSectorSize is the number of bytes in a single memory flash sector.
const MemSectorSize = 4096

// Erased is the value of an erased flash byte.
const Erased = 0xff

// MemFlash is a simple in-memory NOR flash.
//
// Programming can only clear bits, as with real NOR flash, so any write which
// is not preceded by an erase will corrupt data.
type MemFlash struct {
	Storage []byte

	// Erases and Programs count the number of calls to the respective
	// operations.
	Erases   int
	Programs int

	// Fault hooks, when set their error is returned before the operation
	// takes place.
	OnRead    func(off uint64, n int) error
	OnErase   func(off uint64, n uint64) error
	OnProgram func(off uint64, n int) error
}

// SectorSize returns the sector size of the memory flash.
func (mf *MemFlash) SectorSize() uint {
	return MemSectorSize
}

// Size returns the size in bytes of the memory flash.
func (mf *MemFlash) Size() uint64 {
	return uint64(len(mf.Storage))
}

func (mf *MemFlash) check(off uint64, n uint64) error {
	if end := off + n; end < off || end > uint64(len(mf.Storage)) {
		return fmt.Errorf("[%#x, %#x) past end of flash (%#x)", off, end, len(mf.Storage))
	}
	return nil
}

// ReadAt reads len(p) bytes at offset off.
func (mf *MemFlash) ReadAt(p []byte, off uint64) error {
	if mf.OnRead != nil {
		if err := mf.OnRead(off, len(p)); err != nil {
			return err
		}
	}
	if err := mf.check(off, uint64(len(p))); err != nil {
		return err
	}
	copy(p, mf.Storage[off:])
	return nil
}

// Erase sets n bytes at offset off to the erased value.
func (mf *MemFlash) Erase(off uint64, n uint64) error {
	mf.Erases++
	if mf.OnErase != nil {
		if err := mf.OnErase(off, n); err != nil {
			return err
		}
	}
	if off%MemSectorSize != 0 || n%MemSectorSize != 0 {
		return fmt.Errorf("unaligned erase [%#x, %#x)", off, off+n)
	}
	if err := mf.check(off, n); err != nil {
		return err
	}
	for i := off; i < off+n; i++ {
		mf.Storage[i] = Erased
	}
	return nil
}

// Program ANDs p into the flash contents at offset off.
func (mf *MemFlash) Program(p []byte, off uint64) error {
	mf.Programs++
	if mf.OnProgram != nil {
		if err := mf.OnProgram(off, len(p)); err != nil {
			return err
		}
	}
	if err := mf.check(off, uint64(len(p))); err != nil {
		return err
	}
	for i, b := range p {
		mf.Storage[off+uint64(i)] &= b
	}
	return nil
}

// Load copies b into the flash at offset off without going through the
// erase/program cycle, it's used to prepare test images.
func (mf *MemFlash) Load(off uint64, b []byte) {
	copy(mf.Storage[off:], b)
}

// NewMemFlash creates a new, fully erased, in-memory flash.
func NewMemFlash(t *testing.T, numSectors uint) *MemFlash {
	t.Helper()
	s := make([]byte, numSectors*MemSectorSize)
	for i := range s {
		s[i] = Erased
	}
	return &MemFlash{Storage: s}
}
