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

// Package flash provides byte granular access to raw NOR/SPI flash which can
// only be erased a whole sector at a time.
//
// Note that writes are implemented as read-modify-erase-write cycles over the
// sector aligned superset of the requested range: a failed write leaves the
// touched sectors in an indeterminate state.
package flash

import (
	"errors"
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// ErrBounds is returned when an operation targets bytes outside of the device.
var ErrBounds = errors.New("range outside of flash device")

// Device is the raw flash chip interface, as exposed by the bus driver.
type Device interface {
	// SectorSize returns the erase granularity in bytes.
	SectorSize() uint
	// Size returns the size of the device in bytes.
	Size() uint64
	// ReadAt reads len(p) bytes at offset off.
	ReadAt(p []byte, off uint64) error
	// Erase erases n bytes at offset off, both must be sector aligned.
	Erase(off uint64, n uint64) error
	// Program writes p at offset off onto previously erased flash.
	Program(p []byte, off uint64) error
}

// Reader is implemented by anything which can return flash contents.
type Reader interface {
	Read(off uint64, p []byte) error
	// Size returns the size of the flash in bytes.
	Size() uint64
}

// Check returns an error if [off, off+n) is not within the flash.
func Check(r Reader, off uint64, n uint64) error {
	end := off + n

	if end < off || end > r.Size() {
		return fmt.Errorf("[%#x, %#x): %w", off, end, ErrBounds)
	}

	return nil
}

// Load returns n bytes of flash contents at offset off, the range is checked
// before any memory is allocated for it.
func Load(r Reader, off uint64, n uint64) ([]byte, error) {
	if err := Check(r, off, n); err != nil {
		return nil, err
	}

	buf := make([]byte, n)

	if err := r.Read(off, buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// Flash serializes access to a Device and implements unaligned writes.
type Flash struct {
	sync.Mutex

	dev Device
}

// New returns a Flash for the given device.
func New(dev Device) (*Flash, error) {
	if dev == nil {
		return nil, errors.New("no flash device")
	}

	ss := uint64(dev.SectorSize())

	if ss == 0 {
		return nil, errors.New("invalid sector size")
	}

	if dev.Size()%ss != 0 {
		return nil, fmt.Errorf("device size %d is not a multiple of sector size %d", dev.Size(), ss)
	}

	return &Flash{dev: dev}, nil
}

// SectorSize returns the erase granularity of the underlying device.
func (f *Flash) SectorSize() uint {
	return f.dev.SectorSize()
}

// Size returns the size of the underlying device in bytes.
func (f *Flash) Size() uint64 {
	return f.dev.Size()
}

// Align returns the sector aligned superset [k, k+m) of [off, off+n).
func (f *Flash) Align(off uint64, n uint64) (k uint64, m uint64) {
	ss := uint64(f.dev.SectorSize())

	k = off - off%ss
	end := off + n

	if r := end % ss; r != 0 {
		end += ss - r
	}

	return k, end - k
}

// Read fills p with the flash contents at offset off.
func (f *Flash) Read(off uint64, p []byte) error {
	if err := Check(f, off, uint64(len(p))); err != nil {
		return err
	}

	if len(p) == 0 {
		return nil
	}

	return f.dev.ReadAt(p, off)
}

// ReadRange returns n bytes of flash contents at offset off.
func (f *Flash) ReadRange(off uint64, n uint64) ([]byte, error) {
	return Load(f, off, n)
}

// Erase erases the sector aligned range [off, off+n).
func (f *Flash) Erase(off uint64, n uint64) error {
	ss := uint64(f.dev.SectorSize())

	if off%ss != 0 || n%ss != 0 {
		return fmt.Errorf("unaligned erase [%#x, %#x)", off, off+n)
	}

	if err := Check(f, off, n); err != nil {
		return err
	}

	f.Lock()
	defer f.Unlock()

	return f.dev.Erase(off, n)
}

// Write stores p at offset off, preserving the contents of any byte which
// shares a sector with the written range.
//
// There is no retry, any failure of the underlying read, erase or program
// operations is returned and the touched sectors must be assumed corrupted.
func (f *Flash) Write(off uint64, p []byte) (err error) {
	if len(p) == 0 {
		return nil
	}

	if err = Check(f, off, uint64(len(p))); err != nil {
		return err
	}

	k, m := f.Align(off, uint64(len(p)))

	if err = Check(f, k, m); err != nil {
		return err
	}

	f.Lock()
	defer f.Unlock()

	buf := make([]byte, m)

	if err = f.dev.ReadAt(buf, k); err != nil {
		return fmt.Errorf("read [%#x, %#x): %v", k, k+m, err)
	}

	copy(buf[off-k:], p)

	klog.V(2).Infof("flash: writing %d bytes @ %#x (sectors [%#x, %#x))", len(p), off, k, k+m)

	if err = f.dev.Erase(k, m); err != nil {
		return fmt.Errorf("erase [%#x, %#x): %v", k, k+m, err)
	}

	if err = f.dev.Program(buf, k); err != nil {
		return fmt.Errorf("program [%#x, %#x): %v", k, k+m, err)
	}

	return nil
}
