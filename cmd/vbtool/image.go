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

package main

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/transparency-dev/armored-vboot/internal/mmc"
)

// sectorSize is the erase granularity assumed for image files.
const sectorSize = 4096

type file interface {
	io.ReaderAt
	io.WriterAt
}

// fileDevice is a flash.Device backed by an image file.
type fileDevice struct {
	f    file
	size uint64
}

// newFileDevice returns a device over f, which must hold whole sectors.
func newFileDevice(f file, size int64) (*fileDevice, error) {
	if size <= 0 || size%sectorSize != 0 {
		return nil, fmt.Errorf("image size %d is not a multiple of %d", size, sectorSize)
	}

	return &fileDevice{f: f, size: uint64(size)}, nil
}

func (d *fileDevice) SectorSize() uint {
	return sectorSize
}

func (d *fileDevice) Size() uint64 {
	return d.size
}

func (d *fileDevice) check(off uint64, n uint64) error {
	if off+n < off || off+n > d.size {
		return fmt.Errorf("range %#x+%#x outside of image", off, n)
	}
	return nil
}

func (d *fileDevice) ReadAt(p []byte, off uint64) error {
	if err := d.check(off, uint64(len(p))); err != nil {
		return err
	}

	_, err := d.f.ReadAt(p, int64(off))
	return err
}

func (d *fileDevice) Erase(off uint64, n uint64) error {
	if off%sectorSize != 0 || n%sectorSize != 0 {
		return fmt.Errorf("unaligned erase %#x+%#x", off, n)
	}

	return d.Program(bytes.Repeat([]byte{0xff}, int(n)), off)
}

func (d *fileDevice) Program(p []byte, off uint64) error {
	if err := d.check(off, uint64(len(p))); err != nil {
		return err
	}

	_, err := d.f.WriteAt(p, int64(off))
	return err
}

// fileCard is an mmc.Card backed by an eMMC image file.
type fileCard struct {
	f file
}

func (c *fileCard) Read(offset int64, size int64) ([]byte, error) {
	buf := make([]byte, size)

	n, err := c.f.ReadAt(buf, offset)
	if err == io.EOF {
		err = nil
	}

	return buf[:n], err
}

func (c *fileCard) WriteBlocks(lba int, data []byte) error {
	_, err := c.f.WriteAt(data, int64(lba)*mmc.BlockSize)
	return err
}

func openImage(name string, write bool) (*os.File, int64, error) {
	flags := os.O_RDONLY
	if write {
		flags = os.O_RDWR
	}

	f, err := os.OpenFile(name, flags, 0)
	if err != nil {
		return nil, 0, err
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}

	return f, st.Size(), nil
}
