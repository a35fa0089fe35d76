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

// Package mmc exposes regions of an eMMC card as the flash devices and kernel
// partitions used by the verified boot flow.
package mmc

import (
	"bytes"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-vboot/internal/verify"
)

const (
	// BlockSize is the expected size of an MMC block in bytes.
	BlockSize = 512
	// SectorSize is the erase granularity of emulated flash.
	SectorSize = 4096
	// VBlockLength is the space reserved for a kernel signature block.
	VBlockLength = 4096

	batchSize = 2048
)

// Card mostly mirrors the public API of the usdhc.Card struct, allowing
// substitutions for testing.
type Card interface {
	// Read reads size bytes at offset from the underlying storage.
	Read(offset int64, size int64) ([]byte, error)
	// WriteBlocks writes data at sector lba onwards on the underlying storage.
	WriteBlocks(lba int, data []byte) error
}

// write writes a buffer to the card, padding it to full blocks.
func write(card Card, buf []byte, lba int) (err error) {
	if rem := len(buf) % BlockSize; rem > 0 {
		buf = append(buf, make([]byte, BlockSize-rem)...)
	}

	blocks := len(buf) / BlockSize
	batch := batchSize

	// write in batch to limit DMA requirements
	for i := 0; i < blocks; i += batch {
		if i+batch > blocks {
			batch = blocks - i
		}

		start := i * BlockSize
		end := start + BlockSize*batch

		if err = card.WriteBlocks(lba+i, buf[start:end]); err != nil {
			return
		}

		klog.V(2).Infof("mmc: wrote %d/%d blocks @ %d", i+batch, blocks, lba)
	}

	return
}

// Flash is a flash.Device emulated over a block aligned region of a card,
// erased sectors read as 0xff.
type Flash struct {
	Card Card
	// Offset is the start of the region in bytes.
	Offset int64
	// Length is the size of the region in bytes.
	Length uint64
}

// NewFlash returns flash emulated on the card region [offset, offset+length).
func NewFlash(card Card, offset int64, length uint64) (*Flash, error) {
	if card == nil {
		return nil, errors.New("no card")
	}

	if offset < 0 || offset%BlockSize != 0 {
		return nil, fmt.Errorf("invalid region offset %#x", offset)
	}

	if length == 0 || length%SectorSize != 0 {
		return nil, fmt.Errorf("invalid region length %#x", length)
	}

	return &Flash{Card: card, Offset: offset, Length: length}, nil
}

// SectorSize implements flash.Device.
func (f *Flash) SectorSize() uint {
	return SectorSize
}

// Size implements flash.Device.
func (f *Flash) Size() uint64 {
	return f.Length
}

func (f *Flash) check(off uint64, n uint64) error {
	if end := off + n; end < off || end > f.Length {
		return fmt.Errorf("[%#x, %#x) outside of region", off, off+n)
	}
	return nil
}

// ReadAt implements flash.Device.
func (f *Flash) ReadAt(p []byte, off uint64) error {
	if err := f.check(off, uint64(len(p))); err != nil {
		return err
	}

	start := f.Offset + int64(off)
	aligned := start - start%BlockSize
	end := start + int64(len(p))

	if rem := end % BlockSize; rem > 0 {
		end += BlockSize - rem
	}

	buf, err := f.Card.Read(aligned, end-aligned)
	if err != nil {
		return err
	}

	if int64(len(buf)) < end-aligned {
		return fmt.Errorf("short read (%d bytes) @ %#x", len(buf), aligned)
	}

	copy(p, buf[start-aligned:])

	return nil
}

func (f *Flash) lba(off uint64) (int, error) {
	if off%BlockSize != 0 {
		return 0, fmt.Errorf("unaligned offset %#x", off)
	}
	return int((f.Offset + int64(off)) / BlockSize), nil
}

// Erase implements flash.Device.
func (f *Flash) Erase(off uint64, n uint64) error {
	if off%SectorSize != 0 || n%SectorSize != 0 {
		return fmt.Errorf("unaligned erase [%#x, %#x)", off, off+n)
	}

	if err := f.check(off, n); err != nil {
		return err
	}

	lba, err := f.lba(off)
	if err != nil {
		return err
	}

	return write(f.Card, bytes.Repeat([]byte{0xff}, int(n)), lba)
}

// Program implements flash.Device.
func (f *Flash) Program(p []byte, off uint64) error {
	if err := f.check(off, uint64(len(p))); err != nil {
		return err
	}

	if len(p)%BlockSize != 0 {
		return fmt.Errorf("unaligned program length %d", len(p))
	}

	lba, err := f.lba(off)
	if err != nil {
		return err
	}

	return write(f.Card, p, lba)
}

// Kernel is a kernel partition, holding a signature block followed by the
// kernel image.
type Kernel struct {
	Card Card
	// Offset is the start of the partition in bytes.
	Offset int64
	// Length bounds the partition size.
	Length int64
}

// Kernel implements verify.KernelSource.
func (k *Kernel) Kernel() (vblock []byte, image []byte, err error) {
	if k.Length < VBlockLength {
		return nil, nil, fmt.Errorf("invalid kernel partition length %d", k.Length)
	}

	if vblock, err = k.Card.Read(k.Offset, VBlockLength); err != nil {
		return nil, nil, fmt.Errorf("could not read kernel signature block: %v", err)
	}

	vb, err := verify.Parse(vblock)
	if err != nil {
		return nil, nil, err
	}

	if int64(vb.Size) > k.Length-VBlockLength {
		return nil, nil, fmt.Errorf("kernel size %d exceeds partition", vb.Size)
	}

	klog.Infof("mmc: reading kernel (%d bytes, version %s)", vb.Size, vb.Version)

	if image, err = k.Card.Read(k.Offset+VBlockLength, int64(vb.Size)); err != nil {
		return nil, nil, fmt.Errorf("could not read kernel: %v", err)
	}

	if len(image) < int(vb.Size) {
		return nil, nil, fmt.Errorf("short kernel read (%d bytes)", len(image))
	}

	return vblock, image[:vb.Size], nil
}

// WriteKernel stores a signature block and kernel image in the partition.
func (k *Kernel) WriteKernel(vblock []byte, image []byte) error {
	if len(vblock) > VBlockLength || int64(len(image)) > k.Length-VBlockLength {
		return errors.New("kernel exceeds partition")
	}

	if k.Offset%BlockSize != 0 {
		return fmt.Errorf("unaligned partition offset %#x", k.Offset)
	}

	buf := make([]byte, VBlockLength, VBlockLength+len(image))
	copy(buf, vblock)

	return write(k.Card, append(buf, image...), int(k.Offset/BlockSize))
}
