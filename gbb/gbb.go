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

// Package gbb decodes the vendor binary block, which holds the hardware
// identifier, the verification public keys and the splash images.
//
// The block is held in a single buffer sized after its flash area, only the
// header, hardware id and root key are read at load time while the splash
// images and recovery key are read on demand.
package gbb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-vboot/flash"
	"github.com/transparency-dev/armored-vboot/fmap"
)

const (
	// Magic is the signature found at the beginning of every block.
	Magic = "$GBB"
	// MajorVersion is the only supported header major version.
	MajorVersion = 1
	// MinorVersion is the header minor version written by Build.
	MinorVersion = 2
	// HeaderSize is the size in bytes of the block header.
	HeaderSize = 128
)

// Header flags.
const (
	FlagDevScreenShortDelay = 1 << iota
	FlagLoadOptionROMs
	FlagEnableAlternateOS
	FlagForceDevSwitchOn
	FlagForceDevBootUSB
	FlagDisableFWRollbackCheck
	FlagEnterTriggersToNorm
	FlagForceDevBootLegacy
	FlagFAFTKeyOverride
	FlagDisableECSoftwareSync
	FlagDefaultDevBootLegacy
	FlagDisablePDSoftwareSync
	FlagDisableLidShutdown
	FlagForceDevBootFastbootFullCap
	FlagForceManualRecovery
)

var (
	// ErrMagic is returned when the block does not start with Magic.
	ErrMagic = errors.New("invalid binary block signature")
	// ErrBounds is returned when a field does not fit within the block.
	ErrBounds = errors.New("field out of block bounds")
)

// Pair is the location of a field relative to the start of the block.
type Pair struct {
	Offset uint32
	Size   uint32
}

// check enforces that the field fits within a block of the given size.
func (p Pair) check(blockSize uint32) error {
	end := uint64(p.Offset) + uint64(p.Size)

	if end > uint64(^uint32(0)) {
		return fmt.Errorf("%#x+%#x overflows: %w", p.Offset, p.Size, ErrBounds)
	}

	if end > uint64(blockSize) {
		return fmt.Errorf("%#x+%#x exceeds block size %#x: %w", p.Offset, p.Size, blockSize, ErrBounds)
	}

	return nil
}

// Header represents the fixed size block header.
type Header struct {
	Major       uint16
	Minor       uint16
	Size        uint32
	Flags       uint32
	HWID        Pair
	RootKey     Pair
	BmpFV       Pair
	RecoveryKey Pair
}

// ParseHeader decodes a block header, buf must hold at least HeaderSize
// bytes.
func ParseHeader(buf []byte) (h Header, err error) {
	if len(buf) < HeaderSize {
		return h, fmt.Errorf("short header (%d bytes)", len(buf))
	}

	if !bytes.Equal(buf[0:4], []byte(Magic)) {
		return h, ErrMagic
	}

	le := binary.LittleEndian

	h.Major = le.Uint16(buf[4:])
	h.Minor = le.Uint16(buf[6:])
	h.Size = le.Uint32(buf[8:])
	h.Flags = le.Uint32(buf[12:])

	pairs := []*Pair{&h.HWID, &h.RootKey, &h.BmpFV, &h.RecoveryKey}

	for i, p := range pairs {
		off := 16 + i*8
		p.Offset = le.Uint32(buf[off:])
		p.Size = le.Uint32(buf[off+4:])
	}

	if h.Major != MajorVersion {
		return h, fmt.Errorf("unsupported header version %d.%d", h.Major, h.Minor)
	}

	if h.Size < HeaderSize {
		return h, fmt.Errorf("invalid header size %d", h.Size)
	}

	return
}

// Marshal encodes the header.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	le := binary.LittleEndian

	copy(buf, Magic)
	le.PutUint16(buf[4:], h.Major)
	le.PutUint16(buf[6:], h.Minor)
	le.PutUint32(buf[8:], h.Size)
	le.PutUint32(buf[12:], h.Flags)

	for i, p := range []Pair{h.HWID, h.RootKey, h.BmpFV, h.RecoveryKey} {
		off := 16 + i*8
		le.PutUint32(buf[off:], p.Offset)
		le.PutUint32(buf[off+4:], p.Size)
	}

	return buf
}

// Block represents a vendor binary block.
type Block struct {
	Header

	// HWID is the hardware identifier, without trailing NULs.
	HWID string
	// RootKey verifies the RW firmware keyblocks.
	RootKey []byte
	// BmpFV and RecoveryKey are only valid after LoadImages.
	BmpFV       []byte
	RecoveryKey []byte

	buf    []byte
	src    flash.Reader
	offset uint64
	loaded bool
}

// Read loads the header and eager fields of the block held in the given flash
// area.
func Read(src flash.Reader, area fmap.Area) (*Block, error) {
	if area.Length < HeaderSize {
		return nil, fmt.Errorf("area %v too small for header", area)
	}

	if err := flash.Check(src, uint64(area.Offset), uint64(area.Length)); err != nil {
		return nil, fmt.Errorf("area %v: %w", area, err)
	}

	b := &Block{
		buf:    make([]byte, area.Length),
		src:    src,
		offset: uint64(area.Offset),
	}

	if err := src.Read(b.offset, b.buf[:HeaderSize]); err != nil {
		return nil, fmt.Errorf("could not read header: %v", err)
	}

	if err := b.parse(); err != nil {
		return nil, err
	}

	return b, nil
}

// Parse decodes a block from a buffer holding all of its contents, as handed
// over across firmware stages.
func Parse(buf []byte) (*Block, error) {
	b := &Block{buf: buf}

	if err := b.parse(); err != nil {
		return nil, err
	}

	return b, nil
}

func (b *Block) parse() (err error) {
	if b.Header, err = ParseHeader(b.buf); err != nil {
		return
	}

	if uint64(b.Header.Size) > uint64(len(b.buf)) {
		return fmt.Errorf("header size %d exceeds block: %w", b.Header.Size, ErrBounds)
	}

	hwid, err := b.load("hwid", b.Header.HWID)
	if err != nil {
		return
	}

	if i := bytes.IndexByte(hwid, 0); i >= 0 {
		hwid = hwid[:i]
	}

	b.HWID = string(hwid)

	if b.RootKey, err = b.load("root key", b.Header.RootKey); err != nil {
		return
	}

	return
}

// load bounds checks a field and, when backed by flash, reads it into the
// block buffer.
func (b *Block) load(name string, p Pair) ([]byte, error) {
	if err := p.check(uint32(len(b.buf))); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	f := b.buf[p.Offset : p.Offset+p.Size]

	if b.src == nil || len(f) == 0 {
		return f, nil
	}

	klog.V(2).Infof("gbb: loading %s (%d bytes)", name, p.Size)

	if err := b.src.Read(b.offset+uint64(p.Offset), f); err != nil {
		return nil, fmt.Errorf("could not read %s: %v", name, err)
	}

	return f, nil
}

// LoadImages loads the splash images and recovery key, it only accesses
// flash on its first successful invocation.
func (b *Block) LoadImages() (err error) {
	if b.loaded {
		return
	}

	if b.BmpFV, err = b.load("bmpfv", b.Header.BmpFV); err != nil {
		return
	}

	if b.RecoveryKey, err = b.load("recovery key", b.Header.RecoveryKey); err != nil {
		return
	}

	b.loaded = true

	return
}

// ImagesLoaded returns whether LoadImages has completed.
func (b *Block) ImagesLoaded() bool {
	return b.loaded
}

// CheckIntegrity re-validates the block buffer signature and header.
func (b *Block) CheckIntegrity() error {
	h, err := ParseHeader(b.buf)
	if err != nil {
		return err
	}

	if uint64(h.Size) > uint64(len(b.buf)) {
		return fmt.Errorf("header size %d exceeds block: %w", h.Size, ErrBounds)
	}

	return nil
}

// Bytes returns the block buffer, including any field not yet loaded.
func (b *Block) Bytes() []byte {
	return b.buf
}

// Build returns a block image of the given size.
func Build(size uint32, flags uint32, hwid string, rootKey, bmpfv, recoveryKey []byte) ([]byte, error) {
	h := Header{
		Major: MajorVersion,
		Minor: MinorVersion,
		Size:  HeaderSize,
		Flags: flags,
	}

	fields := []struct {
		p    *Pair
		data []byte
	}{
		{&h.HWID, append([]byte(hwid), 0)},
		{&h.RootKey, rootKey},
		{&h.BmpFV, bmpfv},
		{&h.RecoveryKey, recoveryKey},
	}

	off := uint64(HeaderSize)

	for _, f := range fields {
		f.p.Offset = uint32(off)
		f.p.Size = uint32(len(f.data))
		off += uint64(len(f.data))
	}

	if off > uint64(size) {
		return nil, fmt.Errorf("contents (%d bytes) exceed block size %d: %w", off, size, ErrBounds)
	}

	buf := make([]byte, size)
	copy(buf, h.Marshal())

	for _, f := range fields {
		copy(buf[f.p.Offset:], f.data)
	}

	return buf, nil
}
