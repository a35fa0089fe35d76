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

// Package fmap decodes the firmware flash layout from its device tree
// description.
//
// The flash is split in one read-only region and two read-write regions (A
// and B), each area is described by a device tree node named after its
// region prefix (`ro-`, `rw-a-`, `rw-b-`) and section keyword, carrying a
// `reg` property with its offset and length:
//
//	flash@0 {
//		ro-gbb { reg = <0x00001000 0x00003000>; };
//		rw-a-boot {
//			reg = <0x00100000 0x00080000>;
//			compress = "lz4";
//			ec-rw { reg = <0x00070000 0x00010000>; hash = [...]; };
//		};
//	};
//
// Decoded areas are not checked against their parents, callers must use
// Area.Within before trusting them.
package fmap

import (
	"errors"
	"fmt"
)

// Signature is the marker which prefixes the self-describing flash map
// stored in flash for out-of-band tooling.
const Signature = "__FMAP__"

// ErrBounds is returned when an area does not fit within its parent.
var ErrBounds = errors.New("area out of bounds")

// Area represents a contiguous range of flash [Offset, Offset+Length).
type Area struct {
	Offset uint32
	Length uint32
}

// End returns the first offset past the area.
func (a Area) End() uint64 {
	return uint64(a.Offset) + uint64(a.Length)
}

// Empty returns whether the area has been left undefined.
func (a Area) Empty() bool {
	return a.Length == 0
}

// Within returns an error unless the area is entirely contained in parent.
func (a Area) Within(parent Area) error {
	if a.Offset < parent.Offset || a.End() > parent.End() {
		return fmt.Errorf("%v not within %v: %w", a, parent, ErrBounds)
	}
	return nil
}

// Sub returns the absolute area of n bytes at offset off relative to a.
func (a Area) Sub(off uint32, n uint32) (Area, error) {
	sub := Area{Offset: a.Offset + off, Length: n}

	if uint64(a.Offset)+uint64(off) > uint64(^uint32(0)) {
		return Area{}, fmt.Errorf("offset %#x+%#x overflows: %w", a.Offset, off, ErrBounds)
	}

	if err := sub.Within(a); err != nil {
		return Area{}, err
	}

	return sub, nil
}

func (a Area) String() string {
	return fmt.Sprintf("[%#08x, %#08x)", a.Offset, a.End())
}

// Compression identifies the encoding of a boot code area.
type Compression int

const (
	CompressNone Compression = iota
	CompressLZ4
	CompressZstd
)

func (c Compression) String() string {
	switch c {
	case CompressNone:
		return "none"
	case CompressLZ4:
		return "lz4"
	case CompressZstd:
		return "zstd"
	}
	return fmt.Sprintf("Compression(%d)", int(c))
}

// ParseCompression converts a `compress` property value.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressNone, nil
	case "lz4":
		return CompressLZ4, nil
	case "zstd":
		return CompressZstd, nil
	}
	return CompressNone, fmt.Errorf("unknown compression %q", s)
}

// ReadOnly describes the read-only firmware region.
type ReadOnly struct {
	// FMAP is the self-describing flash map used by external tooling.
	FMAP Area
	// GBB is the vendor binary block.
	GBB Area
	// FirmwareID holds the RO firmware identifier string.
	FirmwareID Area
	// Boot is the RO boot code.
	Boot Area
	// ECRO and ECRW are the embedded controller images shipped in RO.
	ECRO Area
	ECRW Area
}

// ReadWrite describes one of the two updatable firmware regions.
type ReadWrite struct {
	// All spans the whole region, when defined.
	All Area
	// FirmwareID holds the RW firmware identifier string.
	FirmwareID Area
	// VBlock is the signature/verification block for Boot.
	VBlock Area
	// Boot is the RW boot code, encoded according to Compression.
	Boot        Area
	Compression Compression
	// Entry is the executable sub-region of Boot, in absolute flash offsets.
	Entry Area
	// ECRW is the embedded controller RW image, in absolute flash offsets.
	ECRW Area
	// ECHash is the precomputed hash of the ECRW image, if any.
	ECHash []byte
}

// Slot identifies a read-write firmware region.
type Slot int

const (
	SlotA Slot = iota
	SlotB
)

func (s Slot) String() string {
	switch s {
	case SlotA:
		return "A"
	case SlotB:
		return "B"
	}
	return fmt.Sprintf("Slot(%d)", int(s))
}

// Map is the decoded flash layout.
type Map struct {
	RO ReadOnly
	RW [2]ReadWrite
}

// Slot returns the layout of the given read-write region.
func (m *Map) Slot(s Slot) (*ReadWrite, error) {
	if s != SlotA && s != SlotB {
		return nil, fmt.Errorf("invalid slot %v", s)
	}
	return &m.RW[s], nil
}
