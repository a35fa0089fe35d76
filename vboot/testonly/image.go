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

// Package testonly provides firmware images and fake collaborators for
// verified boot tests.
package testonly

import (
	"encoding/binary"
	"testing"

	"github.com/transparency-dev/armored-vboot/flash"
	flashtest "github.com/transparency-dev/armored-vboot/flash/testonly"
	"github.com/transparency-dev/armored-vboot/fmap"
	"github.com/transparency-dev/armored-vboot/gbb"
	"github.com/u-root/u-root/pkg/dt"
)

// Flash layout of test images.
const (
	FMAPOffset  = 0x0000
	GBBOffset   = 0x1000
	GBBSize     = 0x1000
	ROIDOffset  = 0x2000
	IDSize      = 0x40
	ROBootStart = 0x3000

	SlotSize     = 0x6000
	VBlockSize   = 0x800
	BootSize     = 0x2000
	ECSize       = 0x800
	slotAOffset  = 0x4000
	idOffset     = VBlockSize
	bootOffset   = 0x1000
	ecOffset     = bootOffset + BootSize
	imageSectors = 16
)

// SlotOffset returns the flash offset of a RW slot.
func SlotOffset(s fmap.Slot) uint32 {
	return slotAOffset + uint32(s)*SlotSize
}

// Slot is the content of one RW slot.
type Slot struct {
	FirmwareID  string
	VBlock      []byte
	Payload     []byte
	Compression fmap.Compression
	ECRW        []byte
}

// ImageOptions describes a test firmware image.
type ImageOptions struct {
	ROFirmwareID string
	HWID         string
	GBBFlags     uint32
	RootKey      []byte
	RecoveryKey  []byte
	BmpFV        []byte
	Slots        [2]Slot
}

// Image is a test firmware image.
type Image struct {
	Mem   *flashtest.MemFlash
	Flash *flash.Flash
	// Root is the device tree node describing the layout.
	Root  *dt.Node
	Slots [2]Slot
}

func reg(off, n uint32) dt.Property {
	v := make([]byte, 8)
	binary.BigEndian.PutUint32(v[0:], off)
	binary.BigEndian.PutUint32(v[4:], n)
	return dt.Property{Name: "reg", Value: v}
}

func node(name string, off, n uint32, children ...*dt.Node) *dt.Node {
	return &dt.Node{
		Name:       name,
		Properties: []dt.Property{reg(off, n)},
		Children:   children,
	}
}

func slotNodes(prefix string, base uint32, s Slot) []*dt.Node {
	boot := node(prefix+"boot", base+bootOffset, BootSize)

	if len(s.Payload) > 0 {
		boot.Children = append(boot.Children, node("image", 0, uint32(len(s.Payload))))
	}

	if s.Compression != fmap.CompressNone {
		boot.Properties = append(boot.Properties, dt.Property{Name: "compress", Value: append([]byte(s.Compression.String()), 0)})
	}

	return []*dt.Node{
		node(prefix+"all", base, SlotSize),
		node(prefix+"vblock", base, VBlockSize),
		node(prefix+"firmware-id", base+idOffset, IDSize),
		boot,
		node(prefix+"ec-rw", base+ecOffset, uint32(len(s.ECRW))),
	}
}

// NewImage builds a firmware image in memory flash.
func NewImage(t *testing.T, o ImageOptions) *Image {
	t.Helper()

	mem := flashtest.NewMemFlash(t, imageSectors)

	g, err := gbb.Build(GBBSize, o.GBBFlags, o.HWID, o.RootKey, o.BmpFV, o.RecoveryKey)
	if err != nil {
		t.Fatalf("gbb.Build: %v", err)
	}

	mem.Load(GBBOffset, g)
	mem.Load(ROIDOffset, append([]byte(o.ROFirmwareID), 0))
	mem.Load(FMAPOffset, []byte(fmap.Signature))

	ro := &dt.Node{
		Name: "read-only@0",
		Children: []*dt.Node{
			node("ro-fmap", FMAPOffset, 0x100),
			node("ro-gbb", GBBOffset, GBBSize),
			node("ro-firmware-id", ROIDOffset, IDSize),
			node("ro-boot", ROBootStart, 0x1000),
		},
	}

	root := &dt.Node{Name: fmap.FlashNode, Children: []*dt.Node{ro}}

	for i, prefix := range []string{"rw-a-", "rw-b-"} {
		s := o.Slots[i]
		base := SlotOffset(fmap.Slot(i))

		if len(s.VBlock) > VBlockSize || len(s.Payload) > BootSize || len(s.ECRW) > ECSize || len(s.FirmwareID) >= IDSize {
			t.Fatalf("slot %d contents exceed layout", i)
		}

		mem.Load(uint64(base), s.VBlock)
		mem.Load(uint64(base+idOffset), append([]byte(s.FirmwareID), 0))
		mem.Load(uint64(base+bootOffset), s.Payload)
		mem.Load(uint64(base+ecOffset), s.ECRW)

		root.Children = append(root.Children, &dt.Node{
			Name:     "read-write-" + prefix[3:4],
			Children: slotNodes(prefix, base, s),
		})
	}

	f, err := flash.New(mem)
	if err != nil {
		t.Fatalf("flash.New: %v", err)
	}

	return &Image{Mem: mem, Flash: f, Root: root, Slots: o.Slots}
}
