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

	"github.com/transparency-dev/armored-vboot/flash"
	"github.com/transparency-dev/armored-vboot/fmap"
	"github.com/transparency-dev/armored-vboot/memwipe"
	"k8s.io/klog/v2"
)

// ErrUnverified is returned for slot boot code which was not handed out to
// the verifier.
var ErrUnverified = errors.New("not verified")

// Cache holds the signature blocks and boot code of both RW slots, each
// read from flash at most once.
type Cache struct {
	flash flash.Reader
	fmap  *fmap.Map

	vblocks [2][]byte
	images  [2][]byte
	// verified is the length of the contiguous image prefix handed out
	// through Range, per slot.
	verified [2]uint32
}

// NewCache returns an empty cache over the given flash and layout.
func NewCache(f flash.Reader, m *fmap.Map) *Cache {
	return &Cache{flash: f, fmap: m}
}

func (c *Cache) slot(s fmap.Slot) (*fmap.ReadWrite, error) {
	rw, err := c.fmap.Slot(s)
	if err != nil {
		return nil, err
	}

	if rw.All.Empty() {
		return rw, nil
	}

	for name, a := range map[string]fmap.Area{"vblock": rw.VBlock, "boot": rw.Boot} {
		if err := a.Within(rw.All); err != nil {
			return nil, fmt.Errorf("slot %v %s: %w", s, name, err)
		}
	}

	return rw, nil
}

func (c *Cache) read(a fmap.Area) ([]byte, error) {
	return flash.Load(c.flash, uint64(a.Offset), uint64(a.Length))
}

// VBlock returns the signature block of a slot.
func (c *Cache) VBlock(s fmap.Slot) ([]byte, error) {
	rw, err := c.slot(s)
	if err != nil {
		return nil, err
	}

	if c.vblocks[s] == nil {
		klog.V(2).Infof("vboot: caching slot %v vblock %v", s, rw.VBlock)

		if c.vblocks[s], err = c.read(rw.VBlock); err != nil {
			return nil, fmt.Errorf("could not read slot %v vblock: %v", s, err)
		}
	}

	return c.vblocks[s], nil
}

// Image returns the boot code of a slot, as stored in flash.
func (c *Cache) Image(s fmap.Slot) ([]byte, error) {
	rw, err := c.slot(s)
	if err != nil {
		return nil, err
	}

	if c.images[s] == nil {
		klog.V(2).Infof("vboot: caching slot %v image %v", s, rw.Boot)

		if c.images[s], err = c.read(rw.Boot); err != nil {
			return nil, fmt.Errorf("could not read slot %v image: %v", s, err)
		}
	}

	return c.images[s], nil
}

// Range implements ImageSource.
func (c *Cache) Range(s fmap.Slot, off uint32, n uint32) ([]byte, error) {
	img, err := c.Image(s)
	if err != nil {
		return nil, err
	}

	if uint64(off)+uint64(n) > uint64(len(img)) {
		return nil, fmt.Errorf("range [%#x, +%#x) outside slot %v image: %w", off, n, s, fmap.ErrBounds)
	}

	if off <= c.verified[s] && off+n > c.verified[s] {
		c.verified[s] = off + n
	}

	return img[off : off+n], nil
}

// Payload returns the part of the slot boot code to be loaded, which is the
// entry sub-region when the layout defines one, or else the image prefix
// handed out through Range.
//
// Only boot code previously handed out through Range is ever returned.
func (c *Cache) Payload(s fmap.Slot) ([]byte, error) {
	img, err := c.Image(s)
	if err != nil {
		return nil, err
	}

	v := c.verified[s]

	if v == 0 {
		return nil, fmt.Errorf("slot %v image: %w", s, ErrUnverified)
	}

	rw, _ := c.fmap.Slot(s)

	if rw.Entry.Empty() {
		return img[:v], nil
	}

	if err := rw.Entry.Within(rw.Boot); err != nil {
		return nil, fmt.Errorf("slot %v entry: %w", s, err)
	}

	off := rw.Entry.Offset - rw.Boot.Offset

	if uint64(off)+uint64(rw.Entry.Length) > uint64(v) {
		return nil, fmt.Errorf("slot %v entry %v past verified length %#x: %w", s, rw.Entry, v, ErrUnverified)
	}

	return img[off : off+rw.Entry.Length], nil
}

// Ranges returns the memory spans of every cached buffer.
func (c *Cache) Ranges() (r []memwipe.Range) {
	for _, b := range append(c.vblocks[:], c.images[:]...) {
		if len(b) > 0 {
			r = append(r, span(b))
		}
	}
	return
}
