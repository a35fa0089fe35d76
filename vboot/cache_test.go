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

package vboot_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/armored-vboot/flash"
	"github.com/transparency-dev/armored-vboot/fmap"
	"github.com/transparency-dev/armored-vboot/vboot"
	"github.com/transparency-dev/armored-vboot/vboot/testonly"
)

func newCache(t *testing.T) (*testonly.Image, *fmap.Map, *vboot.Cache) {
	t.Helper()

	img := testImage(t)
	m, err := fmap.Decode(img.Root)
	if err != nil {
		t.Fatalf("fmap.Decode: %v", err)
	}

	return img, m, vboot.NewCache(img.Flash, m)
}

func TestCacheReadsOnce(t *testing.T) {
	img, _, c := newCache(t)

	vb, err := c.VBlock(fmap.SlotA)
	if err != nil {
		t.Fatalf("VBlock: %v", err)
	}
	if len(vb) != testonly.VBlockSize {
		t.Fatalf("got vblock of %d bytes, want %d", len(vb), testonly.VBlockSize)
	}

	first, err := c.Image(fmap.SlotA)
	if err != nil {
		t.Fatalf("Image: %v", err)
	}

	// Changes to flash after the first read are not observed.
	img.Mem.Load(uint64(testonly.SlotOffset(fmap.SlotA))+0x1000, []byte("overwritten"))

	second, err := c.Image(fmap.SlotA)
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("image re-read from flash: %s", diff)
	}

	if got, want := len(c.Ranges()), 2; got != want {
		t.Fatalf("got %d cached ranges, want %d", got, want)
	}
}

func TestCacheRange(t *testing.T) {
	_, _, c := newCache(t)

	buf, err := c.Range(fmap.SlotA, 0, uint32(len(payloadA)))
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if diff := cmp.Diff(payloadA, buf); diff != "" {
		t.Fatalf("range diff: %s", diff)
	}

	for _, test := range []struct {
		name string
		off  uint32
		n    uint32
	}{
		{name: "past end", off: testonly.BootSize, n: 1},
		{name: "overlapping end", off: testonly.BootSize - 4, n: 8},
		{name: "wrapping", off: 0xffffffff, n: 2},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := c.Range(fmap.SlotA, test.off, test.n); !errors.Is(err, fmap.ErrBounds) {
				t.Fatalf("Range: %v, want %v", err, fmap.ErrBounds)
			}
		})
	}

	if _, err := c.Range(fmap.Slot(2), 0, 1); err == nil {
		t.Fatal("Range succeeded on invalid slot")
	}
}

func TestCachePayload(t *testing.T) {
	_, m, c := newCache(t)

	if _, err := c.Payload(fmap.SlotA); !errors.Is(err, vboot.ErrUnverified) {
		t.Fatalf("Payload before Range: %v, want %v", err, vboot.ErrUnverified)
	}

	if _, err := c.Range(fmap.SlotA, 0, uint32(len(payloadA))-1); err != nil {
		t.Fatalf("Range: %v", err)
	}
	if _, err := c.Payload(fmap.SlotA); !errors.Is(err, vboot.ErrUnverified) {
		t.Fatalf("Payload with entry past range: %v, want %v", err, vboot.ErrUnverified)
	}

	if _, err := c.Range(fmap.SlotA, 0, uint32(len(payloadA))); err != nil {
		t.Fatalf("Range: %v", err)
	}

	p, err := c.Payload(fmap.SlotA)
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}
	if diff := cmp.Diff(payloadA, p); diff != "" {
		t.Fatalf("payload diff: %s", diff)
	}

	m.RW[fmap.SlotA].Entry = fmap.Area{}

	whole, err := c.Payload(fmap.SlotA)
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}
	if diff := cmp.Diff(payloadA, whole); diff != "" {
		t.Fatalf("payload without entry not cut to hashed prefix: %s", diff)
	}

	m.RW[fmap.SlotA].Entry = fmap.Area{Offset: m.RW[fmap.SlotA].Boot.Offset + testonly.BootSize - 1, Length: 2}

	if _, err := c.Payload(fmap.SlotA); err == nil {
		t.Fatal("Payload accepted entry outside boot area")
	}
}

func TestCacheAreaPastFlash(t *testing.T) {
	_, m, c := newCache(t)

	m.RW[fmap.SlotB].All = fmap.Area{}
	m.RW[fmap.SlotB].Boot.Length = 0xffffffff
	m.RW[fmap.SlotB].VBlock.Offset = 0xfffff000

	if _, err := c.Image(fmap.SlotB); !errors.Is(err, flash.ErrBounds) {
		t.Fatalf("Image: %v, want %v", err, flash.ErrBounds)
	}
	if _, err := c.VBlock(fmap.SlotB); !errors.Is(err, flash.ErrBounds) {
		t.Fatalf("VBlock: %v, want %v", err, flash.ErrBounds)
	}
}

func TestCacheSlotOutsideAll(t *testing.T) {
	_, m, c := newCache(t)

	m.RW[fmap.SlotB].VBlock.Offset = m.RW[fmap.SlotB].All.Offset - 1

	if _, err := c.VBlock(fmap.SlotB); !errors.Is(err, fmap.ErrBounds) {
		t.Fatalf("VBlock: %v, want %v", err, fmap.ErrBounds)
	}
}
