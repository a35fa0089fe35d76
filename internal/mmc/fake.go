// Copyright 2023 The Armored Witness OS authors. All Rights Reserved.
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

package mmc

import (
	"fmt"
	"sync"
)

// FakeCard is an in-memory card for emulated targets and tests.
//
// Rather than allocating a slab of RAM to emulate the entire device, it
// uses a map internally to associate blocks with sector numbers, this
// allows us to save RAM on unused/unwritten blocks.
type FakeCard struct {
	sync.Mutex

	Blocks int64
	mem    map[int64][]byte
}

// NewFakeCard creates a new in-memory block device.
func NewFakeCard(blocks int64) *FakeCard {
	return &FakeCard{
		Blocks: blocks,
		mem:    make(map[int64][]byte),
	}
}

// Read returns size bytes at offset in the fake storage.
func (fc *FakeCard) Read(offset int64, size int64) ([]byte, error) {
	fc.Lock()
	defer fc.Unlock()

	l := fc.Blocks * BlockSize
	if offset >= l {
		return nil, fmt.Errorf("offset (%d) past end of storage (%d)", offset, l)
	}
	if offset+size > l {
		size = l - offset
	}
	if offset%BlockSize != 0 {
		return nil, fmt.Errorf("non sector-aligned read at %d", offset)
	}

	r := make([]byte, size)
	base := offset / BlockSize

	for i, rem := int64(0), size; rem > 0; i, rem = i+1, rem-BlockSize {
		copy(r[i*BlockSize:], fc.mem[base+i])
	}

	return r, nil
}

// WriteBlocks writes b at block lba onwards, padding it to full blocks.
func (fc *FakeCard) WriteBlocks(lba int, b []byte) error {
	fc.Lock()
	defer fc.Unlock()

	if int64(lba) >= fc.Blocks || int64(lba)+int64((len(b)+BlockSize-1)/BlockSize) > fc.Blocks {
		return fmt.Errorf("lba (%d) + %d bytes exceeds device blocks (%d)", lba, len(b), fc.Blocks)
	}

	for i, rem := int64(0), int64(len(b)); rem > 0; i, rem = i+1, rem-BlockSize {
		buf := make([]byte, BlockSize)
		copy(buf, b[i*BlockSize:])
		fc.mem[int64(lba)+i] = buf
	}

	return nil
}
