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
	"unsafe"

	"github.com/transparency-dev/armored-vboot/memwipe"
)

// StackMargin is kept below the stack pointer when wiping memory.
const StackMargin = 64 << 10

// span returns the memory range backing b.
func span(b []byte) memwipe.Range {
	start := uint64(uintptr(unsafe.Pointer(unsafe.SliceData(b))))
	return memwipe.Range{Start: start, End: start + uint64(len(b))}
}

// Wipe builds the memory wipe for a layout: usable RAM is cleared except for
// the live stack, the reserved regions and the given buffers.
func Wipe(l MemoryLayout, keep ...[]byte) *memwipe.Wiper {
	w := memwipe.New()
	w.Mark(l.RAM.Start, l.RAM.End)

	sp := l.StackPointer
	if sp > StackMargin {
		sp -= StackMargin
	} else {
		sp = 0
	}

	if l.StackTop > sp {
		w.Unmark(sp, l.StackTop)
	}

	for _, r := range []memwipe.Range{l.Cache, l.PostMortem, l.ResumeVector, l.Framebuffer} {
		if r.End > r.Start {
			w.Unmark(r.Start, r.End)
		}
	}

	for _, b := range keep {
		if len(b) > 0 {
			r := span(b)
			w.Unmark(r.Start, r.End)
		}
	}

	return w
}
