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

// Package memwipe implements the memory sanitization pass performed before
// handing RAM over to a less trusted stage.
//
// The set of addresses to wipe is kept as an ordered list of edges, each
// edge toggles between "leave alone" and "wipe". Every range operation
// overrides any earlier one over the addresses it covers.
package memwipe

import (
	"fmt"

	"k8s.io/klog/v2"
)

// Memory is the address space being sanitized.
type Memory interface {
	// Zero sets every byte in [start, end) to zero.
	Zero(start, end uint64) error
}

type edge struct {
	pos  uint64
	next *edge
}

// Range is a [Start, End) address interval.
type Range struct {
	Start uint64
	End   uint64
}

// Wiper accumulates the address ranges to be wiped.
type Wiper struct {
	// head is a sentinel, the list starts at head.next.
	head edge
}

// New returns an empty Wiper, leaving the whole address space alone.
func New() *Wiper {
	return &Wiper{}
}

// setRange sets the state of [start, end) to wipe, preserving the state of
// every address outside of it.
func (w *Wiper) setRange(start, end uint64, wipe bool) {
	if start >= end {
		return
	}

	prev := &w.head
	before := false

	// walk to the last edge before start
	for prev.next != nil && prev.next.pos < start {
		prev = prev.next
		before = !before
	}

	// drop edges within [start, end], tracking the state at end
	after := before
	for prev.next != nil && prev.next.pos <= end {
		prev.next = prev.next.next
		after = !after
	}

	if before != wipe {
		prev.next = &edge{pos: start, next: prev.next}
		prev = prev.next
	}

	if wipe != after {
		prev.next = &edge{pos: end, next: prev.next}
	}
}

// Mark adds [start, end) to the set of ranges to wipe.
func (w *Wiper) Mark(start, end uint64) {
	w.setRange(start, end, true)
}

// Unmark removes [start, end) from the set of ranges to wipe.
func (w *Wiper) Unmark(start, end uint64) {
	w.setRange(start, end, false)
}

// Ranges returns the ranges to be wiped, in increasing address order.
func (w *Wiper) Ranges() (r []Range) {
	for e := w.head.next; e != nil && e.next != nil; e = e.next.next {
		r = append(r, Range{Start: e.pos, End: e.next.pos})
	}
	return
}

// Execute zeroes every marked range. The zeroed memory is not read back.
func (w *Wiper) Execute(m Memory) error {
	for _, r := range w.Ranges() {
		klog.V(2).Infof("memwipe: zeroing [%#x, %#x)", r.Start, r.End)

		if err := m.Zero(r.Start, r.End); err != nil {
			return fmt.Errorf("could not wipe [%#x, %#x): %v", r.Start, r.End, err)
		}
	}

	return nil
}

// SliceMemory is a Memory backed by a byte slice starting at address Base.
type SliceMemory struct {
	Base uint64
	Buf  []byte
}

// Zero implements Memory.
func (s *SliceMemory) Zero(start, end uint64) error {
	if start < s.Base || end > s.Base+uint64(len(s.Buf)) {
		return fmt.Errorf("[%#x, %#x) outside of memory", start, end)
	}

	clear(s.Buf[start-s.Base : end-s.Base])

	return nil
}
