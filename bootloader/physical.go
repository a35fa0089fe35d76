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

//go:build tamago && arm
// +build tamago,arm

package main

import (
	"errors"
	"unsafe"
)

var errOutside = errors.New("access outside of memory region")

// physical is directly addressed memory outside of the Go runtime.
type physical struct {
	start uint64
	size  uint64
}

func (p *physical) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(p.start))), p.size)
}

func (p *physical) check(off int64, n int) error {
	if off < 0 || uint64(off)+uint64(n) > p.size {
		return errOutside
	}
	return nil
}

// ReadAt implements io.ReaderAt.
func (p *physical) ReadAt(b []byte, off int64) (int, error) {
	if err := p.check(off, len(b)); err != nil {
		return 0, err
	}
	return copy(b, p.bytes()[off:]), nil
}

// WriteAt implements io.WriterAt.
func (p *physical) WriteAt(b []byte, off int64) (int, error) {
	if err := p.check(off, len(b)); err != nil {
		return 0, err
	}
	return copy(p.bytes()[off:], b), nil
}

// Zero implements memwipe.Memory, addresses are physical.
func (p *physical) Zero(start, end uint64) error {
	if start < p.start || end > p.start+p.size || start > end {
		return errOutside
	}
	clear(p.bytes()[start-p.start : end-p.start])
	return nil
}
