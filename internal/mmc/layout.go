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

package mmc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxLayoutSize bounds the signed flash layout, signature included.
const MaxLayoutSize = 1 << 20

// Layout is the device tree describing the flash layout, stored on the card
// with its detached signature.
//
// The first block holds the little endian 32-bit lengths of the device tree
// blob and of the signature, which follow from the next block onwards.
type Layout struct {
	Card Card
	// Offset is the start of the layout in bytes.
	Offset int64
}

// Read returns the device tree blob and its signature.
func (l *Layout) Read() (dtb []byte, sig []byte, err error) {
	hdr, err := l.Card.Read(l.Offset, BlockSize)
	if err != nil {
		return nil, nil, fmt.Errorf("could not read layout header: %v", err)
	}

	if len(hdr) < 8 {
		return nil, nil, errors.New("short layout header")
	}

	n := int64(binary.LittleEndian.Uint32(hdr[0:]))
	m := int64(binary.LittleEndian.Uint32(hdr[4:]))

	if n == 0 || n+m > MaxLayoutSize {
		return nil, nil, fmt.Errorf("invalid layout size (%d, %d)", n, m)
	}

	buf, err := l.Card.Read(l.Offset+BlockSize, n+m)
	if err != nil {
		return nil, nil, fmt.Errorf("could not read layout: %v", err)
	}

	if int64(len(buf)) < n+m {
		return nil, nil, fmt.Errorf("short layout read (%d bytes)", len(buf))
	}

	return buf[:n], buf[n : n+m], nil
}

// Write stores a device tree blob and its signature.
func (l *Layout) Write(dtb []byte, sig []byte) error {
	if len(dtb) == 0 || len(dtb)+len(sig) > MaxLayoutSize {
		return fmt.Errorf("invalid layout size (%d, %d)", len(dtb), len(sig))
	}

	if l.Offset%BlockSize != 0 {
		return fmt.Errorf("unaligned layout offset %#x", l.Offset)
	}

	buf := make([]byte, BlockSize, BlockSize+len(dtb)+len(sig))
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(dtb)))
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(sig)))

	buf = append(buf, dtb...)
	buf = append(buf, sig...)

	return write(l.Card, buf, int(l.Offset/BlockSize))
}
