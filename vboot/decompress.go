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
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/transparency-dev/armored-vboot/fmap"
)

// ErrTooLarge is returned when an image does not fit its load region.
var ErrTooLarge = errors.New("image exceeds load region")

// fill reads r into dst until r reports io.EOF, failing if r holds more than
// len(dst) bytes. Any other error, including io.ErrUnexpectedEOF from a
// truncated stream, is returned.
func fill(r io.Reader, dst []byte) (n int, err error) {
	var k int

	for n < len(dst) {
		k, err = r.Read(dst[n:])
		n += k

		if err != nil {
			break
		}
	}

	if err == nil {
		var extra [1]byte

		for k = 0; k == 0 && err == nil; {
			k, err = r.Read(extra[:])
		}

		if k > 0 {
			return n, ErrTooLarge
		}
	}

	if errors.Is(err, io.EOF) {
		return n, nil
	}

	return n, err
}

// Decompress decodes src into dst and returns the decoded length.
func Decompress(c fmap.Compression, src []byte, dst []byte) (n int, err error) {
	switch c {
	case fmap.CompressNone:
		if len(src) > len(dst) {
			return 0, ErrTooLarge
		}
		return copy(dst, src), nil
	case fmap.CompressLZ4:
		n, err = fill(lz4.NewReader(bytes.NewReader(src)), dst)
	case fmap.CompressZstd:
		var d *zstd.Decoder

		if d, err = zstd.NewReader(bytes.NewReader(src)); err != nil {
			return
		}
		defer d.Close()

		n, err = fill(d, dst)
	default:
		return 0, fmt.Errorf("unsupported compression %v", c)
	}

	if err == nil && n == 0 {
		err = errors.New("empty image")
	}

	if err != nil {
		return n, fmt.Errorf("%v: %w", c, err)
	}

	return
}
