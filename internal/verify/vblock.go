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

// Package verify implements a reference Verifier for the verified boot
// controller.
//
// Firmware slots and kernels are described by signature blocks (vblocks)
// authenticating a semantic version together with the size and SHA-256 hash
// of the covered image.
package verify

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coreos/go-semver/semver"
)

// Magic starts every signature block.
const Magic = "VBLK"

// maxField bounds the header and signature lengths.
const maxField = 4096

// Header is the signed part of a signature block.
type Header struct {
	// Version is the semantic version of the covered image.
	Version string `json:"version"`
	// Size is the length of the covered image.
	Size uint32 `json:"size"`
	// SHA256 is the hex encoded hash of the covered image.
	SHA256 string `json:"sha256"`
}

// VBlock is a parsed signature block.
type VBlock struct {
	Header

	// Signed holds the encoded header covered by Signature.
	Signed    []byte
	Signature []byte
}

// Encode returns the signature block for the given header and signature
// over its encoding, as returned by EncodeHeader.
func Encode(signed []byte, sig []byte) []byte {
	buf := &bytes.Buffer{}

	buf.WriteString(Magic)
	binary.Write(buf, binary.LittleEndian, uint32(len(signed)))
	buf.Write(signed)
	binary.Write(buf, binary.LittleEndian, uint32(len(sig)))
	buf.Write(sig)

	return buf.Bytes()
}

// EncodeHeader returns the signed encoding of a header describing image.
func EncodeHeader(version string, image []byte) ([]byte, error) {
	h := sha256.Sum256(image)

	return json.Marshal(&Header{
		Version: version,
		Size:    uint32(len(image)),
		SHA256:  hex.EncodeToString(h[:]),
	})
}

func field(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, errors.New("truncated field length")
	}

	n := binary.LittleEndian.Uint32(buf)
	buf = buf[4:]

	if n > maxField || int(n) > len(buf) {
		return nil, nil, fmt.Errorf("invalid field length %d", n)
	}

	return buf[:n], buf[n:], nil
}

// Parse decodes a signature block, trailing bytes are ignored.
func Parse(buf []byte) (vb *VBlock, err error) {
	if !bytes.HasPrefix(buf, []byte(Magic)) {
		return nil, errors.New("invalid signature block magic")
	}

	vb = &VBlock{}
	rest := buf[len(Magic):]

	if vb.Signed, rest, err = field(rest); err != nil {
		return nil, fmt.Errorf("header: %v", err)
	}

	if vb.Signature, _, err = field(rest); err != nil {
		return nil, fmt.Errorf("signature: %v", err)
	}

	if err = json.Unmarshal(vb.Signed, &vb.Header); err != nil {
		return nil, fmt.Errorf("invalid header: %v", err)
	}

	if _, err = vb.SemVer(); err != nil {
		return nil, err
	}

	return
}

// SemVer returns the parsed image version.
func (vb *VBlock) SemVer() (*semver.Version, error) {
	v, err := semver.NewVersion(vb.Version)
	if err != nil {
		return nil, fmt.Errorf("invalid version %q: %v", vb.Version, err)
	}
	return v, nil
}

// CheckImage verifies that image is the one described by the block.
func (vb *VBlock) CheckImage(image []byte) error {
	if uint32(len(image)) != vb.Size {
		return fmt.Errorf("image size %d, expected %d", len(image), vb.Size)
	}

	want, err := hex.DecodeString(vb.SHA256)
	if err != nil {
		return fmt.Errorf("invalid hash: %v", err)
	}

	if got := sha256.Sum256(image); !bytes.Equal(got[:], want) {
		return fmt.Errorf("image hash mismatch (%x != %x)", got, want)
	}

	return nil
}
