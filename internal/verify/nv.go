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

package verify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-vboot/vboot"
)

// NVSize is the length of the encoded non-volatile context.
const NVSize = 16

// NV context layout, an all zero context holds the defaults.
const (
	nvFlags    = 0
	nvRecovery = 1
	nvTries    = 2

	nvDevMode = 1 << 0
	nvTryB    = 1 << 1
)

// NVContext is the verifier state kept across boots.
type NVContext struct {
	// DevMode is the virtual developer switch.
	DevMode bool
	// TryB makes slot B preferred for the next TryCount boots.
	TryB     bool
	TryCount uint8
	// RecoveryRequest, when not zero, is the reason for a requested
	// recovery boot.
	RecoveryRequest uint8
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (n *NVContext) MarshalBinary() ([]byte, error) {
	buf := make([]byte, NVSize)

	if n.DevMode {
		buf[nvFlags] |= nvDevMode
	}
	if n.TryB {
		buf[nvFlags] |= nvTryB
	}

	buf[nvRecovery] = n.RecoveryRequest
	buf[nvTries] = n.TryCount

	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (n *NVContext) UnmarshalBinary(buf []byte) error {
	if len(buf) < NVSize {
		return fmt.Errorf("invalid NV context length %d", len(buf))
	}

	*n = NVContext{
		DevMode:         buf[nvFlags]&nvDevMode != 0,
		TryB:            buf[nvFlags]&nvTryB != 0,
		RecoveryRequest: buf[nvRecovery],
		TryCount:        buf[nvTries],
	}

	return nil
}

// Recovery request reasons.
const (
	RecoveryNone       = 0
	RecoveryNoFirmware = 1
	RecoveryUser       = 2
)

// stateMagic starts the verifier state handed over to the RW stage.
const stateMagic = "VBSD"

// state is the verifier decision carried in the trust-state record.
type state struct {
	Flags     vboot.InitFlags `json:"flags"`
	Recovery  bool            `json:"recovery"`
	Developer bool            `json:"developer"`
	Slot      int             `json:"slot"`
	Firmware  string          `json:"firmware,omitempty"`
	// Key verifies kernels.
	Key string `json:"key,omitempty"`
}

func (s *state) encode(dst []byte) error {
	j, err := json.Marshal(s)
	if err != nil {
		return err
	}

	if len(stateMagic)+len(j) > len(dst) {
		return errors.New("verifier state exceeds record area")
	}

	clear(dst)
	copy(dst[copy(dst, stateMagic):], j)

	return nil
}

func (s *state) decode(src []byte) error {
	if !bytes.HasPrefix(src, []byte(stateMagic)) {
		return errors.New("missing verifier state")
	}

	return json.Unmarshal(bytes.TrimRight(src[len(stateMagic):], "\x00"), s)
}
