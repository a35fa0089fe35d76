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

package testonly

import (
	"encoding/binary"
	"errors"

	"github.com/transparency-dev/armored-vboot/ec"
)

// FakeBus serves host command packets from a FakeEC.
type FakeBus struct {
	EC *FakeEC

	// InProgress is the number of polls for which every command is reported
	// as still in progress.
	InProgress int
	// Commands records the command code of every request.
	Commands []uint16

	pending    int
	stashedRes ec.Result
	stashed    []byte
}

func sum(b []byte) (c byte) {
	for _, v := range b {
		c += v
	}
	return
}

func encode(res ec.Result, data []byte, in []byte) error {
	if ec.HeaderSize+len(data) > len(in) {
		return errors.New("response buffer too small")
	}

	pkt := in[:ec.HeaderSize+len(data)]
	clear(pkt)

	pkt[0] = ec.HeaderVersion
	binary.LittleEndian.PutUint16(pkt[2:], uint16(res))
	binary.LittleEndian.PutUint16(pkt[4:], uint16(len(data)))
	copy(pkt[ec.HeaderSize:], data)
	pkt[1] = -sum(pkt)

	return nil
}

// Xfer implements ec.Bus.
func (b *FakeBus) Xfer(out []byte, in []byte) error {
	if len(out) < ec.HeaderSize || out[0] != ec.HeaderVersion || sum(out) != 0 {
		return encode(ec.ResInvalidHeader, nil, in)
	}

	cmd := binary.LittleEndian.Uint16(out[2:])
	n := int(binary.LittleEndian.Uint16(out[6:]))
	req := out[ec.HeaderSize:]

	if n != len(req) {
		return encode(ec.ResRequestTruncated, nil, in)
	}

	b.Commands = append(b.Commands, cmd)

	if cmd == ec.CmdResendResponse {
		if b.pending > 0 {
			b.pending--
			return encode(ec.ResInProgress, nil, in)
		}
		return encode(b.stashedRes, b.stashed, in)
	}

	res, data := b.dispatch(cmd, req)

	if b.InProgress > 0 {
		b.pending = b.InProgress - 1
		b.stashedRes, b.stashed = res, data
		return encode(ec.ResInProgress, nil, in)
	}

	return encode(res, data, in)
}

func (b *FakeBus) dispatch(cmd uint16, req []byte) (ec.Result, []byte) {
	le := binary.LittleEndian
	f := b.EC

	param := func(i int) uint32 {
		if len(req) < 4*(i+1) {
			return 0
		}
		return le.Uint32(req[4*i:])
	}

	switch cmd {
	case ec.CmdGetVersion:
		resp := make([]byte, 100)
		copy(resp, "fake_v1.0.0-ro")
		copy(resp[32:], "fake_v1.0.0-rw")
		le.PutUint32(resp[96:], uint32(f.Running))
		return ec.ResSuccess, resp
	case ec.CmdRebootEC:
		if len(req) < 2 {
			return ec.ResInvalidParam, nil
		}
		if err := f.Reboot(ec.RebootCmd(req[0]), ec.RebootFlags(req[1])); err != nil {
			return ec.ResError, nil
		}
		return ec.ResSuccess, nil
	case ec.CmdFlashRead:
		p := make([]byte, param(1))
		if err := f.FlashRead(param(0), p); err != nil {
			return ec.ResInvalidParam, nil
		}
		return ec.ResSuccess, p
	case ec.CmdFlashWrite:
		if len(req) < 8 || len(req[8:]) != int(param(1)) {
			return ec.ResInvalidParam, nil
		}
		if err := f.FlashWrite(param(0), req[8:]); err != nil {
			return ec.ResAccessDenied, nil
		}
		return ec.ResSuccess, nil
	case ec.CmdFlashErase:
		if err := f.FlashErase(param(0), param(1)); err != nil {
			return ec.ResAccessDenied, nil
		}
		return ec.ResSuccess, nil
	case ec.CmdFlashProtect:
		info, _ := f.FlashProtect(param(0), param(1))
		resp := make([]byte, 12)
		le.PutUint32(resp[0:], info.Flags)
		le.PutUint32(resp[4:], info.Valid)
		le.PutUint32(resp[8:], info.Writable)
		return ec.ResSuccess, resp
	case ec.CmdFlashRegionInfo:
		img := ec.ImageRO
		if param(0) != 0 {
			img = ec.ImageRW
		}
		off, size, err := f.RegionInfo(img)
		if err != nil {
			return ec.ResInvalidParam, nil
		}
		resp := make([]byte, 8)
		le.PutUint32(resp[0:], off)
		le.PutUint32(resp[4:], size)
		return ec.ResSuccess, resp
	case ec.CmdVbootHash:
		digest, _ := f.HashRW()
		resp := make([]byte, 12+64)
		resp[1] = 1
		resp[2] = byte(len(digest))
		le.PutUint32(resp[4:], ec.HashOffsetRW)
		le.PutUint32(resp[8:], uint32(len(f.RW())))
		copy(resp[12:], digest)
		return ec.ResSuccess, resp
	}

	return ec.ResInvalidCommand, nil
}
