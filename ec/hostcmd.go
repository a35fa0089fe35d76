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

package ec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/klog/v2"
)

// Host command codes.
const (
	CmdGetVersion      = 0x02
	CmdFlashRead       = 0x11
	CmdFlashWrite      = 0x12
	CmdFlashErase      = 0x13
	CmdFlashProtect    = 0x15
	CmdFlashRegionInfo = 0x16
	CmdVbootHash       = 0x2a
	CmdRebootEC        = 0xd2
	CmdResendResponse  = 0xdb
)

// Result is the completion code of a host command.
type Result uint16

const (
	ResSuccess Result = iota
	ResInvalidCommand
	ResError
	ResInvalidParam
	ResAccessDenied
	ResInvalidResponse
	ResInvalidVersion
	ResInvalidChecksum
	ResInProgress
	ResUnavailable
	ResTimeout
	ResOverflow
	ResInvalidHeader
	ResRequestTruncated
	ResResponseTooBig
	ResBusError
	ResBusy
)

func (r Result) String() string {
	switch r {
	case ResSuccess:
		return "success"
	case ResInvalidCommand:
		return "invalid command"
	case ResError:
		return "error"
	case ResInvalidParam:
		return "invalid parameter"
	case ResAccessDenied:
		return "access denied"
	case ResInvalidChecksum:
		return "invalid checksum"
	case ResInProgress:
		return "in progress"
	case ResTimeout:
		return "timeout"
	case ResBusy:
		return "busy"
	}
	return fmt.Sprintf("result %d", uint16(r))
}

const (
	// HeaderVersion is the host command packet protocol version.
	HeaderVersion = 3
	// HeaderSize is the size of request and response packet headers.
	HeaderSize = 8
	// MaxPacketSize bounds request and response packets.
	MaxPacketSize = 256
	// MaxPayload is the largest data payload of a single packet.
	MaxPayload = MaxPacketSize - HeaderSize
)

// EC flash regions.
const (
	regionRO     = 0
	regionActive = 1
)

// Vboot hash sub-commands and state.
const (
	hashGet    = 0
	hashRecalc = 3

	hashTypeSHA256 = 0

	hashStatusDone = 1

	// HashOffsetRW selects the RW image for hashing.
	HashOffsetRW = 0xfffffffd
)

// Bus exchanges a request packet for a response packet.
type Bus interface {
	Xfer(out []byte, in []byte) error
}

// HostCmdClient implements Transport over the EC host command protocol.
type HostCmdClient struct {
	Bus Bus

	// PollInterval and PollRetries bound the wait for commands reported as
	// in progress, and for the EC to come back after a reboot.
	PollInterval time.Duration
	PollRetries  uint64
}

func checksum(b []byte) (c byte) {
	for _, v := range b {
		c += v
	}
	return
}

// EncodeRequest builds a request packet.
func EncodeRequest(cmd uint16, version uint8, data []byte) ([]byte, error) {
	if len(data) > MaxPayload {
		return nil, fmt.Errorf("request payload too large (%d bytes)", len(data))
	}

	pkt := make([]byte, HeaderSize+len(data))

	pkt[0] = HeaderVersion
	binary.LittleEndian.PutUint16(pkt[2:], cmd)
	pkt[4] = version
	binary.LittleEndian.PutUint16(pkt[6:], uint16(len(data)))
	copy(pkt[HeaderSize:], data)

	pkt[1] = -checksum(pkt)

	return pkt, nil
}

// DecodeResponse validates a response packet and returns its result and
// payload.
func DecodeResponse(pkt []byte) (Result, []byte, error) {
	if len(pkt) < HeaderSize {
		return 0, nil, errors.New("short response header")
	}

	if pkt[0] != HeaderVersion {
		return 0, nil, fmt.Errorf("invalid response version %d", pkt[0])
	}

	n := int(binary.LittleEndian.Uint16(pkt[4:]))

	if HeaderSize+n > len(pkt) {
		return 0, nil, fmt.Errorf("response length %d exceeds packet", n)
	}

	pkt = pkt[:HeaderSize+n]

	if checksum(pkt) != 0 {
		return 0, nil, errors.New("invalid response checksum")
	}

	return Result(binary.LittleEndian.Uint16(pkt[2:])), pkt[HeaderSize:], nil
}

func (c *HostCmdClient) poll() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(c.PollInterval), c.PollRetries)
}

func (c *HostCmdClient) xfer(cmd uint16, version uint8, req []byte) (Result, []byte, error) {
	out, err := EncodeRequest(cmd, version, req)
	if err != nil {
		return 0, nil, err
	}

	in := make([]byte, MaxPacketSize)

	if err = c.Bus.Xfer(out, in); err != nil {
		return 0, nil, fmt.Errorf("EC bus error: %v", err)
	}

	return DecodeResponse(in)
}

// Command issues a host command and returns its response payload, commands
// reported as in progress are polled for completion.
func (c *HostCmdClient) Command(cmd uint16, version uint8, req []byte) ([]byte, error) {
	res, resp, err := c.xfer(cmd, version, req)
	if err != nil {
		return nil, err
	}

	if res == ResInProgress {
		klog.V(2).Infof("ec: command %#02x in progress", cmd)

		op := func() error {
			res, resp, err = c.xfer(CmdResendResponse, 0, nil)

			if err != nil {
				return backoff.Permanent(err)
			}

			if res == ResInProgress || res == ResBusy {
				return &ResultError{Command: cmd, Result: res}
			}

			return nil
		}

		if err = backoff.Retry(op, c.poll()); err != nil {
			return nil, err
		}
	}

	if res != ResSuccess {
		return nil, &ResultError{Command: cmd, Result: res}
	}

	return resp, nil
}

// CurrentImage implements Transport.
func (c *HostCmdClient) CurrentImage() (Image, error) {
	resp, err := c.Command(CmdGetVersion, 0, nil)
	if err != nil {
		return ImageUnknown, err
	}

	// version_string_ro[32], version_string_rw[32], reserved[32], current_image
	if len(resp) < 100 {
		return ImageUnknown, errors.New("short version response")
	}

	return Image(binary.LittleEndian.Uint32(resp[96:])), nil
}

// Reboot implements Transport, unless deferred the EC is polled until it
// responds again.
func (c *HostCmdClient) Reboot(cmd RebootCmd, flags RebootFlags) error {
	immediate := flags&RebootOnAPShutdown == 0 && cmd != RebootCancel && cmd != RebootDisableJump

	if _, err := c.Command(CmdRebootEC, 0, []byte{byte(cmd), byte(flags)}); err != nil {
		if !immediate {
			return err
		}
		// an EC rebooting immediately may not respond
		klog.V(2).Infof("ec: no response to reboot command: %v", err)
	}

	if !immediate {
		return nil
	}

	return backoff.Retry(func() error {
		_, err := c.CurrentImage()
		return err
	}, c.poll())
}

func offsetSize(off uint32, n uint32) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:], off)
	binary.LittleEndian.PutUint32(b[4:], n)
	return b
}

// FlashRead implements Transport.
func (c *HostCmdClient) FlashRead(off uint32, p []byte) error {
	for len(p) > 0 {
		n := min(len(p), MaxPayload)

		resp, err := c.Command(CmdFlashRead, 0, offsetSize(off, uint32(n)))
		if err != nil {
			return err
		}

		if len(resp) < n {
			return fmt.Errorf("short flash read at %#x", off)
		}

		copy(p, resp[:n])
		p = p[n:]
		off += uint32(n)
	}

	return nil
}

// FlashWrite implements Transport.
func (c *HostCmdClient) FlashWrite(off uint32, p []byte) error {
	for len(p) > 0 {
		n := min(len(p), MaxPayload-8)

		req := append(offsetSize(off, uint32(n)), p[:n]...)

		if _, err := c.Command(CmdFlashWrite, 0, req); err != nil {
			return err
		}

		p = p[n:]
		off += uint32(n)
	}

	return nil
}

// FlashErase implements Transport.
func (c *HostCmdClient) FlashErase(off uint32, n uint32) error {
	_, err := c.Command(CmdFlashErase, 0, offsetSize(off, n))
	return err
}

// FlashProtect implements Transport.
func (c *HostCmdClient) FlashProtect(mask uint32, flags uint32) (info ProtectInfo, err error) {
	resp, err := c.Command(CmdFlashProtect, 1, offsetSize(mask, flags))
	if err != nil {
		return
	}

	if len(resp) < 12 {
		return info, errors.New("short flash protect response")
	}

	info.Flags = binary.LittleEndian.Uint32(resp[0:])
	info.Valid = binary.LittleEndian.Uint32(resp[4:])
	info.Writable = binary.LittleEndian.Uint32(resp[8:])

	return
}

// RegionInfo implements Transport.
func (c *HostCmdClient) RegionInfo(img Image) (off uint32, size uint32, err error) {
	req := make([]byte, 4)

	switch img {
	case ImageRO:
		binary.LittleEndian.PutUint32(req, regionRO)
	case ImageRW:
		binary.LittleEndian.PutUint32(req, regionActive)
	default:
		return 0, 0, fmt.Errorf("invalid image %v", img)
	}

	resp, err := c.Command(CmdFlashRegionInfo, 1, req)
	if err != nil {
		return
	}

	if len(resp) < 8 {
		return 0, 0, errors.New("short region info response")
	}

	return binary.LittleEndian.Uint32(resp[0:]), binary.LittleEndian.Uint32(resp[4:]), nil
}

func hashRequest(sub uint8) []byte {
	// cmd, hash_type, nonce_size, reserved, offset, size, nonce_data[64]
	req := make([]byte, 12+64)
	req[0] = sub
	req[1] = hashTypeSHA256
	binary.LittleEndian.PutUint32(req[4:], HashOffsetRW)
	return req
}

func hashResponse(resp []byte) (status uint8, digest []byte, err error) {
	// hash_type, status, digest_size, reserved, offset, size, digest[64]
	if len(resp) < 12 {
		return 0, nil, errors.New("short hash response")
	}

	n := int(resp[2])

	if 12+n > len(resp) {
		return 0, nil, fmt.Errorf("invalid digest size %d", n)
	}

	if off := binary.LittleEndian.Uint32(resp[4:]); off != HashOffsetRW {
		return 0, nil, nil
	}

	return resp[1], resp[12 : 12+n], nil
}

// HashRW implements Transport, a fresh hash is requested unless the EC holds
// a completed one for its RW image.
func (c *HostCmdClient) HashRW() ([]byte, error) {
	resp, err := c.Command(CmdVbootHash, 0, hashRequest(hashGet))
	if err != nil {
		return nil, err
	}

	status, digest, err := hashResponse(resp)
	if err != nil {
		return nil, err
	}

	if status == hashStatusDone {
		return digest, nil
	}

	if resp, err = c.Command(CmdVbootHash, 0, hashRequest(hashRecalc)); err != nil {
		return nil, err
	}

	if status, digest, err = hashResponse(resp); err != nil {
		return nil, err
	}

	if status != hashStatusDone {
		return nil, fmt.Errorf("EC hash not completed (status %d)", status)
	}

	return digest, nil
}
