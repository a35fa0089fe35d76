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

package rpmb

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

const (
	// FrameLength is the size of an RPMB data frame.
	FrameLength = 512
	// DataLength is the size of the data field, one RPMB sector.
	DataLength = 256
	// KeyLength is the size of the authentication key and MAC.
	KeyLength = 32
	// NonceLength is the size of the nonce field.
	NonceLength = 16
)

// p98, Table 17 — Data Frame Files for RPMB, JESD84-B51
const (
	offKeyMAC     = 196
	offData       = offKeyMAC + KeyLength
	offNonce      = offData + DataLength
	offCounter    = offNonce + NonceLength
	offAddress    = offCounter + 4
	offBlockCount = offAddress + 2
	offResult     = offBlockCount + 2
	offResponse   = offResult + 2
	offRequest    = offResponse + 1
)

// p99, Table 18 — RPMB Request/Response Message Types, JESD84-B51
const (
	AuthenticationKeyProgramming = iota + 1
	WriteCounterRead
	AuthenticatedDataWrite
	AuthenticatedDataRead
	ResultRead
	AuthenticatedDeviceConfigurationWrite
	AuthenticatedDeviceConfigurationRead
)

// p100, Table 20 — RPMB Operation Results, JESD84-B51
const (
	OperationOK = iota
	GeneralFailure
	AuthenticationFailure
	CounterFailure
	AddressFailure
	WriteFailure
	ReadFailure
	AuthenticationKeyNotYetProgrammed
)

// OperationError is returned when the card reports a failed operation.
type OperationError struct {
	Result uint16
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation failed (%x)", e.Result)
}

// Frame is an RPMB data frame in wire format, multi-byte fields are big
// endian.
type Frame [FrameLength]byte

// MAC returns the key/MAC field.
func (f *Frame) MAC() []byte { return f[offKeyMAC:offData] }

// Data returns the data field.
func (f *Frame) Data() []byte { return f[offData:offNonce] }

// Nonce returns the nonce field.
func (f *Frame) Nonce() []byte { return f[offNonce:offCounter] }

// Counter returns the write counter.
func (f *Frame) Counter() uint32 {
	return binary.BigEndian.Uint32(f[offCounter:])
}

// SetCounter sets the write counter.
func (f *Frame) SetCounter(n uint32) {
	binary.BigEndian.PutUint32(f[offCounter:], n)
}

// Address returns the sector address.
func (f *Frame) Address() uint16 {
	return binary.BigEndian.Uint16(f[offAddress:])
}

// SetAddress sets the sector address.
func (f *Frame) SetAddress(a uint16) {
	binary.BigEndian.PutUint16(f[offAddress:], a)
}

// SetBlockCount sets the number of sectors transferred.
func (f *Frame) SetBlockCount(n uint16) {
	binary.BigEndian.PutUint16(f[offBlockCount:], n)
}

// Result returns the operation result.
func (f *Frame) Result() uint16 {
	return binary.BigEndian.Uint16(f[offResult:])
}

// SetResult sets the operation result.
func (f *Frame) SetResult(r uint16) {
	binary.BigEndian.PutUint16(f[offResult:], r)
}

// Request returns the request message type.
func (f *Frame) Request() byte { return f[offRequest] }

// SetRequest sets the request message type.
func (f *Frame) SetRequest(r byte) { f[offRequest] = r }

// Response returns the request type a response frame answers.
func (f *Frame) Response() byte { return f[offResponse] }

// SetResponse marks the frame as the response to a request type.
func (f *Frame) SetResponse(r byte) { f[offResponse] = r }

// Sum returns the HMAC-SHA256 of the authenticated frame fields.
func (f *Frame) Sum(key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(f[offData:])
	return mac.Sum(nil)
}

// Sign sets the MAC field.
func (f *Frame) Sign(key []byte) {
	copy(f.MAC(), f.Sum(key))
}

// Verify returns whether the MAC field authenticates the frame.
func (f *Frame) Verify(key []byte) bool {
	return hmac.Equal(f.MAC(), f.Sum(key))
}
