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

// Package crossystem implements the trust-state record shared between the
// read-only and read-write firmware stages and exposed to the OS.
//
// The record is a fixed size, little-endian, packed structure which crosses
// the boundary between independently built firmware images, all fields are
// therefore accessed at explicit offsets within the record buffer.
package crossystem

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// RecordSize is the total size in bytes of a record.
	RecordSize = 17408
	// Signature identifies a record.
	Signature = "CHROMEOS\x00\x00"
	// Version is the only supported record format version.
	Version = 1
	// IDSize is the size of each identifier string field.
	IDSize = 256
	// VerifierDataSize is the size of the opaque verifier blob.
	VerifierDataSize = 16384
)

// field offsets
const (
	offSize      = 0
	offSignature = 4
	offVersion   = 14
	offBootState = 16
	offPolarity  = 20
	offPort      = 24
	offFMAP      = 44
	offActiveEC  = 48
	offFWType    = 49
	offHWID      = 52
	offROFWID    = 308
	offFWID      = 564
	offBoard     = 820
	offNVLBA     = offBoard
	offNVOffset  = offBoard + 4
	offNVSize    = offBoard + 6
	offNVStorage = offBoard + 8
	offVerifier  = 1024
)

var (
	// ErrIntegrity is returned when a record has an unexpected size,
	// signature or version.
	ErrIntegrity = errors.New("trust-state record integrity check failed")
	// ErrAlreadyEmbedded is returned on any attempt to hand over a record
	// more than once.
	ErrAlreadyEmbedded = errors.New("trust-state record already embedded")
)

// ECImage identifies the active companion controller image.
type ECImage uint8

const (
	ECRO ECImage = iota
	ECRW
	ECUnchanged
)

func (e ECImage) String() string {
	switch e {
	case ECRO:
		return "RO"
	case ECRW:
		return "RW"
	case ECUnchanged:
		return "unchanged"
	}
	return fmt.Sprintf("ECImage(%d)", uint8(e))
}

// FirmwareType identifies the mode of the selected firmware.
type FirmwareType uint8

const (
	FirmwareRecovery FirmwareType = iota
	FirmwareNormal
	FirmwareDeveloper
	FirmwareNetboot
)

func (t FirmwareType) String() string {
	switch t {
	case FirmwareRecovery:
		return "recovery"
	case FirmwareNormal:
		return "normal"
	case FirmwareDeveloper:
		return "developer"
	case FirmwareNetboot:
		return "netboot"
	}
	return fmt.Sprintf("FirmwareType(%d)", uint8(t))
}

// NVStorage identifies where the verifier non-volatile context lives.
type NVStorage uint8

const (
	// NVUnset is found in records written before the storage kind existed.
	NVUnset NVStorage = iota
	NVDisk
	NVEC
	NVRPMB
)

// NVLegacyDefault is the storage kind implied by NVUnset.
const NVLegacyDefault = NVDisk

func (s NVStorage) String() string {
	switch s {
	case NVUnset:
		return "unset"
	case NVDisk:
		return "disk"
	case NVEC:
		return "mkbp"
	case NVRPMB:
		return "rpmb"
	}
	return fmt.Sprintf("NVStorage(%d)", uint8(s))
}

// NVContext locates the verifier non-volatile context.
type NVContext struct {
	LBA     uint32
	Offset  uint16
	Size    uint16
	Storage NVStorage
}

// Signal is the boot time state of a trust relevant input.
type Signal struct {
	Value    bool
	Polarity uint8
	Port     uint32
}

// Signals holds the four trust relevant inputs, in record order.
type Signals struct {
	WriteProtect Signal
	Recovery     Signal
	Developer    Signal
	OptionROM    Signal
}

func (s *Signals) list() []*Signal {
	return []*Signal{&s.WriteProtect, &s.Recovery, &s.Developer, &s.OptionROM}
}

// Record is a trust-state record backed by its wire representation.
type Record struct {
	buf      []byte
	embedded bool
}

var le = binary.LittleEndian

// Init returns a zero-filled record populated with the read-only stage
// state.
func Init(s Signals, fmapOffset uint32, ec ECImage, hwid string, roFWID string) (*Record, error) {
	r := &Record{buf: make([]byte, RecordSize)}

	le.PutUint32(r.buf[offSize:], RecordSize)
	copy(r.buf[offSignature:offVersion], Signature)
	le.PutUint16(r.buf[offVersion:], Version)

	for i, sig := range s.list() {
		if sig.Value {
			r.buf[offBootState+i] = 1
		}
		r.buf[offPolarity+i] = sig.Polarity
		le.PutUint32(r.buf[offPort+i*4:], sig.Port)
	}

	le.PutUint32(r.buf[offFMAP:], fmapOffset)
	r.buf[offActiveEC] = byte(ec)

	if err := r.putString(offHWID, hwid); err != nil {
		return nil, fmt.Errorf("hardware id: %v", err)
	}

	if err := r.putString(offROFWID, roFWID); err != nil {
		return nil, fmt.Errorf("RO firmware id: %v", err)
	}

	return r, nil
}

// FromBytes returns a record backed by buf, which is not copied. The record
// contents are not validated, callers must use CheckIntegrity.
func FromBytes(buf []byte) (*Record, error) {
	if len(buf) != RecordSize {
		return nil, fmt.Errorf("invalid record buffer size %d: %w", len(buf), ErrIntegrity)
	}

	return &Record{buf: buf}, nil
}

// CheckIntegrity verifies the record size, signature and version.
func (r *Record) CheckIntegrity() error {
	if size := le.Uint32(r.buf[offSize:]); size != RecordSize {
		return fmt.Errorf("size %d: %w", size, ErrIntegrity)
	}

	if !bytes.Equal(r.buf[offSignature:offVersion], []byte(Signature)) {
		return fmt.Errorf("signature %q: %w", r.buf[offSignature:offVersion], ErrIntegrity)
	}

	if v := le.Uint16(r.buf[offVersion:]); v != Version {
		return fmt.Errorf("version %d: %w", v, ErrIntegrity)
	}

	return nil
}

func (r *Record) putString(off int, s string) error {
	if len(s) >= IDSize {
		return fmt.Errorf("%d bytes exceed field size", len(s))
	}

	f := r.buf[off : off+IDSize]
	clear(f)
	copy(f, s)

	return nil
}

func (r *Record) string(off int) string {
	f := r.buf[off : off+IDSize]

	if i := bytes.IndexByte(f, 0); i >= 0 {
		f = f[:i]
	}

	return string(f)
}

// Bytes returns the record wire representation.
func (r *Record) Bytes() []byte {
	return r.buf
}

// Signals returns the boot time input signals.
func (r *Record) Signals() (s Signals) {
	for i, sig := range s.list() {
		sig.Value = r.buf[offBootState+i] != 0
		sig.Polarity = r.buf[offPolarity+i]
		sig.Port = le.Uint32(r.buf[offPort+i*4:])
	}
	return
}

// FMAPOffset returns the flash offset of the self-describing flash map.
func (r *Record) FMAPOffset() uint32 {
	return le.Uint32(r.buf[offFMAP:])
}

func (r *Record) ActiveEC() ECImage {
	return ECImage(r.buf[offActiveEC])
}

// SetActiveEC records the companion controller image left running.
func (r *Record) SetActiveEC(ec ECImage) {
	r.buf[offActiveEC] = byte(ec)
}

func (r *Record) FirmwareType() FirmwareType {
	return FirmwareType(r.buf[offFWType])
}

func (r *Record) HWID() string {
	return r.string(offHWID)
}

func (r *Record) ROFirmwareID() string {
	return r.string(offROFWID)
}

func (r *Record) FirmwareID() string {
	return r.string(offFWID)
}

// SetActiveFirmware records the type and identifier of the selected firmware.
func (r *Record) SetActiveFirmware(t FirmwareType, id string) error {
	if err := r.putString(offFWID, id); err != nil {
		return fmt.Errorf("firmware id: %v", err)
	}

	r.buf[offFWType] = byte(t)

	return nil
}

// NVContext returns the location of the verifier non-volatile context.
func (r *Record) NVContext() NVContext {
	return NVContext{
		LBA:     le.Uint32(r.buf[offNVLBA:]),
		Offset:  le.Uint16(r.buf[offNVOffset:]),
		Size:    le.Uint16(r.buf[offNVSize:]),
		Storage: NVStorage(r.buf[offNVStorage]),
	}
}

func (r *Record) SetNVContext(nv NVContext) {
	le.PutUint32(r.buf[offNVLBA:], nv.LBA)
	le.PutUint16(r.buf[offNVOffset:], nv.Offset)
	le.PutUint16(r.buf[offNVSize:], nv.Size)
	r.buf[offNVStorage] = byte(nv.Storage)
}

// VerifierData returns the opaque verifier blob, which aliases the record
// buffer.
func (r *Record) VerifierData() []byte {
	return r.buf[offVerifier : offVerifier+VerifierDataSize]
}

// Target is an OS hand-off representation of the record.
type Target interface {
	Embed(r *Record) error
}

// Embed hands the record over to the OS through t. It can only be invoked
// once, a failure is final and must not be retried.
func (r *Record) Embed(t Target) error {
	if r.embedded {
		return ErrAlreadyEmbedded
	}

	r.embedded = true

	return t.Embed(r)
}
