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

package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/transparency-dev/armored-vboot/crossystem"
	"github.com/transparency-dev/armored-vboot/fmap"
	"github.com/transparency-dev/armored-vboot/gbb"
	"github.com/transparency-dev/armored-vboot/internal/verify"
)

// printer is implemented by the text representation of decoded structures.
type printer interface {
	Print() string
}

func show(w io.Writer, format string, v printer) error {
	switch format {
	case "text":
		_, err := io.WriteString(w, v.Print())
		return err
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)

		if err := enc.Encode(v); err != nil {
			return err
		}

		return enc.Close()
	}

	return fmt.Errorf("unknown format %q", format)
}

type areaView struct {
	Name   string `yaml:"name"`
	Offset uint32 `yaml:"offset"`
	Length uint32 `yaml:"length"`
}

type mapView struct {
	Areas       []areaView `yaml:"areas"`
	Compression [2]string  `yaml:"compression"`
}

// areas returns the defined areas of a flash layout, by node name.
func areas(m *fmap.Map) []areaView {
	var v []areaView

	add := func(name string, a fmap.Area) {
		if !a.Empty() {
			v = append(v, areaView{Name: name, Offset: a.Offset, Length: a.Length})
		}
	}

	add("ro-fmap", m.RO.FMAP)
	add("ro-gbb", m.RO.GBB)
	add("ro-firmware-id", m.RO.FirmwareID)
	add("ro-boot", m.RO.Boot)
	add("ro-ec-ro", m.RO.ECRO)
	add("ro-ec-rw", m.RO.ECRW)

	for i, prefix := range []string{"rw-a-", "rw-b-"} {
		rw := m.RW[i]

		add(prefix+"all", rw.All)
		add(prefix+"vblock", rw.VBlock)
		add(prefix+"firmware-id", rw.FirmwareID)
		add(prefix+"boot", rw.Boot)
		add(prefix+"entry", rw.Entry)
		add(prefix+"ec-rw", rw.ECRW)
	}

	return v
}

func newMapView(m *fmap.Map) *mapView {
	return &mapView{
		Areas:       areas(m),
		Compression: [2]string{m.RW[0].Compression.String(), m.RW[1].Compression.String()},
	}
}

func (v *mapView) Print() string {
	var b strings.Builder

	for _, a := range v.Areas {
		fmt.Fprintf(&b, "%-18s %v\n", a.Name, fmap.Area{Offset: a.Offset, Length: a.Length})
	}

	fmt.Fprintf(&b, "compression        A:%s B:%s\n", v.Compression[0], v.Compression[1])

	return b.String()
}

func digest(b []byte) string {
	if len(b) == 0 {
		return ""
	}

	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

type gbbView struct {
	Version     string `yaml:"version"`
	HeaderSize  uint32 `yaml:"header_size"`
	Flags       uint32 `yaml:"flags"`
	HWID        string `yaml:"hwid"`
	RootKey     string `yaml:"root_key_sha256"`
	RecoveryKey string `yaml:"recovery_key_sha256"`
	BmpFV       int    `yaml:"bmpfv_length"`
}

func newGBBView(g *gbb.Block) *gbbView {
	return &gbbView{
		Version:     fmt.Sprintf("%d.%d", g.Major, g.Minor),
		HeaderSize:  g.Size,
		Flags:       g.Flags,
		HWID:        g.HWID,
		RootKey:     digest(g.RootKey),
		RecoveryKey: digest(g.RecoveryKey),
		BmpFV:       len(g.BmpFV),
	}
}

func (v *gbbView) Print() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Version ..........: %s\n", v.Version)
	fmt.Fprintf(&b, "Header size ......: %d\n", v.HeaderSize)
	fmt.Fprintf(&b, "Flags ............: %#08x\n", v.Flags)
	fmt.Fprintf(&b, "HWID .............: %s\n", v.HWID)
	fmt.Fprintf(&b, "Root key .........: %s\n", v.RootKey)
	fmt.Fprintf(&b, "Recovery key .....: %s\n", v.RecoveryKey)
	fmt.Fprintf(&b, "Bitmap volume ....: %d bytes\n", v.BmpFV)

	return b.String()
}

type recordView struct {
	WriteProtect bool   `yaml:"write_protect"`
	Recovery     bool   `yaml:"recovery"`
	Developer    bool   `yaml:"developer"`
	OptionROM    bool   `yaml:"option_rom"`
	FMAPOffset   uint32 `yaml:"fmap_offset"`
	ActiveEC     string `yaml:"active_ec"`
	FirmwareType string `yaml:"firmware_type"`
	HWID         string `yaml:"hwid"`
	ROFirmwareID string `yaml:"ro_firmware_id"`
	FirmwareID   string `yaml:"firmware_id"`
	NVStorage    string `yaml:"nv_storage"`
	NVLBA        uint32 `yaml:"nv_lba"`
	NVOffset     uint16 `yaml:"nv_offset"`
	NVSize       uint16 `yaml:"nv_size"`
}

func newRecordView(r *crossystem.Record) *recordView {
	s := r.Signals()
	nv := r.NVContext()

	return &recordView{
		WriteProtect: s.WriteProtect.Value,
		Recovery:     s.Recovery.Value,
		Developer:    s.Developer.Value,
		OptionROM:    s.OptionROM.Value,
		FMAPOffset:   r.FMAPOffset(),
		ActiveEC:     r.ActiveEC().String(),
		FirmwareType: r.FirmwareType().String(),
		HWID:         r.HWID(),
		ROFirmwareID: r.ROFirmwareID(),
		FirmwareID:   r.FirmwareID(),
		NVStorage:    nv.Storage.String(),
		NVLBA:        nv.LBA,
		NVOffset:     nv.Offset,
		NVSize:       nv.Size,
	}
}

func (v *recordView) Print() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Signals ..........: wp:%v rec:%v dev:%v oprom:%v\n", v.WriteProtect, v.Recovery, v.Developer, v.OptionROM)
	fmt.Fprintf(&b, "FMAP offset ......: %#x\n", v.FMAPOffset)
	fmt.Fprintf(&b, "Active EC ........: %s\n", v.ActiveEC)
	fmt.Fprintf(&b, "Firmware type ....: %s\n", v.FirmwareType)
	fmt.Fprintf(&b, "HWID .............: %s\n", v.HWID)
	fmt.Fprintf(&b, "RO firmware ID ...: %s\n", v.ROFirmwareID)
	fmt.Fprintf(&b, "Firmware ID ......: %s\n", v.FirmwareID)
	fmt.Fprintf(&b, "NV context .......: %s lba:%d offset:%d size:%d\n", v.NVStorage, v.NVLBA, v.NVOffset, v.NVSize)

	return b.String()
}

type vblockView struct {
	verify.Header `yaml:",inline"`
	Signature     int `yaml:"signature_length"`
}

func (v *vblockView) Print() string {
	return fmt.Sprintf("Version ..........: %s\nSize .............: %d\nSHA256 ...........: %s\nSignature ........: %d bytes\n",
		v.Version, v.Size, v.SHA256, v.Signature)
}
