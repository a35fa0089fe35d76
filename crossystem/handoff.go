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

package crossystem

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/u-root/u-root/pkg/dt"
)

const (
	firmwareNode = "firmware"
	chromeOSNode = "chromeos"
)

// DeviceTreeTarget hands the record over by adding a /firmware/chromeos node
// to the device tree passed to the kernel.
type DeviceTreeTarget struct {
	FDT *dt.FDT
}

func stringProperty(name string, v string) dt.Property {
	return dt.Property{Name: name, Value: append([]byte(v), 0)}
}

func u32Property(name string, v uint32) dt.Property {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return dt.Property{Name: name, Value: b}
}

func child(n *dt.Node, name string) *dt.Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Embed implements Target.
func (t *DeviceTreeTarget) Embed(r *Record) error {
	if t.FDT == nil || t.FDT.RootNode == nil {
		return errors.New("no device tree")
	}

	root := t.FDT.RootNode
	fw := child(root, firmwareNode)

	if fw == nil {
		fw = &dt.Node{Name: firmwareNode}
		root.Children = append(root.Children, fw)
	}

	if child(fw, chromeOSNode) != nil {
		return fmt.Errorf("/%s/%s node already present", firmwareNode, chromeOSNode)
	}

	s := r.Signals()
	nv := r.NVContext()

	props := []dt.Property{
		stringProperty("compatible", "chromeos-firmware"),
		stringProperty("hardware-id", r.HWID()),
		stringProperty("readonly-firmware-version", r.ROFirmwareID()),
		stringProperty("firmware-version", r.FirmwareID()),
		stringProperty("firmware-type", r.FirmwareType().String()),
		stringProperty("active-ec-firmware", r.ActiveEC().String()),
		u32Property("fmap-offset", r.FMAPOffset()),
		stringProperty("nonvolatile-context-storage", nv.Storage.String()),
		u32Property("nonvolatile-context-lba", nv.LBA),
		u32Property("nonvolatile-context-offset", uint32(nv.Offset)),
		u32Property("nonvolatile-context-size", uint32(nv.Size)),
		{Name: "vboot-shared-data", Value: append([]byte{}, r.VerifierData()...)},
	}

	for _, sw := range []struct {
		name string
		s    Signal
	}{
		{"write-protect-switch", s.WriteProtect},
		{"recovery-switch", s.Recovery},
		{"developer-switch", s.Developer},
		{"oprom-loaded", s.OptionROM},
	} {
		if sw.s.Value {
			props = append(props, dt.Property{Name: sw.name})
		}
	}

	fw.Children = append(fw.Children, &dt.Node{
		Name:       chromeOSNode,
		Properties: props,
	})

	return nil
}

// Region is a shared memory table.
type Region interface {
	io.ReaderAt
	io.WriterAt
}

// ACPITarget hands the record over by copying it verbatim into a shared
// memory table.
type ACPITarget struct {
	Table  Region
	Offset int64
}

// Embed implements Target, the copy is read back and any difference from the
// live record is an error.
func (t *ACPITarget) Embed(r *Record) error {
	buf := r.Bytes()

	if _, err := t.Table.WriteAt(buf, t.Offset); err != nil {
		return fmt.Errorf("could not write record: %v", err)
	}

	check := make([]byte, len(buf))

	if _, err := t.Table.ReadAt(check, t.Offset); err != nil {
		return fmt.Errorf("could not read back record: %v", err)
	}

	if !bytes.Equal(buf, check) {
		return errors.New("embedded record diverges from live record")
	}

	return nil
}

// ErrHandoff is returned for a hand-off region which does not hold a record
// and binary block.
var ErrHandoff = errors.New("invalid hand-off region")

const handoffHeaderSize = RecordSize + 4

// WriteHandoff places the record, followed by the length prefixed binary
// block, at the start of a region of the given size.
func WriteHandoff(w io.WriterAt, size int64, r *Record, g []byte) error {
	if int64(len(g)) > size-handoffHeaderSize {
		return fmt.Errorf("%d bytes binary block: %w", len(g), ErrHandoff)
	}

	hdr := make([]byte, 4)
	le.PutUint32(hdr, uint32(len(g)))

	off := int64(0)

	for _, p := range [][]byte{r.Bytes(), hdr, g} {
		if _, err := w.WriteAt(p, off); err != nil {
			return err
		}
		off += int64(len(p))
	}

	return nil
}

// ReadHandoff returns the record and binary block written by WriteHandoff to
// a region of the given size.
func ReadHandoff(r io.ReaderAt, size int64) (rec []byte, g []byte, err error) {
	if size < handoffHeaderSize {
		return nil, nil, fmt.Errorf("%d bytes region: %w", size, ErrHandoff)
	}

	rec = make([]byte, RecordSize)

	if _, err = r.ReadAt(rec, 0); err != nil {
		return nil, nil, err
	}

	hdr := make([]byte, 4)

	if _, err = r.ReadAt(hdr, RecordSize); err != nil {
		return nil, nil, err
	}

	n := le.Uint32(hdr)

	if int64(n) > size-handoffHeaderSize {
		return nil, nil, fmt.Errorf("%d bytes binary block: %w", n, ErrHandoff)
	}

	g = make([]byte, n)

	if _, err = r.ReadAt(g, handoffHeaderSize); err != nil {
		return nil, nil, fmt.Errorf("could not read binary block: %v", err)
	}

	return
}
