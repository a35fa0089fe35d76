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

package fmap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/u-root/u-root/pkg/dt"
	"k8s.io/klog/v2"
)

const (
	// FlashNode is the name of the device tree node holding the layout.
	FlashNode = "flash"

	regProperty      = "reg"
	compressProperty = "compress"
	hashProperty     = "hash"
)

// region prefixes
const (
	prefixRO  = "ro-"
	prefixRWA = "rw-a-"
	prefixRWB = "rw-b-"
)

// required lists the nodes without which no boot decision can be made.
var required = []string{
	"ro-gbb",
	"ro-firmware-id",
	"rw-a-vblock",
	"rw-a-firmware-id",
	"rw-a-boot",
	"rw-b-vblock",
	"rw-b-firmware-id",
	"rw-b-boot",
}

// NodeName returns the name of a device tree node without its unit address.
func NodeName(n *dt.Node) string {
	name, _, _ := strings.Cut(n.Name, "@")
	return name
}

// FindNode returns the first node, in depth-first order, called name.
func FindNode(root *dt.Node, name string) (*dt.Node, bool) {
	if root == nil {
		return nil, false
	}

	if NodeName(root) == name {
		return root, true
	}

	for _, c := range root.Children {
		if n, ok := FindNode(c, name); ok {
			return n, true
		}
	}

	return nil, false
}

// Property returns the value of the named property of n.
func Property(n *dt.Node, name string) ([]byte, bool) {
	for _, p := range n.Properties {
		if p.Name == name {
			return p.Value, true
		}
	}
	return nil, false
}

// StringProperty returns the value of a NUL terminated string property.
func StringProperty(n *dt.Node, name string) (string, bool) {
	v, ok := Property(n, name)
	if !ok {
		return "", false
	}
	if i := bytes.IndexByte(v, 0); i >= 0 {
		v = v[:i]
	}
	return string(v), true
}

func reg(n *dt.Node) (Area, error) {
	v, ok := Property(n, regProperty)
	if !ok {
		return Area{}, fmt.Errorf("node %q: missing %s property", n.Name, regProperty)
	}

	if len(v) != 8 {
		return Area{}, fmt.Errorf("node %q: invalid %s length %d", n.Name, regProperty, len(v))
	}

	return Area{
		Offset: binary.BigEndian.Uint32(v[0:4]),
		Length: binary.BigEndian.Uint32(v[4:8]),
	}, nil
}

// nested converts the reg of a child node, relative to its parent, to an
// absolute area.
func nested(parent Area, n *dt.Node) (Area, error) {
	rel, err := reg(n)
	if err != nil {
		return Area{}, err
	}

	abs := uint64(parent.Offset) + uint64(rel.Offset)

	if abs > uint64(^uint32(0)) {
		return Area{}, fmt.Errorf("node %q: offset overflow", n.Name)
	}

	return Area{Offset: uint32(abs), Length: rel.Length}, nil
}

type decoder struct {
	m    *Map
	seen map[string]bool
}

// Decode returns the flash layout described by the children of root.
//
// Nodes are visited depth-first, a section defined more than once takes the
// value of the last definition. On error no partial result is returned.
func Decode(root *dt.Node) (*Map, error) {
	if root == nil {
		return nil, errors.New("missing flash layout node")
	}

	d := &decoder{
		m:    &Map{},
		seen: make(map[string]bool),
	}

	for _, c := range root.Children {
		if err := d.walk(c); err != nil {
			return nil, err
		}
	}

	for _, name := range required {
		if !d.seen[name] {
			return nil, fmt.Errorf("missing required node %q", name)
		}
	}

	return d.m, nil
}

// DecodeFDT reads a flattened device tree and decodes the layout found in
// its flash node.
func DecodeFDT(r io.ReadSeeker) (*Map, error) {
	fdt, err := dt.ReadFDT(r)
	if err != nil {
		return nil, fmt.Errorf("could not read device tree: %v", err)
	}

	n, ok := FindNode(fdt.RootNode, FlashNode)
	if !ok {
		return nil, fmt.Errorf("no %q node in device tree", FlashNode)
	}

	return Decode(n)
}

func (d *decoder) walk(n *dt.Node) error {
	name := NodeName(n)

	var err error

	switch {
	case strings.HasPrefix(name, prefixRO):
		err = d.readOnly(n, strings.TrimPrefix(name, prefixRO))
	case strings.HasPrefix(name, prefixRWA):
		err = d.readWrite(n, &d.m.RW[SlotA], strings.TrimPrefix(name, prefixRWA))
	case strings.HasPrefix(name, prefixRWB):
		err = d.readWrite(n, &d.m.RW[SlotB], strings.TrimPrefix(name, prefixRWB))
	default:
		// grouping node, descend
		for _, c := range n.Children {
			if err = d.walk(c); err != nil {
				return err
			}
		}
		return nil
	}

	if err != nil {
		return err
	}

	d.seen[name] = true

	return nil
}

func (d *decoder) readOnly(n *dt.Node, section string) (err error) {
	var a *Area

	ro := &d.m.RO

	switch section {
	case "fmap":
		a = &ro.FMAP
	case "gbb":
		a = &ro.GBB
	case "firmware-id":
		a = &ro.FirmwareID
	case "boot":
		a = &ro.Boot
	case "ec-ro":
		a = &ro.ECRO
	case "ec-rw":
		a = &ro.ECRW
	default:
		klog.V(2).Infof("fmap: ignoring RO section %q", n.Name)
		return nil
	}

	*a, err = reg(n)

	return
}

func (d *decoder) readWrite(n *dt.Node, rw *ReadWrite, section string) (err error) {
	switch section {
	case "all":
		rw.All, err = reg(n)
	case "firmware-id":
		rw.FirmwareID, err = reg(n)
	case "vblock":
		rw.VBlock, err = reg(n)
	case "ec-rw":
		if rw.ECRW, err = reg(n); err != nil {
			return
		}
		rw.ECHash = hash(n)
	case "boot":
		err = d.boot(n, rw)
	default:
		klog.V(2).Infof("fmap: ignoring RW section %q", n.Name)
	}

	return
}

func hash(n *dt.Node) []byte {
	v, ok := Property(n, hashProperty)
	if !ok {
		return nil
	}
	return append([]byte{}, v...)
}

func (d *decoder) boot(n *dt.Node, rw *ReadWrite) (err error) {
	if rw.Boot, err = reg(n); err != nil {
		return
	}

	// sub-regions only come from the last definition
	rw.Compression = CompressNone
	rw.Entry = Area{}
	rw.ECRW = Area{}
	rw.ECHash = nil

	if s, ok := StringProperty(n, compressProperty); ok {
		if rw.Compression, err = ParseCompression(s); err != nil {
			return fmt.Errorf("node %q: %v", n.Name, err)
		}
	}

	for _, c := range n.Children {
		switch NodeName(c) {
		case "ec-rw":
			if rw.ECRW, err = nested(rw.Boot, c); err != nil {
				return
			}
			rw.ECHash = hash(c)
		case "image":
			if rw.Entry, err = nested(rw.Boot, c); err != nil {
				return
			}
		default:
			klog.V(2).Infof("fmap: ignoring boot sub-region %q", c.Name)
		}
	}

	return
}
