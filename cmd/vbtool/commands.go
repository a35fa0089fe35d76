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
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/cheggaaa/pb/v3"
	"github.com/u-root/u-root/pkg/dt"

	"github.com/transparency-dev/armored-vboot/crossystem"
	"github.com/transparency-dev/armored-vboot/flash"
	"github.com/transparency-dev/armored-vboot/fmap"
	"github.com/transparency-dev/armored-vboot/gbb"
	"github.com/transparency-dev/armored-vboot/internal/mmc"
	"github.com/transparency-dev/armored-vboot/internal/verify"
)

// writeChunk is the progress granularity of image writes.
const writeChunk = 64 * sectorSize

func readLayout(name string) (*fmap.Map, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return fmap.DecodeFDT(f)
}

func readFile(name string) ([]byte, error) {
	if len(name) == 0 {
		return nil, nil
	}
	return os.ReadFile(name)
}

func fmapCmd() error {
	if err := required(map[string]string{"layout": conf.layout}); err != nil {
		return err
	}

	m, err := readLayout(conf.layout)
	if err != nil {
		return err
	}

	return show(output, conf.format, newMapView(m))
}

func openFlash(name string, write bool) (*os.File, *flash.Flash, error) {
	f, size, err := openImage(name, write)
	if err != nil {
		return nil, nil, err
	}

	dev, err := newFileDevice(f, size)
	if err == nil {
		var fl *flash.Flash
		if fl, err = flash.New(dev); err == nil {
			return f, fl, nil
		}
	}

	f.Close()

	return nil, nil, err
}

// readGBB returns the binary block held in a firmware image, with its images
// loaded.
func readGBB(f flash.Reader, m *fmap.Map) (*gbb.Block, error) {
	g, err := gbb.Read(f, m.RO.GBB)
	if err != nil {
		return nil, err
	}

	if err = g.LoadImages(); err != nil {
		return nil, err
	}

	return g, nil
}

func gbbCmd() error {
	if err := required(map[string]string{"image": conf.image, "layout": conf.layout}); err != nil {
		return err
	}

	m, err := readLayout(conf.layout)
	if err != nil {
		return err
	}

	f, fl, err := openFlash(conf.image, false)
	if err != nil {
		return err
	}
	defer f.Close()

	g, err := readGBB(fl, m)
	if err != nil {
		return err
	}

	return show(output, conf.format, newGBBView(g))
}

func gbbCreateCmd() error {
	if err := required(map[string]string{"out": conf.out, "hwid": conf.hwid, "root-key": conf.rootKey}); err != nil {
		return err
	}

	var keys [3][]byte

	for i, name := range []string{conf.rootKey, conf.bmpfv, conf.recoveryKey} {
		var err error
		if keys[i], err = readFile(name); err != nil {
			return err
		}
	}

	buf, err := gbb.Build(uint32(conf.size), uint32(conf.flags), conf.hwid, keys[0], keys[1], keys[2])
	if err != nil {
		return err
	}

	g, err := gbb.Parse(buf)
	if err != nil {
		return fmt.Errorf("built an invalid block, %v", err)
	}

	if err = show(output, conf.format, newGBBView(g)); err != nil {
		return err
	}

	return os.WriteFile(conf.out, buf, 0o644)
}

func recordCmd() error {
	if err := required(map[string]string{"record": conf.record}); err != nil {
		return err
	}

	buf, err := os.ReadFile(conf.record)
	if err != nil {
		return err
	}

	r, err := crossystem.FromBytes(buf)
	if err == nil {
		err = r.CheckIntegrity()
	}
	if err != nil {
		return err
	}

	return show(output, conf.format, newRecordView(r))
}

func vblockCmd() error {
	if err := required(map[string]string{"in": conf.in}); err != nil {
		return err
	}

	buf, err := os.ReadFile(conf.in)
	if err != nil {
		return err
	}

	vb, err := verify.Parse(buf)
	if err != nil {
		return err
	}

	return show(output, conf.format, &vblockView{Header: vb.Header, Signature: len(vb.Signature)})
}

func vblockHeaderCmd() error {
	if err := required(map[string]string{"in": conf.in, "out": conf.out, "version": conf.version}); err != nil {
		return err
	}

	image, err := os.ReadFile(conf.in)
	if err != nil {
		return err
	}

	hdr, err := verify.EncodeHeader(conf.version, image)
	if err != nil {
		return err
	}

	return os.WriteFile(conf.out, hdr, 0o644)
}

func vblockCreateCmd() error {
	if err := required(map[string]string{"header": conf.header, "sig": conf.sig, "out": conf.out}); err != nil {
		return err
	}

	hdr, err := os.ReadFile(conf.header)
	if err != nil {
		return err
	}

	sig, err := os.ReadFile(conf.sig)
	if err != nil {
		return err
	}

	buf := verify.Encode(hdr, sig)

	if _, err = verify.Parse(buf); err != nil {
		return fmt.Errorf("invalid signature block, %v", err)
	}

	return os.WriteFile(conf.out, buf, 0o644)
}

// lookup returns the named area of a flash layout.
func lookup(m *fmap.Map, name string) (fmap.Area, error) {
	for _, a := range areas(m) {
		if a.Name == name {
			return fmap.Area{Offset: a.Offset, Length: a.Length}, nil
		}
	}
	return fmap.Area{}, fmt.Errorf("no area %q in flash layout", name)
}

// writeArea writes buf at the start of an area, the remainder of the area is
// left untouched.
func writeArea(f *flash.Flash, a fmap.Area, buf []byte) error {
	if uint64(len(buf)) > uint64(a.Length) {
		return fmt.Errorf("%d bytes exceed area %v", len(buf), a)
	}

	bar := pb.Full.New(len(buf))
	bar.Set(pb.Bytes, true)
	bar.SetWriter(os.Stderr)
	bar.Start()
	defer bar.Finish()

	for off := 0; off < len(buf); off += writeChunk {
		end := min(off+writeChunk, len(buf))

		if err := f.Write(uint64(a.Offset)+uint64(off), buf[off:end]); err != nil {
			return err
		}

		bar.Add(end - off)
	}

	return nil
}

func writeCmd() error {
	if err := required(map[string]string{"image": conf.image, "layout": conf.layout, "region": conf.region, "in": conf.in}); err != nil {
		return err
	}

	m, err := readLayout(conf.layout)
	if err != nil {
		return err
	}

	a, err := lookup(m, conf.region)
	if err != nil {
		return err
	}

	buf, err := os.ReadFile(conf.in)
	if err != nil {
		return err
	}

	if !confirm(fmt.Sprintf("write %d bytes to %s %v of %s?", len(buf), conf.region, a, conf.image)) {
		return errors.New("aborted")
	}

	f, fl, err := openFlash(conf.image, true)
	if err != nil {
		return err
	}
	defer f.Close()

	if err = writeArea(fl, a, buf); err != nil {
		return err
	}

	return f.Sync()
}

func openCard() (*os.File, *fileCard, error) {
	f, _, err := openImage(conf.image, true)
	if err != nil {
		return nil, nil, err
	}

	return f, &fileCard{f: f}, nil
}

func layoutCmd() error {
	if err := required(map[string]string{"image": conf.image, "layout": conf.layout, "sig": conf.sig}); err != nil {
		return err
	}

	dtb, err := os.ReadFile(conf.layout)
	if err != nil {
		return err
	}

	if _, err = dt.ReadFDT(bytes.NewReader(dtb)); err != nil {
		return fmt.Errorf("invalid layout, %v", err)
	}

	sig, err := os.ReadFile(conf.sig)
	if err != nil {
		return err
	}

	f, card, err := openCard()
	if err != nil {
		return err
	}
	defer f.Close()

	l := &mmc.Layout{Card: card, Offset: conf.offset}

	if err = l.Write(dtb, sig); err != nil {
		return err
	}

	return f.Sync()
}

func kernelCmd() error {
	if err := required(map[string]string{"image": conf.image, "vblock": conf.vblock, "in": conf.in}); err != nil {
		return err
	}

	vblock, err := os.ReadFile(conf.vblock)
	if err != nil {
		return err
	}

	image, err := os.ReadFile(conf.in)
	if err != nil {
		return err
	}

	vb, err := verify.Parse(vblock)
	if err == nil {
		err = vb.CheckImage(image)
	}
	if err != nil {
		return fmt.Errorf("kernel does not match signature block, %v", err)
	}

	if !confirm(fmt.Sprintf("write kernel %s (%d bytes) at %#x of %s?", vb.Version, len(image), conf.offset, conf.image)) {
		return errors.New("aborted")
	}

	f, card, err := openCard()
	if err != nil {
		return err
	}
	defer f.Close()

	k := &mmc.Kernel{Card: card, Offset: conf.offset, Length: conf.length}

	if err = k.WriteKernel(vblock, image); err != nil {
		return err
	}

	return f.Sync()
}
