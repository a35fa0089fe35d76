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

package verify_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/coreos/go-semver/semver"
	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/armored-vboot/crossystem"
	"github.com/transparency-dev/armored-vboot/ec"
	ectest "github.com/transparency-dev/armored-vboot/ec/testonly"
	"github.com/transparency-dev/armored-vboot/fmap"
	"github.com/transparency-dev/armored-vboot/gbb"
	"github.com/transparency-dev/armored-vboot/internal/verify"
	"github.com/transparency-dev/armored-vboot/rpmb"
	"github.com/transparency-dev/armored-vboot/vboot"
	"github.com/transparency-dev/armored-vboot/vboot/testonly"
)

const (
	rootKey     = "root key"
	recoveryKey = "recovery key"
)

func sign(buf []byte, pubKey string) []byte {
	h := sha256.Sum256(append([]byte(pubKey), buf...))
	return h[:]
}

func check(buf []byte, sig []byte, pubKey string) error {
	if !bytes.Equal(sig, sign(buf, pubKey)) {
		return errors.New("invalid signature")
	}
	return nil
}

func vblock(t *testing.T, pubKey string, version string, image []byte) []byte {
	t.Helper()

	signed, err := verify.EncodeHeader(version, image)
	if err != nil {
		t.Fatalf("EncodeHeader: %v", err)
	}

	return verify.Encode(signed, sign(signed, pubKey))
}

func newGBB(t *testing.T) *gbb.Block {
	t.Helper()

	buf, err := gbb.Build(0x1000, 0, "TEST 1234", []byte(rootKey), nil, []byte(recoveryKey))
	if err != nil {
		t.Fatalf("gbb.Build: %v", err)
	}

	b, err := gbb.Parse(buf)
	if err != nil {
		t.Fatalf("gbb.Parse: %v", err)
	}

	return b
}

// images is an ImageSource over in-memory slot images.
type images [2][]byte

func (i images) Range(s fmap.Slot, off uint32, n uint32) ([]byte, error) {
	img := i[s]
	if uint64(off)+uint64(n) > uint64(len(img)) {
		return nil, fmap.ErrBounds
	}
	return img[off : off+n], nil
}

type kernelSource struct {
	vblock []byte
	image  []byte
	err    error
}

func (k *kernelSource) Kernel() ([]byte, []byte, error) {
	return k.vblock, k.image, k.err
}

func storeNV(t *testing.T, p rpmb.Partition, nv verify.NVContext) {
	t.Helper()

	buf, err := nv.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if err := p.Write(rpmb.ContextSector, buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func loadNV(t *testing.T, p rpmb.Partition) (nv verify.NVContext) {
	t.Helper()

	buf := make([]byte, verify.NVSize)
	if err := p.Read(rpmb.ContextSector, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := nv.UnmarshalBinary(buf); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}

	return
}

func storedVersion(t *testing.T, v *rpmb.Version) string {
	t.Helper()

	ver, err := v.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	return ver.String()
}

func newVerifier(p *rpmb.MemPartition) *verify.Verifier {
	return &verify.Verifier{
		Check:           check,
		FirmwareVersion: &rpmb.Version{Partition: p, Sector: rpmb.FirmwareVersionSector},
		KernelVersion:   &rpmb.Version{Partition: p, Sector: rpmb.KernelVersionSector},
		NV:              &rpmb.Context{Partition: p, Sector: rpmb.ContextSector},
	}
}

func TestInit(t *testing.T) {
	for _, test := range []struct {
		name  string
		flags vboot.InitFlags
		nv    verify.NVContext
		want  vboot.InitResult
	}{
		{
			name: "normal",
		},
		{
			name:  "recovery switch",
			flags: vboot.InitFlags{Recovery: true},
			want:  vboot.InitResult{Recovery: true, ShowUI: true, WipeMemory: true},
		},
		{
			name: "recovery request",
			nv:   verify.NVContext{RecoveryRequest: verify.RecoveryUser},
			want: vboot.InitResult{Recovery: true, ShowUI: true, WipeMemory: true},
		},
		{
			name:  "developer switch",
			flags: vboot.InitFlags{Developer: true},
			want:  vboot.InitResult{Developer: true, WipeMemory: true},
		},
		{
			name:  "virtual developer switch",
			flags: vboot.InitFlags{VirtualDevSwitch: true},
			nv:    verify.NVContext{DevMode: true},
			want:  vboot.InitResult{Developer: true, WipeMemory: true},
		},
		{
			name: "developer mode without virtual switch",
			nv:   verify.NVContext{DevMode: true},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			p := &rpmb.MemPartition{}
			storeNV(t, p, test.nv)

			got, err := newVerifier(p).Init(context.Background(), vboot.InitParams{Flags: test.flags, GBB: newGBB(t)})
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Fatalf("result diff: %s", diff)
			}
		})
	}
}

func TestInitWithoutGBB(t *testing.T) {
	if _, err := newVerifier(&rpmb.MemPartition{}).Init(context.Background(), vboot.InitParams{}); err == nil {
		t.Fatal("Init succeeded without vendor binary block")
	}
}

func TestSelectFirmware(t *testing.T) {
	imgA, imgB := []byte("firmware A"), []byte("firmware B")

	for _, test := range []struct {
		name     string
		nv       verify.NVContext
		stored   string
		vblockA  []byte
		vblockB  []byte
		want     vboot.Selection
		wantNV   verify.NVContext
		wantVers string
	}{
		{
			name:     "A preferred",
			vblockA:  vblock(t, rootKey, "1.0.0", imgA),
			vblockB:  vblock(t, rootKey, "1.0.0", imgB),
			want:     vboot.SelectFirmwareA,
			wantVers: "1.0.0",
		},
		{
			name:     "try B",
			nv:       verify.NVContext{TryB: true, TryCount: 2},
			vblockA:  vblock(t, rootKey, "1.0.0", imgA),
			vblockB:  vblock(t, rootKey, "1.1.0", imgB),
			want:     vboot.SelectFirmwareB,
			wantNV:   verify.NVContext{TryB: true, TryCount: 1},
			wantVers: "1.1.0",
		},
		{
			name:     "last try of B",
			nv:       verify.NVContext{TryB: true, TryCount: 1},
			vblockA:  vblock(t, rootKey, "1.0.0", imgA),
			vblockB:  vblock(t, rootKey, "1.1.0", imgB),
			want:     vboot.SelectFirmwareB,
			wantVers: "1.1.0",
		},
		{
			name:     "A wrong key",
			vblockA:  vblock(t, recoveryKey, "1.0.0", imgA),
			vblockB:  vblock(t, rootKey, "1.0.0", imgB),
			want:     vboot.SelectFirmwareB,
			wantVers: "1.0.0",
		},
		{
			name:     "A hash mismatch",
			vblockA:  vblock(t, rootKey, "1.0.0", imgB),
			vblockB:  vblock(t, rootKey, "1.0.0", imgB),
			want:     vboot.SelectFirmwareB,
			wantVers: "1.0.0",
		},
		{
			name:     "A rolled back",
			stored:   "2.0.0",
			vblockA:  vblock(t, rootKey, "1.9.9", imgA),
			vblockB:  vblock(t, rootKey, "2.1.0", imgB),
			want:     vboot.SelectFirmwareB,
			wantVers: "2.1.0",
		},
		{
			name:     "A blank",
			vblockA:  make([]byte, 0x800),
			vblockB:  vblock(t, rootKey, "1.0.0", imgB),
			want:     vboot.SelectFirmwareB,
			wantVers: "1.0.0",
		},
		{
			name:     "no valid firmware",
			stored:   "3.0.0",
			vblockA:  vblock(t, rootKey, "2.0.0", imgA),
			vblockB:  vblock(t, recoveryKey, "3.0.0", imgB),
			want:     vboot.SelectRecovery,
			wantNV:   verify.NVContext{RecoveryRequest: verify.RecoveryNoFirmware},
			wantVers: "3.0.0",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			p := &rpmb.MemPartition{}
			storeNV(t, p, test.nv)

			v := newVerifier(p)

			if test.stored != "" {
				if err := v.FirmwareVersion.Check(semver.New(test.stored)); err != nil {
					t.Fatalf("Check: %v", err)
				}
			}

			ctx := context.Background()

			if _, err := v.Init(ctx, vboot.InitParams{GBB: newGBB(t)}); err != nil {
				t.Fatalf("Init: %v", err)
			}

			got, err := v.SelectFirmware(ctx, test.vblockA, test.vblockB, images{imgA, imgB})
			if err != nil {
				t.Fatalf("SelectFirmware: %v", err)
			}
			if got != test.want {
				t.Fatalf("got %v, want %v", got, test.want)
			}

			if diff := cmp.Diff(test.wantNV, loadNV(t, p)); diff != "" {
				t.Errorf("NV context diff: %s", diff)
			}
			if got := storedVersion(t, v.FirmwareVersion); got != test.wantVers {
				t.Errorf("stored firmware version %s, want %s", got, test.wantVers)
			}
		})
	}
}

func TestSelectAndLoadKernel(t *testing.T) {
	image := []byte("kernel image")

	for _, test := range []struct {
		name     string
		flags    vboot.InitFlags
		kernel   *kernelSource
		stored   string
		bufSize  int
		want     vboot.StatusCode
		wantVers string
	}{
		{
			name:     "normal",
			kernel:   &kernelSource{vblock: vblock(t, rootKey, "1.0.0", image), image: image},
			wantVers: "1.0.0",
		},
		{
			name:     "normal with recovery key",
			kernel:   &kernelSource{vblock: vblock(t, recoveryKey, "1.0.0", image), image: image},
			want:     vboot.StatusFailure,
			wantVers: "0.0.0",
		},
		{
			name:     "rollback",
			kernel:   &kernelSource{vblock: vblock(t, rootKey, "1.0.0", image), image: image},
			stored:   "1.0.1",
			want:     vboot.StatusFailure,
			wantVers: "1.0.1",
		},
		{
			name:     "corrupt image",
			kernel:   &kernelSource{vblock: vblock(t, rootKey, "1.0.0", image), image: []byte("kernel imagE")},
			want:     vboot.StatusFailure,
			wantVers: "0.0.0",
		},
		{
			name:     "buffer too small",
			kernel:   &kernelSource{vblock: vblock(t, rootKey, "1.0.0", image), image: image},
			bufSize:  4,
			want:     vboot.StatusFailure,
			wantVers: "0.0.0",
		},
		{
			name:     "recovery",
			flags:    vboot.InitFlags{Recovery: true},
			kernel:   &kernelSource{vblock: vblock(t, recoveryKey, "0.1.0", image), image: image},
			stored:   "1.0.0",
			wantVers: "1.0.0",
		},
		{
			name:     "recovery with root key",
			flags:    vboot.InitFlags{Recovery: true},
			kernel:   &kernelSource{vblock: vblock(t, rootKey, "1.0.0", image), image: image},
			want:     vboot.StatusShutdownRequested,
			wantVers: "0.0.0",
		},
		{
			name:     "recovery without kernel",
			flags:    vboot.InitFlags{Recovery: true},
			kernel:   &kernelSource{err: errors.New("no media")},
			want:     vboot.StatusShutdownRequested,
			wantVers: "0.0.0",
		},
		{
			name:     "developer unsigned",
			flags:    vboot.InitFlags{Developer: true},
			kernel:   &kernelSource{vblock: verify.Encode(mustHeader(t, "0.0.1", image), nil), image: image},
			stored:   "1.0.0",
			wantVers: "1.0.0",
		},
		{
			name:     "developer without kernel",
			flags:    vboot.InitFlags{Developer: true},
			kernel:   &kernelSource{err: errors.New("no media")},
			want:     vboot.StatusInteractiveShell,
			wantVers: "0.0.0",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			p := &rpmb.MemPartition{}
			v := newVerifier(p)
			v.Kernels = test.kernel
			v.CommandLine = "console=ttymxc1"

			if test.stored != "" {
				if err := v.KernelVersion.Check(semver.New(test.stored)); err != nil {
					t.Fatalf("Check: %v", err)
				}
			}

			ctx := context.Background()
			g := newGBB(t)

			r, err := v.Init(ctx, vboot.InitParams{Flags: test.flags, GBB: g})
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			if r.ShowUI {
				if err := g.LoadImages(); err != nil {
					t.Fatalf("LoadImages: %v", err)
				}
			}

			vb := vblock(t, rootKey, "1.0.0", []byte("fw"))
			if _, err := v.SelectFirmware(ctx, vb, vb, images{[]byte("fw"), []byte("fw")}); err != nil {
				t.Fatalf("SelectFirmware: %v", err)
			}

			size := test.bufSize
			if size == 0 {
				size = 64
			}

			k, err := v.SelectAndLoadKernel(ctx, make([]byte, size))
			if got := vboot.Code(err); got != test.want {
				t.Fatalf("SelectAndLoadKernel: %v (%v), want %v", err, got, test.want)
			}

			if got := storedVersion(t, v.KernelVersion); got != test.wantVers {
				t.Errorf("stored kernel version %s, want %s", got, test.wantVers)
			}

			if err != nil {
				return
			}

			if diff := cmp.Diff(image, k.Image); diff != "" {
				t.Errorf("kernel diff: %s", diff)
			}
			if got, want := k.CommandLine, "console=ttymxc1"; got != want {
				t.Errorf("got command line %q, want %q", got, want)
			}
		})
	}
}

func mustHeader(t *testing.T, version string, image []byte) []byte {
	t.Helper()

	h, err := verify.EncodeHeader(version, image)
	if err != nil {
		t.Fatalf("EncodeHeader: %v", err)
	}

	return h
}

func TestRecoveryRequestCleared(t *testing.T) {
	image := []byte("recovery kernel")

	p := &rpmb.MemPartition{}
	storeNV(t, p, verify.NVContext{RecoveryRequest: verify.RecoveryUser, DevMode: true})

	v := newVerifier(p)
	v.Kernels = &kernelSource{vblock: vblock(t, recoveryKey, "1.0.0", image), image: image}

	ctx := context.Background()

	if _, err := v.Init(ctx, vboot.InitParams{GBB: newGBB(t)}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if sel, err := v.SelectFirmware(ctx, nil, nil, images{}); err != nil || sel != vboot.SelectRecovery {
		t.Fatalf("SelectFirmware = %v, %v", sel, err)
	}

	if _, err := v.SelectAndLoadKernel(ctx, make([]byte, 64)); err != nil {
		t.Fatalf("SelectAndLoadKernel: %v", err)
	}

	if diff := cmp.Diff(verify.NVContext{DevMode: true}, loadNV(t, p)); diff != "" {
		t.Fatalf("NV context diff: %s", diff)
	}
}

func TestResume(t *testing.T) {
	image := []byte("kernel image")
	data := make([]byte, crossystem.VerifierDataSize)
	p := &rpmb.MemPartition{}

	ro := newVerifier(p)
	ctx := context.Background()

	if _, err := ro.Init(ctx, vboot.InitParams{GBB: newGBB(t), Data: data}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	vb := vblock(t, rootKey, "1.0.0", []byte("fw"))
	if sel, err := ro.SelectFirmware(ctx, nil, vb, images{nil, []byte("fw")}); err != nil || sel != vboot.SelectFirmwareB {
		t.Fatalf("SelectFirmware = %v, %v", sel, err)
	}

	// The RW stage only has the record contents.
	rw := newVerifier(p)
	rw.Kernels = &kernelSource{vblock: vblock(t, rootKey, "1.0.0", image), image: image}

	if err := rw.Resume(append([]byte{}, data...)); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	k, err := rw.SelectAndLoadKernel(ctx, make([]byte, 64))
	if err != nil {
		t.Fatalf("SelectAndLoadKernel: %v", err)
	}
	if diff := cmp.Diff(image, k.Image); diff != "" {
		t.Fatalf("kernel diff: %s", diff)
	}

	if err := newVerifier(p).Resume(make([]byte, 64)); err == nil {
		t.Fatal("Resume succeeded without state")
	}
}

func TestECSync(t *testing.T) {
	hostEC := bytes.Repeat([]byte{0x22}, 0x400)
	image := []byte("kernel image")

	img := testonly.NewImage(t, testonly.ImageOptions{
		HWID:    "TEST 1234",
		RootKey: []byte(rootKey),
		Slots: [2]testonly.Slot{
			{FirmwareID: "A", ECRW: hostEC},
			{FirmwareID: "B", ECRW: hostEC},
		},
	})

	m, err := fmap.Decode(img.Root)
	if err != nil {
		t.Fatalf("fmap.Decode: %v", err)
	}

	for _, test := range []struct {
		name     string
		running  ec.Image
		ecRW     []byte
		flags    vboot.InitFlags
		want     vboot.StatusCode
		wantEC   crossystem.ECImage
		wantSync bool
	}{
		{
			name:     "update",
			running:  ec.ImageRO,
			ecRW:     bytes.Repeat([]byte{0x33}, 0x400),
			flags:    vboot.InitFlags{ECSoftwareSync: true},
			wantEC:   crossystem.ECRW,
			wantSync: true,
		},
		{
			name:    "reboot to RO",
			running: ec.ImageRW,
			ecRW:    bytes.Repeat([]byte{0x33}, 0x400),
			flags:   vboot.InitFlags{ECSoftwareSync: true},
			want:    vboot.StatusRebootToRORequired,
			wantEC:  crossystem.ECRO,
		},
		{
			name:    "disabled",
			running: ec.ImageRO,
			ecRW:    bytes.Repeat([]byte{0x33}, 0x400),
			wantEC:  crossystem.ECRO,
		},
		{
			name:    "disabled for recovery",
			running: ec.ImageRW,
			ecRW:    bytes.Repeat([]byte{0x33}, 0x400),
			flags:   vboot.InitFlags{ECSoftwareSync: true, DisableECSyncForRecovery: true, Recovery: true},
			want:    vboot.StatusShutdownRequested,
			wantEC:  crossystem.ECRO,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			fake := ectest.NewFakeEC(bytes.Repeat([]byte{0x11}, 0x400), test.ecRW)
			fake.Running = test.running

			v := newVerifier(&rpmb.MemPartition{})
			v.EC = &ec.Sync{EC: fake, Flash: img.Flash}
			v.FlashMap = m
			v.Kernels = &kernelSource{vblock: vblock(t, rootKey, "1.0.0", image), image: image}

			ctx := context.Background()

			if _, err := v.Init(ctx, vboot.InitParams{Flags: test.flags, GBB: newGBB(t)}); err != nil {
				t.Fatalf("Init: %v", err)
			}

			vb := vblock(t, rootKey, "1.0.0", []byte("fw"))
			if _, err := v.SelectFirmware(ctx, vb, vb, images{[]byte("fw"), []byte("fw")}); err != nil {
				t.Fatalf("SelectFirmware: %v", err)
			}

			k, err := v.SelectAndLoadKernel(ctx, make([]byte, 64))
			if got := vboot.Code(err); got != test.want {
				t.Fatalf("SelectAndLoadKernel: %v (%v), want %v", err, got, test.want)
			}
			if k.ActiveEC != test.wantEC {
				t.Errorf("got active EC %v, want %v", k.ActiveEC, test.wantEC)
			}
			if synced := bytes.Equal(fake.RW(), hostEC); synced != test.wantSync {
				t.Errorf("EC RW synced: %v, want %v", synced, test.wantSync)
			}
		})
	}
}

func TestRunJumpsOnlySignedFirmware(t *testing.T) {
	signed := []byte("signed RW firmware")
	stored := append(bytes.Clone(signed), "UNSIGNED TAIL!"...)

	for _, test := range []struct {
		name      string
		dropEntry bool
		want      vboot.Outcome
		wantImage []byte
	}{
		{name: "entry covers unsigned bytes", want: vboot.OutcomeReset},
		{name: "whole boot area", dropEntry: true, want: vboot.OutcomeJumped, wantImage: signed},
	} {
		t.Run(test.name, func(t *testing.T) {
			img := testonly.NewImage(t, testonly.ImageOptions{
				ROFirmwareID: "RO-1.0",
				HWID:         "TEST 1234",
				RootKey:      []byte(rootKey),
				RecoveryKey:  []byte(recoveryKey),
				Slots: [2]testonly.Slot{
					{FirmwareID: "A-1.0", VBlock: vblock(t, rootKey, "1.0.0", signed), Payload: stored},
					{FirmwareID: "B-1.0"},
				},
			})

			if test.dropEntry {
				for _, rw := range img.Root.Children {
					for _, n := range rw.Children {
						if n.Name == "rw-a-boot" {
							n.Children = nil
						}
					}
				}
			}

			board := testonly.NewFakeBoard(img)
			c := &vboot.Controller{
				Board:        board,
				Verifier:     newVerifier(&rpmb.MemPartition{}),
				FlashMap:     img.Root,
				LoadBuffer:   make([]byte, 0x4000),
				KernelBuffer: make([]byte, 0x1000),
			}

			if got := c.Run(context.Background()); got != test.want {
				t.Fatalf("Run = %v, want %v", got, test.want)
			}

			var jumped []byte
			if len(board.Jumps) > 0 {
				jumped = board.Jumps[0].Image
			}
			if diff := cmp.Diff(test.wantImage, jumped); diff != "" {
				t.Fatalf("jump image diff: %s", diff)
			}
		})
	}
}
