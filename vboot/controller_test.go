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

package vboot_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"github.com/pierrec/lz4/v4"
	"github.com/transparency-dev/armored-vboot/crossystem"
	"github.com/transparency-dev/armored-vboot/ec"
	"github.com/transparency-dev/armored-vboot/fmap"
	"github.com/transparency-dev/armored-vboot/memwipe"
	"github.com/transparency-dev/armored-vboot/vboot"
	"github.com/transparency-dev/armored-vboot/vboot/testonly"
)

var (
	payloadA = []byte("firmware A payload")
	payloadB = bytes.Repeat([]byte("firmware B payload "), 64)
	kernel   = vboot.Kernel{Image: []byte("kernel"), ActiveEC: crossystem.ECRW}
)

func compressLZ4(t *testing.T, b []byte) []byte {
	t.Helper()

	buf := &bytes.Buffer{}
	w := lz4.NewWriter(buf)

	if _, err := w.Write(b); err != nil {
		t.Fatalf("lz4 Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("lz4 Close: %v", err)
	}

	return buf.Bytes()
}

func testImage(t *testing.T) *testonly.Image {
	t.Helper()

	return testonly.NewImage(t, testonly.ImageOptions{
		ROFirmwareID: "RO-1.0",
		HWID:         "TEST 1234",
		RootKey:      []byte("root key"),
		RecoveryKey:  []byte("recovery key"),
		BmpFV:        []byte("splash"),
		Slots: [2]testonly.Slot{
			{
				FirmwareID: "A-1.0",
				VBlock:     []byte("vblock A"),
				Payload:    payloadA,
			},
			{
				FirmwareID:  "B-1.0",
				VBlock:      []byte("vblock B"),
				Payload:     compressLZ4(t, payloadB),
				Compression: fmap.CompressLZ4,
			},
		},
	})
}

// recordingMemory records zeroed ranges without touching memory.
type recordingMemory struct {
	zeroed []memwipe.Range
}

func (m *recordingMemory) Zero(start, end uint64) error {
	m.zeroed = append(m.zeroed, memwipe.Range{Start: start, End: end})
	return nil
}

type fixture struct {
	board    *testonly.FakeBoard
	verifier *testonly.FakeVerifier
	memory   *recordingMemory
	c        *vboot.Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	img := testImage(t)
	f := &fixture{
		board:    testonly.NewFakeBoard(img),
		verifier: &testonly.FakeVerifier{Kernel: kernel},
		memory:   &recordingMemory{},
	}

	for i, s := range img.Slots {
		f.verifier.HashLen[i] = uint32(len(s.Payload))
	}

	f.c = &vboot.Controller{
		Board:        f.board,
		Verifier:     f.verifier,
		FlashMap:     img.Root,
		Memory:       f.memory,
		LoadBuffer:   make([]byte, 0x4000),
		KernelBuffer: make([]byte, 0x1000),
	}

	return f
}

func handedOff(t *testing.T, b *testonly.FakeBoard) *crossystem.Record {
	t.Helper()

	r, err := crossystem.FromBytes(b.Handoff.Buf)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if err := r.CheckIntegrity(); err != nil {
		t.Fatalf("handed off record: %v", err)
	}
	return r
}

func TestRunJump(t *testing.T) {
	for _, test := range []struct {
		sel       vboot.Selection
		wantImage []byte
		wantID    string
	}{
		{sel: vboot.SelectFirmwareA, wantImage: payloadA, wantID: "A-1.0"},
		{sel: vboot.SelectFirmwareB, wantImage: payloadB, wantID: "B-1.0"},
	} {
		t.Run(test.sel.String(), func(t *testing.T) {
			f := newFixture(t)
			f.verifier.Selection = test.sel

			if got := f.c.Run(context.Background()); got != vboot.OutcomeJumped {
				t.Fatalf("Run = %v, want %v", got, vboot.OutcomeJumped)
			}

			if f.verifier.Loads != 0 {
				t.Fatal("main firmware reached after jump")
			}
			if len(f.board.Jumps) != 1 {
				t.Fatalf("%d jumps, want 1", len(f.board.Jumps))
			}

			j := f.board.Jumps[0]
			if diff := cmp.Diff(test.wantImage, j.Image); diff != "" {
				t.Fatalf("jump image diff: %s", diff)
			}

			r, err := crossystem.FromBytes(j.Record)
			if err != nil {
				t.Fatalf("FromBytes: %v", err)
			}
			if got, want := r.FirmwareID(), test.wantID; got != want {
				t.Errorf("firmware id %q, want %q", got, want)
			}
			if got, want := r.ROFirmwareID(), "RO-1.0"; got != want {
				t.Errorf("RO firmware id %q, want %q", got, want)
			}
			if got, want := r.HWID(), "TEST 1234"; got != want {
				t.Errorf("hwid %q, want %q", got, want)
			}
			if got, want := r.FirmwareType(), crossystem.FirmwareNormal; got != want {
				t.Errorf("firmware type %v, want %v", got, want)
			}
			if got, want := r.FMAPOffset(), uint32(testonly.FMAPOffset); got != want {
				t.Errorf("fmap offset %#x, want %#x", got, want)
			}
		})
	}
}

func TestRunJumpUnverified(t *testing.T) {
	for _, test := range []struct {
		name    string
		hashLen uint32
	}{
		{name: "nothing hashed", hashLen: 0},
		{name: "entry past hashed prefix", hashLen: uint32(len(payloadA)) - 1},
	} {
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t)
			f.verifier.Selection = vboot.SelectFirmwareA
			f.verifier.HashLen[fmap.SlotA] = test.hashLen

			if got := f.c.Run(context.Background()); got != vboot.OutcomeReset {
				t.Fatalf("Run = %v, want %v", got, vboot.OutcomeReset)
			}
			if len(f.board.Jumps) != 0 {
				t.Fatalf("jumped into %q", f.board.Jumps[0].Image)
			}
		})
	}
}

func TestRunVBlocksAndHashing(t *testing.T) {
	f := newFixture(t)
	f.verifier.Selection = vboot.SelectFirmwareA

	f.c.Run(context.Background())

	if len(f.verifier.VBlocks) != 1 {
		t.Fatalf("SelectFirmware called %d times", len(f.verifier.VBlocks))
	}
	for i, want := range []string{"vblock A", "vblock B"} {
		vb := f.verifier.VBlocks[0][i]
		if len(vb) != testonly.VBlockSize || !bytes.HasPrefix(vb, []byte(want)) {
			t.Errorf("vblock %d = %q...", i, vb[:len(want)])
		}
	}
	if diff := cmp.Diff(payloadA, f.verifier.Hashed); diff != "" {
		t.Fatalf("hashed range diff: %s", diff)
	}
}

func TestRunRecovery(t *testing.T) {
	f := newFixture(t)
	f.board.Signals.Recovery.Value = true
	f.verifier.Selection = vboot.SelectRecovery
	f.verifier.InitResult = vboot.InitResult{Recovery: true, ShowUI: true}

	if got := f.c.Run(context.Background()); got != vboot.OutcomeKernel {
		t.Fatalf("Run = %v, want %v", got, vboot.OutcomeKernel)
	}

	if len(f.board.Jumps) != 0 {
		t.Fatal("jump attempted in recovery")
	}
	if f.board.SecondaryInput != 1 {
		t.Errorf("secondary input initialized %d times", f.board.SecondaryInput)
	}
	if f.verifier.Loads != 1 {
		t.Fatalf("kernel loaded %d times", f.verifier.Loads)
	}
	if !f.verifier.Inits[0].Flags.Recovery {
		t.Error("recovery flag not passed to verifier")
	}
	if !f.verifier.Inits[0].GBB.ImagesLoaded() {
		t.Error("GBB images not loaded for UI")
	}
	if diff := cmp.Diff([]byte("recovery key"), f.verifier.Inits[0].GBB.RecoveryKey); diff != "" {
		t.Errorf("recovery key diff: %s", diff)
	}

	r := handedOff(t, f.board)
	if got, want := r.FirmwareType(), crossystem.FirmwareRecovery; got != want {
		t.Errorf("firmware type %v, want %v", got, want)
	}
	if got, want := r.FirmwareID(), "RO-1.0"; got != want {
		t.Errorf("firmware id %q, want %q", got, want)
	}
	if got, want := r.ActiveEC(), crossystem.ECRW; got != want {
		t.Errorf("active EC %v, want %v", got, want)
	}
	if len(f.board.Kernels) != 1 {
		t.Fatalf("%d kernels booted", len(f.board.Kernels))
	}
}

func TestRunImagesLoadedLazily(t *testing.T) {
	f := newFixture(t)
	f.verifier.Selection = vboot.SelectReadOnly

	f.c.Run(context.Background())

	if f.verifier.Inits[0].GBB.ImagesLoaded() {
		t.Fatal("GBB images loaded without UI")
	}
}

func TestRunKernelStatus(t *testing.T) {
	for _, test := range []struct {
		name string
		err  error
		want vboot.Outcome
	}{
		{
			name: "EC reboot to RO",
			err:  vboot.NewStatus(vboot.StatusRebootToRORequired, nil),
			want: vboot.OutcomePowerOff,
		},
		{
			name: "EC sync error",
			err:  fmt.Errorf("software sync: %w", ec.ErrRebootToRORequired),
			want: vboot.OutcomePowerOff,
		},
		{
			name: "shutdown",
			err:  vboot.NewStatus(vboot.StatusShutdownRequested, nil),
			want: vboot.OutcomePowerOff,
		},
		{
			name: "shell",
			err:  vboot.NewStatus(vboot.StatusInteractiveShell, nil),
			want: vboot.OutcomeCommandLine,
		},
		{
			name: "failure",
			err:  errors.New("no bootable kernel"),
			want: vboot.OutcomeReset,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t)
			f.verifier.Selection = vboot.SelectReadOnly
			f.verifier.KernelErr = test.err

			if got := f.c.Run(context.Background()); got != test.want {
				t.Fatalf("Run = %v, want %v", got, test.want)
			}

			if len(f.board.Jumps)+len(f.board.Kernels) != 0 {
				t.Fatal("control transferred")
			}

			wantPowerOffs, wantResets := 0, 0
			switch test.want {
			case vboot.OutcomePowerOff:
				wantPowerOffs = 1
			case vboot.OutcomeReset:
				wantResets = 1
			}
			if f.board.PowerOffs != wantPowerOffs || f.board.Resets != wantResets {
				t.Fatalf("power offs %d, resets %d; want %d, %d", f.board.PowerOffs, f.board.Resets, wantPowerOffs, wantResets)
			}
		})
	}
}

func TestRunFailures(t *testing.T) {
	for _, test := range []struct {
		name      string
		setup     func(f *fixture)
		wantInits int
	}{
		{
			name:  "signals",
			setup: func(f *fixture) { f.board.SignalsErr = errors.New("gpio") },
		},
		{
			name:  "corrupt GBB",
			setup: func(f *fixture) { f.board.Image.Mem.Load(testonly.GBBOffset, []byte("XXXX")) },
		},
		{
			name:  "missing flash map node",
			setup: func(f *fixture) { f.c.FlashMap.Children = f.c.FlashMap.Children[:1] },
		},
		{
			name:      "verifier init",
			setup:     func(f *fixture) { f.verifier.InitErr = errors.New("bad NV") },
			wantInits: 1,
		},
		{
			name: "selection",
			setup: func(f *fixture) {
				f.verifier.SelectErr = vboot.NewStatus(vboot.StatusFailure, errors.New("no valid slot"))
			},
			wantInits: 1,
		},
		{
			name: "jump returned",
			setup: func(f *fixture) {
				f.verifier.Selection = vboot.SelectFirmwareA
				f.board.JumpErr = errors.New("exec failed")
			},
			wantInits: 1,
		},
		{
			name: "jump returned nil",
			setup: func(f *fixture) {
				f.verifier.Selection = vboot.SelectFirmwareA
				f.board.Returns = true
			},
			wantInits: 1,
		},
		{
			name: "load buffer too small",
			setup: func(f *fixture) {
				f.verifier.Selection = vboot.SelectFirmwareB
				f.c.LoadBuffer = make([]byte, 16)
			},
			wantInits: 1,
		},
		{
			name: "kernel boot",
			setup: func(f *fixture) {
				f.verifier.Selection = vboot.SelectReadOnly
				f.board.BootErr = errors.New("bad kernel")
			},
			wantInits: 1,
		},
		{
			name: "kernel boot returned nil",
			setup: func(f *fixture) {
				f.verifier.Selection = vboot.SelectReadOnly
				f.board.Returns = true
			},
			wantInits: 1,
		},
		{
			name: "wipe without memory",
			setup: func(f *fixture) {
				f.verifier.InitResult.WipeMemory = true
				f.c.Memory = nil
			},
			wantInits: 1,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t)
			test.setup(f)

			if got := f.c.Run(context.Background()); got != vboot.OutcomeReset {
				t.Fatalf("Run = %v, want %v", got, vboot.OutcomeReset)
			}
			if f.board.Resets != 1 {
				t.Fatalf("%d resets, want 1", f.board.Resets)
			}
			if got := len(f.verifier.Inits); got != test.wantInits {
				t.Fatalf("verifier initialized %d times, want %d", got, test.wantInits)
			}
		})
	}
}

func TestRunInitFlags(t *testing.T) {
	f := newFixture(t)
	f.board.Signals.Developer.Value = true
	f.board.Signals.WriteProtect.Value = false
	f.board.WP = true
	f.c.Config = vboot.Config{ECSoftwareSync: true, ECSlowUpdate: true}
	f.verifier.Selection = vboot.SelectReadOnly
	f.verifier.InitResult = vboot.InitResult{Developer: true}

	f.c.Run(context.Background())

	want := vboot.InitFlags{
		Developer:      true,
		WriteProtect:   true,
		ECSoftwareSync: true,
		ECSlowUpdate:   true,
	}
	if diff := cmp.Diff(want, f.verifier.Inits[0].Flags); diff != "" {
		t.Fatalf("init flags diff: %s", diff)
	}

	if got, want := handedOff(t, f.board).FirmwareType(), crossystem.FirmwareDeveloper; got != want {
		t.Fatalf("firmware type %v, want %v", got, want)
	}
}

func sliceRange(b []byte) memwipe.Range {
	start := uint64(uintptr(unsafe.Pointer(unsafe.SliceData(b))))
	return memwipe.Range{Start: start, End: start + uint64(len(b))}
}

func overlaps(a, b memwipe.Range) bool {
	return a.Start < b.End && b.Start < a.End
}

func TestRunWipesMemory(t *testing.T) {
	for _, wipe := range []bool{false, true} {
		t.Run(fmt.Sprintf("wipe=%v", wipe), func(t *testing.T) {
			f := newFixture(t)
			f.verifier.Selection = vboot.SelectFirmwareA
			f.verifier.InitResult.WipeMemory = wipe
			f.board.Layout = vboot.MemoryLayout{RAM: memwipe.Range{Start: 0x1000, End: 1 << 62}}

			f.c.Run(context.Background())

			if got := len(f.memory.zeroed) > 0; got != wipe {
				t.Fatalf("memory wiped: %v, want %v", got, wipe)
			}
			if !wipe {
				return
			}

			p := f.verifier.Inits[0]
			for _, keep := range [][]byte{p.Data, p.GBB.Bytes(), f.c.LoadBuffer, f.c.KernelBuffer} {
				k := sliceRange(keep)
				for _, z := range f.memory.zeroed {
					if overlaps(k, z) {
						t.Fatalf("wiped range %#x-%#x overlaps live buffer %#x-%#x", z.Start, z.End, k.Start, k.End)
					}
				}
			}
		})
	}
}

func TestRunReadWrite(t *testing.T) {
	ro := newFixture(t)
	ro.verifier.Selection = vboot.SelectFirmwareA
	ro.board.NV = crossystem.NVContext{Storage: crossystem.NVUnset, LBA: 34, Size: 16}
	ro.c.Run(context.Background())

	j := ro.board.Jumps[0]
	copy(j.Record[crossystem.RecordSize-crossystem.VerifierDataSize:], "verifier state")

	f := newFixture(t)
	if got := f.c.RunReadWrite(context.Background(), j.Record, j.GBB); got != vboot.OutcomeKernel {
		t.Fatalf("RunReadWrite = %v, want %v", got, vboot.OutcomeKernel)
	}

	if f.board.Reinits != 1 {
		t.Errorf("secure transport reinitialized %d times, want 1", f.board.Reinits)
	}
	if len(f.verifier.Inits) != 0 || len(f.verifier.VBlocks) != 0 {
		t.Error("firmware selection ran in RW")
	}
	if !bytes.HasPrefix(f.verifier.Resumed, []byte("verifier state")) {
		t.Error("verifier not resumed from record")
	}

	r := handedOff(t, f.board)
	if got, want := r.NVContext(), (crossystem.NVContext{Storage: crossystem.NVLegacyDefault, LBA: 34, Size: 16}); got != want {
		t.Errorf("NV context %+v, want %+v", got, want)
	}
	if got, want := r.FirmwareID(), "A-1.0"; got != want {
		t.Errorf("firmware id %q, want %q", got, want)
	}
}

func TestRunReadWriteIntegrity(t *testing.T) {
	ro := newFixture(t)
	ro.verifier.Selection = vboot.SelectFirmwareA
	ro.c.Run(context.Background())
	j := ro.board.Jumps[0]

	for _, test := range []struct {
		name    string
		corrupt func(rec, g []byte) ([]byte, []byte)
	}{
		{
			name:    "record signature",
			corrupt: func(rec, g []byte) ([]byte, []byte) { rec[4] ^= 0xff; return rec, g },
		},
		{
			name:    "record size",
			corrupt: func(rec, g []byte) ([]byte, []byte) { return rec[:len(rec)-1], g },
		},
		{
			name:    "GBB magic",
			corrupt: func(rec, g []byte) ([]byte, []byte) { g[0] = 0; return rec, g },
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			rec, g := test.corrupt(bytes.Clone(j.Record), bytes.Clone(j.GBB))

			f := newFixture(t)
			if got := f.c.RunReadWrite(context.Background(), rec, g); got != vboot.OutcomeReset {
				t.Fatalf("RunReadWrite = %v, want %v", got, vboot.OutcomeReset)
			}
			if f.verifier.Loads != 0 {
				t.Fatal("kernel loaded from untrusted state")
			}
		})
	}
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if got := f.c.Run(ctx); got != vboot.OutcomeReset {
		t.Fatalf("Run = %v, want %v", got, vboot.OutcomeReset)
	}
}
