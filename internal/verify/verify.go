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

package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-semver/semver"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-vboot/crossystem"
	"github.com/transparency-dev/armored-vboot/ec"
	"github.com/transparency-dev/armored-vboot/fmap"
	"github.com/transparency-dev/armored-vboot/gbb"
	"github.com/transparency-dev/armored-vboot/rpmb"
	"github.com/transparency-dev/armored-vboot/vboot"
)

// SignatureCheck authenticates buf against a detached signature and an
// encoded public key.
type SignatureCheck func(buf []byte, sig []byte, pubKey string) error

// KernelSource returns the kernel candidate to boot.
type KernelSource interface {
	Kernel() (vblock []byte, image []byte, err error)
}

// TryCount is the number of boots a newly preferred slot is attempted.
const TryCount = 3

// Verifier is a reference vboot.Verifier.
type Verifier struct {
	// Check verifies firmware and kernel signatures.
	Check SignatureCheck

	// FirmwareVersion and KernelVersion, when set, enforce rollback
	// protection.
	FirmwareVersion *rpmb.Version
	KernelVersion   *rpmb.Version
	// NV, when set, keeps the non-volatile context.
	NV *rpmb.Context

	// Kernels is the kernel source, a nil source has no kernels.
	Kernels     KernelSource
	CommandLine string

	// EC and FlashMap, when set, enable EC software sync.
	EC       *ec.Sync
	FlashMap *fmap.Map

	gbb  *gbb.Block
	data []byte
	nv   NVContext
	st   state
}

func key(b []byte) string {
	return string(bytes.TrimRight(b, "\x00"))
}

func (v *Verifier) storeNV() error {
	if v.NV == nil {
		return nil
	}

	buf, err := v.nv.MarshalBinary()
	if err != nil {
		return err
	}

	return v.NV.Store(buf)
}

// Init implements vboot.Verifier.
func (v *Verifier) Init(_ context.Context, p vboot.InitParams) (r vboot.InitResult, err error) {
	if p.GBB == nil {
		return r, errors.New("missing vendor binary block")
	}

	v.gbb = p.GBB
	v.data = p.Data
	v.nv = NVContext{}

	if v.NV != nil {
		buf := make([]byte, NVSize)

		if err = v.NV.Load(buf); err != nil {
			return r, fmt.Errorf("could not load NV context: %v", err)
		}

		if err = v.nv.UnmarshalBinary(buf); err != nil {
			return
		}
	}

	r.Recovery = p.Flags.Recovery || v.nv.RecoveryRequest != 0
	r.Developer = p.Flags.Developer || (p.Flags.VirtualDevSwitch && v.nv.DevMode)
	r.ShowUI = r.Recovery
	r.WipeMemory = r.Recovery || r.Developer

	v.st = state{
		Flags:     p.Flags,
		Recovery:  r.Recovery,
		Developer: r.Developer,
		Slot:      -1,
	}

	if r.Recovery {
		klog.Infof("verify: recovery boot (request: %d)", v.nv.RecoveryRequest)
	}

	return r, v.save()
}

func (v *Verifier) save() error {
	if len(v.data) == 0 {
		return nil
	}
	return v.st.encode(v.data)
}

// Resume implements vboot.Resumer.
func (v *Verifier) Resume(data []byte) error {
	v.data = data

	if err := v.st.decode(data); err != nil {
		return err
	}

	if v.NV != nil {
		buf := make([]byte, NVSize)

		if err := v.NV.Load(buf); err != nil {
			return fmt.Errorf("could not load NV context: %v", err)
		}

		return v.nv.UnmarshalBinary(buf)
	}

	return nil
}

func (v *Verifier) verify(vb *VBlock, pubKey string) error {
	if len(pubKey) == 0 {
		return errors.New("missing public key")
	}

	if v.Check == nil {
		return errors.New("no signature check configured")
	}

	return v.Check(vb.Signed, vb.Signature, pubKey)
}

func (v *Verifier) checkSlot(buf []byte, slot fmap.Slot, src vboot.ImageSource) (*semver.Version, error) {
	vb, err := Parse(buf)
	if err != nil {
		return nil, err
	}

	if err = v.verify(vb, key(v.gbb.RootKey)); err != nil {
		return nil, err
	}

	ver, err := vb.SemVer()
	if err != nil {
		return nil, err
	}

	if v.FirmwareVersion != nil {
		stored, err := v.FirmwareVersion.Get()
		if err != nil {
			return nil, err
		}

		if ver.LessThan(*stored) {
			return nil, fmt.Errorf("%w: %v < %v", rpmb.ErrRollback, ver, stored)
		}
	}

	img, err := src.Range(slot, 0, vb.Size)
	if err != nil {
		return nil, err
	}

	return ver, vb.CheckImage(img)
}

// SelectFirmware implements vboot.Verifier.
func (v *Verifier) SelectFirmware(_ context.Context, vblockA []byte, vblockB []byte, src vboot.ImageSource) (vboot.Selection, error) {
	if v.st.Recovery {
		return vboot.SelectRecovery, v.recovery()
	}

	order := []fmap.Slot{fmap.SlotA, fmap.SlotB}

	if v.nv.TryB && v.nv.TryCount > 0 {
		order = []fmap.Slot{fmap.SlotB, fmap.SlotA}

		if v.nv.TryCount--; v.nv.TryCount == 0 {
			v.nv.TryB = false
		}
	}

	vblocks := [2][]byte{vblockA, vblockB}

	for _, slot := range order {
		ver, err := v.checkSlot(vblocks[slot], slot, src)
		if err != nil {
			klog.Warningf("verify: slot %v rejected, %v", slot, err)
			continue
		}

		if v.FirmwareVersion != nil {
			if err = v.FirmwareVersion.Check(ver); err != nil {
				return vboot.SelectRecovery, err
			}
		}

		klog.Infof("verify: slot %v verified (version %v)", slot, ver)

		v.st.Key = key(v.gbb.RootKey)
		v.st.Slot = int(slot)
		v.st.Firmware = ver.String()

		if err = v.storeNV(); err != nil {
			return vboot.SelectRecovery, err
		}

		if err = v.save(); err != nil {
			return vboot.SelectRecovery, err
		}

		if slot == fmap.SlotA {
			return vboot.SelectFirmwareA, nil
		}

		return vboot.SelectFirmwareB, nil
	}

	klog.Warning("verify: no valid RW firmware, falling back to recovery")

	v.st.Recovery = true
	v.nv.RecoveryRequest = RecoveryNoFirmware

	return vboot.SelectRecovery, v.recovery()
}

// recovery prepares a recovery boot, kernels are then verified with the
// recovery key.
func (v *Verifier) recovery() error {
	if !v.gbb.ImagesLoaded() {
		if err := v.gbb.LoadImages(); err != nil {
			return err
		}
	}

	v.st.Key = key(v.gbb.RecoveryKey)

	if err := v.storeNV(); err != nil {
		return err
	}

	return v.save()
}

func (v *Verifier) syncEC() (crossystem.ECImage, error) {
	if v.EC == nil || v.FlashMap == nil || !v.st.Flags.ECSoftwareSync {
		return crossystem.ECRO, nil
	}

	if v.st.Recovery && v.st.Flags.DisableECSyncForRecovery {
		klog.Info("verify: EC software sync disabled in recovery")
		return crossystem.ECRO, nil
	}

	slot := fmap.SlotA
	if v.st.Slot >= 0 {
		slot = fmap.Slot(v.st.Slot)
	}

	rw, err := v.FlashMap.Slot(slot)
	if err != nil {
		return crossystem.ECRO, err
	}

	img, err := v.EC.Run(rw, v.st.Recovery)

	switch {
	case errors.Is(err, ec.ErrRebootToRORequired):
		return crossystem.ECRO, vboot.NewStatus(vboot.StatusRebootToRORequired, err)
	case err != nil:
		return crossystem.ECRO, fmt.Errorf("EC software sync failed: %w", err)
	case img == ec.ImageRW:
		return crossystem.ECRW, nil
	}

	return crossystem.ECRO, nil
}

// noKernel maps the absence of a bootable kernel to the boot mode specific
// outcome.
func (v *Verifier) noKernel(err error) error {
	switch {
	case v.st.Recovery:
		return vboot.NewStatus(vboot.StatusShutdownRequested, err)
	case v.st.Developer:
		return vboot.NewStatus(vboot.StatusInteractiveShell, err)
	}
	return err
}

func (v *Verifier) loadKernel(buf []byte) (n int, err error) {
	if v.Kernels == nil {
		return 0, errors.New("no kernel source")
	}

	vbuf, img, err := v.Kernels.Kernel()
	if err != nil {
		return 0, fmt.Errorf("could not read kernel: %v", err)
	}

	vb, err := Parse(vbuf)
	if err != nil {
		return 0, fmt.Errorf("kernel: %v", err)
	}

	if err = v.verify(vb, v.st.Key); err != nil {
		if !v.st.Developer {
			return 0, fmt.Errorf("kernel signature: %v", err)
		}
		klog.Warningf("verify: developer mode, ignoring kernel signature error (%v)", err)
	}

	if err = vb.CheckImage(img); err != nil {
		return 0, fmt.Errorf("kernel: %v", err)
	}

	if len(img) > len(buf) {
		return 0, fmt.Errorf("kernel of %d bytes exceeds buffer: %w", len(img), vboot.ErrTooLarge)
	}

	if v.KernelVersion != nil && !v.st.Recovery && !v.st.Developer {
		ver, err := vb.SemVer()
		if err != nil {
			return 0, err
		}

		if err = v.KernelVersion.Check(ver); err != nil {
			return 0, err
		}
	}

	return copy(buf, img), nil
}

// SelectAndLoadKernel implements vboot.Verifier.
func (v *Verifier) SelectAndLoadKernel(_ context.Context, buf []byte) (k vboot.Kernel, err error) {
	if k.ActiveEC, err = v.syncEC(); err != nil {
		return
	}

	n, err := v.loadKernel(buf)
	if err != nil {
		return k, v.noKernel(err)
	}

	if v.st.Recovery && v.nv.RecoveryRequest != 0 {
		v.nv.RecoveryRequest = 0

		if err = v.storeNV(); err != nil {
			return
		}
	}

	k.Image = buf[:n]
	k.CommandLine = v.CommandLine

	return
}
